package handlers

import (
	"net/http"
	"time"

	"github.com/ukydev/fleet-compliance/internal/middleware"
	"github.com/ukydev/fleet-compliance/internal/models"
)

// Login attempts allowed per client IP per loginWindow.
const (
	loginAttempts = 10
	loginWindow   = time.Minute
)

// RouterDeps are the pieces NewRouter wires together.
type RouterDeps struct {
	Auth      *AuthHandler
	HOS       *HOSHandler
	Guard     *middleware.AuthMiddleware
	RateLimit *middleware.RateLimitMiddleware
}

// NewRouter registers every endpoint and wraps the mux with request ids,
// access logging and token authentication.
func NewRouter(d RouterDeps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	login := http.Handler(http.HandlerFunc(d.Auth.Login))
	if d.RateLimit != nil {
		login = d.RateLimit.RateLimit(loginAttempts, loginWindow)(login)
	}
	mux.Handle("POST /api/auth/login", login)
	mux.HandleFunc("POST /api/auth/logout", d.Auth.Logout)
	mux.HandleFunc("GET /api/auth/profile", d.Auth.GetProfile)

	manage := d.Guard.RequirePermission(models.ActionManageDrivers)
	mux.Handle("POST /api/drivers", manage(http.HandlerFunc(d.HOS.RegisterDriver)))
	mux.HandleFunc("GET /api/drivers", d.HOS.ListDrivers)
	mux.HandleFunc("PUT /api/drivers/{id}/baseline", d.HOS.SetBaseline)
	mux.HandleFunc("POST /api/drivers/{id}/duty-status", d.HOS.SubmitDutyStatus)
	mux.HandleFunc("POST /api/drivers/{id}/malfunctions", d.HOS.ReportMalfunction)
	mux.HandleFunc("POST /api/drivers/{id}/diagnostics", d.HOS.ReportDiagnostic)
	mux.HandleFunc("POST /api/drivers/{id}/device-events", d.HOS.RecordDeviceEvent)
	mux.HandleFunc("GET /api/drivers/{id}/state", d.HOS.GetState)
	mux.HandleFunc("GET /api/drivers/{id}/violations", d.HOS.GetViolations)
	mux.HandleFunc("GET /api/drivers/{id}/events", d.HOS.GetEvents)
	mux.HandleFunc("GET /api/drivers/{id}/verify", d.HOS.VerifyLog)
	mux.HandleFunc("GET /api/drivers/{id}/edits", d.HOS.ListEdits)

	mux.HandleFunc("POST /api/edits", d.HOS.RequestEdit)
	mux.HandleFunc("GET /api/edits/{id}", d.HOS.GetEdit)
	mux.HandleFunc("POST /api/edits/{id}/decision", d.HOS.DecideEdit)

	mux.HandleFunc("POST /api/inspections", d.HOS.SubmitInspection)
	mux.HandleFunc("GET /api/vehicles/{id}/eligibility", d.HOS.GetEligibility)

	audit := d.Guard.RequirePermission(models.ActionAuditLogs)
	mux.Handle("GET /api/fleet/violations", audit(http.HandlerFunc(d.HOS.FleetViolations)))

	return middleware.RequestID(middleware.Logging(d.Guard.Authenticate(mux)))
}
