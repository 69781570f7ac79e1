package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/compliance"
	"github.com/ukydev/fleet-compliance/internal/edits"
	"github.com/ukydev/fleet-compliance/internal/eventlog"
	"github.com/ukydev/fleet-compliance/internal/middleware"
	"github.com/ukydev/fleet-compliance/internal/models"
)

// Compliance is the set of operations the HOS endpoints call.
type Compliance interface {
	DeviceRecorder
	SubmitDutyStatusChange(ctx context.Context, in compliance.DutyStatusInput) (string, error)
	ReportMalfunction(ctx context.Context, in compliance.FaultInput) (string, error)
	ReportDiagnostic(ctx context.Context, in compliance.FaultInput) (string, error)
	GetEvent(ctx context.Context, eventID string) (*models.HOSEvent, error)
	RequestEdit(ctx context.Context, in edits.RequestInput) (models.EditRequest, error)
	DecideEdit(ctx context.Context, requestID, approverID string, approve bool) (models.EditRequest, error)
	GetEdit(ctx context.Context, requestID string) (*models.EditRequest, error)
	ListEdits(ctx context.Context, driverID string, status models.EditStatus) ([]models.EditRequest, error)
	SubmitInspection(ctx context.Context, rec models.InspectionRecord) (string, error)
	GetCurrentState(ctx context.Context, driverID string, asOf time.Time) (models.HOSState, error)
	GetActiveViolations(ctx context.Context, driverID string, asOf time.Time) ([]models.Violation, error)
	GetEventHistory(ctx context.Context, q compliance.HistoryQuery) (eventlog.Page, error)
	VehicleEligibility(ctx context.Context, vehicleID string, asOf time.Time) (models.VehicleEligibility, error)
	RegisterDriver(ctx context.Context, req models.RegisterRequest) (models.User, error)
	SetBaseline(ctx context.Context, driverID string, b *models.HOSBaseline) error
	VerifyLog(ctx context.Context, driverID string) (eventlog.VerifyReport, error)
	Drivers(ctx context.Context) ([]models.User, error)
	FleetViolations(ctx context.Context, asOf time.Time) (compliance.FleetReport, error)
}

// HOSHandler serves the duty log, state, edit and DVIR endpoints.
type HOSHandler struct {
	svc Compliance
}

// NewHOSHandler returns an HOSHandler.
func NewHOSHandler(svc Compliance) *HOSHandler {
	return &HOSHandler{svc: svc}
}

// authorize checks the caller may perform action on driverID's log. Drivers
// only reach their own log.
func authorize(r *http.Request, driverID, action string) (*models.Claims, error) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		return nil, apperr.ErrForbidden
	}
	if !models.RoleHasPermission(claims.Role, action) {
		return nil, apperr.ErrForbidden
	}
	if driverID != "" && claims.Role == models.RoleDriver && claims.UserID != driverID {
		return nil, apperr.ErrForbidden
	}
	return claims, nil
}

func parseTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, apperr.Validation(key, "expected an RFC 3339 timestamp")
	}
	return t, nil
}

// SubmitDutyStatus handles POST /api/drivers/{id}/duty-status.
func (h *HOSHandler) SubmitDutyStatus(w http.ResponseWriter, r *http.Request) {
	driverID := r.PathValue("id")
	if _, err := authorize(r, driverID, models.ActionLogDuty); err != nil {
		writeError(w, r, err)
		return
	}
	var in compliance.DutyStatusInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.DriverID = driverID
	id, err := h.svc.SubmitDutyStatusChange(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"event_id": id})
}

// ReportMalfunction handles POST /api/drivers/{id}/malfunctions.
func (h *HOSHandler) ReportMalfunction(w http.ResponseWriter, r *http.Request) {
	h.reportFault(w, r, h.svc.ReportMalfunction)
}

// ReportDiagnostic handles POST /api/drivers/{id}/diagnostics.
func (h *HOSHandler) ReportDiagnostic(w http.ResponseWriter, r *http.Request) {
	h.reportFault(w, r, h.svc.ReportDiagnostic)
}

func (h *HOSHandler) reportFault(w http.ResponseWriter, r *http.Request, report func(context.Context, compliance.FaultInput) (string, error)) {
	driverID := r.PathValue("id")
	if _, err := authorize(r, driverID, models.ActionReportDevice); err != nil {
		writeError(w, r, err)
		return
	}
	var in compliance.FaultInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.DriverID = driverID
	id, err := report(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"event_id": id})
}

// RecordDeviceEvent handles POST /api/drivers/{id}/device-events.
func (h *HOSHandler) RecordDeviceEvent(w http.ResponseWriter, r *http.Request) {
	driverID := r.PathValue("id")
	if _, err := authorize(r, driverID, models.ActionReportDevice); err != nil {
		writeError(w, r, err)
		return
	}
	var in compliance.DeviceEventInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.DriverID = driverID
	id, err := h.svc.RecordDeviceEvent(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"event_id": id})
}

// GetState handles GET /api/drivers/{id}/state?as_of=.
func (h *HOSHandler) GetState(w http.ResponseWriter, r *http.Request) {
	driverID := r.PathValue("id")
	if _, err := authorize(r, driverID, models.ActionViewLogs); err != nil {
		writeError(w, r, err)
		return
	}
	asOf, err := parseTime(r, "as_of")
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.svc.GetCurrentState(r.Context(), driverID, asOf)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateView(st))
}

// StateView is HOSState with its budgets also rendered as "HH:MM" for
// dashboards.
type StateView struct {
	models.HOSState
	Display map[string]string `json:"display"`
}

func newStateView(st models.HOSState) StateView {
	return StateView{HOSState: st, Display: map[string]string{
		"drive_time_used":        st.DriveTimeUsed.HHMM(),
		"on_duty_time_used":      st.OnDutyTimeUsed.HHMM(),
		"shift_window_elapsed":   st.ShiftWindowElapsed.HHMM(),
		"cycle_time_used":        st.CycleTimeUsed.HHMM(),
		"driving_since_break":    st.DrivingSinceBreak.HHMM(),
		"remaining_drive_time":   st.RemainingDriveTime.HHMM(),
		"remaining_on_duty_time": st.RemainingOnDutyTime.HHMM(),
		"remaining_cycle_time":   st.RemainingCycleTime.HHMM(),
	}}
}

// GetViolations handles GET /api/drivers/{id}/violations?as_of=.
func (h *HOSHandler) GetViolations(w http.ResponseWriter, r *http.Request) {
	driverID := r.PathValue("id")
	if _, err := authorize(r, driverID, models.ActionViewLogs); err != nil {
		writeError(w, r, err)
		return
	}
	asOf, err := parseTime(r, "as_of")
	if err != nil {
		writeError(w, r, err)
		return
	}
	vs, err := h.svc.GetActiveViolations(r.Context(), driverID, asOf)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

// EventPage is the GET /api/drivers/{id}/events response body.
type EventPage struct {
	Events []models.HOSEvent `json:"events"`
	Next   string            `json:"next,omitempty"`
}

// GetEvents handles GET /api/drivers/{id}/events?from&to&after&limit&kind.
func (h *HOSHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	driverID := r.PathValue("id")
	if _, err := authorize(r, driverID, models.ActionViewLogs); err != nil {
		writeError(w, r, err)
		return
	}
	q := compliance.HistoryQuery{DriverID: driverID}
	var err error
	if q.Range.From, err = parseTime(r, "from"); err != nil {
		writeError(w, r, err)
		return
	}
	if q.Range.To, err = parseTime(r, "to"); err != nil {
		writeError(w, r, err)
		return
	}
	if q.After, err = eventlog.ParseCursor(r.URL.Query().Get("after")); err != nil {
		writeError(w, r, err)
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > eventlog.MaxPageSize {
			writeError(w, r, apperr.Validation("limit", "limit must be between 1 and "+strconv.Itoa(eventlog.MaxPageSize)))
			return
		}
		q.Limit = n
	}
	for _, k := range r.URL.Query()["kind"] {
		q.Kinds = append(q.Kinds, models.EventKind(k))
	}

	page, err := h.svc.GetEventHistory(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EventPage{Events: page.Events, Next: eventlog.EncodeCursor(page.Next)})
}

// VerifyLog handles GET /api/drivers/{id}/verify.
func (h *HOSHandler) VerifyLog(w http.ResponseWriter, r *http.Request) {
	driverID := r.PathValue("id")
	if _, err := authorize(r, driverID, models.ActionAuditLogs); err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.svc.VerifyLog(r.Context(), driverID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListEdits handles GET /api/drivers/{id}/edits?status=.
func (h *HOSHandler) ListEdits(w http.ResponseWriter, r *http.Request) {
	driverID := r.PathValue("id")
	if _, err := authorize(r, driverID, models.ActionViewLogs); err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.svc.ListEdits(r.Context(), driverID, models.EditStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// RegisterDriver handles POST /api/drivers.
func (h *HOSHandler) RegisterDriver(w http.ResponseWriter, r *http.Request) {
	if _, err := authorize(r, "", models.ActionManageDrivers); err != nil {
		writeError(w, r, err)
		return
	}
	var req models.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.svc.RegisterDriver(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// ListDrivers handles GET /api/drivers.
func (h *HOSHandler) ListDrivers(w http.ResponseWriter, r *http.Request) {
	claims, err := authorize(r, "", models.ActionViewLogs)
	if err == nil && claims.Role == models.RoleDriver {
		err = apperr.ErrForbidden
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	drivers, err := h.svc.Drivers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drivers)
}

// SetBaseline handles PUT /api/drivers/{id}/baseline.
func (h *HOSHandler) SetBaseline(w http.ResponseWriter, r *http.Request) {
	driverID := r.PathValue("id")
	if _, err := authorize(r, driverID, models.ActionSetBaseline); err != nil {
		writeError(w, r, err)
		return
	}
	var b models.HOSBaseline
	if err := decode(r, &b); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.SetBaseline(r.Context(), driverID, &b); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// RequestEdit handles POST /api/edits. The requester is the caller.
func (h *HOSHandler) RequestEdit(w http.ResponseWriter, r *http.Request) {
	claims, err := authorize(r, "", models.ActionRequestEdit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in edits.RequestInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.RequestedBy = claims.UserID
	if claims.Role == models.RoleDriver {
		target, err := h.svc.GetEvent(r.Context(), in.TargetEventID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if target.DriverID != claims.UserID {
			writeError(w, r, apperr.ErrForbidden)
			return
		}
	}
	req, err := h.svc.RequestEdit(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// GetEdit handles GET /api/edits/{id}.
func (h *HOSHandler) GetEdit(w http.ResponseWriter, r *http.Request) {
	claims, err := authorize(r, "", models.ActionViewLogs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := h.svc.GetEdit(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if claims.Role == models.RoleDriver && req.DriverID != claims.UserID && req.RequestedBy != claims.UserID {
		writeError(w, r, apperr.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	Approve bool `json:"approve"`
}

// DecideEdit handles POST /api/edits/{id}/decision. The approver is the
// caller.
func (h *HOSHandler) DecideEdit(w http.ResponseWriter, r *http.Request) {
	claims, err := authorize(r, "", models.ActionDecideEdit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body decisionRequest
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := h.svc.DecideEdit(r.Context(), r.PathValue("id"), claims.UserID, body.Approve)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// SubmitInspection handles POST /api/inspections. A driver always submits
// as themselves.
func (h *HOSHandler) SubmitInspection(w http.ResponseWriter, r *http.Request) {
	claims, err := authorize(r, "", models.ActionSubmitDVIR)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var rec models.InspectionRecord
	if err := decode(r, &rec); err != nil {
		writeError(w, r, err)
		return
	}
	if claims.Role == models.RoleDriver {
		rec.DriverID = claims.UserID
	}
	id, err := h.svc.SubmitInspection(r.Context(), rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"inspection_id": id})
}

// GetEligibility handles GET /api/vehicles/{id}/eligibility?as_of=.
func (h *HOSHandler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	if _, err := authorize(r, "", models.ActionViewEligibility); err != nil {
		writeError(w, r, err)
		return
	}
	asOf, err := parseTime(r, "as_of")
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, err := h.svc.VehicleEligibility(r.Context(), r.PathValue("id"), asOf)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// FleetViolations handles GET /api/fleet/violations?as_of=.
func (h *HOSHandler) FleetViolations(w http.ResponseWriter, r *http.Request) {
	claims, err := authorize(r, "", models.ActionViewLogs)
	if err == nil && claims.Role == models.RoleDriver {
		err = apperr.ErrForbidden
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	asOf, err := parseTime(r, "as_of")
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.svc.FleetViolations(r.Context(), asOf)
	if err != nil {
		writeError(w, r, err)
		return
	}
	failed := make(map[string]string, len(report.Errors))
	for id, e := range report.Errors {
		failed[id] = apperr.CodeOf(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"as_of":      report.AsOf,
		"violations": report.Violations,
		"errors":     failed,
	})
}
