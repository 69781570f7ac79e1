package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/auth"
	"github.com/ukydev/fleet-compliance/internal/compliance"
	"github.com/ukydev/fleet-compliance/internal/db"
	"github.com/ukydev/fleet-compliance/internal/middleware"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/zoobzio/clockz"
)

// DeviceRecorder appends login and logout events to a driver's log.
type DeviceRecorder interface {
	RecordDeviceEvent(ctx context.Context, in compliance.DeviceEventInput) (string, error)
}

// AuthHandler handles authentication requests
type AuthHandler struct {
	authService    *auth.Service
	userCollection db.UserCollection
	devices        DeviceRecorder
	clock          clockz.Clock
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(authService *auth.Service, userCollection db.UserCollection, devices DeviceRecorder, clock clockz.Clock) *AuthHandler {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &AuthHandler{
		authService:    authService,
		userCollection: userCollection,
		devices:        devices,
		clock:          clock,
	}
}

// Login checks a PIN and issues a token. A driver logging in to a vehicle
// gets a DriverLogin event on their log.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var loginReq models.LoginRequest
	if err := decode(r, &loginReq); err != nil {
		writeError(w, r, err)
		return
	}
	loginReq.UserID = strings.TrimSpace(loginReq.UserID)
	if loginReq.UserID == "" || loginReq.PIN == "" {
		http.Error(w, "User ID and PIN are required", http.StatusBadRequest)
		return
	}

	user, err := h.userCollection.FindUserByID(r.Context(), loginReq.UserID)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.authService.Authenticate(user, loginReq.PIN)
	switch {
	case errors.Is(err, auth.ErrUserInactive):
		http.Error(w, "Account is deactivated", http.StatusUnauthorized)
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	case err != nil:
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	if user.Role == models.RoleDriver && loginReq.VehicleID != "" {
		if _, err := h.devices.RecordDeviceEvent(r.Context(), compliance.DeviceEventInput{
			DriverID:  user.ID,
			VehicleID: loginReq.VehicleID,
			Kind:      models.KindDriverLogin,
		}); err != nil {
			writeError(w, r, err)
			return
		}
	}

	if err := h.userCollection.UpdateLastLogin(r.Context(), user.ID, h.clock.Now().UTC()); err != nil {
		// Log error but don't fail the login
		log.WithError(err).WithField("user_id", user.ID).Warn("Failed to update last login")
	}

	writeJSON(w, http.StatusOK, models.LoginResponse{Token: token, User: *user})
}

type logoutRequest struct {
	VehicleID string `json:"vehicle_id"`
}

// Logout appends a DriverLogout event for drivers. Tokens are stateless and
// simply expire.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return
	}
	var req logoutRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	resp := map[string]string{"message": "Logged out"}
	if claims.Role == models.RoleDriver {
		id, err := h.devices.RecordDeviceEvent(r.Context(), compliance.DeviceEventInput{
			DriverID:  claims.UserID,
			VehicleID: req.VehicleID,
			Kind:      models.KindDriverLogout,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp["event_id"] = id
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetProfile returns the current user's profile
func (h *AuthHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return
	}

	user, err := h.userCollection.FindUserByID(r.Context(), claims.UserID)
	if errors.Is(err, apperr.ErrNotFound) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
