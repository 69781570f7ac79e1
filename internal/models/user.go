package models

import (
	"time"
)

// Role represents user roles in the system
type Role string

const (
	RoleAdmin           Role = "admin"
	RoleCarrierOfficial Role = "carrier_official"
	RoleDriver          Role = "driver"
	RoleViewer          Role = "viewer"
)

// User is a registered account. Drivers are users with RoleDriver; only they
// own an HOS event log.
type User struct {
	ID            string       `bson:"_id" json:"id"`
	Name          string       `bson:"name" json:"name"`
	CarrierID     string       `bson:"carrier_id" json:"carrier_id"`
	LicenseNumber string       `bson:"license_number,omitempty" json:"license_number,omitempty"`
	PINHash       string       `bson:"pin_hash" json:"-"`
	Role          Role         `bson:"role" json:"role"`
	IsActive      bool         `bson:"is_active" json:"is_active"`
	Baseline      *HOSBaseline `bson:"baseline,omitempty" json:"baseline,omitempty"`
	LastLogin     *time.Time   `bson:"last_login,omitempty" json:"last_login,omitempty"`
	CreatedAt     time.Time    `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `bson:"updated_at" json:"updated_at"`
}

// IsDriver reports whether u can own a duty log.
func (u *User) IsDriver() bool {
	return u.Role == RoleDriver && u.IsActive
}

// LoginRequest represents an ELD login
type LoginRequest struct {
	UserID    string `json:"user_id"`
	PIN       string `json:"pin"`
	VehicleID string `json:"vehicle_id,omitempty"`
}

// RegisterRequest represents a user registration request
type RegisterRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CarrierID     string `json:"carrier_id"`
	LicenseNumber string `json:"license_number"`
	PIN           string `json:"pin"`
	Role          Role   `json:"role"`
}

// LoginResponse represents a successful login response
type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Claims represents JWT claims
type Claims struct {
	UserID    string `json:"user_id"`
	CarrierID string `json:"carrier_id"`
	Role      Role   `json:"role"`
	Exp       int64  `json:"exp"`
}

// IsValidRole checks if a role is valid
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleCarrierOfficial, RoleDriver, RoleViewer:
		return true
	default:
		return false
	}
}

// Actions checked by HasPermission.
const (
	ActionManageDrivers   = "manage_drivers"
	ActionSetBaseline     = "set_baseline"
	ActionLogDuty         = "log_duty"
	ActionReportDevice    = "report_device"
	ActionRequestEdit     = "request_edit"
	ActionDecideEdit      = "decide_edit"
	ActionSubmitDVIR      = "submit_dvir"
	ActionViewLogs        = "view_logs"
	ActionViewEligibility = "view_eligibility"
	ActionAuditLogs       = "audit_logs"
)

// HasPermission checks if a user has permission for a specific action
func (u *User) HasPermission(action string) bool {
	return RoleHasPermission(u.Role, action)
}

// RoleHasPermission is HasPermission for callers that only hold claims.
func RoleHasPermission(role Role, action string) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleCarrierOfficial:
		return action != ActionManageDrivers && action != ActionLogDuty
	case RoleDriver:
		return action == ActionLogDuty || action == ActionReportDevice ||
			action == ActionRequestEdit || action == ActionDecideEdit ||
			action == ActionSubmitDVIR || action == ActionViewLogs ||
			action == ActionViewEligibility
	case RoleViewer:
		return action == ActionViewLogs || action == ActionViewEligibility
	default:
		return false
	}
}
