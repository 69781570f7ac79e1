package telematics

import (
	"time"

	"github.com/ukydev/fleet-compliance/internal/models"
)

// Message types a device may send on eld/{driver}/events.
const (
	TypeDutyStatus     = "duty_status"
	TypeMalfunction    = "malfunction"
	TypeDiagnostic     = "diagnostic"
	TypeEngineOn       = string(models.KindEngineOn)
	TypeEngineOff      = string(models.KindEngineOff)
	TypeDriverLogin    = string(models.KindDriverLogin)
	TypeDriverLogout   = string(models.KindDriverLogout)
	TypeLocationUpdate = string(models.KindLocationUpdate)
)

// DeviceMessage is the JSON payload an ELD publishes. The driver named in
// the topic wins over DriverID.
type DeviceMessage struct {
	MessageID   string               `json:"message_id,omitempty"`
	Type        string               `json:"type"`
	DriverID    string               `json:"driver_id,omitempty"`
	VehicleID   string               `json:"vehicle_id"`
	Timestamp   time.Time            `json:"timestamp"`
	DutyStatus  models.DutyStatus    `json:"duty_status,omitempty"`
	Odometer    *float64             `json:"odometer,omitempty"`
	EngineHours *float64             `json:"engine_hours,omitempty"`
	Location    *models.Location     `json:"location,omitempty"`
	Code        string               `json:"code,omitempty"`
	Description string               `json:"description,omitempty"`
	Severity    models.FaultSeverity `json:"severity,omitempty"`
	Cleared     bool                 `json:"cleared,omitempty"`
	Remarks     string               `json:"remarks,omitempty"`
}

// Rejection is published to eld/{driver}/rejections when a message cannot
// be recorded.
type Rejection struct {
	MessageID string `json:"message_id,omitempty"`
	EventType string `json:"event_type"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

// EventsTopic is the subscription covering every driver's device feed.
const EventsTopic = "eld/+/events"

// DriverEventsTopic is the topic a device for driverID publishes to.
func DriverEventsTopic(driverID string) string { return "eld/" + driverID + "/events" }

// RejectionsTopic is where rejections for driverID go.
func RejectionsTopic(driverID string) string { return "eld/" + driverID + "/rejections" }

// ViolationsTopic carries raised and resolved violations for driverID.
func ViolationsTopic(driverID string) string { return "fleet/drivers/" + driverID + "/violations" }

// EligibilityTopic carries dispatch eligibility changes for vehicleID.
func EligibilityTopic(vehicleID string) string { return "fleet/vehicles/" + vehicleID + "/eligibility" }
