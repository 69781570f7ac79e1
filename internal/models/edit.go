package models

import "time"

// EditStatus is the lifecycle state of an edit request.
type EditStatus string

const (
	EditPending  EditStatus = "pending"
	EditApproved EditStatus = "approved"
	EditRejected EditStatus = "rejected"
)

// Correction holds the fields an edit request proposes for the target event.
// Nil or empty fields keep the target's value.
type Correction struct {
	DutyStatus  DutyStatus `bson:"duty_status,omitempty" json:"duty_status,omitempty"`
	EffectiveAt *time.Time `bson:"effective_at,omitempty" json:"effective_at,omitempty"`
	Location    *Location  `bson:"location,omitempty" json:"location,omitempty"`
	Remarks     string     `bson:"remarks,omitempty" json:"remarks,omitempty"`
	Odometer    *float64   `bson:"odometer,omitempty" json:"odometer,omitempty"`
	EngineHours *float64   `bson:"engine_hours,omitempty" json:"engine_hours,omitempty"`
}

// IsEmpty reports whether the correction changes nothing.
func (c Correction) IsEmpty() bool {
	return c.DutyStatus == "" && c.EffectiveAt == nil && c.Location == nil &&
		c.Remarks == "" && c.Odometer == nil && c.EngineHours == nil
}

// EditRequest is a proposed correction to a logged event. It transitions
// exactly once from Pending to Approved or Rejected. RequestedEventID is the
// event the requester named; it differs from TargetEventID when an earlier
// correction was edited.
type EditRequest struct {
	ID               string     `bson:"_id" json:"id"`
	TargetEventID    string     `bson:"target_event_id" json:"target_event_id"`
	RequestedEventID string     `bson:"requested_event_id,omitempty" json:"requested_event_id,omitempty"`
	DriverID         string     `bson:"driver_id" json:"driver_id"`
	RequestedBy      string     `bson:"requested_by" json:"requested_by"`
	Reason           string     `bson:"reason" json:"reason"`
	Proposed         Correction `bson:"proposed" json:"proposed"`
	Status           EditStatus `bson:"status" json:"status"`
	ApproverID       string     `bson:"approver_id,omitempty" json:"approver_id,omitempty"`
	DecidedAt        *time.Time `bson:"decided_at,omitempty" json:"decided_at,omitempty"`
	ResultEventID    string     `bson:"result_event_id,omitempty" json:"result_event_id,omitempty"`
	CreatedAt        time.Time  `bson:"created_at" json:"created_at"`
}
