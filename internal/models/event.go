package models

import "time"

// DutyStatus is the driver's regulated duty state. Exactly one is active per
// driver at any instant.
type DutyStatus string

const (
	StatusOffDuty          DutyStatus = "off_duty"
	StatusSleeperBerth     DutyStatus = "sleeper_berth"
	StatusDriving          DutyStatus = "driving"
	StatusOnDutyNotDriving DutyStatus = "on_duty_not_driving"
)

// IsValid reports whether s is a known duty status.
func (s DutyStatus) IsValid() bool {
	switch s {
	case StatusOffDuty, StatusSleeperBerth, StatusDriving, StatusOnDutyNotDriving:
		return true
	default:
		return false
	}
}

// OnDuty reports whether time spent in s counts against on-duty budgets.
func (s DutyStatus) OnDuty() bool {
	return s == StatusDriving || s == StatusOnDutyNotDriving
}

// Resting reports whether s counts toward a rest period.
func (s DutyStatus) Resting() bool {
	return s == StatusOffDuty || s == StatusSleeperBerth
}

// EventKind classifies a logged event.
type EventKind string

const (
	KindDutyStatusChange EventKind = "duty_status_change"
	KindEngineOn         EventKind = "engine_on"
	KindEngineOff        EventKind = "engine_off"
	KindDriverLogin      EventKind = "driver_login"
	KindDriverLogout     EventKind = "driver_logout"
	KindLocationUpdate   EventKind = "location_update"
	KindMalfunction      EventKind = "malfunction"
	KindDiagnostic       EventKind = "diagnostic"
	KindEditApproved     EventKind = "edit_approved"
)

// IsValid reports whether k is a known event kind.
func (k EventKind) IsValid() bool {
	switch k {
	case KindDutyStatusChange, KindEngineOn, KindEngineOff, KindDriverLogin, KindDriverLogout,
		KindLocationUpdate, KindMalfunction, KindDiagnostic, KindEditApproved:
		return true
	default:
		return false
	}
}

// FaultSeverity is the severity a device reports for a malfunction or
// diagnostic event.
type FaultSeverity string

const (
	FaultWarning  FaultSeverity = "warning"
	FaultCritical FaultSeverity = "critical"
)

// DeviceFault is the payload of Malfunction and Diagnostic events. A later
// event of the same kind and code with Cleared set resolves it.
type DeviceFault struct {
	Code        string        `bson:"code" json:"code"`
	Description string        `bson:"description,omitempty" json:"description,omitempty"`
	Severity    FaultSeverity `bson:"severity,omitempty" json:"severity,omitempty"`
	Cleared     bool          `bson:"cleared" json:"cleared"`
}

// HOSEvent is an immutable fact in a driver's log. Once appended none of its
// fields change; corrections are new EditApproved events that reference the
// original through SupersedesEventID.
type HOSEvent struct {
	ID                string       `bson:"_id" json:"id"`
	DriverID          string       `bson:"driver_id" json:"driver_id"`
	VehicleID         string       `bson:"vehicle_id" json:"vehicle_id"`
	Sequence          int64        `bson:"sequence" json:"sequence"`
	Timestamp         time.Time    `bson:"timestamp" json:"timestamp"`
	Kind              EventKind    `bson:"kind" json:"kind"`
	DutyStatus        DutyStatus   `bson:"duty_status,omitempty" json:"duty_status,omitempty"`
	Odometer          *float64     `bson:"odometer,omitempty" json:"odometer,omitempty"`
	EngineHours       *float64     `bson:"engine_hours,omitempty" json:"engine_hours,omitempty"`
	Location          *Location    `bson:"location,omitempty" json:"location,omitempty"`
	Remarks           string       `bson:"remarks,omitempty" json:"remarks,omitempty"`
	SupersedesEventID string       `bson:"supersedes_event_id,omitempty" json:"supersedes_event_id,omitempty"`
	EffectiveAt       *time.Time   `bson:"effective_at,omitempty" json:"effective_at,omitempty"`
	Device            *DeviceFault `bson:"device,omitempty" json:"device,omitempty"`
	RecordedAt        time.Time    `bson:"recorded_at" json:"recorded_at"`
	PrevHash          string       `bson:"prev_hash" json:"prev_hash"`
	ContentHash       string       `bson:"content_hash" json:"content_hash"`
}

// Before reports whether e sorts before o in the driver's total order.
func (e HOSEvent) Before(o HOSEvent) bool {
	if e.Timestamp.Equal(o.Timestamp) {
		return e.Sequence < o.Sequence
	}
	return e.Timestamp.Before(o.Timestamp)
}

// TimeRange is a half-open interval [From, To). A zero bound is unbounded.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}
