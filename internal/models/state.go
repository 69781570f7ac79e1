package models

import "time"

// HOSState is the derived view of a driver's duty status and time budgets at
// AsOf. It is always recomputed from the event log and never stored.
type HOSState struct {
	DriverID             string     `json:"driver_id"`
	AsOf                 time.Time  `json:"as_of"`
	CurrentStatus        DutyStatus `json:"current_status"`
	StatusStartTime      time.Time  `json:"status_start_time"`
	CurrentStatusEventID string     `json:"current_status_event_id,omitempty"`
	ShiftStart           *time.Time `json:"shift_start,omitempty"`
	OnDutySince          *time.Time `json:"on_duty_since,omitempty"`
	OnDutySinceEventID   string     `json:"-"`

	DriveTimeUsed      Minutes `json:"drive_time_used"`
	OnDutyTimeUsed     Minutes `json:"on_duty_time_used"`
	ShiftWindowElapsed Minutes `json:"shift_window_elapsed"`
	CycleTimeUsed      Minutes `json:"cycle_time_used"`
	DrivingSinceBreak  Minutes `json:"driving_since_break"`

	RemainingDriveTime  Minutes   `json:"remaining_drive_time"`
	RemainingOnDutyTime Minutes   `json:"remaining_on_duty_time"`
	RemainingCycleTime  Minutes   `json:"remaining_cycle_time"`
	NextBreakDeadline   time.Time `json:"next_break_deadline"`

	// Moments the log first reached each limit inside the current shift, or
	// for the cycle inside the current on-duty run; nil while the limit has
	// not been reached.
	DriveLimitReachedAt  *time.Time `json:"drive_limit_reached_at,omitempty"`
	OnDutyLimitReachedAt *time.Time `json:"on_duty_limit_reached_at,omitempty"`
	CycleLimitReachedAt  *time.Time `json:"cycle_limit_reached_at,omitempty"`
	BreakThresholdAt     *time.Time `json:"break_threshold_at,omitempty"`

	// Events that opened the segments in which each limit was reached.
	DriveLimitEventID  string `json:"-"`
	OnDutyLimitEventID string `json:"-"`
	CycleLimitEventID  string `json:"-"`
	BreakEventID       string `json:"-"`
}

// HOSBaseline is an operator-supplied known-good state used when a driver's
// log begins in the middle of a duty period.
type HOSBaseline struct {
	At                time.Time  `bson:"at" json:"at"`
	Status            DutyStatus `bson:"status" json:"status"`
	ShiftStart        *time.Time `bson:"shift_start,omitempty" json:"shift_start,omitempty"`
	DriveUsed         Minutes    `bson:"drive_used" json:"drive_used"`
	OnDutyUsed        Minutes    `bson:"on_duty_used" json:"on_duty_used"`
	CycleUsed         Minutes    `bson:"cycle_used" json:"cycle_used"`
	DrivingSinceBreak Minutes    `bson:"driving_since_break" json:"driving_since_break"`
}
