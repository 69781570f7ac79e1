package models

import "time"

// Severity of a violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RuleCode identifies the rule a violation was raised under.
type RuleCode string

const (
	RuleDriveTimeExceeded RuleCode = "DRIVE_TIME_EXCEEDED"
	RuleOnDutyExceeded    RuleCode = "ON_DUTY_EXCEEDED"
	RuleCycleExceeded     RuleCode = "CYCLE_EXCEEDED"
	RuleBreakRequired     RuleCode = "BREAK_REQUIRED"
	RuleELDMalfunction    RuleCode = "ELD_MALFUNCTION"
	RuleDiagnosticUnacked RuleCode = "ELD_DIAGNOSTIC_UNACKNOWLEDGED"
)

// Violation is a computed alert. Its ID is derived from the rule code and the
// triggering event ids, so evaluating the same log prefix twice yields the
// same value.
type Violation struct {
	ID              string     `json:"id"`
	DriverID        string     `json:"driver_id"`
	RuleCode        RuleCode   `json:"rule_code"`
	Severity        Severity   `json:"severity"`
	Message         string     `json:"message"`
	DetectedAt      time.Time  `json:"detected_at"`
	RelatedEventIDs []string   `json:"related_event_ids"`
	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}
