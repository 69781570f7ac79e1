// Package violations evaluates HOS state and device faults against the
// regulatory thresholds.
package violations

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ukydev/fleet-compliance/internal/hos"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/zoobzio/clockz"
)

// DefaultDiagnosticGrace is how long a diagnostic may stay unresolved before
// it is reported.
const DefaultDiagnosticGrace = 30 * time.Minute

// namespace seeds the name-based violation ids.
var namespace = uuid.MustParse("6f1f8a52-3c1e-4d7b-9a55-0e4f2b8c7d10")

// StateSource computes a driver's HOS state.
type StateSource interface {
	CurrentState(ctx context.Context, driverID string, asOf time.Time) (models.HOSState, error)
	Rules() hos.Rules
}

// EventSource streams a driver's logged events.
type EventSource interface {
	Query(ctx context.Context, driverID string, r models.TimeRange, kinds ...models.EventKind) iter.Seq2[models.HOSEvent, error]
	Settled(ctx context.Context, driverID string) (time.Time, error)
}

// Detector caches only settled fault history, so the same log prefix always
// yields the same set.
type Detector struct {
	state  StateSource
	events EventSource
	grace  time.Duration
	clock  clockz.Clock

	mu     sync.Mutex
	faults map[string]*openFaults
}

// NewDetector returns a Detector. A non-positive grace selects
// DefaultDiagnosticGrace.
func NewDetector(state StateSource, events EventSource, grace time.Duration, clock clockz.Clock) *Detector {
	if grace <= 0 {
		grace = DefaultDiagnosticGrace
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Detector{state: state, events: events, grace: grace, clock: clock, faults: make(map[string]*openFaults)}
}

// Evaluate returns the violations active at asOf (zero means now), sorted
// by rule code then id.
func (d *Detector) Evaluate(ctx context.Context, driverID string, asOf time.Time) ([]models.Violation, error) {
	if asOf.IsZero() {
		asOf = d.clock.Now()
	}
	st, err := d.state.CurrentState(ctx, driverID, asOf)
	if err != nil {
		return nil, err
	}
	out := d.budgetViolations(st)

	faults, err := d.faultViolations(ctx, driverID, st.AsOf)
	if err != nil {
		return nil, err
	}
	out = append(out, faults...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleCode != out[j].RuleCode {
			return out[i].RuleCode < out[j].RuleCode
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (d *Detector) budgetViolations(st models.HOSState) []models.Violation {
	rules := d.state.Rules()
	var out []models.Violation

	if st.CurrentStatus == models.StatusDriving && st.RemainingDriveTime == 0 {
		out = append(out, newViolation(st.DriverID, models.RuleDriveTimeExceeded, models.SeverityCritical,
			fmt.Sprintf("driving time limit of %s exceeded", rules.DriveLimit.HHMM()),
			latest(st.DriveLimitReachedAt, &st.StatusStartTime),
			st.DriveLimitEventID, st.CurrentStatusEventID))
	}
	if st.CurrentStatus.OnDuty() && st.RemainingOnDutyTime == 0 {
		out = append(out, newViolation(st.DriverID, models.RuleOnDutyExceeded, models.SeverityCritical,
			fmt.Sprintf("%s on-duty window exhausted", rules.ShiftWindow.HHMM()),
			latest(st.OnDutyLimitReachedAt, st.OnDutySince),
			st.OnDutyLimitEventID, st.OnDutySinceEventID))
	}
	if st.CurrentStatus.OnDuty() && st.RemainingCycleTime == 0 {
		out = append(out, newViolation(st.DriverID, models.RuleCycleExceeded, models.SeverityCritical,
			fmt.Sprintf("%s/%d-day cycle limit exceeded", rules.CycleLimit.HHMM(), rules.CycleDays),
			latest(st.CycleLimitReachedAt, st.OnDutySince),
			st.CycleLimitEventID, st.OnDutySinceEventID))
	}
	switch {
	case st.DrivingSinceBreak > rules.BreakAfter:
		out = append(out, newViolation(st.DriverID, models.RuleBreakRequired, models.SeverityCritical,
			fmt.Sprintf("driving continued past the %s break deadline", rules.BreakAfter.HHMM()),
			latest(st.BreakThresholdAt, nil), st.BreakEventID))
	case st.DrivingSinceBreak == rules.BreakAfter:
		out = append(out, newViolation(st.DriverID, models.RuleBreakRequired, models.SeverityWarning,
			fmt.Sprintf("%s break required after %s of driving", rules.BreakLength.HHMM(), rules.BreakAfter.HHMM()),
			latest(st.BreakThresholdAt, nil), st.BreakEventID))
	}
	return out
}

type faultKey struct {
	kind models.EventKind
	code string
}

// openFaults tracks uncleared faults by kind and code in first-seen order.
// through is the exclusive timestamp bound of the events folded in.
type openFaults struct {
	through time.Time
	open    map[faultKey][]models.HOSEvent
	order   []faultKey
}

func (o *openFaults) clone() *openFaults {
	c := &openFaults{through: o.through, open: make(map[faultKey][]models.HOSEvent, len(o.open)), order: slices.Clone(o.order)}
	for k, evs := range o.open {
		c.open[k] = slices.Clone(evs)
	}
	return c
}

func (o *openFaults) add(e models.HOSEvent) {
	if e.Device == nil {
		return
	}
	k := faultKey{e.Kind, e.Device.Code}
	if e.Device.Cleared {
		delete(o.open, k)
		o.order = slices.DeleteFunc(o.order, func(x faultKey) bool { return x == k })
		return
	}
	if _, ok := o.open[k]; !ok {
		o.order = append(o.order, k)
	}
	o.open[k] = append(o.open[k], e)
}

func (d *Detector) scanFaults(ctx context.Context, driverID string, o *openFaults, to time.Time) error {
	if !to.After(o.through) {
		return nil
	}
	r := models.TimeRange{From: o.through, To: to}
	for e, err := range d.events.Query(ctx, driverID, r, models.KindMalfunction, models.KindDiagnostic) {
		if err != nil {
			return err
		}
		o.add(e)
	}
	o.through = to
	return nil
}

// openFaultsAt folds the driver's fault events before end. Settled history
// is cached per driver so each call only scans the unsettled tail.
func (d *Detector) openFaultsAt(ctx context.Context, driverID string, end time.Time) (*openFaults, error) {
	settled, err := d.events.Settled(ctx, driverID)
	if err != nil {
		return nil, err
	}
	frontier := settled
	if end.Before(frontier) {
		frontier = end
	}

	d.mu.Lock()
	cached, ok := d.faults[driverID]
	d.mu.Unlock()

	o := &openFaults{open: make(map[faultKey][]models.HOSEvent)}
	if ok && !cached.through.After(end) {
		o = cached.clone()
	}
	if err := d.scanFaults(ctx, driverID, o, frontier); err != nil {
		return nil, err
	}
	if o.through.Equal(frontier) && (!ok || frontier.After(cached.through)) {
		d.mu.Lock()
		if cur, ok := d.faults[driverID]; !ok || frontier.After(cur.through) {
			d.faults[driverID] = o.clone()
		}
		d.mu.Unlock()
	}
	if err := d.scanFaults(ctx, driverID, o, end); err != nil {
		return nil, err
	}
	return o, nil
}

// faultViolations reports malfunctions and diagnostics that no later event
// of the same kind and code has cleared.
func (d *Detector) faultViolations(ctx context.Context, driverID string, asOf time.Time) ([]models.Violation, error) {
	faults, err := d.openFaultsAt(ctx, driverID, asOf.Truncate(time.Millisecond).Add(time.Millisecond))
	if err != nil {
		return nil, err
	}
	open, order := faults.open, faults.order

	var out []models.Violation
	for _, k := range order {
		events := open[k]
		first := events[0]
		ids := make([]string, len(events))
		severity := models.SeverityWarning
		for i, e := range events {
			ids[i] = e.ID
			if e.Device.Severity == models.FaultCritical {
				severity = models.SeverityCritical
			}
		}
		desc := first.Device.Code
		if first.Device.Description != "" {
			desc += ": " + first.Device.Description
		}

		switch k.kind {
		case models.KindMalfunction:
			out = append(out, newViolation(driverID, models.RuleELDMalfunction, severity,
				fmt.Sprintf("ELD malfunction %s; record duty status on paper logs", desc),
				first.Timestamp, ids...))
		case models.KindDiagnostic:
			if asOf.Sub(first.Timestamp) <= d.grace {
				continue
			}
			out = append(out, newViolation(driverID, models.RuleDiagnosticUnacked, models.SeverityWarning,
				fmt.Sprintf("ELD diagnostic %s unresolved for more than %s", desc, d.grace),
				first.Timestamp.Add(d.grace), ids...))
		}
	}
	return out, nil
}

func newViolation(driverID string, rule models.RuleCode, severity models.Severity, message string, detectedAt time.Time, eventIDs ...string) models.Violation {
	related := make([]string, 0, len(eventIDs))
	for _, id := range eventIDs {
		if id != "" && !slices.Contains(related, id) {
			related = append(related, id)
		}
	}
	sort.Strings(related)
	return models.Violation{
		ID:              ViolationID(driverID, rule, related),
		DriverID:        driverID,
		RuleCode:        rule,
		Severity:        severity,
		Message:         message,
		DetectedAt:      detectedAt,
		RelatedEventIDs: related,
	}
}

// ViolationID derives a stable id from the rule and its triggering events.
// relatedEventIDs must already be sorted.
func ViolationID(driverID string, rule models.RuleCode, relatedEventIDs []string) string {
	name := string(rule) + "|" + driverID + "|" + strings.Join(relatedEventIDs, ",")
	return uuid.NewSHA1(namespace, []byte(name)).String()
}

// latest returns the later of the non-nil times.
func latest(a, b *time.Time) time.Time {
	switch {
	case a == nil && b == nil:
		return time.Time{}
	case a == nil:
		return *b
	case b == nil || a.After(*b):
		return *a
	default:
		return *b
	}
}
