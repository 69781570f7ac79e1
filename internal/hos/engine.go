// Package hos folds a driver's event log into duty status and the drive,
// on-duty window and cycle budgets.
package hos

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/db"
	"github.com/ukydev/fleet-compliance/internal/eventlog"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/zoobzio/clockz"
)

// LogView gives consistent read access to one driver's log.
type LogView interface {
	View(ctx context.Context, driverID string, fn func(eventlog.Reader) error) error
}

// Engine computes HOSState on demand. It keeps no state between calls.
type Engine struct {
	log   LogView
	users db.UserCollection
	rules Rules
	clock clockz.Clock
}

// NewEngine returns an Engine applying rules.
func NewEngine(view LogView, users db.UserCollection, rules Rules, clock clockz.Clock) *Engine {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Engine{log: view, users: users, rules: rules, clock: clock}
}

// Rules returns the thresholds the engine applies.
func (e *Engine) Rules() Rules { return e.rules }

// CurrentState folds the driver's log up to asOf. A zero asOf means now. The
// driver's stored baseline, if any, is used as the known-good start.
func (e *Engine) CurrentState(ctx context.Context, driverID string, asOf time.Time) (models.HOSState, error) {
	user, err := e.driver(ctx, driverID)
	if err != nil {
		return models.HOSState{}, err
	}
	return e.StateFrom(ctx, driverID, asOf, user.Baseline)
}

// StateFrom is CurrentState with an explicit baseline. A nil baseline means
// the log alone must establish the starting state.
func (e *Engine) StateFrom(ctx context.Context, driverID string, asOf time.Time, baseline *models.HOSBaseline) (models.HOSState, error) {
	if asOf.IsZero() {
		asOf = e.clock.Now()
	}
	asOf = asOf.UTC()
	if baseline != nil && baseline.At.After(asOf) {
		baseline = nil
	}

	var segs []segment
	var first *models.HOSEvent
	err := e.log.View(ctx, driverID, func(r eventlog.Reader) error {
		var err error
		if segs, err = e.timeline(ctx, r, asOf); err != nil {
			return err
		}
		first, err = r.First(ctx, models.KindDutyStatusChange)
		return err
	})
	if err != nil {
		return models.HOSState{}, fmt.Errorf("read log for %s: %w", driverID, err)
	}

	f := newFold(e.rules, asOf)
	switch {
	case baseline != nil && (len(segs) == 0 || !baseline.At.Before(segs[0].start)):
		f.seed(*baseline)
		segs = fromBaseline(segs, *baseline)
	case baseline == nil && first != nil && len(segs) > 0 && segs[0].eventID == first.ID && segs[0].status.OnDuty():
		return models.HOSState{}, fmt.Errorf("driver %s log begins %s at %s: %w",
			driverID, segs[0].status, segs[0].start.Format(time.RFC3339), apperr.ErrIncompleteHistory)
	}

	if err := f.run(ctx, segs); err != nil {
		return models.HOSState{}, err
	}
	st := f.state(driverID)
	log.WithFields(log.Fields{
		"driver_id": driverID,
		"as_of":     asOf,
		"segments":  len(segs),
		"status":    st.CurrentStatus,
	}).Debug("Computed HOS state")
	return st, nil
}

func (e *Engine) driver(ctx context.Context, driverID string) (*models.User, error) {
	user, err := e.users.FindUserByID(ctx, driverID)
	if errors.Is(err, apperr.ErrNotFound) || (err == nil && user.Role != models.RoleDriver) {
		return nil, fmt.Errorf("driver %s: %w", driverID, apperr.ErrUnknownDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("load driver %s: %w", driverID, err)
	}
	return user, nil
}

// timeline returns the effective status segments that matter at asOf: every
// status change inside the horizon plus the one in effect when the horizon
// opens, each with its latest approved correction applied.
func (e *Engine) timeline(ctx context.Context, r eventlog.Reader, asOf time.Time) ([]segment, error) {
	horizonStart := asOf.Add(-e.rules.Horizon().Duration())
	upTo := models.TimeRange{From: horizonStart, To: asOf.Truncate(time.Millisecond).Add(time.Millisecond)}

	events, err := r.Find(ctx, db.EventQuery{
		Range: upTo,
		Kinds: []models.EventKind{models.KindDutyStatusChange, models.KindEditApproved},
	})
	if err != nil {
		return nil, err
	}
	prev, err := r.LastBefore(ctx, horizonStart, models.KindDutyStatusChange)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		edits, err := r.Find(ctx, db.EventQuery{
			Range:             models.TimeRange{To: upTo.To},
			Kinds:             []models.EventKind{models.KindEditApproved},
			SupersedesEventID: prev.ID,
		})
		if err != nil {
			return nil, err
		}
		events = append(append([]models.HOSEvent{*prev}, edits...), events...)
	}
	return effectiveTimeline(events, asOf), nil
}

// effectiveTimeline applies EditApproved events to the status changes they
// supersede and orders the result by effective time, then sequence. Events
// must be in log order so the latest correction of a target wins.
func effectiveTimeline(events []models.HOSEvent, asOf time.Time) []segment {
	latest := make(map[string]models.HOSEvent)
	for _, ev := range events {
		if ev.Kind == models.KindEditApproved {
			if cur, ok := latest[ev.SupersedesEventID]; !ok || cur.Before(ev) {
				latest[ev.SupersedesEventID] = ev
			}
		}
	}

	segs := make([]segment, 0, len(events))
	for _, ev := range events {
		if ev.Kind != models.KindDutyStatusChange {
			continue
		}
		s := segment{status: ev.DutyStatus, start: ev.Timestamp, eventID: ev.ID, seq: ev.Sequence}
		if edit, ok := latest[ev.ID]; ok {
			if edit.DutyStatus != "" {
				s.status = edit.DutyStatus
			}
			if edit.EffectiveAt != nil {
				s.start = *edit.EffectiveAt
			}
		}
		if s.start.After(asOf) {
			continue
		}
		segs = append(segs, s)
	}
	sort.SliceStable(segs, func(i, j int) bool {
		if segs[i].start.Equal(segs[j].start) {
			return segs[i].seq < segs[j].seq
		}
		return segs[i].start.Before(segs[j].start)
	})
	return segs
}

// fromBaseline replaces everything before the baseline with a synthetic
// segment carrying the baseline status.
func fromBaseline(segs []segment, b models.HOSBaseline) []segment {
	out := []segment{{status: b.Status, start: b.At}}
	for _, s := range segs {
		if !s.start.Before(b.At) {
			out = append(out, s)
		}
	}
	return out
}
