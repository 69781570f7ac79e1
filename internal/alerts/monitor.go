// Package alerts sweeps the fleet on an interval and publishes violations as
// they are raised and resolved.
package alerts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-compliance/internal/compliance"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/zoobzio/clockz"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = time.Minute

// Source evaluates every active driver at one instant.
type Source interface {
	FleetViolations(ctx context.Context, asOf time.Time) (compliance.FleetReport, error)
}

// Sink receives raised and resolved violations.
type Sink interface {
	PublishViolation(ctx context.Context, v models.Violation) error
}

// Diff is what one sweep published.
type Diff struct {
	Raised   []models.Violation
	Resolved []models.Violation
}

// Monitor remembers the violations open after the previous sweep. That
// memory is only a cache; a restarted monitor re-raises what is open.
type Monitor struct {
	source   Source
	sink     Sink
	clock    clockz.Clock
	interval time.Duration

	mu   sync.Mutex
	open map[string]models.Violation
}

// NewMonitor returns a Monitor.
func NewMonitor(source Source, sink Sink, clock clockz.Clock, interval time.Duration) *Monitor {
	if clock == nil {
		clock = clockz.RealClock
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		source:   source,
		sink:     sink,
		clock:    clock,
		interval: interval,
		open:     make(map[string]models.Violation),
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	log.WithField("interval", m.interval.String()).Info("Alert monitor started")
	for {
		if _, err := m.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Error("Alert sweep failed")
		}
		select {
		case <-ctx.Done():
			log.Info("Alert monitor stopped")
			return nil
		case <-m.clock.After(m.interval):
		}
	}
}

// Sweep evaluates the fleet once and publishes the difference from the
// previous sweep. A violation that escalates is raised again. Drivers whose
// evaluation failed keep their previous violations. A violation that could
// not be published is retried on the next sweep.
func (m *Monitor) Sweep(ctx context.Context) (Diff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()
	report, err := m.source.FleetViolations(ctx, now)
	if err != nil {
		return Diff{}, err
	}

	current := make(map[string]models.Violation)
	for driverID := range report.Errors {
		for id, v := range m.open {
			if v.DriverID == driverID {
				current[id] = v
			}
		}
	}
	for _, vs := range report.Violations {
		for _, v := range vs {
			if !v.Resolved {
				current[v.ID] = v
			}
		}
	}

	var diff Diff
	var errs []error
	next := make(map[string]models.Violation, len(current))
	for _, id := range sortedKeys(current) {
		v := current[id]
		prev, seen := m.open[id]
		if seen && prev.Severity == v.Severity {
			next[id] = v
			continue
		}
		if err := m.sink.PublishViolation(ctx, v); err != nil {
			errs = append(errs, err)
			if seen {
				next[id] = prev
			}
			continue
		}
		next[id] = v
		diff.Raised = append(diff.Raised, v)
	}
	for _, id := range sortedKeys(m.open) {
		if _, still := current[id]; still {
			continue
		}
		v := m.open[id]
		v.Resolved = true
		v.ResolvedAt = &now
		if err := m.sink.PublishViolation(ctx, v); err != nil {
			errs = append(errs, err)
			next[id] = m.open[id]
			continue
		}
		diff.Resolved = append(diff.Resolved, v)
	}
	m.open = next

	if len(diff.Raised) > 0 || len(diff.Resolved) > 0 {
		log.WithFields(log.Fields{
			"raised":   len(diff.Raised),
			"resolved": len(diff.Resolved),
			"open":     len(next),
		}).Info("Alert sweep published changes")
	}
	return diff, errors.Join(errs...)
}

// Open returns the violations open after the last sweep.
func (m *Monitor) Open() []models.Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Violation, 0, len(m.open))
	for _, id := range sortedKeys(m.open) {
		out = append(out, m.open[id])
	}
	return out
}

func sortedKeys(m map[string]models.Violation) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
