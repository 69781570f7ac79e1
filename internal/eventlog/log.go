// Package eventlog is the append-only, per-driver log of HOS events. It is
// the only writer of models.HOSEvent and the source of truth for every
// derived view.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/db"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/zoobzio/clockz"
)

const (
	DefaultSkewTolerance = 2 * time.Minute
	DefaultPageSize      = 500
	MaxPageSize          = 1000
)

// farFuture bounds "latest event" lookups that go through LastEventBefore.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Config tunes a Log. Zero values select the defaults.
type Config struct {
	SkewTolerance time.Duration
	PageSize      int
}

// Log appends and reads driver events. Appends for one driver are serialized
// by a per-driver write lock; readers of that driver take the read lock, so
// they never observe a half-finished append.
type Log struct {
	events db.EventCollection
	users  db.UserCollection
	clock  clockz.Clock
	skew   time.Duration
	page   int

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// New returns a Log over the given stores.
func New(events db.EventCollection, users db.UserCollection, clock clockz.Clock, cfg Config) *Log {
	if clock == nil {
		clock = clockz.RealClock
	}
	if cfg.SkewTolerance <= 0 {
		cfg.SkewTolerance = DefaultSkewTolerance
	}
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		cfg.PageSize = DefaultPageSize
	}
	return &Log{
		events: events,
		users:  users,
		clock:  clock,
		skew:   cfg.SkewTolerance,
		page:   cfg.PageSize,
		locks:  make(map[string]*sync.RWMutex),
	}
}

func (l *Log) driverLock(driverID string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[driverID]
	if !ok {
		m = &sync.RWMutex{}
		l.locks[driverID] = m
	}
	return m
}

// Append validates and stores event, returning its id. The event's ID is
// generated when blank; Sequence, RecordedAt and the hash fields are always
// assigned here. The store acknowledges the write before Append returns.
func (l *Log) Append(ctx context.Context, event models.HOSEvent) (string, error) {
	if err := validate(event); err != nil {
		return "", err
	}
	event.Timestamp = normalizeTime(event.Timestamp)
	if event.EffectiveAt != nil {
		at := normalizeTime(*event.EffectiveAt)
		event.EffectiveAt = &at
	}

	lock := l.driverLock(event.DriverID)
	lock.Lock()
	defer lock.Unlock()

	if err := l.checkDriver(ctx, event.DriverID); err != nil {
		return "", err
	}

	latest, err := l.events.LastEventBefore(ctx, event.DriverID, farFuture)
	if err != nil {
		return "", fmt.Errorf("load latest event: %w", err)
	}
	if latest != nil && event.Timestamp.Before(latest.Timestamp.Add(-l.skew)) {
		return "", fmt.Errorf("event at %s is %s before latest event %s: %w",
			event.Timestamp.Format(time.RFC3339), latest.Timestamp.Sub(event.Timestamp), latest.ID, apperr.ErrOutOfOrder)
	}

	head, err := l.events.LastEvent(ctx, event.DriverID)
	if err != nil {
		return "", fmt.Errorf("load log head: %w", err)
	}
	event.Sequence = 1
	event.PrevHash = ""
	if head != nil {
		event.Sequence = head.Sequence + 1
		event.PrevHash = head.ContentHash
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.RecordedAt = normalizeTime(l.clock.Now())
	event.ContentHash = ContentHash(event)

	if err := l.events.InsertEvent(ctx, event); err != nil {
		return "", fmt.Errorf("append event %s: %w", event.ID, err)
	}

	log.WithFields(log.Fields{
		"driver_id": event.DriverID,
		"event_id":  event.ID,
		"kind":      event.Kind,
		"sequence":  event.Sequence,
	}).Debug("Event appended")
	return event.ID, nil
}

func (l *Log) checkDriver(ctx context.Context, driverID string) error {
	user, err := l.users.FindUserByID(ctx, driverID)
	if errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("driver %s: %w", driverID, apperr.ErrUnknownDriver)
	}
	if err != nil {
		return fmt.Errorf("load driver %s: %w", driverID, err)
	}
	if !user.IsDriver() {
		return fmt.Errorf("driver %s is not an active driver: %w", driverID, apperr.ErrUnknownDriver)
	}
	return nil
}

func validate(e models.HOSEvent) error {
	if e.DriverID == "" {
		return apperr.Validation("driver_id", "driver id is required")
	}
	if !e.Kind.IsValid() {
		return apperr.Validation("kind", fmt.Sprintf("unknown event kind %q", e.Kind))
	}
	if e.Timestamp.IsZero() {
		return apperr.Validation("timestamp", "timestamp is required")
	}
	if e.Location != nil && !e.Location.Valid() {
		return apperr.Validation("location", "latitude or longitude out of range")
	}
	if e.Odometer != nil && *e.Odometer < 0 {
		return apperr.Validation("odometer", "odometer must not be negative")
	}
	if e.EngineHours != nil && *e.EngineHours < 0 {
		return apperr.Validation("engine_hours", "engine hours must not be negative")
	}

	switch e.Kind {
	case models.KindDutyStatusChange:
		if !e.DutyStatus.IsValid() {
			return apperr.Validation("duty_status", fmt.Sprintf("invalid duty status %q", e.DutyStatus))
		}
	case models.KindMalfunction, models.KindDiagnostic:
		if e.Device == nil || e.Device.Code == "" {
			return apperr.Validation("code", "device fault code is required")
		}
		switch e.Device.Severity {
		case "", models.FaultWarning, models.FaultCritical:
		default:
			return apperr.Validation("severity", fmt.Sprintf("invalid severity %q", e.Device.Severity))
		}
	case models.KindEditApproved:
		if e.SupersedesEventID == "" {
			return apperr.Validation("supersedes_event_id", "edit must reference the superseded event")
		}
		if e.DutyStatus != "" && !e.DutyStatus.IsValid() {
			return apperr.Validation("duty_status", fmt.Sprintf("invalid duty status %q", e.DutyStatus))
		}
	}
	return nil
}

// Get returns the event with the given id.
func (l *Log) Get(ctx context.Context, eventID string) (*models.HOSEvent, error) {
	return l.events.FindEventByID(ctx, eventID)
}

// Head returns the driver's most recently appended event, or nil.
func (l *Log) Head(ctx context.Context, driverID string) (*models.HOSEvent, error) {
	lock := l.driverLock(driverID)
	lock.RLock()
	defer lock.RUnlock()
	return l.events.LastEvent(ctx, driverID)
}

// LastBefore returns the latest event in sort order strictly before t, or nil.
func (l *Log) LastBefore(ctx context.Context, driverID string, t time.Time, kinds ...models.EventKind) (*models.HOSEvent, error) {
	lock := l.driverLock(driverID)
	lock.RLock()
	defer lock.RUnlock()
	return l.events.LastEventBefore(ctx, driverID, t, kinds...)
}

// Settled returns the instant before which the driver's history is final:
// Append rejects anything earlier than the latest timestamp minus the skew
// tolerance, so no event can land before it. Zero for an empty log.
func (l *Log) Settled(ctx context.Context, driverID string) (time.Time, error) {
	latest, err := l.LastBefore(ctx, driverID, farFuture)
	if err != nil || latest == nil {
		return time.Time{}, err
	}
	return latest.Timestamp.Add(-l.skew), nil
}

// Query streams the driver's events inside r in (timestamp, sequence) order.
// Pages are fetched lazily; every range over the result starts a fresh
// query, so the sequence can be consumed more than once.
func (l *Log) Query(ctx context.Context, driverID string, r models.TimeRange, kinds ...models.EventKind) iter.Seq2[models.HOSEvent, error] {
	return func(yield func(models.HOSEvent, error) bool) {
		var after *db.Cursor
		for {
			if err := ctx.Err(); err != nil {
				yield(models.HOSEvent{}, err)
				return
			}
			page, err := l.Page(ctx, driverID, r, after, l.page, kinds...)
			if err != nil {
				yield(models.HOSEvent{}, err)
				return
			}
			for _, e := range page.Events {
				if !yield(e, nil) {
					return
				}
			}
			if page.Next == nil {
				return
			}
			after = page.Next
		}
	}
}

// Page is one slice of a driver's history. Next is nil on the last page.
type Page struct {
	Events []models.HOSEvent `json:"events"`
	Next   *db.Cursor        `json:"next,omitempty"`
}

// Page returns up to limit events inside r that sort after the cursor.
func (l *Log) Page(ctx context.Context, driverID string, r models.TimeRange, after *db.Cursor, limit int, kinds ...models.EventKind) (Page, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = l.page
	}
	lock := l.driverLock(driverID)
	lock.RLock()
	events, err := l.events.FindEvents(ctx, db.EventQuery{
		DriverID: driverID,
		Range:    r,
		Kinds:    kinds,
		After:    after,
		Limit:    limit + 1,
	})
	lock.RUnlock()
	if err != nil {
		return Page{}, fmt.Errorf("query events for %s: %w", driverID, err)
	}

	p := Page{Events: events}
	if len(events) > limit {
		p.Events = events[:limit]
		last := p.Events[limit-1]
		p.Next = &db.Cursor{Timestamp: last.Timestamp, Sequence: last.Sequence}
	}
	return p, nil
}

// View runs fn while holding the driver's read lock, so every read fn makes
// through the Reader sees the same log prefix.
func (l *Log) View(ctx context.Context, driverID string, fn func(Reader) error) error {
	lock := l.driverLock(driverID)
	lock.RLock()
	defer lock.RUnlock()
	return fn(Reader{events: l.events, driverID: driverID})
}

// LatestCorrection returns the most recent EditApproved event superseding
// targetID, or nil when the event was never corrected.
func (l *Log) LatestCorrection(ctx context.Context, driverID, targetID string) (*models.HOSEvent, error) {
	var latest *models.HOSEvent
	err := l.View(ctx, driverID, func(r Reader) error {
		evs, err := r.Find(ctx, db.EventQuery{SupersedesEventID: targetID, Kinds: []models.EventKind{models.KindEditApproved}})
		if err != nil {
			return fmt.Errorf("find corrections of %s: %w", targetID, err)
		}
		for i := range evs {
			if latest == nil || latest.Before(evs[i]) {
				latest = &evs[i]
			}
		}
		return nil
	})
	return latest, err
}

// Reader reads one driver's log inside View. It must not escape fn.
type Reader struct {
	events   db.EventCollection
	driverID string
}

// Find returns the events matching q; q.DriverID is forced to the viewed
// driver.
func (r Reader) Find(ctx context.Context, q db.EventQuery) ([]models.HOSEvent, error) {
	q.DriverID = r.driverID
	return r.events.FindEvents(ctx, q)
}

// LastBefore returns the latest event strictly before t, or nil.
func (r Reader) LastBefore(ctx context.Context, t time.Time, kinds ...models.EventKind) (*models.HOSEvent, error) {
	return r.events.LastEventBefore(ctx, r.driverID, t, kinds...)
}

// First returns the earliest event, or nil.
func (r Reader) First(ctx context.Context, kinds ...models.EventKind) (*models.HOSEvent, error) {
	return r.events.FirstEvent(ctx, r.driverID, kinds...)
}

// VerifyReport summarizes a successful hash-chain check.
type VerifyReport struct {
	DriverID string `json:"driver_id"`
	Events   int    `json:"events"`
	HeadHash string `json:"head_hash"`
}

// Verify replays the driver's log in sequence order and recomputes the hash
// chain. It fails with apperr.ErrLogTampered at the first broken link.
func (l *Log) Verify(ctx context.Context, driverID string) (VerifyReport, error) {
	var events []models.HOSEvent
	for e, err := range l.Query(ctx, driverID, models.TimeRange{}) {
		if err != nil {
			return VerifyReport{}, err
		}
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	prev := ""
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			return VerifyReport{}, fmt.Errorf("driver %s: expected sequence %d, found %d: %w", driverID, i+1, e.Sequence, apperr.ErrLogTampered)
		}
		if e.PrevHash != prev {
			return VerifyReport{}, fmt.Errorf("driver %s seq %d: chain link broken: %w", driverID, e.Sequence, apperr.ErrLogTampered)
		}
		if ContentHash(e) != e.ContentHash {
			return VerifyReport{}, fmt.Errorf("driver %s seq %d: content hash mismatch: %w", driverID, e.Sequence, apperr.ErrLogTampered)
		}
		prev = e.ContentHash
	}
	return VerifyReport{DriverID: driverID, Events: len(events), HeadHash: prev}, nil
}
