package db

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/models"
)

// MemoryEventCollection is an in-process EventCollection. Writes are
// synchronous, so an acknowledged insert is visible to every later read.
// Each driver's events are kept in (timestamp, sequence) order; head holds
// the highest sequence.
type MemoryEventCollection struct {
	mu       sync.RWMutex
	byDriver map[string][]models.HOSEvent
	head     map[string]models.HOSEvent
	byID     map[string]models.HOSEvent
}

// NewMemoryEventCollection returns an empty in-memory event store.
func NewMemoryEventCollection() *MemoryEventCollection {
	return &MemoryEventCollection{
		byDriver: make(map[string][]models.HOSEvent),
		head:     make(map[string]models.HOSEvent),
		byID:     make(map[string]models.HOSEvent),
	}
}

// InsertEvent stores a copy of event.
func (c *MemoryEventCollection) InsertEvent(_ context.Context, event models.HOSEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byID[event.ID]; exists {
		return fmt.Errorf("event %s: %w", event.ID, apperr.ErrOutOfOrder)
	}
	if head, ok := c.head[event.DriverID]; ok && head.Sequence >= event.Sequence {
		return fmt.Errorf("driver %s seq %d: %w", event.DriverID, event.Sequence, apperr.ErrOutOfOrder)
	}
	events := c.byDriver[event.DriverID]
	at := sort.Search(len(events), func(i int) bool { return event.Before(events[i]) })
	c.byDriver[event.DriverID] = slices.Insert(events, at, event)
	c.head[event.DriverID] = event
	c.byID[event.ID] = event
	return nil
}

// FindEvents returns matching events in (timestamp, sequence) order.
func (c *MemoryEventCollection) FindEvents(_ context.Context, q EventQuery) ([]models.HOSEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []models.HOSEvent{}
	for _, e := range c.byDriver[q.DriverID] {
		if !matches(e, q) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// FindEventByID finds an event by its ID.
func (c *MemoryEventCollection) FindEventByID(_ context.Context, id string) (*models.HOSEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, apperr.ErrNotFound)
	}
	return &e, nil
}

// LastEvent returns the driver's most recently appended event.
func (c *MemoryEventCollection) LastEvent(_ context.Context, driverID string) (*models.HOSEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.head[driverID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// LastEventBefore returns the latest event strictly before t.
func (c *MemoryEventCollection) LastEventBefore(_ context.Context, driverID string, t time.Time, kinds ...models.EventKind) (*models.HOSEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	events := c.byDriver[driverID]
	end := sort.Search(len(events), func(i int) bool { return !events[i].Timestamp.Before(t) })
	for i := end - 1; i >= 0; i-- {
		if e := events[i]; kindMatches(e, kinds) {
			return &e, nil
		}
	}
	return nil, nil
}

// FirstEvent returns the driver's earliest event.
func (c *MemoryEventCollection) FirstEvent(_ context.Context, driverID string, kinds ...models.EventKind) (*models.HOSEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.byDriver[driverID] {
		if kindMatches(e, kinds) {
			return &e, nil
		}
	}
	return nil, nil
}

func matches(e models.HOSEvent, q EventQuery) bool {
	if !q.Range.Contains(e.Timestamp) || !kindMatches(e, q.Kinds) {
		return false
	}
	if q.SupersedesEventID != "" && e.SupersedesEventID != q.SupersedesEventID {
		return false
	}
	if q.After != nil {
		after := models.HOSEvent{Timestamp: q.After.Timestamp, Sequence: q.After.Sequence}
		if !after.Before(e) {
			return false
		}
	}
	return true
}

func kindMatches(e models.HOSEvent, kinds []models.EventKind) bool {
	return len(kinds) == 0 || slices.Contains(kinds, e.Kind)
}

// MemoryUserCollection is an in-process UserCollection.
type MemoryUserCollection struct {
	mu    sync.RWMutex
	users map[string]models.User
}

// NewMemoryUserCollection returns an empty in-memory user store.
func NewMemoryUserCollection() *MemoryUserCollection {
	return &MemoryUserCollection{users: make(map[string]models.User)}
}

// InsertUser inserts a new user.
func (c *MemoryUserCollection) InsertUser(_ context.Context, user models.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.users[user.ID]; exists {
		return apperr.Validation("id", fmt.Sprintf("user %s already exists", user.ID))
	}
	c.users[user.ID] = user
	return nil
}

// FindUserByID finds a user by their ID.
func (c *MemoryUserCollection) FindUserByID(_ context.Context, id string) (*models.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	user, ok := c.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
	}
	return &user, nil
}

// FindUsers lists users, optionally filtered by role, ordered by ID.
func (c *MemoryUserCollection) FindUsers(_ context.Context, role models.Role) ([]models.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	users := []models.User{}
	for _, u := range c.users {
		if role == "" || u.Role == role {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// UpdateUser replaces a user.
func (c *MemoryUserCollection) UpdateUser(_ context.Context, id string, user models.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
	}
	user.ID = id
	c.users[id] = user
	return nil
}

// UpdateLastLogin updates the last login time for a user.
func (c *MemoryUserCollection) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	user, ok := c.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
	}
	user.LastLogin = &at
	user.UpdatedAt = at
	c.users[id] = user
	return nil
}

// SetBaseline stores the baseline state for a driver.
func (c *MemoryUserCollection) SetBaseline(_ context.Context, id string, baseline *models.HOSBaseline) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	user, ok := c.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
	}
	user.Baseline = baseline
	c.users[id] = user
	return nil
}

// MemoryEditCollection is an in-process EditCollection.
type MemoryEditCollection struct {
	mu    sync.Mutex
	edits map[string]models.EditRequest
	order []string
}

// NewMemoryEditCollection returns an empty in-memory edit store.
func NewMemoryEditCollection() *MemoryEditCollection {
	return &MemoryEditCollection{edits: make(map[string]models.EditRequest)}
}

// InsertEdit inserts a request, rejecting a second pending one per target.
func (c *MemoryEditCollection) InsertEdit(_ context.Context, req models.EditRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Status == models.EditPending {
		for _, existing := range c.edits {
			if existing.TargetEventID == req.TargetEventID && existing.Status == models.EditPending {
				return fmt.Errorf("target %s: %w", req.TargetEventID, apperr.ErrDuplicateRequest)
			}
		}
	}
	c.edits[req.ID] = req
	c.order = append(c.order, req.ID)
	return nil
}

// FindEditByID finds an edit request by its ID.
func (c *MemoryEditCollection) FindEditByID(_ context.Context, id string) (*models.EditRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.edits[id]
	if !ok {
		return nil, fmt.Errorf("edit request %s: %w", id, apperr.ErrNotFound)
	}
	return &req, nil
}

// FindPendingByTarget returns the pending request for a target, or nil.
func (c *MemoryEditCollection) FindPendingByTarget(_ context.Context, targetEventID string) (*models.EditRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, req := range c.edits {
		if req.TargetEventID == targetEventID && req.Status == models.EditPending {
			return &req, nil
		}
	}
	return nil, nil
}

// FindEdits lists a driver's requests in creation order.
func (c *MemoryEditCollection) FindEdits(_ context.Context, driverID string, status models.EditStatus) ([]models.EditRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqs := []models.EditRequest{}
	for _, id := range c.order {
		req := c.edits[id]
		if req.DriverID == driverID && (status == "" || req.Status == status) {
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

// DecideEdit moves a pending request to a terminal status.
func (c *MemoryEditCollection) DecideEdit(_ context.Context, id string, status models.EditStatus, approverID string, decidedAt time.Time, resultEventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.edits[id]
	if !ok {
		return fmt.Errorf("edit request %s: %w", id, apperr.ErrNotFound)
	}
	if req.Status != models.EditPending {
		return fmt.Errorf("edit request %s: %w", id, apperr.ErrRequestDecided)
	}
	req.Status = status
	req.ApproverID = approverID
	req.DecidedAt = &decidedAt
	req.ResultEventID = resultEventID
	c.edits[id] = req
	return nil
}

// MemoryInspectionCollection is an in-process InspectionCollection.
type MemoryInspectionCollection struct {
	mu      sync.RWMutex
	records []models.InspectionRecord
}

// NewMemoryInspectionCollection returns an empty in-memory DVIR store.
func NewMemoryInspectionCollection() *MemoryInspectionCollection {
	return &MemoryInspectionCollection{}
}

// InsertInspection stores a record.
func (c *MemoryInspectionCollection) InsertInspection(_ context.Context, rec models.InspectionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec.Items = slices.Clone(rec.Items)
	rec.ResolvedDefects = slices.Clone(rec.ResolvedDefects)
	c.records = append(c.records, rec)
	return nil
}

// FindInspections lists a vehicle's records oldest first.
func (c *MemoryInspectionCollection) FindInspections(_ context.Context, vehicleID string, upTo time.Time) ([]models.InspectionRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []models.InspectionRecord{}
	for _, rec := range c.records {
		if rec.VehicleID != vehicleID {
			continue
		}
		if !upTo.IsZero() && rec.SubmittedAt.After(upTo) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}
