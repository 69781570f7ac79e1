package db

import (
	"context"
	"time"

	"github.com/ukydev/fleet-compliance/internal/models"
)

// Cursor is a position in a driver's (timestamp, sequence) order.
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

// EventQuery selects events of one driver. Results are always sorted by
// timestamp then sequence.
type EventQuery struct {
	DriverID          string
	Range             models.TimeRange
	Kinds             []models.EventKind
	SupersedesEventID string
	After             *Cursor
	Limit             int
}

// EventCollection stores HOS events. It has no update or delete operation.
type EventCollection interface {
	InsertEvent(ctx context.Context, event models.HOSEvent) error
	FindEvents(ctx context.Context, q EventQuery) ([]models.HOSEvent, error)
	FindEventByID(ctx context.Context, id string) (*models.HOSEvent, error)
	// LastEvent returns the event with the highest sequence, or nil.
	LastEvent(ctx context.Context, driverID string) (*models.HOSEvent, error)
	// LastEventBefore returns the latest event in sort order with a
	// timestamp strictly before t, or nil.
	LastEventBefore(ctx context.Context, driverID string, t time.Time, kinds ...models.EventKind) (*models.HOSEvent, error)
	// FirstEvent returns the earliest event in sort order, or nil.
	FirstEvent(ctx context.Context, driverID string, kinds ...models.EventKind) (*models.HOSEvent, error)
}

// UserCollection defines the interface for user database operations
type UserCollection interface {
	InsertUser(ctx context.Context, user models.User) error
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	FindUsers(ctx context.Context, role models.Role) ([]models.User, error)
	UpdateUser(ctx context.Context, id string, user models.User) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	SetBaseline(ctx context.Context, id string, baseline *models.HOSBaseline) error
}

// EditCollection stores edit requests. InsertEdit fails with
// apperr.ErrDuplicateRequest when a pending request for the same target
// exists.
type EditCollection interface {
	InsertEdit(ctx context.Context, req models.EditRequest) error
	FindEditByID(ctx context.Context, id string) (*models.EditRequest, error)
	FindPendingByTarget(ctx context.Context, targetEventID string) (*models.EditRequest, error)
	FindEdits(ctx context.Context, driverID string, status models.EditStatus) ([]models.EditRequest, error)
	// DecideEdit moves a pending request to a terminal status. It fails with
	// apperr.ErrRequestDecided when the request is no longer pending.
	DecideEdit(ctx context.Context, id string, status models.EditStatus, approverID string, decidedAt time.Time, resultEventID string) error
}

// InspectionCollection stores DVIR records.
type InspectionCollection interface {
	InsertInspection(ctx context.Context, rec models.InspectionRecord) error
	// FindInspections returns the vehicle's records submitted at or before
	// upTo (zero means no bound), oldest first.
	FindInspections(ctx context.Context, vehicleID string, upTo time.Time) ([]models.InspectionRecord, error)
}
