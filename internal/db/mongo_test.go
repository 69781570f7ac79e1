package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/models"
)

func TestConnectMongo_BadURI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := ConnectMongo(ctx, "mongodb://bad:uri")
	if err == nil {
		t.Error("expected error for bad URI, got nil")
	}
	if client != nil {
		t.Error("expected nil client on error")
	}
}

func TestInsertEvent_NilCollection(t *testing.T) {
	coll := &MongoEventCollection{Collection: nil}
	err := coll.InsertEvent(context.Background(), models.HOSEvent{})
	if err == nil {
		t.Error("expected error when collection is nil")
	}
}

func TestEventFilter(t *testing.T) {
	q := EventQuery{
		DriverID: "d1",
		Range:    models.TimeRange{From: t0, To: t0.Add(time.Hour)},
		Kinds:    []models.EventKind{models.KindDutyStatusChange},
		After:    &Cursor{Timestamp: t0, Sequence: 3},
	}
	f := eventFilter(q)
	assert.Equal(t, "d1", f["driver_id"])
	assert.Contains(t, f, "timestamp")
	assert.Contains(t, f, "kind")
	assert.Contains(t, f, "$or")
	assert.NotContains(t, f, "supersedes_event_id")
}

// Integration test (requires running MongoDB)
func TestMongoCollections_Integration(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := ConnectMongo(ctx, uri)
	if err != nil {
		t.Skipf("failed to connect: %v, skipping integration test", err)
	}
	defer client.Disconnect(context.Background())

	database := client.Database("test_fleet_compliance")
	require.NoError(t, database.Drop(ctx))
	colls, err := OpenCollections(ctx, database)
	require.NoError(t, err)

	seedEvents(t, colls.Events)
	events, err := colls.Events.FindEvents(ctx, EventQuery{DriverID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e3", "e2", "e4"}, ids(events))

	err = colls.Events.InsertEvent(ctx, models.HOSEvent{ID: "dup", DriverID: "d1", Sequence: 4, Timestamp: t0})
	assert.True(t, errors.Is(err, apperr.ErrOutOfOrder))

	require.NoError(t, colls.Edits.InsertEdit(ctx, models.EditRequest{ID: "r1", TargetEventID: "e2", DriverID: "d1", Status: models.EditPending}))
	err = colls.Edits.InsertEdit(ctx, models.EditRequest{ID: "r2", TargetEventID: "e2", DriverID: "d1", Status: models.EditPending})
	assert.True(t, errors.Is(err, apperr.ErrDuplicateRequest))
	require.NoError(t, colls.Edits.DecideEdit(ctx, "r1", models.EditApproved, "u2", t0, "ev-1"))
	err = colls.Edits.DecideEdit(ctx, "r1", models.EditRejected, "u2", t0, "")
	assert.True(t, errors.Is(err, apperr.ErrRequestDecided))
}
