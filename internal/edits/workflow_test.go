package edits

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/db"
	"github.com/ukydev/fleet-compliance/internal/eventlog"
	"github.com/ukydev/fleet-compliance/internal/hos"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/zoobzio/clockz"
)

var t0 = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

type fixture struct {
	log      *eventlog.Log
	users    *db.MemoryUserCollection
	clock    *clockz.FakeClock
	edits    *db.MemoryEditCollection
	workflow *Workflow
	offID    string
	driveID  string
	engineID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	users := db.NewMemoryUserCollection()
	require.NoError(t, users.InsertUser(ctx, models.User{ID: "d1", Role: models.RoleDriver, IsActive: true}))
	clock := clockz.NewFakeClock()
	l := eventlog.New(db.NewMemoryEventCollection(), users, clock, eventlog.Config{})
	edits := db.NewMemoryEditCollection()
	f := &fixture{log: l, users: users, clock: clock, edits: edits, workflow: NewWorkflow(l, edits, clock)}

	var err error
	f.offID, err = l.Append(ctx, models.HOSEvent{DriverID: "d1", VehicleID: "v1", Timestamp: t0, Kind: models.KindDutyStatusChange, DutyStatus: models.StatusOffDuty})
	require.NoError(t, err)
	f.driveID, err = l.Append(ctx, models.HOSEvent{DriverID: "d1", VehicleID: "v1", Timestamp: t0.Add(time.Hour), Kind: models.KindDutyStatusChange, DutyStatus: models.StatusDriving})
	require.NoError(t, err)
	f.engineID, err = l.Append(ctx, models.HOSEvent{DriverID: "d1", VehicleID: "v1", Timestamp: t0.Add(time.Hour), Kind: models.KindEngineOn})
	require.NoError(t, err)
	return f
}

func toStatus(s models.DutyStatus) models.Correction {
	return models.Correction{DutyStatus: s}
}

func TestRequest_DuplicatePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.workflow.Request(ctx, RequestInput{TargetEventID: f.driveID, RequestedBy: "d1", Reason: "was yard move", Proposed: toStatus(models.StatusOnDutyNotDriving)})
	require.NoError(t, err)
	assert.Equal(t, models.EditPending, first.Status)
	assert.Equal(t, "d1", first.DriverID)

	_, err = f.workflow.Request(ctx, RequestInput{TargetEventID: f.driveID, RequestedBy: "d1", Reason: "again", Proposed: toStatus(models.StatusOffDuty)})
	assert.True(t, errors.Is(err, apperr.ErrDuplicateRequest))
	assert.Equal(t, apperr.KindOrdering, apperr.KindOf(err))

	pending, err := f.workflow.ListPending(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRequest_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.workflow.Request(context.Background(), RequestInput{TargetEventID: f.offID, RequestedBy: "d1", Reason: "fix", Proposed: toStatus(models.StatusSleeperBerth)})
			if err == nil {
				ok.Add(1)
			} else {
				assert.True(t, errors.Is(err, apperr.ErrDuplicateRequest))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t)
	future := time.Now().Add(365 * 24 * time.Hour)
	tests := []struct {
		name string
		in   RequestInput
		want error
	}{
		{"missing reason", RequestInput{TargetEventID: f.driveID, RequestedBy: "d1", Reason: "  ", Proposed: toStatus(models.StatusOffDuty)}, apperr.ErrValidation},
		{"empty correction", RequestInput{TargetEventID: f.driveID, RequestedBy: "d1", Reason: "x"}, apperr.ErrValidation},
		{"bad status", RequestInput{TargetEventID: f.driveID, RequestedBy: "d1", Reason: "x", Proposed: toStatus("resting")}, apperr.ErrValidation},
		{"future time", RequestInput{TargetEventID: f.driveID, RequestedBy: "d1", Reason: "x", Proposed: models.Correction{EffectiveAt: &future}}, apperr.ErrValidation},
		{"not a status change", RequestInput{TargetEventID: f.engineID, RequestedBy: "d1", Reason: "x", Proposed: toStatus(models.StatusOffDuty)}, apperr.ErrValidation},
		{"missing target", RequestInput{TargetEventID: "nope", RequestedBy: "d1", Reason: "x", Proposed: toStatus(models.StatusOffDuty)}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.workflow.Request(context.Background(), tt.in)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDecide_SelfApprovalOnDrivingEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.workflow.Request(ctx, RequestInput{TargetEventID: f.driveID, RequestedBy: "d1", Reason: "personal conveyance", Proposed: toStatus(models.StatusOffDuty)})
	require.NoError(t, err)

	for _, approve := range []bool{true, false} {
		_, err = f.workflow.Decide(ctx, req.ID, "d1", approve)
		assert.True(t, errors.Is(err, apperr.ErrSelfApproval))
		assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	}

	still, err := f.workflow.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EditPending, still.Status)
}

func TestDecide_SelfApprovalAllowedOffDriving(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.workflow.Request(ctx, RequestInput{TargetEventID: f.offID, RequestedBy: "d1", Reason: "was in berth", Proposed: toStatus(models.StatusSleeperBerth)})
	require.NoError(t, err)

	decided, err := f.workflow.Decide(ctx, req.ID, "d1", true)
	require.NoError(t, err)
	assert.Equal(t, models.EditApproved, decided.Status)
}

func TestDecide_ApproveAppendsCompensatingEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	effective := t0.Add(90 * time.Minute)
	req, err := f.workflow.Request(ctx, RequestInput{
		TargetEventID: f.driveID,
		RequestedBy:   "d1",
		Reason:        "started driving later",
		Proposed:      models.Correction{EffectiveAt: &effective},
	})
	require.NoError(t, err)

	original, err := f.log.Get(ctx, f.driveID)
	require.NoError(t, err)

	decided, err := f.workflow.Decide(ctx, req.ID, "co-driver", true)
	require.NoError(t, err)
	assert.Equal(t, models.EditApproved, decided.Status)
	assert.Equal(t, "co-driver", decided.ApproverID)
	require.NotNil(t, decided.DecidedAt)
	assert.Equal(t, ApprovalEventID(req.ID), decided.ResultEventID)

	ev, err := f.log.Get(ctx, decided.ResultEventID)
	require.NoError(t, err)
	assert.Equal(t, models.KindEditApproved, ev.Kind)
	assert.Equal(t, f.driveID, ev.SupersedesEventID)
	assert.Equal(t, models.StatusDriving, ev.DutyStatus)
	require.NotNil(t, ev.EffectiveAt)
	assert.Equal(t, effective, *ev.EffectiveAt)

	after, err := f.log.Get(ctx, f.driveID)
	require.NoError(t, err)
	assert.Equal(t, original, after)

	_, err = f.workflow.Decide(ctx, req.ID, "co-driver", false)
	assert.True(t, errors.Is(err, apperr.ErrRequestDecided))

	report, err := f.log.Verify(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Events)
}

func TestDecide_RejectLeavesLogUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.workflow.Request(ctx, RequestInput{TargetEventID: f.driveID, RequestedBy: "d1", Reason: "x", Proposed: toStatus(models.StatusOffDuty)})
	require.NoError(t, err)

	head, err := f.log.Head(ctx, "d1")
	require.NoError(t, err)

	decided, err := f.workflow.Decide(ctx, req.ID, "official", false)
	require.NoError(t, err)
	assert.Equal(t, models.EditRejected, decided.Status)
	assert.Empty(t, decided.ResultEventID)

	after, err := f.log.Head(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, head.ID, after.ID)

	// once decided the target accepts a new request
	_, err = f.workflow.Request(ctx, RequestInput{TargetEventID: f.driveID, RequestedBy: "d1", Reason: "y", Proposed: toStatus(models.StatusOffDuty)})
	assert.NoError(t, err)
}

func TestRequest_EditOfEditTargetsOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.workflow.Request(ctx, RequestInput{TargetEventID: f.offID, RequestedBy: "d1", Reason: "x", Proposed: toStatus(models.StatusSleeperBerth)})
	require.NoError(t, err)
	decided, err := f.workflow.Decide(ctx, req.ID, "official", true)
	require.NoError(t, err)

	again, err := f.workflow.Request(ctx, RequestInput{TargetEventID: decided.ResultEventID, RequestedBy: "d1", Reason: "back to off duty", Proposed: toStatus(models.StatusOffDuty)})
	require.NoError(t, err)
	assert.Equal(t, f.offID, again.TargetEventID)
}

// flakyEdits fails the first DecideEdit call.
type flakyEdits struct {
	*db.MemoryEditCollection
	failed bool
}

func (c *flakyEdits) DecideEdit(ctx context.Context, id string, status models.EditStatus, approverID string, decidedAt time.Time, resultEventID string) error {
	if !c.failed {
		c.failed = true
		return errors.New("write timeout")
	}
	return c.MemoryEditCollection.DecideEdit(ctx, id, status, approverID, decidedAt, resultEventID)
}

func TestDecide_RetryDoesNotDoubleAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &flakyEdits{MemoryEditCollection: f.edits}
	w := NewWorkflow(f.log, flaky, clockz.NewFakeClock())

	req, err := w.Request(ctx, RequestInput{TargetEventID: f.driveID, RequestedBy: "d1", Reason: "x", Proposed: toStatus(models.StatusOnDutyNotDriving)})
	require.NoError(t, err)

	_, err = w.Decide(ctx, req.ID, "official", true)
	require.Error(t, err)

	decided, err := w.Decide(ctx, req.ID, "official", true)
	require.NoError(t, err)
	assert.Equal(t, ApprovalEventID(req.ID), decided.ResultEventID)

	report, err := f.log.Verify(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Events)
}

type editStep struct {
	// target picks the event to edit; last is the previous step's result event.
	target   func(f *fixture, last string) string
	by       string
	approver string
	proposed models.Correction
}

func TestEditChains(t *testing.T) {
	driving := func(f *fixture, _ string) string { return f.driveID }
	offDuty := func(f *fixture, _ string) string { return f.offID }
	previous := func(_ *fixture, last string) string { return last }
	note := models.Correction{Remarks: "fixed note"}

	tests := []struct {
		name       string
		steps      []editStep
		wantErr    error
		wantStatus models.DutyStatus
	}{
		{
			name: "remarks-only edit keeps corrected status",
			steps: []editStep{
				{driving, "d1", "co-driver", toStatus(models.StatusOnDutyNotDriving)},
				{driving, "d1", "co-driver", note},
			},
			wantStatus: models.StatusOnDutyNotDriving,
		},
		{
			name: "remarks-only edit of the correction keeps corrected status",
			steps: []editStep{
				{driving, "d1", "co-driver", toStatus(models.StatusOnDutyNotDriving)},
				{previous, "d1", "co-driver", note},
			},
			wantStatus: models.StatusOnDutyNotDriving,
		},
		{
			name: "later correction overrides earlier one",
			steps: []editStep{
				{driving, "d1", "co-driver", toStatus(models.StatusOnDutyNotDriving)},
				{previous, "d1", "co-driver", toStatus(models.StatusSleeperBerth)},
			},
			wantStatus: models.StatusSleeperBerth,
		},
		{
			name: "self approval on a correction to driving",
			steps: []editStep{
				{offDuty, "co", "co2", toStatus(models.StatusDriving)},
				{previous, "d1", "d1", toStatus(models.StatusOffDuty)},
			},
			wantErr: apperr.ErrSelfApproval,
		},
		{
			name: "self approval on an original corrected to driving",
			steps: []editStep{
				{offDuty, "co", "co2", toStatus(models.StatusDriving)},
				{offDuty, "d1", "d1", toStatus(models.StatusOffDuty)},
			},
			wantErr: apperr.ErrSelfApproval,
		},
		{
			name: "self approval of a change to driving",
			steps: []editStep{
				{offDuty, "d1", "d1", toStatus(models.StatusDriving)},
			},
			wantErr: apperr.ErrSelfApproval,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			last := ""
			for i, step := range tt.steps {
				f.clock.Advance(time.Minute)
				req, err := f.workflow.Request(ctx, RequestInput{TargetEventID: step.target(f, last), RequestedBy: step.by, Reason: "correction", Proposed: step.proposed})
				require.NoError(t, err)
				decided, err := f.workflow.Decide(ctx, req.ID, step.approver, true)
				if i == len(tt.steps)-1 && tt.wantErr != nil {
					assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
					still, err := f.workflow.Get(ctx, req.ID)
					require.NoError(t, err)
					assert.Equal(t, models.EditPending, still.Status)
					return
				}
				require.NoError(t, err)
				last = decided.ResultEventID
			}

			ev, err := f.log.Get(ctx, last)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, ev.DutyStatus)

			engine := hos.NewEngine(f.log, f.users, hos.US70Hour8Day, f.clock)
			st, err := engine.CurrentState(ctx, "d1", f.clock.Now().Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, st.CurrentStatus)
			assert.Equal(t, f.driveID, st.CurrentStatusEventID)
		})
	}
}

func TestDecide_RecordsRequestedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.workflow.Request(ctx, RequestInput{TargetEventID: f.driveID, RequestedBy: "d1", Reason: "yard move", Proposed: toStatus(models.StatusOnDutyNotDriving)})
	require.NoError(t, err)
	decided, err := f.workflow.Decide(ctx, req.ID, "co-driver", true)
	require.NoError(t, err)

	again, err := f.workflow.Request(ctx, RequestInput{TargetEventID: decided.ResultEventID, RequestedBy: "d1", Reason: "note", Proposed: models.Correction{Remarks: "fixed note"}})
	require.NoError(t, err)
	assert.Equal(t, f.driveID, again.TargetEventID)
	assert.Equal(t, decided.ResultEventID, again.RequestedEventID)
}
