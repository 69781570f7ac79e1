package dvir

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/db"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/zoobzio/clockz"
)

type fakeClock interface {
	clockz.Clock
	Advance(time.Duration)
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []models.VehicleEligibility
}

func (n *recordingNotifier) VehicleEligibilityChanged(_ context.Context, e models.VehicleEligibility) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, e)
	return nil
}

func newLedger(t *testing.T) (*Ledger, fakeClock, *recordingNotifier) {
	t.Helper()
	users := db.NewMemoryUserCollection()
	require.NoError(t, users.InsertUser(context.Background(), models.User{ID: "d1", Role: models.RoleDriver, IsActive: true}))
	clock := clockz.NewFakeClock()
	n := &recordingNotifier{}
	return NewLedger(db.NewMemoryInspectionCollection(), users, n, clock), clock, n
}

func report(items ...models.InspectionItem) models.InspectionRecord {
	return models.InspectionRecord{DriverID: "d1", VehicleID: "truck-7", Type: models.InspectionPreTrip, Odometer: 1200, Items: items}
}

var (
	brakesOK  = models.InspectionItem{Category: "Brakes", Item: "Service brakes", Status: models.ItemSatisfactory}
	brakesBad = models.InspectionItem{Category: "Brakes", Item: "Service brakes", Status: models.ItemDefective, Remarks: "air leak at rear chamber"}
	lightsBad = models.InspectionItem{Category: "Lights", Item: "Left turn signal", Status: models.ItemDefective, Remarks: "bulb out"}
)

func TestSubmit_DefectiveItemRequiresRemarks(t *testing.T) {
	l, _, _ := newLedger(t)
	bad := brakesBad
	bad.Remarks = " "

	_, err := l.Submit(context.Background(), report(bad))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "items[0].remarks", ae.Field)

	eligible, err := l.IsVehicleEligible(context.Background(), "truck-7", time.Time{})
	require.NoError(t, err)
	assert.True(t, eligible)
}

func TestSubmit_Validation(t *testing.T) {
	l, _, _ := newLedger(t)
	tests := []struct {
		name   string
		mutate func(*models.InspectionRecord)
		want   error
	}{
		{"no items", func(r *models.InspectionRecord) { r.Items = nil }, apperr.ErrValidation},
		{"bad type", func(r *models.InspectionRecord) { r.Type = "midday" }, apperr.ErrValidation},
		{"bad status", func(r *models.InspectionRecord) { r.Items[0].Status = "ok" }, apperr.ErrValidation},
		{"no vehicle", func(r *models.InspectionRecord) { r.VehicleID = "" }, apperr.ErrValidation},
		{"negative odometer", func(r *models.InspectionRecord) { r.Odometer = -1 }, apperr.ErrValidation},
		{"uncertified resolution", func(r *models.InspectionRecord) {
			r.ResolvedDefects = []models.DefectResolution{{Category: "Brakes", Item: "Service brakes"}}
		}, apperr.ErrValidation},
		{"unknown driver", func(r *models.InspectionRecord) { r.DriverID = "ghost" }, apperr.ErrUnknownDriver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := report(brakesOK)
			tt.mutate(&rec)
			_, err := l.Submit(context.Background(), rec)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestSubmit_GatesEligibility(t *testing.T) {
	l, clock, n := newLedger(t)
	ctx := context.Background()

	id, err := l.Submit(ctx, report(brakesOK))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, n.changes)

	clock.Advance(time.Hour)
	defectiveID, err := l.Submit(ctx, report(brakesBad, lightsBad))
	require.NoError(t, err)

	eligible, err := l.IsVehicleEligible(ctx, "truck-7", time.Time{})
	require.NoError(t, err)
	assert.False(t, eligible)
	require.Len(t, n.changes, 1)
	assert.False(t, n.changes[0].Eligible)
	assert.Len(t, n.changes[0].Defects, 2)

	defects, err := l.OutstandingDefects(ctx, "truck-7", time.Time{})
	require.NoError(t, err)
	require.Len(t, defects, 2)
	assert.Equal(t, defectiveID, defects[0].InspectionID)

	// a later clean report alone does not clear the defect
	clock.Advance(time.Hour)
	_, err = l.Submit(ctx, report(brakesOK))
	require.NoError(t, err)
	eligible, err = l.IsVehicleEligible(ctx, "truck-7", time.Time{})
	require.NoError(t, err)
	assert.False(t, eligible)

	clock.Advance(time.Hour)
	resolve := report(brakesOK)
	resolve.Type = models.InspectionPostTrip
	resolve.ResolvedDefects = []models.DefectResolution{{Category: "brakes", Item: "service brakes", Remarks: "chamber replaced", CertifiedBy: "mechanic-3"}}
	_, err = l.Submit(ctx, resolve)
	require.NoError(t, err)
	eligible, err = l.IsVehicleEligible(ctx, "truck-7", time.Time{})
	require.NoError(t, err)
	assert.False(t, eligible, "turn signal still open")
	assert.Len(t, n.changes, 1)

	clock.Advance(time.Hour)
	resolve.ResolvedDefects = []models.DefectResolution{{Category: "Lights", Item: "Left turn signal", Remarks: "bulb replaced", CertifiedBy: "mechanic-3"}}
	_, err = l.Submit(ctx, resolve)
	require.NoError(t, err)

	e, err := l.Eligibility(ctx, "truck-7", time.Time{})
	require.NoError(t, err)
	assert.True(t, e.Eligible)
	assert.Empty(t, e.Defects)
	require.Len(t, n.changes, 2)
	assert.True(t, n.changes[1].Eligible)
}

func TestIsVehicleEligible_AsOf(t *testing.T) {
	l, clock, _ := newLedger(t)
	ctx := context.Background()
	before := clock.Now()

	clock.Advance(time.Minute)
	_, err := l.Submit(ctx, report(brakesBad))
	require.NoError(t, err)

	eligible, err := l.IsVehicleEligible(ctx, "truck-7", before)
	require.NoError(t, err)
	assert.True(t, eligible)

	eligible, err = l.IsVehicleEligible(ctx, "truck-7", clock.Now())
	require.NoError(t, err)
	assert.False(t, eligible)
}

func TestSubmit_ResolutionMustMatchOutstandingDefect(t *testing.T) {
	l, _, _ := newLedger(t)
	rec := report(brakesOK)
	rec.ResolvedDefects = []models.DefectResolution{{Category: "Tires", Item: "Steer tire", CertifiedBy: "mechanic-3"}}

	_, err := l.Submit(context.Background(), rec)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestSubmit_DerivesCondition(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.Submit(ctx, report(brakesBad, models.InspectionItem{Category: "Tires", Item: "Steer tire", Status: models.ItemNotApplicable}))
	require.NoError(t, err)

	records, err := l.records.FindInspections(ctx, "truck-7", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.ConditionDefective, records[0].OverallCondition)
	assert.Equal(t, 1, records[0].DefectsFound)
}
