package violations

import (
	"context"
	"errors"
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
	t        *testing.T
	log      *eventlog.Log
	detector *Detector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	users := db.NewMemoryUserCollection()
	require.NoError(t, users.InsertUser(context.Background(), models.User{ID: "d1", Role: models.RoleDriver, IsActive: true}))
	clock := clockz.NewFakeClock()
	l := eventlog.New(db.NewMemoryEventCollection(), users, clock, eventlog.Config{})
	engine := hos.NewEngine(l, users, hos.US70Hour8Day, clock)
	return &fixture{t: t, log: l, detector: NewDetector(engine, l, 0, clock)}
}

func (f *fixture) append(e models.HOSEvent) string {
	f.t.Helper()
	e.DriverID = "d1"
	id, err := f.log.Append(context.Background(), e)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) status(at time.Time, s models.DutyStatus) string {
	return f.append(models.HOSEvent{Timestamp: at, Kind: models.KindDutyStatusChange, DutyStatus: s})
}

func (f *fixture) fault(at time.Time, kind models.EventKind, code string, severity models.FaultSeverity, cleared bool) string {
	return f.append(models.HOSEvent{Timestamp: at, Kind: kind, Device: &models.DeviceFault{Code: code, Severity: severity, Cleared: cleared}})
}

func (f *fixture) evaluate(asOf time.Time) []models.Violation {
	f.t.Helper()
	out, err := f.detector.Evaluate(context.Background(), "d1", asOf)
	require.NoError(f.t, err)
	return out
}

func find(vs []models.Violation, rule models.RuleCode) *models.Violation {
	for i := range vs {
		if vs[i].RuleCode == rule {
			return &vs[i]
		}
	}
	return nil
}

func TestEvaluate_DriveTimeExceeded(t *testing.T) {
	f := newFixture(t)
	f.status(t0.Add(-time.Hour), models.StatusOffDuty)
	driving := f.status(t0, models.StatusDriving)

	assert.Nil(t, find(f.evaluate(t0.Add(11*time.Hour-time.Minute)), models.RuleDriveTimeExceeded))

	v := find(f.evaluate(t0.Add(11*time.Hour+time.Minute)), models.RuleDriveTimeExceeded)
	require.NotNil(t, v)
	assert.Equal(t, models.SeverityCritical, v.Severity)
	assert.Equal(t, t0.Add(11*time.Hour), v.DetectedAt)
	assert.Equal(t, []string{driving}, v.RelatedEventIDs)
	assert.False(t, v.Resolved)

	// stopping driving ends the condition
	f.status(t0.Add(11*time.Hour+2*time.Minute), models.StatusOffDuty)
	assert.Nil(t, find(f.evaluate(t0.Add(11*time.Hour+3*time.Minute)), models.RuleDriveTimeExceeded))
}

func TestEvaluate_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.status(t0.Add(-time.Hour), models.StatusOffDuty)
	f.status(t0, models.StatusDriving)
	f.fault(t0.Add(time.Hour), models.KindMalfunction, "POWER", models.FaultWarning, false)

	asOf := t0.Add(15 * time.Hour)
	first := f.evaluate(asOf)
	second := f.evaluate(asOf)
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)

	for i := 1; i < len(first); i++ {
		prev, cur := first[i-1], first[i]
		assert.True(t, prev.RuleCode < cur.RuleCode || (prev.RuleCode == cur.RuleCode && prev.ID < cur.ID))
	}
}

func TestEvaluate_BreakRequired(t *testing.T) {
	t.Run("warning at the threshold", func(t *testing.T) {
		f := newFixture(t)
		f.status(t0.Add(-time.Hour), models.StatusOffDuty)
		f.status(t0, models.StatusDriving)

		v := find(f.evaluate(t0.Add(8*time.Hour)), models.RuleBreakRequired)
		require.NotNil(t, v)
		assert.Equal(t, models.SeverityWarning, v.Severity)
		assert.Equal(t, t0.Add(8*time.Hour), v.DetectedAt)
	})

	t.Run("critical past the deadline with the same id", func(t *testing.T) {
		f := newFixture(t)
		f.status(t0.Add(-time.Hour), models.StatusOffDuty)
		f.status(t0, models.StatusDriving)

		warn := find(f.evaluate(t0.Add(8*time.Hour)), models.RuleBreakRequired)
		crit := find(f.evaluate(t0.Add(8*time.Hour+5*time.Minute)), models.RuleBreakRequired)
		require.NotNil(t, warn)
		require.NotNil(t, crit)
		assert.Equal(t, models.SeverityCritical, crit.Severity)
		assert.Equal(t, warn.ID, crit.ID)
	})

	t.Run("a 35 minute break clears it", func(t *testing.T) {
		f := newFixture(t)
		f.status(t0.Add(-time.Hour), models.StatusOffDuty)
		f.status(t0, models.StatusDriving)
		f.status(t0.Add(7*time.Hour), models.StatusOffDuty)
		f.status(t0.Add(7*time.Hour+35*time.Minute), models.StatusDriving)

		assert.Nil(t, find(f.evaluate(t0.Add(8*time.Hour+35*time.Minute)), models.RuleBreakRequired))
	})
}

func TestEvaluate_OnDutyExceeded(t *testing.T) {
	f := newFixture(t)
	f.status(t0.Add(-time.Hour), models.StatusOffDuty)
	f.status(t0, models.StatusDriving)
	f.status(t0.Add(5*time.Hour), models.StatusOffDuty)
	since := f.status(t0.Add(13*time.Hour), models.StatusOnDutyNotDriving)

	vs := f.evaluate(t0.Add(14*time.Hour + 10*time.Minute))
	v := find(vs, models.RuleOnDutyExceeded)
	require.NotNil(t, v)
	assert.Equal(t, models.SeverityCritical, v.Severity)
	assert.Equal(t, t0.Add(14*time.Hour), v.DetectedAt)
	assert.Contains(t, v.RelatedEventIDs, since)
	assert.Nil(t, find(vs, models.RuleDriveTimeExceeded))
}

func TestEvaluate_Malfunction(t *testing.T) {
	f := newFixture(t)
	f.status(t0, models.StatusOffDuty)
	warnID := f.fault(t0.Add(time.Minute), models.KindMalfunction, "TIMING", models.FaultWarning, false)
	critID := f.fault(t0.Add(2*time.Minute), models.KindMalfunction, "POSITIONING", models.FaultCritical, false)

	vs := f.evaluate(t0.Add(3 * time.Minute))
	var found []models.Violation
	for _, v := range vs {
		if v.RuleCode == models.RuleELDMalfunction {
			found = append(found, v)
		}
	}
	require.Len(t, found, 2)
	bySeverity := map[models.Severity][]string{}
	for _, v := range found {
		bySeverity[v.Severity] = v.RelatedEventIDs
	}
	assert.Equal(t, []string{warnID}, bySeverity[models.SeverityWarning])
	assert.Equal(t, []string{critID}, bySeverity[models.SeverityCritical])

	f.fault(t0.Add(4*time.Minute), models.KindMalfunction, "TIMING", "", true)
	vs = f.evaluate(t0.Add(5 * time.Minute))
	require.NotNil(t, find(vs, models.RuleELDMalfunction))
	assert.Equal(t, []string{critID}, find(vs, models.RuleELDMalfunction).RelatedEventIDs)

	// a cleared diagnostic with the same code does not clear the malfunction
	f.fault(t0.Add(6*time.Minute), models.KindDiagnostic, "POSITIONING", "", true)
	assert.NotNil(t, find(f.evaluate(t0.Add(7*time.Minute)), models.RuleELDMalfunction))
}

func TestEvaluate_DiagnosticGrace(t *testing.T) {
	f := newFixture(t)
	f.status(t0, models.StatusOffDuty)
	f.fault(t0.Add(time.Minute), models.KindDiagnostic, "DATA_TRANSFER", models.FaultWarning, false)

	assert.Nil(t, find(f.evaluate(t0.Add(31*time.Minute)), models.RuleDiagnosticUnacked))

	v := find(f.evaluate(t0.Add(32*time.Minute)), models.RuleDiagnosticUnacked)
	require.NotNil(t, v)
	assert.Equal(t, models.SeverityWarning, v.Severity)
	assert.Equal(t, t0.Add(31*time.Minute), v.DetectedAt)

	f.fault(t0.Add(40*time.Minute), models.KindDiagnostic, "DATA_TRANSFER", "", true)
	assert.Nil(t, find(f.evaluate(t0.Add(41*time.Minute)), models.RuleDiagnosticUnacked))
}

func TestEvaluate_PropagatesStateErrors(t *testing.T) {
	f := newFixture(t)
	f.status(t0, models.StatusDriving)

	_, err := f.detector.Evaluate(context.Background(), "d1", t0.Add(time.Hour))
	assert.True(t, errors.Is(err, apperr.ErrIncompleteHistory))

	_, err = f.detector.Evaluate(context.Background(), "ghost", t0)
	assert.True(t, errors.Is(err, apperr.ErrUnknownDriver))
}

func TestViolationID_Deterministic(t *testing.T) {
	a := ViolationID("d1", models.RuleDriveTimeExceeded, []string{"e1", "e2"})
	b := ViolationID("d1", models.RuleDriveTimeExceeded, []string{"e1", "e2"})
	c := ViolationID("d1", models.RuleOnDutyExceeded, []string{"e1", "e2"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestEvaluate_FaultCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.status(t0, models.StatusOffDuty)
	f.fault(t0.Add(time.Minute), models.KindMalfunction, "TIMING", models.FaultWarning, false)
	f.status(t0.Add(time.Hour), models.StatusOffDuty)

	require.NotNil(t, find(f.evaluate(t0.Add(61*time.Minute)), models.RuleELDMalfunction))
	cp := f.detector.faults["d1"]
	require.NotNil(t, cp)
	assert.Equal(t, t0.Add(time.Hour-eventlog.DefaultSkewTolerance), cp.through)
	assert.Len(t, cp.open, 1)

	// lands inside the skew window, after the cached history
	f.fault(t0.Add(59*time.Minute), models.KindMalfunction, "TIMING", "", true)
	assert.Nil(t, find(f.evaluate(t0.Add(62*time.Minute)), models.RuleELDMalfunction))

	// an earlier asOf is folded from scratch
	assert.NotNil(t, find(f.evaluate(t0.Add(2*time.Minute)), models.RuleELDMalfunction))
	assert.Nil(t, find(f.evaluate(t0.Add(63*time.Minute)), models.RuleELDMalfunction))
}

func TestEvaluate_ReopenedFaultReportedOnce(t *testing.T) {
	f := newFixture(t)
	f.status(t0, models.StatusOffDuty)
	f.fault(t0.Add(time.Minute), models.KindMalfunction, "TIMING", models.FaultWarning, false)
	f.fault(t0.Add(2*time.Minute), models.KindMalfunction, "TIMING", "", true)
	reopened := f.fault(t0.Add(3*time.Minute), models.KindMalfunction, "TIMING", models.FaultWarning, false)

	var found []models.Violation
	for _, v := range f.evaluate(t0.Add(4 * time.Minute)) {
		if v.RuleCode == models.RuleELDMalfunction {
			found = append(found, v)
		}
	}
	require.Len(t, found, 1)
	assert.Equal(t, []string{reopened}, found[0].RelatedEventIDs)
}
