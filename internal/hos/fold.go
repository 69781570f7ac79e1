package hos

import (
	"context"
	"sort"
	"time"

	"github.com/ukydev/fleet-compliance/internal/models"
)

// segment is one stretch of the effective status timeline. It lasts until
// the next segment starts, or until asOf for the last one.
type segment struct {
	status  models.DutyStatus
	start   time.Time
	eventID string
	seq     int64
}

type interval struct {
	start, end time.Time
}

// restPeriod is a contiguous run of off-duty and sleeper-berth time.
type restPeriod struct {
	start, end time.Time
	length     models.Minutes
	sleeper    models.Minutes // longest unbroken sleeper-berth stretch

	sleeperFrom *time.Time
	// shift counters when the run began; nothing accrues during rest
	drive, onDuty models.Minutes
	paired        bool
	resetShift    bool
}

type crossing struct {
	at      time.Time
	eventID string
}

// fold accumulates the budgets over a chronological timeline.
type fold struct {
	rules Rules
	asOf  time.Time

	drive, onDuty models.Minutes
	sinceBreak    models.Minutes
	nonDriving    models.Minutes

	windowStart *time.Time
	excluded    *restPeriod

	driveLimit  *crossing
	onDutyLimit *crossing
	breakLimit  *crossing

	onDutySince *segment
	rest        *restPeriod
	lastRest    *restPeriod

	cycle []interval
	seen  []segment
}

func newFold(rules Rules, asOf time.Time) *fold {
	return &fold{rules: rules, asOf: asOf}
}

// seed starts the fold from an operator-supplied baseline.
func (f *fold) seed(b models.HOSBaseline) {
	at := b.At.Truncate(time.Minute)
	f.drive = b.DriveUsed
	f.onDuty = b.OnDutyUsed
	f.sinceBreak = b.DrivingSinceBreak
	switch {
	case b.ShiftStart != nil:
		start := b.ShiftStart.Truncate(time.Minute)
		f.windowStart = &start
	case b.OnDutyUsed > 0 || b.Status.OnDuty():
		start := at.Add(-b.OnDutyUsed.Duration())
		f.windowStart = &start
	}
	if b.CycleUsed > 0 {
		f.cycle = append(f.cycle, interval{start: at.Add(-b.CycleUsed.Duration()), end: at})
	}
	if f.drive >= f.rules.DriveLimit {
		f.driveLimit = &crossing{at: at}
	}
	if f.onDuty >= f.rules.ShiftWindow {
		f.onDutyLimit = &crossing{at: at}
	}
	if f.sinceBreak >= f.rules.BreakAfter {
		f.breakLimit = &crossing{at: at}
	}
}

// run folds every segment, checking ctx between segments.
func (f *fold) run(ctx context.Context, segs []segment) error {
	for i, s := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := f.asOf
		if i+1 < len(segs) {
			end = segs[i+1].start
		}
		if end.Before(s.start) {
			end = s.start
		}
		f.seen = append(f.seen, s)
		if s.status.Resting() {
			f.resting(s, end)
		} else {
			f.working(s, end)
		}
	}
	return nil
}

func (f *fold) working(s segment, end time.Time) {
	if f.rest != nil {
		f.closeRest()
	}
	start := s.start.Truncate(time.Minute)
	d := models.MinutesBetween(s.start, end)

	if f.windowStart == nil {
		f.windowStart = &start
	}
	if f.onDutySince == nil {
		since := s
		f.onDutySince = &since
	}

	if s.status == models.StatusDriving {
		f.nonDriving = 0
		f.drive, f.driveLimit = accrue(f.drive, d, f.rules.DriveLimit, start, s.eventID, f.driveLimit)
		f.sinceBreak, f.breakLimit = accrue(f.sinceBreak, d, f.rules.BreakAfter, start, s.eventID, f.breakLimit)
	} else {
		f.nonDriving += d
		f.checkBreak()
	}
	f.onDuty, f.onDutyLimit = accrue(f.onDuty, d, f.rules.ShiftWindow, start, s.eventID, f.onDutyLimit)

	if d > 0 {
		f.cycle = append(f.cycle, interval{start: start, end: start.Add(d.Duration())})
	}
}

// accrue adds d to used and records the moment limit is first reached.
func accrue(used, d, limit models.Minutes, start time.Time, eventID string, reached *crossing) (models.Minutes, *crossing) {
	if reached == nil && used < limit && used+d >= limit {
		reached = &crossing{at: start.Add((limit - used).Duration()), eventID: eventID}
	}
	return used + d, reached
}

func (f *fold) checkBreak() {
	if f.nonDriving >= f.rules.BreakLength {
		f.sinceBreak = 0
		f.breakLimit = nil
	}
}

func (f *fold) resting(s segment, end time.Time) {
	f.onDutySince = nil
	if f.rest == nil {
		f.rest = &restPeriod{start: s.start.Truncate(time.Minute), drive: f.drive, onDuty: f.onDuty}
	}
	r := f.rest
	r.end = end
	r.length = models.MinutesBetween(r.start, end)
	if s.status == models.StatusSleeperBerth {
		if r.sleeperFrom == nil {
			from := s.start
			r.sleeperFrom = &from
		}
		r.sleeper = models.MaxMinutes(r.sleeper, models.MinutesBetween(*r.sleeperFrom, end))
	} else {
		r.sleeperFrom = nil
	}

	f.nonDriving += models.MinutesBetween(s.start, end)
	f.checkBreak()

	if r.length >= f.rules.Restart {
		f.cycle = nil
	}
	switch {
	case r.length >= f.rules.ShiftRest:
		f.resetShift()
		r.resetShift = true
		r.drive, r.onDuty = 0, 0
	case f.rules.SplitSleeper && f.lastRest != nil && !r.paired && f.pairs(f.lastRest, r):
		f.split(f.lastRest, r)
	}
}

func (f *fold) resetShift() {
	f.drive, f.onDuty, f.sinceBreak = 0, 0, 0
	f.windowStart = nil
	f.excluded = nil
	f.driveLimit, f.onDutyLimit, f.breakLimit = nil, nil, nil
	f.lastRest = nil
}

// pairs reports whether a and b form a split-sleeper pair: one has an
// unbroken sleeper-berth stretch of at least SplitSleeperMin, the other is at
// least SplitOtherMin long, and the two parts add up to the shift rest.
func (f *fold) pairs(a, b *restPeriod) bool {
	ok := func(sleeperPart, other *restPeriod) bool {
		return sleeperPart.sleeper >= f.rules.SplitSleeperMin &&
			other.length >= f.rules.SplitOtherMin &&
			sleeperPart.sleeper+other.length >= f.rules.ShiftRest
	}
	return ok(a, b) || ok(b, a)
}

// split recomputes the shift from the end of the first period of a pair.
// Only time after it counts, and the second period is excluded from the
// 14-hour window.
func (f *fold) split(first, second *restPeriod) {
	f.drive -= first.drive
	f.onDuty -= first.onDuty
	start := first.end
	f.windowStart = &start
	f.excluded = second
	second.paired = true
	second.drive, second.onDuty = f.drive, f.onDuty
	if f.drive < f.rules.DriveLimit {
		f.driveLimit = nil
	}
	if f.onDuty < f.rules.ShiftWindow {
		f.onDutyLimit = nil
	}
}

func (f *fold) closeRest() {
	r := f.rest
	f.rest = nil
	switch {
	case r.resetShift:
		f.lastRest = nil
	case r.length >= f.rules.SplitOtherMin || r.sleeper >= f.rules.SplitSleeperMin:
		f.lastRest = r
	}
}

// cycleUsedAt sums on-duty minutes inside the cycle window ending at t.
func (f *fold) cycleUsedAt(t time.Time) models.Minutes {
	from := t.Add(-time.Duration(f.rules.CycleDays) * 24 * time.Hour)
	var used models.Minutes
	for _, iv := range f.cycle {
		start, end := iv.start, iv.end
		if start.Before(from) {
			start = from
		}
		if end.After(t) {
			end = t
		}
		used += models.MinutesBetween(start, end)
	}
	return used
}

// segmentAt returns the folded segment in effect at t.
func (f *fold) segmentAt(t time.Time) string {
	i := sort.Search(len(f.seen), func(i int) bool { return f.seen[i].start.After(t) })
	if i == 0 {
		return ""
	}
	return f.seen[i-1].eventID
}

// state renders the fold at asOf.
func (f *fold) state(driverID string) models.HOSState {
	asOf := f.asOf.Truncate(time.Minute)
	st := models.HOSState{
		DriverID:          driverID,
		AsOf:              f.asOf,
		CurrentStatus:     models.StatusOffDuty,
		DriveTimeUsed:     f.drive,
		OnDutyTimeUsed:    f.onDuty,
		DrivingSinceBreak: f.sinceBreak,
		CycleTimeUsed:     f.cycleUsedAt(asOf),
	}
	if n := len(f.seen); n > 0 {
		cur := n - 1
		for cur > 0 && f.seen[cur-1].status == f.seen[n-1].status {
			cur--
		}
		st.CurrentStatus = f.seen[n-1].status
		st.StatusStartTime = f.seen[cur].start
		st.CurrentStatusEventID = f.seen[cur].eventID
	}
	if f.onDutySince != nil {
		since := f.onDutySince.start
		st.OnDutySince = &since
		st.OnDutySinceEventID = f.onDutySince.eventID
	}

	if f.windowStart != nil {
		start := *f.windowStart
		st.ShiftStart = &start
		elapsed := models.MinutesBetween(start, asOf)
		var excluded models.Minutes
		if f.excluded != nil {
			excluded = f.excluded.length
		}
		st.ShiftWindowElapsed = models.MaxMinutes(0, elapsed-excluded)
		if st.ShiftWindowElapsed >= f.rules.ShiftWindow {
			at := start.Add((f.rules.ShiftWindow + excluded).Duration())
			if f.onDutyLimit == nil || at.Before(f.onDutyLimit.at) {
				f.onDutyLimit = &crossing{at: at, eventID: f.segmentAt(at)}
			}
		}
	}

	st.RemainingDriveTime = models.Remaining(f.rules.DriveLimit, st.DriveTimeUsed)
	st.RemainingOnDutyTime = models.Remaining(f.rules.ShiftWindow, models.MaxMinutes(st.OnDutyTimeUsed, st.ShiftWindowElapsed))
	st.RemainingCycleTime = models.Remaining(f.rules.CycleLimit, st.CycleTimeUsed)

	if f.breakLimit != nil {
		st.NextBreakDeadline = f.breakLimit.at
	} else {
		st.NextBreakDeadline = asOf.Add(models.Remaining(f.rules.BreakAfter, f.sinceBreak).Duration())
	}

	st.DriveLimitReachedAt, st.DriveLimitEventID = f.driveLimit.unpack()
	st.OnDutyLimitReachedAt, st.OnDutyLimitEventID = f.onDutyLimit.unpack()
	st.BreakThresholdAt, st.BreakEventID = f.breakLimit.unpack()
	if f.onDutySince != nil && st.RemainingCycleTime == 0 {
		st.CycleLimitReachedAt, st.CycleLimitEventID = f.cycleCrossing(f.onDutySince.start.Truncate(time.Minute), asOf).unpack()
	}
	return st
}

// cycleCrossing finds the first minute in [from, to] at which the cycle
// limit is reached. Cycle usage never decreases during on-duty time, so the
// search is a bisection over minutes.
func (f *fold) cycleCrossing(from, to time.Time) *crossing {
	if f.cycleUsedAt(from) >= f.rules.CycleLimit {
		return &crossing{at: from, eventID: f.segmentAt(from)}
	}
	n := int(models.MinutesBetween(from, to))
	i := sort.Search(n+1, func(i int) bool {
		return f.cycleUsedAt(from.Add(time.Duration(i)*time.Minute)) >= f.rules.CycleLimit
	})
	at := from.Add(time.Duration(i) * time.Minute)
	return &crossing{at: at, eventID: f.segmentAt(at)}
}

func (c *crossing) unpack() (*time.Time, string) {
	if c == nil {
		return nil, ""
	}
	at := c.at
	return &at, c.eventID
}
