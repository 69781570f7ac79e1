package models

import (
	"fmt"
	"time"
)

// Minutes is the integer unit all HOS time math is done in.
type Minutes int64

// MinutesBetween returns the whole minutes from a to b, truncating both to
// the minute first so repeated accumulation never drifts.
func MinutesBetween(a, b time.Time) Minutes {
	if !b.After(a) {
		return 0
	}
	start := a.Truncate(time.Minute)
	end := b.Truncate(time.Minute)
	return Minutes(end.Sub(start) / time.Minute)
}

// Hours builds a Minutes value from whole hours.
func Hours(h int) Minutes { return Minutes(h * 60) }

// Duration converts to a time.Duration.
func (m Minutes) Duration() time.Duration { return time.Duration(m) * time.Minute }

// HHMM renders the value as hours:minutes, e.g. "10:05".
func (m Minutes) HHMM() string {
	sign := ""
	if m < 0 {
		sign = "-"
		m = -m
	}
	return fmt.Sprintf("%s%02d:%02d", sign, m/60, m%60)
}

// MaxMinutes returns the larger of a and b.
func MaxMinutes(a, b Minutes) Minutes {
	if a > b {
		return a
	}
	return b
}

// Remaining returns max(0, limit-used).
func Remaining(limit, used Minutes) Minutes {
	if used >= limit {
		return 0
	}
	return limit - used
}
