package eventlog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/db"
)

// EncodeCursor renders c as "<unix millis>.<sequence>" for use in URLs.
func EncodeCursor(c *db.Cursor) string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", c.Timestamp.UnixMilli(), c.Sequence)
}

// ParseCursor is the inverse of EncodeCursor. An empty string yields nil.
func ParseCursor(s string) (*db.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	ms, seq, ok := strings.Cut(s, ".")
	if !ok {
		return nil, apperr.Validation("after", "malformed cursor")
	}
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return nil, apperr.Validation("after", "malformed cursor timestamp")
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil || n < 1 {
		return nil, apperr.Validation("after", "malformed cursor sequence")
	}
	return &db.Cursor{Timestamp: time.UnixMilli(millis).UTC(), Sequence: n}, nil
}
