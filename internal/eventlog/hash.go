package eventlog

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"time"

	"github.com/ukydev/fleet-compliance/internal/models"
)

// ContentHash returns the SHA-256 digest of the event's canonical fields,
// chained to the previous event through e.PrevHash. Each field is written
// with a 4-byte length prefix so free-text fields cannot collide.
func ContentHash(e models.HOSEvent) string {
	h := sha256.New()
	writeField(h, e.ID)
	writeField(h, e.DriverID)
	writeField(h, e.VehicleID)
	writeField(h, strconv.FormatInt(e.Sequence, 10))
	writeField(h, formatTime(e.Timestamp))
	writeField(h, string(e.Kind))
	writeField(h, string(e.DutyStatus))
	writeField(h, formatFloat(e.Odometer))
	writeField(h, formatFloat(e.EngineHours))
	if e.Location != nil {
		writeField(h, strconv.FormatFloat(e.Location.Lat, 'g', -1, 64))
		writeField(h, strconv.FormatFloat(e.Location.Lon, 'g', -1, 64))
		writeField(h, e.Location.Description)
	} else {
		writeField(h, "")
	}
	writeField(h, e.Remarks)
	writeField(h, e.SupersedesEventID)
	if e.EffectiveAt != nil {
		writeField(h, formatTime(*e.EffectiveAt))
	} else {
		writeField(h, "")
	}
	if e.Device != nil {
		writeField(h, e.Device.Code)
		writeField(h, e.Device.Description)
		writeField(h, string(e.Device.Severity))
		writeField(h, strconv.FormatBool(e.Device.Cleared))
	} else {
		writeField(h, "")
	}
	writeField(h, formatTime(e.RecordedAt))
	writeField(h, e.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}

// normalizeTime drops precision the Mongo date type cannot hold, so a stored
// event hashes the same after a round trip.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
