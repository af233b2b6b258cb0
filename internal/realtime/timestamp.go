package realtime

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// secondsCutoff separates Unix seconds from Unix milliseconds. 1e11 seconds
// is in the year 5138, 1e11 milliseconds is in 1973.
const secondsCutoff = 1e11

// Timestamp is an event time as the push service sends it: an RFC 3339
// string, or a number of Unix milliseconds (seconds for values below 1e11).
// Anything else decodes to the zero time so the event is still delivered.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}

	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
		}
		return nil
	}

	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil
	}
	if math.Abs(n) < secondsCutoff {
		t.Time = time.UnixMilli(int64(n * 1000)).UTC()
	} else {
		t.Time = time.UnixMilli(int64(n)).UTC()
	}
	return nil
}

// MarshalJSON writes RFC 3339, or null for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
