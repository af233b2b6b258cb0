package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimestampUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339", `"2024-03-01T09:30:00Z"`, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)},
		{"rfc3339 with offset", `"2024-03-01T19:30:00+10:00"`, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)},
		{"unix millis", `1700000000000`, time.UnixMilli(1700000000000)},
		{"unix seconds", `1700000000`, time.Unix(1700000000, 0)},
		{"fractional seconds", `1700000000.5`, time.UnixMilli(1700000000500)},
		{"null", `null`, time.Time{}},
		{"unparseable string", `"last tuesday"`, time.Time{}},
		{"object", `{"seconds":1}`, time.Time{}},
		{"bool", `true`, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ts))
			require.True(t, tt.want.Equal(ts.Time), "got %s", ts.Time)
		})
	}
}

func TestTimestampMarshal(t *testing.T) {
	t.Parallel()

	out, err := json.Marshal(Event{Type: "bed.assigned", Topic: "ward"})
	require.NoError(t, err)
	require.Contains(t, string(out), `"timestamp":null`)

	out, err = json.Marshal(Timestamp{time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.JSONEq(t, `"2024-03-01T09:30:00Z"`, string(out))
}
