package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransferStatsUniqueCounting(t *testing.T) {
	s := NewTransferStats()

	s.Record("aaa", 100)
	s.Record("bbb", 200)
	s.Record("aaa", 100) // duplicate within window

	hour := s.Hour()
	require.Equal(t, 2, hour.UniqueFiles)
	require.Equal(t, int64(300), hour.UniqueBytes)

	day := s.Day()
	require.Equal(t, 2, day.UniqueFiles)
	require.Equal(t, int64(300), day.UniqueBytes)
}

func TestTransferStatsWindowExpiry(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewTransferStats()
	s.now = func() time.Time { return current }

	s.Record("aaa", 100)

	current = current.Add(2 * time.Hour)
	s.Record("bbb", 50)

	hour := s.Hour()
	require.Equal(t, 1, hour.UniqueFiles, "entry older than an hour must age out")
	require.Equal(t, int64(50), hour.UniqueBytes)

	day := s.Day()
	require.Equal(t, 2, day.UniqueFiles, "both entries remain inside the day window")
	require.Equal(t, int64(150), day.UniqueBytes)

	current = current.Add(25 * time.Hour)
	require.Equal(t, 0, s.Day().UniqueFiles)
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "4xx", StatusClass(409))
	require.Equal(t, "5xx", StatusClass(502))
}
