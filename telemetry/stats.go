package telemetry

import (
	"sync"
	"time"
)

// TransferStats tracks rolling unique-file and unique-byte counters over
// hour and day windows. It is observational only and never gates
// correctness; every successful resolution in the cached file provider
// reports here.
type TransferStats struct {
	mu   sync.Mutex
	now  func() time.Time
	hour *statsWindow
	day  *statsWindow
}

// StatsSnapshot is a point-in-time view of one window.
type StatsSnapshot struct {
	UniqueFiles int   `json:"unique_files"`
	UniqueBytes int64 `json:"unique_bytes"`
}

// NewTransferStats creates transfer statistics with hour and day windows.
func NewTransferStats() *TransferStats {
	return &TransferStats{
		now:  time.Now,
		hour: newStatsWindow(time.Hour),
		day:  newStatsWindow(24 * time.Hour),
	}
}

// Record notes that a file was served. The same hash served twice within a
// window counts once.
func (s *TransferStats) Record(hash string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.hour.record(hash, size, now)
	s.day.record(hash, size, now)
}

// Hour returns the rolling one-hour snapshot.
func (s *TransferStats) Hour() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hour.snapshot(s.now())
}

// Day returns the rolling 24-hour snapshot.
func (s *TransferStats) Day() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.day.snapshot(s.now())
}

type statsEntry struct {
	size int64
	seen time.Time
}

type statsWindow struct {
	span    time.Duration
	entries map[string]statsEntry
}

func newStatsWindow(span time.Duration) *statsWindow {
	return &statsWindow{
		span:    span,
		entries: make(map[string]statsEntry),
	}
}

func (w *statsWindow) record(hash string, size int64, now time.Time) {
	w.entries[hash] = statsEntry{size: size, seen: now}
}

func (w *statsWindow) snapshot(now time.Time) StatsSnapshot {
	cutoff := now.Add(-w.span)

	snap := StatsSnapshot{}
	for hash, e := range w.entries {
		if e.seen.Before(cutoff) {
			delete(w.entries, hash)
			continue
		}
		snap.UniqueFiles++
		snap.UniqueBytes += e.size
	}
	return snap
}
