// Package retention keeps disk usage inside the configured bounds. A
// periodic sweep removes orphaned metadata rows, ages out unused files
// (optionally into a cold-storage tier), enforces a hard size ceiling with
// LRU eviction, and reconciles disk contents against the metadata table.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/syncshard/filecdn/backend"
	"github.com/syncshard/filecdn/store"
	"github.com/syncshard/filecdn/store/metadb"
	"github.com/syncshard/filecdn/telemetry"
)

// ColdBackend is what the cold-storage tier requires of its storage:
// streamed writes plus modification times, since cold files have no
// metadata rows and are aged by mtime.
type ColdBackend interface {
	backend.WriterBackend

	ModTime(ctx context.Context, key string) (int64, error)
}

// ColdConfig configures the optional cold-storage tier.
type ColdConfig struct {
	Backend         ColdBackend
	MaxBytes        int64         // cold tier size ceiling; 0 disables
	RetentionPeriod time.Duration // cold file lifetime; 0 disables
}

// Config configures the retention manager.
type Config struct {
	Interval        time.Duration // how often to sweep (default: 10m)
	StartupDelay    time.Duration // delay before first sweep (default: 1m)
	RetentionPeriod time.Duration // unused file lifetime; 0 disables the age pass
	MaxCacheBytes   int64         // hard size ceiling; 0 disables
	BatchSize       int           // max records per phase per run (default: 1000)
	UploadGrace     time.Duration // strays younger than this are spared (default: 1h)
	Cold            *ColdConfig
}

// DefaultConfig returns the default retention configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Minute,
		StartupDelay: time.Minute,
		BatchSize:    1000,
		UploadGrace:  time.Hour,
	}
}

// Result contains the results of one sweep.
type Result struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	OrphanRowsRemoved int           `json:"orphan_rows_removed"`
	AgedOut           int           `json:"aged_out"`
	LRUEvicted        int           `json:"lru_evicted"`
	ColdMoves         int           `json:"cold_moves"`
	ColdDeleted       int           `json:"cold_deleted"`
	StraysDeleted     int           `json:"strays_deleted"`
	KeysMigrated      int           `json:"keys_migrated"`
	BytesReclaimed    int64         `json:"bytes_reclaimed"`
	Errors            []string      `json:"errors,omitempty"`
}

// deletions returns the total number of files removed by the sweep.
func (r *Result) deletions() int {
	return r.AgedOut + r.LRUEvicted + r.StraysDeleted + r.ColdDeleted
}

// contentStore is the store surface the sweep needs.
type contentStore interface {
	store.ExtendedStore

	Backend() backend.Backend
}

// Manager runs the periodic retention sweep. It requires the metadata
// table, so it only runs on the authoritative node.
type Manager struct {
	db     metadb.MetaDB
	store  contentStore
	config Config
	logger *slog.Logger
	now    func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the clock, used by tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a retention manager.
func New(db metadb.MetaDB, s contentStore, config Config, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		store:  s,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	if m.config.BatchSize <= 0 {
		m.config.BatchSize = 1000
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background sweep goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate sweep.
func (m *Manager) RunNow(ctx context.Context) *Result {
	return m.sweep(ctx)
}

// Status returns the last sweep result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("retention manager starting",
		"interval", m.config.Interval,
		"retention_period", m.config.RetentionPeriod,
		"max_cache_bytes", m.config.MaxCacheBytes,
		"cold_tier", m.config.Cold != nil,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.setRunning(false)
		return
	}

	m.sweep(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-m.stopCh:
			m.logger.Info("retention manager stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) sweep(ctx context.Context) *Result {
	result := &Result{StartedAt: m.now()}

	m.logger.Info("starting retention sweep")

	m.phaseOrphanRows(ctx, result)
	m.phaseAge(ctx, result)
	m.phaseCeiling(ctx, result)
	m.phaseReconcile(ctx, result)
	m.phaseColdTier(ctx, result)

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	telemetry.RecordSweep(ctx, result.Duration, result.deletions(), result.ColdMoves, len(result.Errors), result.BytesReclaimed)

	m.logger.Info("retention sweep complete",
		"duration", result.Duration,
		"orphan_rows", result.OrphanRowsRemoved,
		"aged_out", result.AgedOut,
		"lru_evicted", result.LRUEvicted,
		"cold_moves", result.ColdMoves,
		"cold_deleted", result.ColdDeleted,
		"strays_deleted", result.StraysDeleted,
		"keys_migrated", result.KeysMigrated,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}
