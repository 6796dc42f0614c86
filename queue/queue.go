// Package queue implements download admission control. Any number of
// requests may be enqueued cheaply, but only a bounded number hold an active
// streaming slot at once, and every reservation expires so a crashed or
// stalled client cannot pin a slot.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	filecdn "github.com/syncshard/filecdn"
	"github.com/syncshard/filecdn/telemetry"
)

var (
	// ErrQueueFull is returned when every streaming slot is occupied.
	// Callers should retry later rather than wait.
	ErrQueueFull = errors.New("download queue full")

	// ErrNotFound is returned for an unknown or expired request id.
	ErrNotFound = errors.New("request not found")

	// ErrForbidden is returned when the request id exists but belongs to a
	// different user.
	ErrForbidden = errors.New("request owned by another user")
)

// Request is a user's logical download request: an opaque id, the owning
// user, and the ordered hashes it wants.
type Request struct {
	ID     string
	User   string
	Hashes []filecdn.Hash
}

// entry wraps a Request with its admission state.
type entry struct {
	req      *Request
	deadline time.Time
	enqueued time.Time
	active   bool
}

// Config configures the admission queue.
type Config struct {
	Size          int           // concurrently active streaming slots
	Timeout       time.Duration // enqueue to first activation
	Release       time.Duration // activation to forced slot release
	ClearLimit    int           // max never-activated entries retained
	SweepInterval time.Duration // how often expired entries are reclaimed
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Size:          50,
		Timeout:       2 * time.Minute,
		Release:       30 * time.Second,
		ClearLimit:    1000,
		SweepInterval: 10 * time.Second,
	}
}

// Queue is the download admission queue.
type Queue struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	busy    int

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger for the queue.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the clock, used by tests.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates an admission queue with the given configuration.
func New(config Config, opts ...Option) *Queue {
	q := &Queue{
		config:  config,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue registers a download request and returns its id. The request
// holds no slot until its first successful IsActiveProcessing check, and
// expires if never activated within the configured timeout.
func (q *Queue) Enqueue(ctx context.Context, user string, hashes []filecdn.Hash) string {
	id := uuid.NewString()
	now := q.now()

	q.mu.Lock()
	q.entries[id] = &entry{
		req:      &Request{ID: id, User: user, Hashes: hashes},
		deadline: now.Add(q.config.Timeout),
		enqueued: now,
	}
	q.enforceClearLimitLocked()
	busy, depth := q.busy, len(q.entries)
	q.mu.Unlock()

	telemetry.RecordQueueState(ctx, busy, depth)

	return id
}

// IsActiveProcessing checks whether the request may stream. The first
// successful check promotes the request to active, consuming a slot and
// re-arming its deadline to the release window. A request owned by another
// user is rejected, and a full queue returns ErrQueueFull so the caller can
// back off and retry.
func (q *Queue) IsActiveProcessing(ctx context.Context, id, user string) (*Request, error) {
	now := q.now()

	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || now.After(e.deadline) {
		q.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.req.User != user {
		q.mu.Unlock()
		return nil, ErrForbidden
	}
	if e.active {
		e.deadline = now.Add(q.config.Release)
		req := e.req
		q.mu.Unlock()
		return req, nil
	}
	if q.busy >= q.config.Size {
		q.mu.Unlock()
		telemetry.RecordQueueRejection(ctx)
		return nil, ErrQueueFull
	}
	q.busy++
	e.active = true
	e.deadline = now.Add(q.config.Release)
	req := e.req
	busy, depth := q.busy, len(q.entries)
	q.mu.Unlock()

	telemetry.RecordQueueState(ctx, busy, depth)

	return req, nil
}

// ActivateRequest re-arms an active request's deadline to the release
// window. Called when streaming starts so a hung connection still frees its
// slot once the window passes.
func (q *Queue) ActivateRequest(id string) {
	now := q.now()

	q.mu.Lock()
	if e, ok := q.entries[id]; ok && e.active {
		e.deadline = now.Add(q.config.Release)
	}
	q.mu.Unlock()
}

// FinishRequest removes the request and frees its slot immediately.
// Unknown ids are ignored, so the forced-release path and the explicit
// finish path can race harmlessly.
func (q *Queue) FinishRequest(ctx context.Context, id string) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if ok {
		if e.active {
			q.busy--
		}
		delete(q.entries, id)
	}
	busy, depth := q.busy, len(q.entries)
	q.mu.Unlock()

	if ok {
		telemetry.RecordQueueState(ctx, busy, depth)
	}
}

// SlotsBusy returns the number of occupied streaming slots.
func (q *Queue) SlotsBusy() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Depth returns the number of tracked requests, active or not.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Start starts the background sweep goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	q.mu.Unlock()

	go q.run(ctx)
}

// Stop gracefully stops the sweep goroutine.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	close(q.stopCh)

	select {
	case <-q.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.doneCh)

	ticker := time.NewTicker(q.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.Sweep(ctx)
		case <-q.stopCh:
			q.setRunning(false)
			return
		case <-ctx.Done():
			q.setRunning(false)
			return
		}
	}
}

func (q *Queue) setRunning(running bool) {
	q.mu.Lock()
	q.running = running
	q.mu.Unlock()
}

// Sweep removes expired entries, freeing slots held past their deadline.
// Returns the number of entries reclaimed.
func (q *Queue) Sweep(ctx context.Context) int {
	now := q.now()

	q.mu.Lock()
	reclaimed := 0
	freed := 0
	for id, e := range q.entries {
		if now.After(e.deadline) {
			if e.active {
				q.busy--
				freed++
			}
			delete(q.entries, id)
			reclaimed++
		}
	}
	busy, depth := q.busy, len(q.entries)
	q.mu.Unlock()

	if reclaimed > 0 {
		q.logger.Info("reclaimed expired queue entries",
			"reclaimed", reclaimed,
			"slots_freed", freed)
		telemetry.RecordQueueReclaimed(ctx, reclaimed)
		telemetry.RecordQueueState(ctx, busy, depth)
	}

	return reclaimed
}

// enforceClearLimitLocked drops the oldest never-activated entries once
// their count exceeds the configured limit. Guards memory against abusive
// enqueue patterns. Caller holds q.mu.
func (q *Queue) enforceClearLimitLocked() {
	if q.config.ClearLimit <= 0 {
		return
	}

	idle := 0
	for _, e := range q.entries {
		if !e.active {
			idle++
		}
	}

	for idle > q.config.ClearLimit {
		var oldestID string
		var oldest time.Time
		for id, e := range q.entries {
			if e.active {
				continue
			}
			if oldestID == "" || e.enqueued.Before(oldest) {
				oldestID = id
				oldest = e.enqueued
			}
		}
		if oldestID == "" {
			return
		}
		delete(q.entries, oldestID)
		idle--
		q.logger.Warn("dropped stale queue entry over clear limit", "request_id", oldestID)
	}
}
