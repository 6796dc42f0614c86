// Package provider resolves file content by hash, serving from the local
// store when possible and pulling from the origin node on a miss. Concurrent
// requests for the same missing hash are coalesced so only one origin fetch
// is in flight per hash.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	filecdn "github.com/syncshard/filecdn"
	"github.com/syncshard/filecdn/backend"
	"github.com/syncshard/filecdn/origin"
	"github.com/syncshard/filecdn/store"
	"github.com/syncshard/filecdn/telemetry"
)

// ErrNotFound is returned when the file exists neither locally nor at the
// origin (or there is no origin configured).
var ErrNotFound = errors.New("file not found")

const (
	openRetries    = 3
	openRetryDelay = 50 * time.Millisecond
)

// OriginFetcher fetches a blob from the origin node.
type OriginFetcher interface {
	FetchFile(ctx context.Context, h filecdn.Hash) (io.ReadCloser, int64, error)
}

// fetchResult holds the outcome of a coalesced origin fetch.
type fetchResult struct {
	Hash filecdn.Hash
	Size int64
}

// Provider serves file content by hash. With no origin configured it only
// serves what the local store holds, which is the authoritative node's mode
// of operation.
type Provider struct {
	store  store.Store
	origin OriginFetcher
	stats  *telemetry.TransferStats
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithOrigin sets the origin fetcher used on a local miss.
func WithOrigin(o OriginFetcher) Option {
	return func(p *Provider) {
		p.origin = o
	}
}

// WithTransferStats sets the rolling transfer statistics recorder.
func WithTransferStats(stats *telemetry.TransferStats) Option {
	return func(p *Provider) {
		p.stats = stats
	}
}

// WithLogger sets the logger for the provider.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// New creates a Provider backed by the given store.
func New(s store.Store, opts ...Option) *Provider {
	p := &Provider{
		store:  s,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetFile returns a reader for the file's content plus its size. On a local
// miss it fetches from the origin, stores the blob, and serves from the
// freshly stored copy. Callers must close the returned reader.
func (p *Provider) GetFile(ctx context.Context, h filecdn.Hash) (io.ReadCloser, int64, error) {
	rc, size, err := p.store.Open(ctx, h)
	if err == nil {
		markCacheResult(ctx, telemetry.CacheHit)
		p.recordTransfer(h, size)
		return rc, size, nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		return nil, 0, fmt.Errorf("opening local file: %w", err)
	}

	markCacheResult(ctx, telemetry.CacheMiss)

	if p.origin == nil {
		return nil, 0, ErrNotFound
	}

	if _, err := p.fetch(ctx, h); err != nil {
		return nil, 0, err
	}

	rc, size, err = p.openWithRetry(ctx, h)
	if err != nil {
		return nil, 0, fmt.Errorf("opening file after fetch: %w", err)
	}

	p.recordTransfer(h, size)
	return rc, size, nil
}

// HasFile reports whether the file is available locally without touching it.
func (p *Provider) HasFile(ctx context.Context, h filecdn.Hash) (bool, error) {
	return p.store.Has(ctx, h)
}

// fetch performs the coalesced origin fetch. The fetch runs on a context
// detached from the caller so one caller timing out does not cancel the
// download for other waiters.
func (p *Provider) fetch(ctx context.Context, h filecdn.Hash) (*fetchResult, error) {
	key := h.String()

	ch := p.group.DoChan(key, func() (any, error) {
		return p.fetchFromOrigin(context.WithoutCancel(ctx), h)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			// Allow a later call to retry rather than sharing this failure.
			p.group.Forget(key)
			if errors.Is(res.Err, origin.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, res.Err
		}
		return res.Val.(*fetchResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) fetchFromOrigin(ctx context.Context, h filecdn.Hash) (*fetchResult, error) {
	start := time.Now()

	body, _, err := p.origin.FetchFile(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("fetching from origin: %w", err)
	}
	defer func() { _ = body.Close() }()

	w, err := p.store.Allocate(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("allocating local file: %w", err)
	}

	n, err := io.Copy(w, body)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("streaming from origin: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("committing local file: %w", err)
	}

	p.logger.Debug("fetched file from origin",
		"hash", h.ShortString(),
		"size", n,
		"duration", time.Since(start))

	return &fetchResult{Hash: h, Size: n}, nil
}

// openWithRetry opens a freshly stored file. Retries paper over filesystem
// visibility lag right after the rename commit.
func (p *Provider) openWithRetry(ctx context.Context, h filecdn.Hash) (io.ReadCloser, int64, error) {
	var lastErr error
	for attempt := 0; attempt < openRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(openRetryDelay):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}
		rc, size, err := p.store.Open(ctx, h)
		if err == nil {
			return rc, size, nil
		}
		lastErr = err
	}
	return nil, 0, lastErr
}

func (p *Provider) recordTransfer(h filecdn.Hash, size int64) {
	if p.stats != nil {
		p.stats.Record(h.String(), size)
	}
}

func markCacheResult(ctx context.Context, result telemetry.CacheResult) {
	if tags := telemetry.TagsFromContext(ctx); tags != nil {
		tags.CacheResult = result
	}
}
