package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	filecdn "github.com/syncshard/filecdn"
	"github.com/syncshard/filecdn/backend"
	"github.com/syncshard/filecdn/origin"
	"github.com/syncshard/filecdn/store"
)

type fakeOrigin struct {
	mu    sync.Mutex
	files map[filecdn.Hash][]byte

	calls atomic.Int32
	delay time.Duration
	err   error
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{files: make(map[filecdn.Hash][]byte)}
}

func (f *fakeOrigin) add(content []byte) filecdn.Hash {
	h := filecdn.HashBytes(content)
	f.mu.Lock()
	f.files[h] = content
	f.mu.Unlock()
	return h
}

func (f *fakeOrigin) FetchFile(_ context.Context, h filecdn.Hash) (io.ReadCloser, int64, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, 0, f.err
	}
	f.mu.Lock()
	content, ok := f.files[h]
	f.mu.Unlock()
	if !ok {
		return nil, 0, origin.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), int64(len(content)), nil
}

func newTestStore(t *testing.T) *store.FileStore {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return store.New(fs)
}

func TestGetFileLocalHit(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	s := newTestStore(t)
	content := []byte("already cached")
	h := filecdn.HashBytes(content)
	assert.NoError(s.Put(ctx, h, bytes.NewReader(content)))

	o := newFakeOrigin()
	p := New(s, WithOrigin(o))

	rc, size, err := p.GetFile(ctx, h)
	assert.NoError(err)
	defer rc.Close()

	assert.Equal(int64(len(content)), size)
	data, err := io.ReadAll(rc)
	assert.NoError(err)
	assert.Equal(content, data)

	assert.Equal(int32(0), o.calls.Load(), "local hit must not touch the origin")
}

func TestGetFileMissNoOrigin(t *testing.T) {
	assert := require.New(t)

	p := New(newTestStore(t))

	_, _, err := p.GetFile(context.Background(), filecdn.HashBytes([]byte("missing")))
	assert.ErrorIs(err, ErrNotFound)
}

func TestGetFileFetchesAndStores(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	s := newTestStore(t)
	o := newFakeOrigin()
	content := []byte("fetched from origin")
	h := o.add(content)

	p := New(s, WithOrigin(o))

	rc, size, err := p.GetFile(ctx, h)
	assert.NoError(err)
	assert.Equal(int64(len(content)), size)

	data, err := io.ReadAll(rc)
	assert.NoError(err)
	assert.NoError(rc.Close())
	assert.Equal(content, data)

	// Now cached locally.
	ok, err := p.HasFile(ctx, h)
	assert.NoError(err)
	assert.True(ok)

	_, _, err = p.GetFile(ctx, h)
	assert.NoError(err)
	assert.Equal(int32(1), o.calls.Load(), "second request must be served locally")
}

func TestGetFileCoalescesConcurrentFetches(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	s := newTestStore(t)
	o := newFakeOrigin()
	o.delay = 50 * time.Millisecond
	content := []byte("popular file")
	h := o.add(content)

	p := New(s, WithOrigin(o))

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			rc, _, err := p.GetFile(ctx, h)
			errs[idx] = err
			if err == nil {
				_, _ = io.Copy(io.Discard, rc)
				_ = rc.Close()
			}
		}(i)
	}
	wg.Wait()

	for i := range 10 {
		assert.NoError(errs[i])
	}
	assert.Equal(int32(1), o.calls.Load(), "concurrent misses must share one origin fetch")
}

func TestGetFileOriginNotFound(t *testing.T) {
	assert := require.New(t)

	p := New(newTestStore(t), WithOrigin(newFakeOrigin()))

	_, _, err := p.GetFile(context.Background(), filecdn.HashBytes([]byte("nowhere")))
	assert.ErrorIs(err, ErrNotFound)
}

func TestGetFileOriginErrorAllowsRetry(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	s := newTestStore(t)
	o := newFakeOrigin()
	content := []byte("flaky")
	h := o.add(content)
	o.err = errors.New("origin unavailable")

	p := New(s, WithOrigin(o))

	_, _, err := p.GetFile(ctx, h)
	assert.Error(err)
	assert.NotErrorIs(err, ErrNotFound)

	// Origin recovers, the next call must retry rather than share the failure.
	o.err = nil

	rc, _, err := p.GetFile(ctx, h)
	assert.NoError(err)
	data, err := io.ReadAll(rc)
	assert.NoError(err)
	assert.NoError(rc.Close())
	assert.Equal(content, data)
}

func TestGetFileCallerTimeoutDoesNotCancelFetch(t *testing.T) {
	assert := require.New(t)

	s := newTestStore(t)
	o := newFakeOrigin()
	o.delay = 100 * time.Millisecond
	content := []byte("slow but worth it")
	h := o.add(content)

	p := New(s, WithOrigin(o))

	shortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := p.GetFile(shortCtx, h)
	assert.ErrorIs(err, context.DeadlineExceeded)

	// The detached fetch finishes and lands in the store.
	assert.Eventually(func() bool {
		ok, err := s.Has(context.Background(), h)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}
