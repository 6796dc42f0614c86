package blockfile

import (
	"sync"
	"time"
)

// ReleaseGuard runs a release function exactly once, whichever of the
// explicit completion path or the forced-release timer fires first. The
// loser of the race is a no-op. Used to guarantee a queue slot is freed even
// when a client connection hangs mid-stream.
type ReleaseGuard struct {
	mu       sync.Mutex
	released bool
	timer    *time.Timer
	release  func()
}

// NewReleaseGuard creates a guard around release. When after is positive a
// timer fires the release if nothing else has by then.
func NewReleaseGuard(after time.Duration, release func()) *ReleaseGuard {
	g := &ReleaseGuard{release: release}
	if after > 0 {
		g.timer = time.AfterFunc(after, func() { g.Release() })
	}
	return g
}

// Release runs the release function if it has not run yet. Returns true
// when this call performed the release.
func (g *ReleaseGuard) Release() bool {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return false
	}
	g.released = true
	timer := g.timer
	g.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	g.release()
	return true
}

// Released reports whether the release has already run.
func (g *ReleaseGuard) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}
