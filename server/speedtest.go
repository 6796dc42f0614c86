package server

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/syncshard/filecdn/telemetry"
)

// speedtest serves a fixed random payload for client bandwidth estimation,
// rate limited to one run per IP per window.
type speedtest struct {
	payload []byte
	window  time.Duration
	now     func() time.Time

	mu       sync.Mutex
	lastRun  map[string]time.Time
	lastSeen time.Time
}

func newSpeedtest(size int, window time.Duration) *speedtest {
	payload := make([]byte, size)
	_, _ = rand.Read(payload)
	return &speedtest{
		payload: payload,
		window:  window,
		now:     time.Now,
		lastRun: map[string]time.Time{},
	}
}

// allow reports whether the given IP may run a speedtest now, recording the
// run if so. Stale entries are pruned opportunistically.
func (st *speedtest) allow(ip string) bool {
	now := st.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	if last, ok := st.lastRun[ip]; ok && now.Sub(last) < st.window {
		return false
	}

	// Prune at most once per window to keep the map bounded.
	if now.Sub(st.lastSeen) > st.window {
		for k, v := range st.lastRun {
			if now.Sub(v) >= st.window {
				delete(st.lastRun, k)
			}
		}
		st.lastSeen = now
	}

	st.lastRun[ip] = now
	return true
}

// handleSpeedtest serves the speedtest payload.
func (s *Server) handleSpeedtest(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "speedtest")

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	if !s.speed.allow(ip) {
		http.Error(w, "speedtest already run recently", http.StatusTooManyRequests)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(s.speed.payload)))
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(s.speed.payload); err != nil {
		s.logger.Debug("speedtest interrupted", "error", err)
	}
}
