package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	filecdn "github.com/syncshard/filecdn"
	"github.com/syncshard/filecdn/backend"
	"github.com/syncshard/filecdn/protocol/blockfile"
	"github.com/syncshard/filecdn/provider"
	"github.com/syncshard/filecdn/queue"
	"github.com/syncshard/filecdn/telemetry"
	"github.com/syncshard/filecdn/upload"
)

// maxUploadBody caps the compressed request body; the decompressed ceiling
// is enforced separately by the upload pipeline.
const maxUploadBody = 200 << 20

func isProviderNotFound(err error) bool {
	return errors.Is(err, provider.ErrNotFound)
}

// authenticate resolves the caller identity or writes a 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*Identity, bool) {
	id, err := s.auth.Authenticate(r)
	if err != nil {
		unauthorizedResponse(w)
		return nil, false
	}
	telemetry.SetUser(r, id.User)
	return id, true
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeQueueError maps admission queue errors onto status codes.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		http.Error(w, "all download slots busy, retry later", http.StatusConflict)
	case errors.Is(err, queue.ErrForbidden):
		http.Error(w, "request belongs to another user", http.StatusForbidden)
	case errors.Is(err, queue.ErrNotFound):
		http.Error(w, "unknown or expired request", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports queue occupancy and rolling transfer statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	stats := map[string]any{
		"queue_depth":   s.queue.Depth(),
		"slots_busy":    s.queue.SlotsBusy(),
		"transfer_hour": s.stats.Hour(),
		"transfer_day":  s.stats.Day(),
	}
	if s.db != nil {
		if total, err := s.db.TotalUploadedSize(r.Context()); err == nil {
			stats["total_uploaded_bytes"] = total
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

// handlePrewarm triggers background fetches for a list of hashes without
// returning a stream, warming the cache ahead of the real downloads.
func (s *Server) handlePrewarm(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "request_enqueue")

	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	var raw []string
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&raw); err != nil {
		http.Error(w, "malformed hash list", http.StatusBadRequest)
		return
	}

	accepted := 0
	for _, item := range raw {
		h, err := filecdn.ParseHash(item)
		if err != nil {
			continue
		}
		accepted++
		go func() {
			rc, _, err := s.provider.GetFile(context.Background(), h)
			if err != nil {
				if !isProviderNotFound(err) {
					s.logger.Warn("prewarm fetch failed", "hash", h.ShortString(), "error", err)
				}
				return
			}
			_ = rc.Close()
		}()
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

// handleRequest enqueues a download request for a single hash and returns
// its request id.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "request")

	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	h, err := filecdn.ParseHash(r.URL.Query().Get("file"))
	if err != nil {
		http.Error(w, "invalid file hash", http.StatusBadRequest)
		return
	}

	requestID := s.queue.Enqueue(r.Context(), id.User, []filecdn.Hash{h})
	writeJSON(w, http.StatusOK, map[string]string{"requestId": requestID})
}

// handleRequestStatus reports whether a request holds an active slot,
// admitting it if one is free.
func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "request_status")

	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	requestID := r.URL.Query().Get("file")
	if _, err := s.queue.IsActiveProcessing(r.Context(), requestID, id.User); err != nil {
		writeQueueError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// handleCacheGet streams one file, gated by the admission queue.
func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache_file")

	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	h, err := filecdn.ParseHash(r.PathValue("fileId"))
	if err != nil {
		http.Error(w, "invalid file hash", http.StatusBadRequest)
		return
	}

	requestID := r.Header.Get("RequestId")
	if _, err := s.queue.IsActiveProcessing(r.Context(), requestID, id.User); err != nil {
		writeQueueError(w, err)
		return
	}
	s.queue.ActivateRequest(requestID)

	guard := s.newSlotGuard(requestID)
	defer guard.Release()

	rc, size, err := s.provider.GetFile(r.Context(), h)
	if err != nil {
		if isProviderNotFound(err) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to resolve file", "hash", h.ShortString(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("stream interrupted", "hash", h.ShortString(), "error", err)
	}
}

// handleCacheGetMulti streams the block-multiplexed body for every hash in
// the request, in order.
func (s *Server) handleCacheGetMulti(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache_multi")

	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	requestID := r.URL.Query().Get("requestId")
	req, err := s.queue.IsActiveProcessing(r.Context(), requestID, id.User)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	s.queue.ActivateRequest(requestID)

	// The slot is freed by whichever comes first: the stream closing or the
	// forced-release timer.
	guard := s.newSlotGuard(requestID)
	sr := blockfile.NewStreamReader(r.Context(), s.provider, req.Hashes, isProviderNotFound,
		blockfile.WithOnClose(func() { guard.Release() }))
	defer func() { _ = sr.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, sr); err != nil {
		s.logger.Warn("multi-file stream interrupted", "request_id", requestID, "error", err)
	}
}

// newSlotGuard ties a queue slot's release to a once-only guard with a
// forced-release timer.
func (s *Server) newSlotGuard(requestID string) *blockfile.ReleaseGuard {
	window := time.Duration(s.config.DownloadQueueReleaseSeconds) * time.Second
	return blockfile.NewReleaseGuard(window, func() {
		s.queue.FinishRequest(context.Background(), requestID)
	})
}

// handleUpload runs the upload pipeline for one compressed blob.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "upload")

	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	h, err := filecdn.ParseHash(r.PathValue("hash"))
	if err != nil {
		http.Error(w, "invalid file hash", http.StatusBadRequest)
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxUploadBody)
	size, err := s.uploads.Upload(r.Context(), id.User, h, body, r.Header.Get("Content-Encoding"))
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrHashMismatch):
			http.Error(w, "content does not match claimed hash", http.StatusBadRequest)
		case errors.Is(err, upload.ErrTooLarge):
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, upload.ErrBadEncoding):
			http.Error(w, "unsupported content encoding", http.StatusUnsupportedMediaType)
		default:
			s.logger.Error("upload failed", "hash", h.ShortString(), "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"hash": h.String(), "size": size})
}

// handleDeleteAll removes all of the caller's uploaded content.
func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete_all")

	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	deleted, err := s.uploads.DeleteAll(r.Context(), id.User)
	if err != nil {
		s.logger.Error("delete all failed", "user", id.User, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// handlePeerFetch serves a file directly from the local store for peer
// shards, bypassing the admission queue.
func (s *Server) handlePeerFetch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "peer_fetch")

	if !s.checkPeerToken(w, r) {
		return
	}

	h, err := filecdn.ParseHash(r.PathValue("hash"))
	if err != nil {
		http.Error(w, "invalid file hash", http.StatusBadRequest)
		return
	}

	rc, size, err := s.store.Open(r.Context(), h)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to open file for peer", "hash", h.ShortString(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rc.Close() }()
	telemetry.SetCacheResult(r, telemetry.CacheHit)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("peer stream interrupted", "hash", h.ShortString(), "error", err)
	}
}

// fileSizeInfo is one entry of the getsizes response.
type fileSizeInfo struct {
	Hash      string `json:"hash"`
	Exists    bool   `json:"exists"`
	Size      int64  `json:"size"`
	Forbidden bool   `json:"forbidden"`
	URL       string `json:"url,omitempty"`
}

// handleGetSizes reports per-hash existence, size, and the shard URL the
// client should download from.
func (s *Server) handleGetSizes(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get_sizes")

	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	var raw []string
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&raw); err != nil {
		http.Error(w, "malformed hash list", http.StatusBadRequest)
		return
	}

	infos := make([]fileSizeInfo, 0, len(raw))
	for _, item := range raw {
		h, err := filecdn.ParseHash(item)
		if err != nil {
			infos = append(infos, fileSizeInfo{Hash: item})
			continue
		}
		infos = append(infos, s.fileInfo(r.Context(), h))
	}

	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) fileInfo(ctx context.Context, h filecdn.Hash) fileSizeInfo {
	info := fileSizeInfo{Hash: h.String()}

	if s.db != nil {
		rec, err := s.db.GetFile(ctx, h.String())
		if err == nil && rec.Uploaded {
			info.Exists = true
			info.Size = rec.Size
			info.Forbidden = rec.Forbidden
		}
	} else {
		if size, err := s.store.Size(ctx, h); err == nil {
			info.Exists = true
			info.Size = size
		}
	}

	if info.Exists && !info.Forbidden {
		info.URL = s.routes.DownloadURL(h)
	}
	return info
}
