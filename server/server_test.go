package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	filecdn "github.com/syncshard/filecdn"
	"github.com/syncshard/filecdn/protocol/blockfile"
)

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()

	cfg := Config{
		CacheDir:   t.TempDir(),
		AuthSecret: "test-secret",
		PeerToken:  "peer-secret",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func clientToken(user string) string {
	return NewTokenAuthenticator("test-secret").Token(user)
}

func doRequest(s *Server, method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, body)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func uploadFile(t *testing.T, s *Server, user string, content []byte) filecdn.Hash {
	t.Helper()
	h := filecdn.HashBytes(content)
	w := doRequest(s, "POST", "/serverfiles/upload/"+h.String(), clientToken(user), bytes.NewReader(content))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return h
}

func TestHealth(t *testing.T) {
	assert := require.New(t)

	s := newTestServer(t, nil)
	w := doRequest(s, "GET", "/health", "", nil)
	assert.Equal(http.StatusOK, w.Code)
	assert.JSONEq(`{"status":"ok"}`, w.Body.String())
}

func TestAuthRequired(t *testing.T) {
	assert := require.New(t)

	s := newTestServer(t, nil)

	for _, target := range []string{"/request?file=x", "/request/status?file=x", "/serverfiles/getsizes"} {
		w := doRequest(s, "GET", target, "", nil)
		assert.Equal(http.StatusUnauthorized, w.Code, target)
	}
}

func TestDownloadLifecycle(t *testing.T) {
	assert := require.New(t)

	s := newTestServer(t, nil)
	content := []byte("single file download")
	h := uploadFile(t, s, "alice", content)

	// Enqueue.
	w := doRequest(s, "GET", "/request?file="+h.String(), clientToken("alice"), nil)
	assert.Equal(http.StatusOK, w.Code)
	var enq map[string]string
	assert.NoError(json.Unmarshal(w.Body.Bytes(), &enq))
	requestID := enq["requestId"]
	assert.NotEmpty(requestID)

	// Poll: admitted.
	w = doRequest(s, "GET", "/request/status?file="+requestID, clientToken("alice"), nil)
	assert.Equal(http.StatusOK, w.Code)

	// Another user cannot use the id.
	w = doRequest(s, "GET", "/request/status?file="+requestID, clientToken("mallory"), nil)
	assert.Equal(http.StatusForbidden, w.Code)

	// Stream the file.
	r := httptest.NewRequest("GET", "/cache/"+h.String(), nil)
	r.Header.Set("Authorization", "Bearer "+clientToken("alice"))
	r.Header.Set("RequestId", requestID)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal(content, rec.Body.Bytes())

	// The slot was freed by the completion path.
	assert.Equal(0, s.queue.SlotsBusy())
}

func TestMultiFileDownload(t *testing.T) {
	assert := require.New(t)

	s := newTestServer(t, nil)
	a := []byte("ab")
	b := []byte("xyz")
	ha := uploadFile(t, s, "alice", a)
	hb := uploadFile(t, s, "alice", b)
	missing := filecdn.HashBytes([]byte("never uploaded"))

	requestID := s.queue.Enqueue(context.Background(), "alice", []filecdn.Hash{ha, missing, hb})

	w := doRequest(s, "GET", "/cache/get?requestId="+requestID, clientToken("alice"), nil)
	assert.Equal(http.StatusOK, w.Code)

	blocks, err := blockfile.ReadBlocks(bytes.NewReader(w.Body.Bytes()))
	assert.NoError(err)
	assert.Len(blocks, 2, "missing hash is silently skipped")
	assert.Equal(ha, blocks[0].Hash)
	assert.Equal(a, blocks[0].Data)
	assert.Equal(hb, blocks[1].Hash)
	assert.Equal(b, blocks[1].Data)

	assert.Equal(0, s.queue.SlotsBusy())
}

func TestQueueBackpressure(t *testing.T) {
	assert := require.New(t)

	s := newTestServer(t, func(cfg *Config) {
		cfg.DownloadQueueSize = 1
	})

	h := uploadFile(t, s, "alice", []byte("contended file"))

	first := s.queue.Enqueue(context.Background(), "alice", []filecdn.Hash{h})
	second := s.queue.Enqueue(context.Background(), "bob", []filecdn.Hash{h})

	w := doRequest(s, "GET", "/request/status?file="+first, clientToken("alice"), nil)
	assert.Equal(http.StatusOK, w.Code)

	w = doRequest(s, "GET", "/request/status?file="+second, clientToken("bob"), nil)
	assert.Equal(http.StatusConflict, w.Code)
}

func TestUploadRejectsMismatchedHash(t *testing.T) {
	assert := require.New(t)

	s := newTestServer(t, nil)
	claimed := filecdn.HashBytes([]byte("claimed content"))

	w := doRequest(s, "POST", "/serverfiles/upload/"+claimed.String(), clientToken("alice"),
		bytes.NewReader([]byte("different content")))
	assert.Equal(http.StatusBadRequest, w.Code)
}

func TestUploadRejectsBadHashPath(t *testing.T) {
	assert := require.New(t)

	s := newTestServer(t, nil)
	w := doRequest(s, "POST", "/serverfiles/upload/not-a-hash", clientToken("alice"), bytes.NewReader([]byte("x")))
	assert.Equal(http.StatusBadRequest, w.Code)
}

func TestDeleteAll(t *testing.T) {
	assert := require.New(t)

	s := newTestServer(t, nil)
	uploadFile(t, s, "alice", []byte("file one"))
	uploadFile(t, s, "alice", []byte("file two"))

	w := doRequest(s, "POST", "/serverfiles/deleteall", clientToken("alice"), nil)
	assert.Equal(http.StatusOK, w.Code)
	assert.JSONEq(`{"deleted":2}`, w.Body.String())
}

func TestPeerFetch(t *testing.T) {
	assert := require.New(t)

	s := newTestServer(t, nil)
	content := []byte("peer visible file")
	h := uploadFile(t, s, "alice", content)

	// Wrong token rejected.
	w := doRequest(s, "GET", "/serverfiles/"+h.String(), "wrong", nil)
	assert.Equal(http.StatusUnauthorized, w.Code)

	w = doRequest(s, "GET", "/serverfiles/"+h.String(), "peer-secret", nil)
	assert.Equal(http.StatusOK, w.Code)
	assert.Equal(content, w.Body.Bytes())

	w = doRequest(s, "GET", "/serverfiles/"+filecdn.HashBytes([]byte("absent")).String(), "peer-secret", nil)
	assert.Equal(http.StatusNotFound, w.Code)
}

func TestGetSizes(t *testing.T) {
	assert := require.New(t)

	s := newTestServer(t, func(cfg *Config) {
		cfg.ShardRoutes = []string{"^[0-9a-f]=https://edge.example.com"}
	})

	content := []byte("sized file")
	h := uploadFile(t, s, "alice", content)
	missing := filecdn.HashBytes([]byte("not here"))

	body, _ := json.Marshal([]string{h.String(), missing.String()})
	w := doRequest(s, "GET", "/serverfiles/getsizes", clientToken("alice"), bytes.NewReader(body))
	assert.Equal(http.StatusOK, w.Code)

	var infos []fileSizeInfo
	assert.NoError(json.Unmarshal(w.Body.Bytes(), &infos))
	assert.Len(infos, 2)

	assert.True(infos[0].Exists)
	assert.Equal(int64(len(content)), infos[0].Size)
	assert.Equal("https://edge.example.com/serverfiles/"+h.String(), infos[0].URL)

	assert.False(infos[1].Exists)
	assert.Empty(infos[1].URL)
}

func TestEdgeFetchesFromOrigin(t *testing.T) {
	assert := require.New(t)

	// Authoritative node holding the file.
	originSrv := newTestServer(t, nil)
	content := []byte("replicated through the edge")
	h := uploadFile(t, originSrv, "alice", content)

	ts := httptest.NewServer(originSrv.Handler())
	defer ts.Close()

	// Edge shard pointed at it.
	edge := newTestServer(t, func(cfg *Config) {
		cfg.OriginURL = ts.URL
		cfg.OriginToken = "peer-secret"
	})
	assert.Nil(edge.db, "edge shards hold no metadata table")

	requestID := edge.queue.Enqueue(context.Background(), "bob", []filecdn.Hash{h})

	r := httptest.NewRequest("GET", "/cache/"+h.String(), nil)
	r.Header.Set("Authorization", "Bearer "+clientToken("bob"))
	r.Header.Set("RequestId", requestID)
	rec := httptest.NewRecorder()
	edge.Handler().ServeHTTP(rec, r)

	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal(content, rec.Body.Bytes())

	// Now cached locally on the edge.
	ok, err := edge.store.Has(context.Background(), h)
	assert.NoError(err)
	assert.True(ok)
}

func TestSpeedtestRateLimit(t *testing.T) {
	assert := require.New(t)

	s := newTestServer(t, func(cfg *Config) {
		cfg.SpeedtestPayloadBytes = 1024
	})

	w := doRequest(s, "GET", "/speedtest/run", "", nil)
	assert.Equal(http.StatusOK, w.Code)
	assert.Len(w.Body.Bytes(), 1024)

	// Same IP again inside the window.
	w = doRequest(s, "GET", "/speedtest/run", "", nil)
	assert.Equal(http.StatusTooManyRequests, w.Code)
}

func TestStats(t *testing.T) {
	assert := require.New(t)

	s := newTestServer(t, nil)
	uploadFile(t, s, "alice", []byte("counted bytes"))

	w := doRequest(s, "GET", "/stats", "", nil)
	assert.Equal(http.StatusOK, w.Code)

	var stats map[string]any
	assert.NoError(json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Contains(stats, "queue_depth")
	assert.Contains(stats, "transfer_hour")
	assert.Contains(stats, "total_uploaded_bytes")
}
