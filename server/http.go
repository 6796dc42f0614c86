// Package server provides the HTTP surface of a distribution shard: the
// admission-queue endpoints, the single and multi-file download endpoints,
// the upload pipeline, and the internal peer-shard endpoints.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	filecdn "github.com/syncshard/filecdn"
	"github.com/syncshard/filecdn/backend"
	"github.com/syncshard/filecdn/origin"
	"github.com/syncshard/filecdn/provider"
	"github.com/syncshard/filecdn/queue"
	"github.com/syncshard/filecdn/retention"
	"github.com/syncshard/filecdn/store"
	"github.com/syncshard/filecdn/store/metadb"
	"github.com/syncshard/filecdn/telemetry"
	"github.com/syncshard/filecdn/upload"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// CacheDir is the root directory of the content store.
	CacheDir string

	// MetaDBPath is the metadata database path. Defaults to
	// <CacheDir>/meta.db. Only used on the authoritative node.
	MetaDBPath string

	// OriginURL is the origin node to fetch missing files from. An empty
	// value marks this node authoritative.
	OriginURL string

	// OriginToken is the bearer token sent to the origin.
	OriginToken string

	// AuthSecret signs and verifies client bearer tokens.
	AuthSecret string

	// PeerToken is the shared secret trusted on internal peer endpoints.
	PeerToken string

	// CacheSizeHardLimitGiB caps total cache size; 0 disables.
	CacheSizeHardLimitGiB int

	// UnusedFileRetentionDays ages out files not accessed within the
	// period; 0 disables.
	UnusedFileRetentionDays int

	// Cold storage tier. Empty dir disables it.
	ColdStorageDir           string
	ColdStorageLimitGiB      int
	ColdStorageRetentionDays int

	// Download admission queue settings.
	DownloadQueueSize           int
	DownloadTimeoutSeconds      int
	DownloadQueueReleaseSeconds int
	DownloadQueueClearLimit     int

	// ShardRoutes are "pattern=url" rules routing hashes to edge shards.
	ShardRoutes []string

	// Speedtest settings.
	SpeedtestWindowHours  int
	SpeedtestPayloadBytes int

	// Logger for the server.
	Logger *slog.Logger
}

// Server is the HTTP server for a distribution shard.
type Server struct {
	config     Config
	logger     *slog.Logger
	httpServer *http.Server

	backend  *backend.Filesystem
	store    *store.FileStore
	db       metadb.MetaDB
	provider *provider.Provider
	queue    *queue.Queue
	uploads  *upload.Manager
	sweeper  *retention.Manager
	auth     Authenticator
	routes   ShardRoutes
	stats    *telemetry.TransferStats
	speed    *speedtest
}

// New creates a server with the given configuration. A node with no
// OriginURL is authoritative: it opens the metadata database, accepts
// uploads, and runs the retention sweep. A node with an OriginURL is an
// edge shard that fills its cache through miss fetches.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "./cache"
	}
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = filepath.Join(cfg.CacheDir, "meta.db")
	}
	if cfg.DownloadQueueSize <= 0 {
		cfg.DownloadQueueSize = 50
	}
	if cfg.DownloadTimeoutSeconds <= 0 {
		cfg.DownloadTimeoutSeconds = 120
	}
	if cfg.DownloadQueueReleaseSeconds <= 0 {
		cfg.DownloadQueueReleaseSeconds = 30
	}
	if cfg.DownloadQueueClearLimit <= 0 {
		cfg.DownloadQueueClearLimit = 1000
	}
	if cfg.SpeedtestWindowHours <= 0 {
		cfg.SpeedtestWindowHours = 24
	}
	if cfg.SpeedtestPayloadBytes <= 0 {
		cfg.SpeedtestPayloadBytes = 8 << 20
	}

	fsBackend, err := backend.NewFilesystem(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}

	routes, err := ParseShardRoutes(cfg.ShardRoutes)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		backend: fsBackend,
		auth:    NewTokenAuthenticator(cfg.AuthSecret),
		routes:  routes,
		stats:   telemetry.NewTransferStats(),
		speed:   newSpeedtest(cfg.SpeedtestPayloadBytes, time.Duration(cfg.SpeedtestWindowHours)*time.Hour),
	}

	authoritative := cfg.OriginURL == ""
	if authoritative {
		s.db = metadb.New(metadb.WithLogger(cfg.Logger.With("component", "metadb")))
		if err := s.db.Open(cfg.MetaDBPath); err != nil {
			return nil, fmt.Errorf("opening metadata database: %w", err)
		}

		s.store = store.New(fsBackend, store.WithAccessTracker(&dbTracker{db: s.db}))
		s.uploads = upload.New(s.store, s.db,
			upload.WithLogger(cfg.Logger.With("component", "upload")))
		s.sweeper = retention.New(s.db, s.store, s.retentionConfig(),
			retention.WithLogger(cfg.Logger.With("component", "retention")))
		s.provider = provider.New(s.store,
			provider.WithTransferStats(s.stats),
			provider.WithLogger(cfg.Logger.With("component", "provider")))
	} else {
		s.store = store.New(fsBackend)
		originClient := origin.New(cfg.OriginURL, origin.WithToken(cfg.OriginToken))
		s.provider = provider.New(s.store,
			provider.WithOrigin(originClient),
			provider.WithTransferStats(s.stats),
			provider.WithLogger(cfg.Logger.With("component", "provider")))
	}

	s.queue = queue.New(queue.Config{
		Size:          cfg.DownloadQueueSize,
		Timeout:       time.Duration(cfg.DownloadTimeoutSeconds) * time.Second,
		Release:       time.Duration(cfg.DownloadQueueReleaseSeconds) * time.Second,
		ClearLimit:    cfg.DownloadQueueClearLimit,
		SweepInterval: 10 * time.Second,
	}, queue.WithLogger(cfg.Logger.With("component", "queue")))

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // large multi-file downloads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) retentionConfig() retention.Config {
	cfg := retention.DefaultConfig()
	cfg.MaxCacheBytes = int64(s.config.CacheSizeHardLimitGiB) << 30
	cfg.RetentionPeriod = time.Duration(s.config.UnusedFileRetentionDays) * 24 * time.Hour

	if s.config.ColdStorageDir != "" {
		coldFS, err := backend.NewFilesystem(s.config.ColdStorageDir)
		if err != nil {
			s.logger.Error("failed to create cold storage backend, tier disabled",
				"dir", s.config.ColdStorageDir, "error", err)
			return cfg
		}
		cfg.Cold = &retention.ColdConfig{
			Backend:         coldFS,
			MaxBytes:        int64(s.config.ColdStorageLimitGiB) << 30,
			RetentionPeriod: time.Duration(s.config.ColdStorageRetentionDays) * 24 * time.Hour,
		}
	}
	return cfg
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check and observability
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Admission queue
	mux.HandleFunc("POST /request/enqueue", s.handlePrewarm)
	mux.HandleFunc("GET /request", s.handleRequest)
	mux.HandleFunc("GET /request/status", s.handleRequestStatus)

	// Downloads
	mux.HandleFunc("GET /cache/get", s.handleCacheGetMulti)
	mux.HandleFunc("GET /cache/{fileId}", s.handleCacheGet)

	// Internal peer-shard fetch
	mux.HandleFunc("GET /serverfiles/getsizes", s.handleGetSizes)
	mux.HandleFunc("GET /serverfiles/{hash}", s.handlePeerFetch)

	// Upload pipeline (authoritative node only)
	if s.uploads != nil {
		mux.HandleFunc("POST /serverfiles/upload/{hash}", s.handleUpload)
		mux.HandleFunc("POST /serverfiles/deleteall", s.handleDeleteAll)
	}

	// Client bandwidth estimation
	mux.HandleFunc("GET /speedtest/run", s.handleSpeedtest)
}

// Start starts the server and its background components.
func (s *Server) Start(ctx context.Context) error {
	s.queue.Start(ctx)
	if s.sweeper != nil {
		s.sweeper.Start(ctx)
	}

	s.logger.Info("starting server",
		"address", s.config.Address,
		"authoritative", s.db != nil,
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its background components.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.sweeper != nil {
		_ = s.sweeper.Stop(ctx)
	}
	_ = s.queue.Stop(ctx)

	err := s.httpServer.Shutdown(ctx)

	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Handler returns the server's root handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// dbTracker adapts the metadata table to the store's access tracker.
type dbTracker struct {
	db metadb.MetaDB
}

func (t *dbTracker) Touch(ctx context.Context, h filecdn.Hash) error {
	return t.db.TouchFile(ctx, h.String())
}

// loggingMiddleware logs HTTP requests with structured fields and records
// request metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.User != "" {
			attrs = append(attrs, "user", tags.User)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written. It preserves http.Flusher and http.Hijacker for streaming.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
