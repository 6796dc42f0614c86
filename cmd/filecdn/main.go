// Command filecdn runs one shard of the content-addressed file
// distribution tier: authoritative when no origin is configured, an edge
// cache otherwise.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/syncshard/filecdn/server"
	"github.com/syncshard/filecdn/telemetry"
)

var version = "dev"

type cli struct {
	Address    string `help:"Address to listen on." default:":8080"`
	CacheDir   string `help:"Content store root directory." default:"./cache" type:"path"`
	MetaDBPath string `help:"Metadata database path (authoritative node only). Defaults to <cache-dir>/meta.db." type:"path"`

	OriginURL   string `help:"Origin node to fetch missing files from. Empty marks this node authoritative." env:"FILECDN_ORIGIN_URL"`
	OriginToken string `help:"Bearer token sent to the origin." env:"FILECDN_ORIGIN_TOKEN"`
	AuthSecret  string `help:"Secret signing client bearer tokens." env:"FILECDN_AUTH_SECRET"`
	PeerToken   string `help:"Shared secret for internal peer endpoints." env:"FILECDN_PEER_TOKEN"`

	CacheSizeHardLimitGiB   int `help:"Hard cache size ceiling in GiB (0 disables)."`
	UnusedFileRetentionDays int `help:"Age out files not accessed within this many days (0 disables)."`

	ColdStorageDir           string `help:"Cold storage tier directory (empty disables)." type:"path"`
	ColdStorageLimitGiB      int    `help:"Cold tier size ceiling in GiB."`
	ColdStorageRetentionDays int    `help:"Cold tier file lifetime in days."`

	DownloadQueueSize           int `help:"Concurrently active download slots." default:"50"`
	DownloadTimeoutSeconds      int `help:"Seconds from enqueue to first activation." default:"120"`
	DownloadQueueReleaseSeconds int `help:"Seconds from activation to forced slot release." default:"30"`
	DownloadQueueClearLimit     int `help:"Max never-activated queue entries retained." default:"1000"`

	ShardRoute []string `help:"Shard routing rule, pattern=url. Repeatable."`

	SpeedtestWindowHours  int `help:"Hours between speedtest runs per IP." default:"24"`
	SpeedtestPayloadBytes int `help:"Speedtest payload size in bytes." default:"8388608"`

	Metrics   bool   `help:"Enable the Prometheus /metrics endpoint." default:"true" negatable:""`
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("filecdn"),
		kong.Description("Content-addressed file distribution shard."),
		kong.Vars{"version": version},
	)

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "filecdn",
		ServiceVersion:   version,
		EnablePrometheus: flags.Metrics,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	srv, err := server.New(server.Config{
		Address:                     flags.Address,
		CacheDir:                    flags.CacheDir,
		MetaDBPath:                  flags.MetaDBPath,
		OriginURL:                   flags.OriginURL,
		OriginToken:                 flags.OriginToken,
		AuthSecret:                  flags.AuthSecret,
		PeerToken:                   flags.PeerToken,
		CacheSizeHardLimitGiB:       flags.CacheSizeHardLimitGiB,
		UnusedFileRetentionDays:     flags.UnusedFileRetentionDays,
		ColdStorageDir:              flags.ColdStorageDir,
		ColdStorageLimitGiB:         flags.ColdStorageLimitGiB,
		ColdStorageRetentionDays:    flags.ColdStorageRetentionDays,
		DownloadQueueSize:           flags.DownloadQueueSize,
		DownloadTimeoutSeconds:      flags.DownloadTimeoutSeconds,
		DownloadQueueReleaseSeconds: flags.DownloadQueueReleaseSeconds,
		DownloadQueueClearLimit:     flags.DownloadQueueClearLimit,
		ShardRoutes:                 flags.ShardRoute,
		SpeedtestWindowHours:        flags.SpeedtestWindowHours,
		SpeedtestPayloadBytes:       flags.SpeedtestPayloadBytes,
		Logger:                      logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(handler), nil
}
