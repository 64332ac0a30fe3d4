// Command poller watches highway traffic cameras and archives what a
// vision-language model sees in them.
//
// The poller runs a scheduling loop that, per camera:
//  1. Fetches the current snapshot
//  2. Skips analysis when the frame is unchanged and the hour already has a heartbeat
//  3. Otherwise asks the VLM for traffic state and incidents
//  4. Writes the log row, incident events and hourly heartbeat to SQLite
//  5. Publishes the camera status and any incidents
//
// The poller serves an HTTP API on port 8080 (configurable) providing:
//   - GET /api/status, /api/status/{camera_id} - Live camera status
//   - GET /api/logs, /api/incidents, /api/hourly - Archive queries
//   - GET /healthz - Health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//
// A gRPC health service on port 8082 reports one service per camera,
// "camera/<id>", which turns NOT_SERVING after repeated failures.
//
// Usage:
//
//	poller \
//	  -camera-config=config/cameras.yml \
//	  -db-path=data/highwayvlm.db \
//	  -vlm-model=gpt-4o-mini \
//	  -workers=4
//
// Environment variables:
//
//	CAMERA_CONFIG       - Camera catalog YAML (default: config/cameras.yml)
//	DB_PATH             - SQLite archive path (default: data/highwayvlm.db)
//	FRAMES_DIR          - Frame directory (default: data/frames)
//	VLM_API_KEY         - VLM API key (falls back to OPENAI_API_KEY)
//	VLM_BASE_URL        - OpenAI-compatible base URL
//	VLM_MODEL           - Model name (default: gpt-4o-mini)
//	STORAGE             - Status backend: memory, redis (default: memory)
//	NATS_URL            - NATS server for incident events (optional)
//	LOG_LEVEL           - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT          - Logging format: text, json (default: text)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/HatiCode/highwayvlm/cmd/poller/config"
	"github.com/HatiCode/highwayvlm/cmd/poller/logger"
	"github.com/HatiCode/highwayvlm/cmd/poller/metrics"
	"github.com/HatiCode/highwayvlm/cmd/poller/router"
	"github.com/HatiCode/highwayvlm/pkg/archive"
	"github.com/HatiCode/highwayvlm/pkg/catalog"
	"github.com/HatiCode/highwayvlm/pkg/framestore"
	"github.com/HatiCode/highwayvlm/pkg/httpx"
	"github.com/HatiCode/highwayvlm/pkg/notify"
	"github.com/HatiCode/highwayvlm/pkg/snapshot"
	"github.com/HatiCode/highwayvlm/pkg/storage"
	"github.com/HatiCode/highwayvlm/pkg/vlm"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	logger := logger.New(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("poller failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	cameras, err := catalog.Load(cfg.CameraConfig, cfg.CatalogOptions())
	if err != nil {
		return err
	}
	logger.Info("starting highwayvlm poller",
		"version", version,
		"cameras", len(cameras),
		"model", cfg.VLMModel,
		"storage", cfg.Storage,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
	}
	db, err := archive.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close archive", "error", err)
		}
	}()
	if err := db.SyncCameras(ctx, archiveCameras(cameras)); err != nil {
		return err
	}

	frames, err := framestore.New(cfg.FramesDir, cfg.RawOutputDir)
	if err != nil {
		return err
	}

	analyzer, err := vlm.New(vlm.Config{
		BaseURL:       cfg.VLMBaseURL,
		APIKey:        cfg.VLMAPIKey,
		Model:         cfg.VLMModel,
		MaxTokens:     cfg.VLMMaxTokens,
		MaxRetries:    cfg.VLMMaxRetries,
		Timeout:       cfg.VLMTimeout,
		RatePerMinute: cfg.VLMRatePerMinute,
	}, logger)
	if err != nil {
		return err
	}

	status, closeStatus, err := newStatusStore(cfg)
	if err != nil {
		return err
	}
	defer closeStatus()

	deps := Deps{
		Fetcher:  snapshot.New(httpx.NewClient(cfg.RequestTimeout), logger),
		Frames:   frames,
		Analyzer: analyzer,
		Archive:  db,
		Status:   status,
	}

	if cfg.NATSURL != "" {
		pub, err := notify.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("failed to close NATS connection", "error", err)
			}
		}()
		deps.Notifier = pub
	}

	ids := make([]string, len(cameras))
	for i, cam := range cameras {
		ids[i] = cam.ID
	}
	hs := health.NewServer()
	deps.Health = NewHealthReporter(hs, ids, cfg.UnhealthyAfter, logger)

	orch := New(cameras, deps, Options{
		Workers:        cfg.Workers,
		AttemptTimeout: cfg.AttemptTimeout,
		ErrorCooldown:  cfg.VLMErrorCooldown,
	}, logger, metrics.New(nil))

	mux := router.SetupRoutes(router.Config{
		Status:  status,
		Archive: db,
		Logger:  logger,
		Check: func() error {
			pctx, pcancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer pcancel()
			return db.Ping(pctx)
		},
	})
	handler := httpx.Chain(mux, httpx.RecoveryMiddleware(logger), httpx.LoggingMiddleware(logger))
	httpServer := httpx.NewServer(cfg.Listen, handler, logger)

	var grpcOpts []grpc.ServerOption
	if cfg.GRPCTLS.Enabled {
		creds, err := cfg.GRPCTLS.ServerCredentials()
		if err != nil {
			return err
		}
		grpcOpts = append(grpcOpts, grpc.Creds(creds))
	}
	grpcServer := newGRPCServer(hs, grpcOpts...)
	var grpcLis net.Listener
	if cfg.GRPCListen != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPCListen, err)
		}
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := orch.Run(ctx, cfg.TickInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("poll loop failed", "error", err)
		}
	}()

	serverErr := make(chan error, 2)
	go func() {
		serverErr <- httpServer.Start()
	}()

	if grpcLis != nil {
		go func() {
			logger.Info("gRPC health server listening", "addr", cfg.GRPCListen, "tls", cfg.GRPCTLS.Enabled)
			serverErr <- grpcServer.Serve(grpcLis)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	logger.Info("shutting down")
	deps.Health.Shutdown()
	cancel()
	<-loopDone

	grpcServer.GracefulStop()
	if err := httpServer.Stop(10 * time.Second); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// newStatusStore builds the configured status backend and its cleanup.
func newStatusStore(cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Storage {
	case "redis":
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() {
			if err := rs.Close(); err != nil {
				slog.Error("failed to close redis store", "error", err)
			}
		}, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}

func archiveCameras(cameras []catalog.Camera) []archive.Camera {
	out := make([]archive.Camera, len(cameras))
	for i, c := range cameras {
		out[i] = archive.Camera{
			CameraID:        c.ID,
			Name:            c.DisplayName(),
			SnapshotURL:     c.SnapshotURL,
			SourceURL:       c.SourceURL,
			Corridor:        c.Corridor,
			Direction:       c.Direction,
			PollIntervalSec: c.PollIntervalSec,
		}
	}
	return out
}
