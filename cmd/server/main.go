package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/api"
	"sandbox-sessions/internal/blob"
	"sandbox-sessions/internal/config"
	"sandbox-sessions/internal/monitor"
	"sandbox-sessions/internal/output"
	"sandbox-sessions/internal/runtime"
	"sandbox-sessions/internal/session"
	"sandbox-sessions/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Blob store: S3 when a bucket is configured, in-memory otherwise.
	var store blob.Store
	if cfg.Blob.Bucket != "" {
		store, err = blob.NewS3Store(ctx, blob.S3Options{
			Bucket:   cfg.Blob.Bucket,
			Region:   cfg.Blob.Region,
			Prefix:   cfg.Blob.Prefix,
			Endpoint: cfg.Blob.Endpoint,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure S3 blob store")
		}
	} else {
		log.Warn().Msg("no blob bucket configured, using in-memory store")
		store = blob.NewMemoryStore()
	}

	// Initialize database (optional — runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	// Initialize audit writer (buffered, reliable logging)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	runtimes := runtime.NewRegistry()
	runtimes.Register(runtime.NewPythonRuntime(cfg.Session.Interpreter))

	serializer := output.NewSerializer(store, output.Options{
		Metrics:    metrics,
		URLTTL:     cfg.Blob.URLExpiry,
		PutTimeout: cfg.Blob.PutTimeout,
	})

	registry, err := session.NewRegistry(session.Config{
		ScratchRoot:       cfg.Session.ScratchRoot,
		MaxSessions:       cfg.Session.MaxSessions,
		DefaultTimeout:    cfg.Session.DefaultTimeout,
		MaxTimeout:        cfg.Session.MaxTimeout,
		InstallTimeout:    cfg.Session.InstallTimeout,
		MaxInstallTimeout: cfg.Session.MaxInstallTimeout,
		Retention:         cfg.Session.Retention,
		SweepInterval:     cfg.Session.SweepInterval,
		MaxCaptureBytes:   cfg.Session.MaxCaptureBytes,
		EnforceDetections: cfg.Security.EnforceDetections,
	}, runtimes, serializer, metrics, auditWriter)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize session registry")
	}
	registry.StartSweeper()

	// Create and start HTTP server
	server := api.NewServer(cfg, registry, db, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Kill interpreters and remove scratch dirs before exit.
		registry.Shutdown()

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("s3_enabled", cfg.Blob.Bucket != "").
		Int("max_sessions", cfg.Session.MaxSessions).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
