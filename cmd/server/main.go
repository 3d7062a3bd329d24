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

	"agent-js-sandbox/internal/api"
	"agent-js-sandbox/internal/cache"
	"agent-js-sandbox/internal/config"
	"agent-js-sandbox/internal/monitor"
	"agent-js-sandbox/internal/sandbox"
	"agent-js-sandbox/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	if _, statErr := os.Stat(configPath); statErr != nil {
		log.Info().Str("path", configPath).Msg("no config file found, using defaults and environment")
		configPath = ""
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}
	setupLogging(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := monitor.SetupTracing(ctx, monitor.TracingOptions{
			Endpoint:   cfg.Tracing.Endpoint,
			SampleRate: cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Warn().Err(err).Msg("tracing unavailable, spans will not be exported")
		} else {
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				if err := shutdownTracing(flushCtx); err != nil {
					log.Warn().Err(err).Msg("tracing shutdown error")
				}
			}()
			log.Info().
				Str("endpoint", cfg.Tracing.Endpoint).
				Float64("sample_rate", cfg.Tracing.SampleRate).
				Msg("tracing enabled")
		}
	}

	metrics := monitor.NewMetrics()

	// Startup continues without a backend so health and metrics stay up.
	var backend sandbox.Backend
	executor, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("no sandbox backend available (execution will fail)")
	} else {
		backend = executor
		metrics.RegisterPoolSize(executor.PoolSize)
	}

	// Database is optional; without it the audit trail is disabled.
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, storage.Options{
			MaxConns:        cfg.Database.MaxOpenConns,
			MinConns:        cfg.Database.MaxIdleConns,
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
			db = nil
		} else if err := db.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("schema setup failed, audit logging disabled")
			db.Close()
			db = nil
		} else {
			defer db.Close()
		}
	}

	deps := api.Deps{
		Metrics: metrics,
		Tracer:  monitor.NewTracer(),
	}

	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
		deps.Store = db
		deps.Audit = auditWriter
	}

	if cfg.Cache.Enabled {
		resultCache, err := cache.New(ctx, cache.Options{
			RedisAddr:     cfg.Cache.RedisAddr,
			RedisPassword: cfg.Cache.RedisPassword,
			RedisDB:       cfg.Cache.RedisDB,
			TTL:           cfg.Cache.TTL,
			MaxEntries:    cfg.Cache.MaxEntries,
		})
		if err != nil {
			log.Warn().Err(err).Msg("result cache unavailable, caching disabled")
		} else {
			defer resultCache.Close()
			deps.Cache = resultCache
		}
	}

	server := api.NewServer(cfg, backend, deps)

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

		if backend != nil {
			if err := backend.Close(); err != nil {
				log.Error().Err(err).Msg("backend close error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("cache_enabled", deps.Cache != nil).
		Bool("backend_available", backend != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
