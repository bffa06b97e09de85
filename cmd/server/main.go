package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/estimate"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/transport"
	"github.com/example/ride-dispatch/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// optional migration: apply migrations/001_create_dispatch.sql if requested
	if cfg.PGDSN != "" && os.Getenv("MIGRATE") == "true" {
		if db, err := sql.Open("postgres", cfg.PGDSN); err == nil {
			if b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql")); err == nil {
				if _, err := db.Exec(string(b)); err != nil {
					logger.Error("migration exec", "error", err)
				} else {
					logger.Info("migration applied", "file", "001_create_dispatch.sql")
				}
			}
			_ = db.Close()
		} else {
			logger.Error("migration db open", "error", err)
		}
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		logger.Warn("no PG_DSN set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var registry presence.Registry
	if cfg.RedisAddr != "" {
		registry = presence.NewRedisPresence(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPresenceKey, cfg.LivenessWindow)
	} else {
		mem := presence.NewMemory(cfg.LivenessWindow)
		go func() {
			ticker := time.NewTicker(cfg.LivenessWindow)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					mem.Prune(ctx)
				}
			}
		}()
		registry = mem
	}

	var producer *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	var stripeClient *payments.StripeClient
	if cfg.StripeAPIKey != "" {
		stripeClient = payments.NewStripeClient(cfg.StripeAPIKey, "usd")
	}
	var holdPayments dispatch.Payments
	var capturePayments trip.Payments
	if stripeClient != nil {
		holdPayments = stripeClient
		capturePayments = stripeClient
	}

	est := estimate.New()
	selector := match.NewSelector(registry, cfg.SearchRadiusKm)
	hub := transport.NewHub()
	coordinator := dispatch.NewCoordinator(store, registry, selector, est, hub, holdPayments, logger, dispatch.Config{
		ResponseWindow: cfg.ResponseWindow,
		LivenessWindow: cfg.LivenessWindow,
	})
	trips := trip.NewManager(store, registry, hub, capturePayments, logger)
	ws := &transport.Router{
		Hub:         hub,
		Coordinator: coordinator,
		Trips:       trips,
		Registry:    registry,
		Selector:    selector,
		Store:       store,
		Producer:    producer,
		Logger:      logger,
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(est, store, ws, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
