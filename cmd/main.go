package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-dispatch/internal/config"
	"github.com/ukydev/fleet-dispatch/internal/db"
	"github.com/ukydev/fleet-dispatch/internal/fleet"
	"github.com/ukydev/fleet-dispatch/internal/handlers"
	"github.com/ukydev/fleet-dispatch/internal/middleware"
	"github.com/ukydev/fleet-dispatch/internal/retry"
	"github.com/ukydev/fleet-dispatch/internal/stats"
	"github.com/ukydev/fleet-dispatch/internal/telemetry"
)

// app holds the wired components of the server.
type app struct {
	handler    http.Handler
	aggregator *stats.Aggregator
	service    *fleet.Service
}

func main() {
	cfg := config.Load(".env")
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	a, err := newApp(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer a.aggregator.Close()
	go a.aggregator.Run(ctx, cfg.StatsRefreshInterval)

	if cfg.MQTT.Enabled {
		ingestor := telemetry.NewIngestor(store, cfg.MQTT.TopicPrefix, logger)
		if err := ingestor.Connect(cfg.MQTT.Broker, cfg.MQTT.ClientID); err != nil {
			return err
		}
		defer ingestor.Close()
		logger.WithField("broker", cfg.MQTT.Broker).Info("Location ingest connected")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Port).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// openStore returns the configured record store and its cleanup.
func openStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (db.Store, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("Using in-memory record store; data is lost on restart")
		return db.NewMemoryStore(), func() {}, nil
	case "mongo":
		client, err := db.ConnectMongo(cfg.Store.MongoURI)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		logger.Info("Connected to MongoDB successfully")
		store := db.NewMongoStore(client.Database(cfg.Store.Database).Collection(cfg.Store.Collection), logger)
		if err := store.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Warn("Failed to create record indexes")
		}
		return store, func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(disconnectCtx)
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Store.Driver)
	}
}

// newApp wires the fleet service, the aggregator and the HTTP surface on store.
func newApp(ctx context.Context, cfg *config.Config, store db.Store, logger *log.Logger) (*app, error) {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.Writes.Retries
	retryCfg.BaseDelay = cfg.Writes.RetryDelay
	retryCfg.Retryable = db.IsRetryable

	service := fleet.NewService(store,
		fleet.WithLogger(logger),
		fleet.WithRetrier(retry.New(retryCfg, logger)),
		fleet.WithPolicy(fleet.Policy{
			StartAnomalyKm: cfg.Trips.StartOdometerWarnKm,
			FinishJumpKm:   cfg.Trips.FinishOdometerWarnKm,
		}),
	)

	aggregator := stats.NewAggregator(store, logger)
	if err := aggregator.Start(ctx); err != nil {
		return nil, fmt.Errorf("start fleet aggregator: %w", err)
	}

	mux := http.NewServeMux()
	handlers.NewFleetHandler(service, aggregator, store, logger).Register(mux)
	mux.Handle("GET /ws/stats", handlers.NewStatsStream(aggregator, logger))

	limiter := middleware.NewRateLimitMiddleware()
	handler := middleware.Chain(mux,
		middleware.RequestID,
		middleware.RequestLogger(logger),
		middleware.Recover(logger),
		limiter.RateLimit(cfg.RateLimit.Requests, cfg.RateLimit.Window),
	)
	return &app{handler: handler, aggregator: aggregator, service: service}, nil
}
