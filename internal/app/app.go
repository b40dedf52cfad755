// Package app assembles the lease coordinator from configuration for the
// binaries under cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"job-lease-guard/internal/archive"
	"job-lease-guard/internal/config"
	"job-lease-guard/internal/coordinator"
	"job-lease-guard/internal/detector"
	"job-lease-guard/internal/lease"
	"job-lease-guard/internal/ledger"
	"job-lease-guard/internal/logging"
	"job-lease-guard/internal/quarantine"
	"job-lease-guard/internal/queue"
	"job-lease-guard/internal/telemetry"
)

// App holds the shared clients behind a coordinator.Service.
type App struct {
	Config  config.Config
	Redis   *redis.Client
	Ledger  ledger.Ledger
	Leases  *lease.Manager
	Queue   *queue.RedisQueue
	Service *coordinator.Service
}

// Open connects Redis and the ledger and builds the service.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	client := queue.NewClient(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	l, err := ledger.Open(ctx, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	tracker, err := quarantine.NewTracker(client, cfg, log)
	if err != nil {
		_ = l.Close()
		_ = client.Close()
		return nil, err
	}
	sink, err := archive.New(ctx, cfg)
	if err != nil {
		_ = l.Close()
		_ = client.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}

	leases := lease.NewManager(client, cfg, log)
	q := queue.NewRedisQueue(client, cfg)
	svc := coordinator.New(coordinator.Deps{
		Leases:  leases,
		Tracker: tracker,
		Ledger:  l,
		Scanner: detector.NewScanner(client, l, cfg, log),
		Queue:   q,
		Archive: sink,
	}, cfg, log)

	return &App{
		Config:  cfg,
		Redis:   client,
		Ledger:  l,
		Leases:  leases,
		Queue:   q,
		Service: svc,
	}, nil
}

// Close releases the ledger and Redis connections.
func (a *App) Close() error {
	return errors.Join(a.Ledger.Close(), a.Redis.Close())
}

// ServeMetrics exposes /metrics on addr until ctx ends.
func ServeMetrics(ctx context.Context, addr string, log *slog.Logger) {
	if addr == "" {
		return
	}
	log = logging.OrNop(log)
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "err", err)
		}
	}()
}
