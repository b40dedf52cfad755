package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"job-lease-guard/internal/app"
	"job-lease-guard/internal/config"
	"job-lease-guard/internal/heartbeat"
	"job-lease-guard/internal/logging"
	workerproc "job-lease-guard/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(config.Defaults()).Error("load config", "err", err)
		os.Exit(1)
	}
	if cfg.WorkerID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = fmt.Sprintf("worker-%d", os.Getpid())
		}
		// Restarts on the same host must not reuse an identity.
		cfg.WorkerID = hostname + "-" + uuid.NewString()[:8]
	}
	log := logging.New(cfg).With("service", "worker")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	beats, err := heartbeat.NewDriver(a.Leases, cfg, log)
	if err != nil {
		log.Error("heartbeat driver", "err", err)
		os.Exit(1)
	}

	app.ServeMetrics(ctx, cfg.MetricsAddr, log)

	work := envDuration("WORK_DURATION", 5*time.Second)
	processor := workerproc.NewProcessor(cfg, a.Service, a.Queue, beats,
		workerproc.SleepHandler(work, 5), log)

	log.Info("worker started", "worker_id", cfg.WorkerID,
		"lease_ttl", cfg.LeaseTTL, "heartbeat_interval", cfg.HeartbeatInterval)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "err", err)
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return def
}
