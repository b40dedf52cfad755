package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"job-lease-guard/internal/app"
	"job-lease-guard/internal/config"
	"job-lease-guard/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(config.Defaults()).Error("load config", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg).With("service", "detector")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	app.ServeMetrics(ctx, cfg.MetricsAddr, log)

	log.Info("crash detector started", "scan_interval", cfg.ScanInterval, "batch", cfg.ScanBatchSize,
		"quarantine_threshold", cfg.QuarantineThreshold)
	if err := a.Service.RunDetector(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("detector stopped", "err", err)
	}
}
