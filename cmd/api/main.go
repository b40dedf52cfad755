package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "job-lease-guard/internal/api"
	"job-lease-guard/internal/app"
	"job-lease-guard/internal/config"
	"job-lease-guard/internal/logging"
	"job-lease-guard/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(config.Defaults()).Error("load config", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg).With("service", "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	server := api.New(a.Service, log)
	if limiter := ratelimit.NewTokenBucket(a.Redis, cfg); limiter != nil {
		server.WithLimiter(limiter)
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
