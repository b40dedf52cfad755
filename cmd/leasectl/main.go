package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"job-lease-guard/internal/app"
	"job-lease-guard/internal/cli"
	"job-lease-guard/internal/config"
	"job-lease-guard/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	open := func(ctx context.Context) (cli.Operator, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		log := logging.NewWithWriter(os.Stderr, "warn", "text")
		a, err := app.Open(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return a.Service, func() { _ = a.Close() }, nil
	}

	if err := cli.NewRoot(open).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "leasectl:", err)
		os.Exit(1)
	}
}
