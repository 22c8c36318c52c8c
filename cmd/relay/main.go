// Relay subscribes to contract events, stores them idempotently and serves them over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arkiv/chain-event-relay/internal/app"
	"github.com/arkiv/chain-event-relay/internal/config"
	"github.com/arkiv/chain-event-relay/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		return 2
	}

	log := logger.New("chain-event-relay", cfg.AppEnv, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, log, app.Deps{})
	if err != nil {
		log.Error("startup_failed", "err", err)
		return 1
	}
	log.Info("starting", "addr", cfg.Addr, "source", cfg.SourceMode, "kinds", len(cfg.Kinds))

	if err := a.Run(ctx); err != nil {
		log.Error("stopped", "err", err)
		return 1
	}
	return 0
}
