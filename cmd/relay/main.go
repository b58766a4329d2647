package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/onkernel/cdp-relay/cmd/config"
	"github.com/onkernel/cdp-relay/lib/relay"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("relay configuration", "config", cfg)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := relay.Settings{
		PingInterval:    config.Seconds(cfg.PingIntervalSec),
		PongMissLimit:   cfg.PongMissLimit,
		CallTimeout:     config.Seconds(cfg.CallTimeoutSec),
		AttachTimeout:   config.Seconds(cfg.AttachTimeoutSec),
		ClientQueueSize: cfg.ClientQueueSize,
		ReadLimitBytes:  cfg.ReadLimitBytes,
		LogCDPFrames:    cfg.LogCDPFrames,
	}

	supervisor := relay.NewSupervisor(settings, slogger)
	cdpURL := fmt.Sprintf("ws://127.0.0.1:%d", cfg.Port)

	inst, err := supervisor.EnsureRelay(ctx, cdpURL)
	if err != nil {
		slogger.Error("failed to start relay", "err", err)
		os.Exit(1)
	}
	slogger.Info("relay ready",
		"url", inst.BaseURL(),
		"token", inst.Token(),
	)

	<-ctx.Done()
	slogger.Info("shutdown signal received")

	if err := supervisor.StopAll(context.Background()); err != nil {
		slogger.Error("relay failed to shutdown", "err", err)
	}
}
