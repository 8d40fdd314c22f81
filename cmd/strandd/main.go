package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/strandproxy/strand/internal/app"
	"github.com/strandproxy/strand/internal/config"
	"github.com/strandproxy/strand/internal/deploy"
	"github.com/strandproxy/strand/internal/eventbus/memory"
	"github.com/strandproxy/strand/internal/gateway"
	"github.com/strandproxy/strand/internal/httpapi"
	"github.com/strandproxy/strand/internal/logging"
	"github.com/strandproxy/strand/internal/relay"
	"github.com/strandproxy/strand/internal/routing"
	"github.com/strandproxy/strand/internal/store/sqlite"
	"github.com/strandproxy/strand/internal/topology"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("strandd")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		logger.Error("ensure state dir", "path", cfg.StateDir, "error", err)
		os.Exit(1)
	}

	store, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		logger.Error("open topology store", "error", err)
		os.Exit(1)
	}
	defer store.Close(context.Background())

	bus := memory.New(logger)
	table := routing.NewTable()
	builder := routing.NewBuilder(cfg.Params)
	deployer := deploy.New(table, builder, logger)

	go func() {
		if err := deployer.Run(ctx, bus); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("deployer stopped", "error", err)
		}
	}()

	// Replay persisted topologies so the routing table is populated
	// before the listeners come up.
	stored, err := store.Topologies().List(ctx)
	if err != nil {
		logger.Error("list stored topologies", "error", err)
		os.Exit(1)
	}
	for _, t := range stored {
		deployer.Apply(topology.ChangeEvent{Type: topology.EventAdded, Topology: t})
	}
	logger.Info("topologies restored", "count", len(stored))

	engine := relay.NewEngine(table, nil, logger)
	gatewayHandler := gateway.New(gateway.Options{
		Enabled:     cfg.Enabled,
		Engine:      engine,
		Logger:      logger,
		BaseContext: ctx,
	})
	adminHandler := httpapi.New(httpapi.Options{
		Logger:  logger,
		Store:   store,
		Table:   table,
		Builder: builder,
		Bus:     bus,
		APIKey:  cfg.APIKey,
	})

	daemon := app.New(cfg, logger, gatewayHandler, adminHandler)
	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exit", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete", "gateway", cfg.GatewayListen, "admin", cfg.AdminListen)
}
