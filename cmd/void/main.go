// Package main implements the void daemon: a single-host time-series
// pipeline that ingests framed byte streams, decodes them into records,
// transforms them through pipes and fans them out to console, parquet,
// Prometheus remote-write and NATS sinks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DarkHighness/void/config"
	"github.com/DarkHighness/void/engine"
	"github.com/DarkHighness/void/metric"
	"github.com/DarkHighness/void/natsclient"
	"github.com/DarkHighness/void/outbound/natspub"
	"github.com/DarkHighness/void/topology"
)

const (
	Version = "0.1.0"
	appName = "void"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in daemon", "panic", r)
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	decls, err := cfg.Declarations()
	if err != nil {
		return fmt.Errorf("resolve declarations: %w", err)
	}
	graph, err := topology.Build(decls)
	if err != nil {
		return fmt.Errorf("build topology: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewMetricsRegistry()

	publishers, closeNATS, err := connectPublishers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeNATS()

	plans, err := cfg.Plans(config.BuildDeps{
		Metrics:    registry.CoreMetrics(),
		Logger:     logger,
		Publishers: publishers,
	})
	if err != nil {
		return fmt.Errorf("plan stages: %w", err)
	}

	if cfg.Global.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.Global.MetricsAddr, registry, logger)
	}

	eng, err := engine.New(engine.Config{
		ChannelCapacity: cfg.Global.ChannelCapacity,
		GracePeriod:     cfg.Global.GracePeriod.Std(),
	}, engine.Deps{Graph: graph, Metrics: registry.CoreMetrics(), Logger: logger})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	logger.Info("pipeline starting",
		"version", Version, "stages", len(graph.Order), "config", cliCfg.ConfigPath)
	if err := eng.Run(ctx, plans); err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}
	logger.Info("pipeline stopped")
	return nil
}

// connectPublishers dials one NATS connection per enabled NATS outbound.
// The returned cleanup drains every connection.
func connectPublishers(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
) (map[string]natspub.Publisher, func(), error) {
	publishers := make(map[string]natspub.Publisher)
	var clients []*natsclient.Client

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, c := range clients {
			if err := c.Close(closeCtx); err != nil {
				logger.Warn("NATS close failed", "url", c.URL(), "error", err)
			}
		}
	}

	for _, out := range cfg.Outbounds {
		if out.Disabled || out.Kind != config.OutboundNATS {
			continue
		}
		url, err := out.URL.Resolve()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("resolve NATS url for %s: %w", out.Tag, err)
		}
		client, err := natsclient.New(url,
			natsclient.WithName(appName+"/"+out.Tag),
			natsclient.WithLogger(logger))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("create NATS client for %s: %w", out.Tag, err)
		}
		if err := client.Connect(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect NATS for %s: %w", out.Tag, err)
		}
		clients = append(clients, client)
		publishers[out.Tag] = client
	}

	return publishers, cleanup, nil
}

// startMetricsServer serves /metrics and /healthz until ctx is cancelled.
func startMetricsServer(ctx context.Context, addr string, registry *metric.MetricsRegistry, logger *slog.Logger) {
	srv := metric.NewServer(addr, "/metrics", registry)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Stop(stopCtx); err != nil {
			logger.Warn("metrics server stop failed", "error", err)
		}
	}()

	logger.Info("metrics server listening", "addr", addr)
}
