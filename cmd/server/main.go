package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/agent"
	"github.com/t77yq/taskgraph/internal/api"
	"github.com/t77yq/taskgraph/internal/config"
	"github.com/t77yq/taskgraph/internal/executor"
	tglog "github.com/t77yq/taskgraph/internal/logger"
	"github.com/t77yq/taskgraph/internal/monitor"
	"github.com/t77yq/taskgraph/internal/orchestrator"
	"github.com/t77yq/taskgraph/internal/preset"
	"github.com/t77yq/taskgraph/internal/scheduler"
	"github.com/t77yq/taskgraph/internal/service"
	"github.com/t77yq/taskgraph/internal/storage"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the config file (default ./config/config.yaml)")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, level, err := tglog.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg.Watch(func(c *config.Config) {
		level.SetLevel(tglog.ParseLevel(c.Log.Level))
		logger.Info("Configuration reloaded", zap.String("log_level", c.Log.Level))
	}, func(err error) {
		logger.Warn("Ignoring invalid configuration change", zap.Error(err))
	})

	nc, err := connectNATS(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	// Create JetStream context
	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Create run history storage
	store, err := storage.NewSQLiteRunStore(logger, cfg.Storage.Path)
	if err != nil {
		logger.Fatal("Failed to create run history storage", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	monitor.InitMetrics(registry)

	agents, err := buildAgents(cfg.Agents, logger)
	if err != nil {
		logger.Fatal("Failed to register agents", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var worker *executor.Worker
	if cfg.Worker.Enabled {
		worker = executor.NewWorker(js, agents, executor.WorkerConfig{
			ID:                cfg.Worker.ID,
			MaxNodes:          cfg.Worker.MaxNodes,
			MaxCPU:            cfg.Worker.MaxCPU,
			MaxMemory:         cfg.Worker.MaxMemory,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		}, logger)
		if err := worker.Start(ctx); err != nil {
			logger.Fatal("Failed to start worker", zap.Error(err))
		}
	}

	var runner orchestrator.NodeRunner = orchestrator.NewLocalRunner(agents, logger)
	if cfg.App.Runner == "nats" {
		timeout := cfg.Orchestrator.NodeTimeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		runner, err = orchestrator.NewNATSRunner(js, timeout, logger)
		if err != nil {
			logger.Fatal("Failed to create NATS runner", zap.Error(err))
		}
	}

	var runs *service.RunService
	events := eventPublisherFunc(func(ctx context.Context, e *orchestrator.RunEvent) error {
		return runs.PublishEvent(ctx, e)
	})

	orch := orchestrator.New(runner, orchestrator.Config{
		MaxParallel:     cfg.Orchestrator.MaxParallel,
		MaxAttempts:     cfg.Orchestrator.MaxAttempts,
		NodeTimeout:     cfg.Orchestrator.NodeTimeout,
		ContinueOnError: cfg.Orchestrator.ContinueOnError,
		Backoff: &orchestrator.ExponentialBackoff{
			InitialDelay: cfg.Orchestrator.Backoff.InitialDelay,
			MaxDelay:     cfg.Orchestrator.Backoff.MaxDelay,
			Multiplier:   cfg.Orchestrator.Backoff.Multiplier,
		},
	}, logger,
		orchestrator.WithStore(store),
		orchestrator.WithEvents(events),
		orchestrator.WithAgents(agents),
	)

	runs = service.NewRunService(js, orch, logger)
	if err := runs.Start(ctx); err != nil {
		logger.Fatal("Failed to start run service", zap.Error(err))
	}

	cronScheduler := scheduler.NewCronScheduler(js, logger)
	if err := cronScheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	collector := monitor.NewMetricsCollector(js, cfg.Metrics.Interval, logger)
	if err := collector.Start(ctx); err != nil {
		logger.Fatal("Failed to start metrics collector", zap.Error(err))
	}

	server := api.NewServer(api.Config{
		Addr:            cfg.HTTP.Addr,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, api.Deps{
		Executor:  orch,
		Submitter: runs,
		Store:     store,
		Presets:   preset.Default(),
		Agents:    agents,
		Schedules: cronScheduler,
		Gatherer:  registry,
	}, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	// Cleanup old run history
	go func() {
		interval := cfg.Storage.CleanupInterval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		cleanupTicker := time.NewTicker(interval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				cutoff := time.Now().Add(-cfg.Storage.Retention)
				if err := store.DeleteBefore(ctx, cutoff); err != nil {
					logger.Error("Failed to cleanup old run history", zap.Error(err))
				}
			}
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	var shutdownErr error
	shutdownErr = multierr.Append(shutdownErr, server.Stop())
	cronScheduler.Stop()
	shutdownErr = multierr.Append(shutdownErr, runs.Stop())
	if worker != nil {
		shutdownErr = multierr.Append(shutdownErr, worker.Stop())
	}
	collector.Stop()
	shutdownErr = multierr.Append(shutdownErr, store.Close())
	shutdownErr = multierr.Append(shutdownErr, nc.Drain())

	for _, err := range multierr.Errors(shutdownErr) {
		logger.Error("Shutdown error", zap.Error(err))
	}
	logger.Info("Server shut down gracefully")
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	retries := cfg.NATS.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	urls := strings.Join(cfg.NATS.URLs, ",")

	var (
		nc  *nats.Conn
		err error
	)
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(urls, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

func buildAgents(cfg config.AgentsConfig, logger *zap.Logger) (*agent.Registry, error) {
	registry := agent.NewRegistry()
	for _, a := range cfg.List {
		handler := agent.NewHTTPAgent(agent.HTTPAgentConfig{
			URL:     a.URL,
			APIKey:  a.APIKey,
			Model:   a.Model,
			Headers: a.Headers,
			Timeout: a.Timeout,
		}, logger)

		err := registry.Register(agent.Agent{
			ID:          a.ID,
			Name:        a.Name,
			Model:       a.Model,
			Description: a.Description,
		}, handler)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Default != "" {
		if err := registry.SetDefault(cfg.Default); err != nil {
			return nil, err
		}
	}
	logger.Info("Registered agents", zap.Strings("ids", registry.IDs()))
	return registry, nil
}

type eventPublisherFunc func(ctx context.Context, e *orchestrator.RunEvent) error

func (f eventPublisherFunc) PublishEvent(ctx context.Context, e *orchestrator.RunEvent) error {
	return f(ctx, e)
}
