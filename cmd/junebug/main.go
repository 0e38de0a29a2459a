// Package main implements the entry point for the junebug gateway.
// Junebug exposes messaging channels over an HTTP API and bridges them
// onto an AMQP message bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aLabsAfrica/junebug/busclient"
	"github.com/aLabsAfrica/junebug/channel"
	"github.com/aLabsAfrica/junebug/config"
	"github.com/aLabsAfrica/junebug/gateway"
	"github.com/aLabsAfrica/junebug/lifecycle"
	"github.com/aLabsAfrica/junebug/messagestore"
	"github.com/aLabsAfrica/junebug/metric"
	"github.com/aLabsAfrica/junebug/pkg/retry"
	"github.com/aLabsAfrica/junebug/sender"
	"github.com/aLabsAfrica/junebug/store"
	"github.com/aLabsAfrica/junebug/worker"
	"github.com/aLabsAfrica/junebug/worker/telnet"
	"github.com/aLabsAfrica/junebug/worker/websocket"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "junebug"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat, cfg)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting junebug gateway",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	ctx := context.Background()

	adapter, closeStore, err := setupStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics := metric.NewRegistry()

	bus := setupBus(ctx, cfg, logger, metrics.Core)
	defer func() {
		if err := bus.Close(); err != nil {
			slog.Error("bus close failed", "error", err)
		}
	}()

	snd, err := sender.NewSender(bus,
		sender.WithLogger(logger),
		sender.WithExchange(cfg.Bus.Exchange),
		sender.WithMetrics(metrics.Core))
	if err != nil {
		return fmt.Errorf("create sender: %w", err)
	}

	messages, err := messagestore.NewStore(adapter)
	if err != nil {
		return fmt.Errorf("create message store: %w", err)
	}

	manager, registry, err := setupLifecycle(cfg, adapter, snd, messages, logger, metrics.Core)
	if err != nil {
		return err
	}
	defer manager.Close()

	if cfg.Lifecycle.RestoreOnStart {
		restored, err := manager.RestoreAll(ctx)
		if err != nil {
			slog.Warn("channel restore on startup failed", "error", err)
		} else {
			slog.Info("persisted channels restored", "count", restored)
		}
	}

	api, err := gateway.NewServer(cfg.HTTP.Addr, manager, registry, snd, messages,
		gateway.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return serve(ctx, cfg, api, metrics, cliCfg.ShutdownTimeout)
}

// setupStore builds the channel store backend selected in the config
func setupStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Adapter, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreBackendNATS:
		kv, err := store.NewNATSKV(ctx, store.NATSKVConfig{
			URL:    cfg.Store.URL,
			Bucket: cfg.Store.Bucket,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect channel store: %w", err)
		}
		logger.Info("channel store ready", "backend", cfg.Store.Backend, "bucket", cfg.Store.Bucket)
		return kv, kv.Close, nil
	default:
		logger.Info("channel store ready", "backend", config.StoreBackendMemory)
		return store.NewMemory(), func() {}, nil
	}
}

// setupBus creates the bus client and connects in the background so a
// down broker never blocks gateway startup. The client reconnects on
// its own after a connection loss; this loop only covers the initial
// dial.
func setupBus(ctx context.Context, cfg *config.Config, logger *slog.Logger, core *metric.Metrics) *busclient.Client {
	bus := busclient.NewClient(cfg.Bus.URL,
		busclient.WithLogger(logger),
		busclient.WithReconnectWait(cfg.Bus.ReconnectWait),
		busclient.WithDisconnectHandler(func(error) {
			core.BusConnected.Set(0)
		}))

	go func() {
		err := retry.Do(ctx, retry.Config{
			MaxAttempts:  60,
			InitialDelay: cfg.Bus.ReconnectWait,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			AddJitter:    true,
		}, func() error {
			return bus.Connect(ctx)
		})
		if err != nil {
			logger.Warn("initial bus connect abandoned, channels will report unavailable",
				"error", err)
			return
		}
		core.BusConnected.Set(1)
	}()

	return bus
}

// setupLifecycle wires the worker registry, supervisor, channel
// registry, and lifecycle manager together
func setupLifecycle(
	cfg *config.Config,
	adapter store.Adapter,
	snd *sender.Sender,
	messages *messagestore.Store,
	logger *slog.Logger,
	core *metric.Metrics,
) (*lifecycle.Manager, *channel.Registry, error) {
	workerRegistry := worker.NewFactoryRegistry()
	if err := telnet.Register(workerRegistry); err != nil {
		return nil, nil, fmt.Errorf("register telnet worker: %w", err)
	}
	if err := websocket.Register(workerRegistry); err != nil {
		return nil, nil, fmt.Errorf("register websocket worker: %w", err)
	}
	slog.Info("worker factories registered", "types", workerRegistry.Types())

	supervisor := worker.NewSupervisor(workerRegistry, worker.Dependencies{
		Sender:   snd,
		Messages: messages.Inbound(),
		Statuses: messages.Status(),
		Logger:   logger,
	})

	registry, err := channel.NewRegistry(adapter, workerRegistry)
	if err != nil {
		return nil, nil, fmt.Errorf("create channel registry: %w", err)
	}

	manager, err := lifecycle.NewManager(registry, supervisor,
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(core),
		lifecycle.WithStopTimeout(cfg.Lifecycle.StopTimeout),
		lifecycle.WithProbeInterval(cfg.Lifecycle.ProbeInterval))
	if err != nil {
		return nil, nil, fmt.Errorf("create lifecycle manager: %w", err)
	}

	return manager, registry, nil
}

// serve runs the API and metrics listeners until a shutdown signal
func serve(
	ctx context.Context,
	cfg *config.Config,
	api *gateway.Server,
	metrics *metric.Registry,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.HTTP.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)

	group.Go(api.Start)
	group.Go(func() error {
		slog.Info("metrics listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve metrics: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		slog.Info("Received shutdown signal")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := api.Shutdown(shutdownCtx); err != nil {
			slog.Error("gateway shutdown failed", "error", err)
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	slog.Info("junebug gateway started", "addr", cfg.HTTP.Addr)
	if err := group.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	slog.Info("junebug shutdown complete")
	return nil
}
