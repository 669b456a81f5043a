package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/c360studio/fidelitymon/archive"
	"github.com/c360studio/fidelitymon/config"
	"github.com/c360studio/fidelitymon/httpapi"
	"github.com/c360studio/fidelitymon/metrics"
	"github.com/c360studio/fidelitymon/monitor"
	"github.com/c360studio/fidelitymon/notify"
	"github.com/c360studio/fidelitymon/transport"
)

func serveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor and the local snapshot API",
		Long: `Serve connects to the governance backend and keeps the monitor running:
fidelity history, the alert and escalation ledgers, notification routing,
the optional audit archive, and the HTTP snapshot API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}
}

func runServe(flags *rootFlags) error {
	printBanner()
	logger := setupLogging(flags.logLevel)

	cfg, watchPath, err := loadConfig(flags, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	collector := metrics.New()

	sinks, closeNATS, err := buildSinks(cfg, logger)
	if err != nil {
		return err
	}
	if closeNATS != nil {
		defer closeNATS()
	}

	dispatcher, err := notify.NewDispatcher(notify.Config{
		Rules:           cfg.Notify.Rules,
		Sinks:           sinks,
		QueueSize:       cfg.Notify.QueueSize,
		DeliveryTimeout: cfg.Notify.DeliveryTimeout,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("create notify dispatcher: %w", err)
	}
	defer dispatcher.Close()

	observers := []monitor.Observer{collector, dispatcher}

	if cfg.Archive.Path != "" {
		store, err := archive.Open(cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer store.Close()

		if cfg.Archive.PruneAfter > 0 {
			pruned, err := store.Prune(context.Background(), time.Now().Add(-cfg.Archive.PruneAfter))
			if err != nil {
				logger.Warn("Archive prune failed", "error", err)
			} else if pruned > 0 {
				logger.Info("Archive pruned", "records", pruned, "older_than", cfg.Archive.PruneAfter)
			}
		}

		recorder := archive.NewRecorder(store, logger)
		defer recorder.Close()
		observers = append(observers, recorder)
		logger.Info("Audit archive enabled", "path", cfg.Archive.Path)
	}

	mon, err := monitor.New(monitorConfig(cfg, observers, logger))
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}
	defer mon.Close()

	collector.SetStatusSource(func() transport.Status {
		return mon.Connection().Status
	})
	collector.SetNotifySource(metrics.NotifySource{
		Delivered: dispatcher.Delivered,
		Dropped:   dispatcher.Dropped,
	})

	api, err := httpapi.NewServer(httpapi.Config{
		Bind:    cfg.HTTP.Bind,
		Monitor: mon,
		Metrics: collector.Handler(),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create HTTP API: %w", err)
	}
	if err := api.Start(); err != nil {
		return err
	}

	if err := mon.Connect(); err != nil {
		return fmt.Errorf("connect monitor: %w", err)
	}
	mon.StartRefresh(cfg.Monitor.RefreshInterval)

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if stop := startConfigWatcher(signalCtx, watchPath, flags, mon, dispatcher, logger); stop != nil {
		defer stop()
	}

	slog.Info("Fidelitymon ready",
		"version", Version,
		"endpoint", cfg.Monitor.Endpoint,
		"api", cfg.HTTP.Bind)

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error stopping HTTP API", "error", err)
	}

	slog.Info("Fidelitymon shutdown complete")
	return nil
}

// buildSinks assembles the configured notification destinations. The log
// sink always exists; webhook and NATS join when configured. The returned
// closer tears down the NATS connection, nil when none was made.
func buildSinks(cfg *config.Config, logger *slog.Logger) ([]notify.Sink, func(), error) {
	sinks := []notify.Sink{notify.NewLogSink("log", logger)}

	if cfg.Notify.Webhook.URL != "" {
		webhook, err := notify.NewWebhookSink("webhook", cfg.Notify.Webhook.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("create webhook sink: %w", err)
		}
		sinks = append(sinks, webhook)
	}

	if cfg.Notify.NATS.URL == "" {
		return sinks, nil, nil
	}

	nc, err := nats.Connect(cfg.Notify.NATS.URL, nats.Name(appName))
	if err != nil {
		return nil, nil, fmt.Errorf("connect NATS %s: %w", cfg.Notify.NATS.URL, err)
	}
	logger.Info("Connected to NATS", "url", cfg.Notify.NATS.URL)
	sinks = append(sinks, notify.NewNATSSink("nats", nc, cfg.Notify.NATS.SubjectPrefix))
	return sinks, nc.Close, nil
}

// startConfigWatcher begins hot reload of thresholds and notify rules. Hot
// reload is a convenience: when the watcher cannot start, the monitor keeps
// running with the startup configuration.
func startConfigWatcher(ctx context.Context, watchPath string, flags *rootFlags, mon *monitor.Monitor, dispatcher *notify.Dispatcher, logger *slog.Logger) func() {
	if watchPath == "" {
		return nil
	}

	reload := func() (*config.Config, error) {
		cfg, _, err := loadConfig(flags, logger)
		return cfg, err
	}
	apply := func(cfg *config.Config) {
		if err := mon.SetThresholds(monitor.Thresholds{
			Green: cfg.Monitor.Thresholds.Green,
			Amber: cfg.Monitor.Thresholds.Amber,
		}); err != nil {
			logger.Warn("Rejected reloaded thresholds", "error", err)
		}
		if err := dispatcher.SetRules(cfg.Notify.Rules); err != nil {
			logger.Warn("Rejected reloaded notify rules", "error", err)
		}
	}

	watcher, err := config.NewWatcher(watchPath, reload, apply, logger)
	if err != nil {
		logger.Warn("Config hot reload unavailable", "error", err)
		return nil
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("Config hot reload unavailable", "error", err)
		return nil
	}
	return func() { _ = watcher.Stop() }
}
