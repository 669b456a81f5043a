// Package main provides the fidelitymon binary entry point.
// Fidelitymon holds a resilient WebSocket session to a constitutional
// governance backend, tracks fidelity scores and violation activity in
// bounded in-memory stores, and serves the results to local display
// surfaces.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/fidelitymon/config"
	"github.com/c360studio/fidelitymon/monitor"
	"github.com/c360studio/fidelitymon/transport"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fidelitymon"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootFlags are shared by the subcommands that run a monitor.
type rootFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "fidelitymon",
		Short: "Constitutional fidelity monitor",
		Long: `Fidelitymon watches a constitutional governance backend in real time.

It holds a resilient WebSocket session to the backend, tracks fidelity
scores, violation alerts, and escalation notices in bounded in-memory
stores, and serves the results to local display surfaces over HTTP.

Configuration is layered: built-in defaults, then
~/.config/fidelitymon/config.yaml, then a fidelitymon.yaml found by
walking up from the working directory, then the FIDELITYMON_ENDPOINT
environment variable.`,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML); bypasses the layered lookup")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(flags))
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(watchCmd(flags))

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func setupLogging(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig resolves the effective configuration and the path hot reload
// should watch. An explicit --config bypasses the layered lookup; the
// endpoint environment override applies either way.
func loadConfig(flags *rootFlags, logger *slog.Logger) (*config.Config, string, error) {
	if flags.configPath != "" {
		cfg, err := config.LoadFromFile(flags.configPath)
		if err != nil {
			return nil, "", err
		}
		if endpoint := os.Getenv(config.EndpointEnvVar); endpoint != "" {
			cfg.Monitor.Endpoint = endpoint
		}
		if err := cfg.Validate(); err != nil {
			return nil, "", fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, flags.configPath, nil
	}

	loader := config.NewLoader(logger)
	cfg, err := loader.Load()
	if err != nil {
		return nil, "", err
	}
	return cfg, loader.FindProjectConfig(), nil
}

// monitorConfig maps the file configuration onto the monitor's wiring.
func monitorConfig(cfg *config.Config, observers []monitor.Observer, logger *slog.Logger) monitor.Config {
	return monitor.Config{
		Endpoint: cfg.Monitor.Endpoint,
		Backoff: transport.BackoffConfig{
			Base:        cfg.Monitor.Backoff.Base,
			Multiplier:  cfg.Monitor.Backoff.Multiplier,
			Max:         cfg.Monitor.Backoff.Max,
			MaxAttempts: cfg.Monitor.Backoff.MaxAttempts,
		},
		PingInterval:    cfg.Monitor.PingInterval,
		HistoryCapacity: cfg.Monitor.HistoryCapacity,
		LedgerCapacity:  cfg.Monitor.LedgerCapacity,
		Thresholds: monitor.Thresholds{
			Green: cfg.Monitor.Thresholds.Green,
			Amber: cfg.Monitor.Thresholds.Amber,
		},
		Workflows: cfg.Monitor.Workflows,
		Observers: observers,
		Logger:    logger,
	}
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║           Fidelitymon v" + Version + "                  ║")
	fmt.Println("║      Constitutional Fidelity Monitor          ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
