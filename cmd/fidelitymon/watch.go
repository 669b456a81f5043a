package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/c360studio/fidelitymon/monitor"
	"github.com/c360studio/fidelitymon/transport"
	"github.com/c360studio/fidelitymon/wire"
)

func watchCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream governance activity to the terminal",
		Long: `Watch connects to the governance backend and prints fidelity samples,
violation alerts, escalation notices, and connection transitions as they
arrive. Ctrl-C stops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(flags)
		},
	}
}

func runWatch(flags *rootFlags) error {
	logger := setupLogging(flags.logLevel)

	cfg, _, err := loadConfig(flags, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	console := newConsoleObserver()
	mon, err := monitor.New(monitorConfig(cfg, []monitor.Observer{console}, logger))
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}
	defer mon.Close()

	if err := mon.Connect(); err != nil {
		return fmt.Errorf("connect monitor: %w", err)
	}
	mon.StartRefresh(cfg.Monitor.RefreshInterval)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", cfg.Monitor.Endpoint)
	<-signalCtx.Done()
	fmt.Println()
	return nil
}

// consoleObserver prints recorded activity as it happens. It runs on the
// monitor's dispatch goroutine and never calls back into the monitor.
type consoleObserver struct {
	green  func(a ...any) string
	yellow func(a ...any) string
	red    func(a ...any) string
	gray   func(a ...any) string
}

func newConsoleObserver() *consoleObserver {
	return &consoleObserver{
		green:  color.New(color.FgGreen).SprintFunc(),
		yellow: color.New(color.FgYellow).SprintFunc(),
		red:    color.New(color.FgRed, color.Bold).SprintFunc(),
		gray:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

// ObserveEvent implements monitor.Observer. Raw event traffic is too noisy
// for the console; the typed observations below carry everything useful.
func (c *consoleObserver) ObserveEvent(wire.EventType) {}

// ObserveFidelity implements monitor.Observer.
func (c *consoleObserver) ObserveFidelity(s monitor.FidelitySnapshot) {
	level := string(s.Level)
	switch s.Level {
	case monitor.AlertGreen:
		level = c.green(level)
	case monitor.AlertAmber:
		level = c.yellow(level)
	case monitor.AlertRed:
		level = c.red(level)
	}
	fmt.Printf("%s fidelity %.3f %s trend=%s\n", c.stamp(), s.Score, level, s.Trend)
}

// ObserveAlert implements monitor.Observer.
func (c *consoleObserver) ObserveAlert(a monitor.Alert) {
	paint := sprintFor(a.Severity.Display().Color)
	fmt.Printf("%s %s %s %s\n", c.stamp(), paint("ALERT"), paint(string(a.Severity)), a.Description)
}

// ObserveEscalation implements monitor.Observer.
func (c *consoleObserver) ObserveEscalation(e monitor.Escalation) {
	paint := sprintFor(e.Level.Display().Color)
	fmt.Printf("%s %s to %s (violation %s, assigned %s)\n",
		c.stamp(), paint("ESCALATION"), paint(string(e.Level)), e.ViolationID, e.AssignedTo)
}

// ObserveConnection implements monitor.Observer.
func (c *consoleObserver) ObserveConnection(st transport.Status) {
	switch st.State {
	case transport.StateConnected:
		fmt.Printf("%s %s\n", c.stamp(), c.green("connected"))
	case transport.StateConnecting:
		if st.Attempts > 0 {
			fmt.Printf("%s %s (attempt %d/%d)\n", c.stamp(), c.yellow("reconnecting"), st.Attempts, st.MaxAttempts)
		} else {
			fmt.Printf("%s %s\n", c.stamp(), c.yellow("connecting"))
		}
	case transport.StateError:
		msg := "connection error"
		if st.Exhausted {
			msg = "reconnect attempts exhausted"
		}
		fmt.Printf("%s %s %s\n", c.stamp(), c.red(msg), c.gray(st.LastError))
	default:
		fmt.Printf("%s %s\n", c.stamp(), c.gray("disconnected"))
	}
}

func (c *consoleObserver) stamp() string {
	return c.gray(time.Now().Format("15:04:05"))
}
