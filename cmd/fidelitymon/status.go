package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/c360studio/fidelitymon/httpapi"
	"github.com/c360studio/fidelitymon/monitor"
	"github.com/c360studio/fidelitymon/transport"
	"github.com/c360studio/fidelitymon/wire"
)

func statusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running monitor's health and recent activity",
		Long:  `Display connection health, the current fidelity snapshot, and recent alerts from a running fidelitymon serve instance.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", httpapi.DefaultBind, "Snapshot API address of the running monitor")
	return cmd
}

// currentView mirrors the /api/monitor/current payload.
type currentView struct {
	monitor.FidelitySnapshot
	Violations uint64 `json:"violations"`
}

// alertView mirrors one /api/monitor/alerts entry.
type alertView struct {
	monitor.Alert
	Display wire.Display `json:"display"`
}

type alertsView struct {
	Count  int         `json:"count"`
	Alerts []alertView `json:"alerts"`
}

func runStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + addr

	var conn monitor.ConnectionSnapshot
	if err := fetchJSON(client, base+"/api/monitor/connection", &conn); err != nil {
		return fmt.Errorf("monitor not reachable at %s (is fidelitymon serve running?): %w", addr, err)
	}

	var current currentView
	if err := fetchJSON(client, base+"/api/monitor/current", &current); err != nil {
		return err
	}

	var alerts alertsView
	if err := fetchJSON(client, base+"/api/monitor/alerts?limit=5", &alerts); err != nil {
		return err
	}

	// Print header
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n", cyan("=== Fidelitymon Status ==="))
	fmt.Println()

	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	// Connection
	fmt.Printf("%s\n", yellow("Connection:"))

	stateColor := gray
	stateIcon := "○"
	switch conn.State {
	case transport.StateConnected:
		stateColor = green
		stateIcon = "●"
	case transport.StateConnecting:
		stateColor = yellow
		stateIcon = "○"
	case transport.StateError:
		stateColor = red
		stateIcon = "⚠"
	}

	fmt.Printf("  %s %s\n", stateColor(stateIcon), stateColor(string(conn.State)))
	if conn.ConnectionID != "" {
		fmt.Printf("    Session: %s\n", conn.ConnectionID)
	}
	if conn.ServerVersion != "" {
		fmt.Printf("    Backend: %s\n", conn.ServerVersion)
	}
	if !conn.ConnectedAt.IsZero() {
		fmt.Printf("    Up:      %s (%v ago)\n",
			conn.ConnectedAt.Format("2006-01-02 15:04:05"),
			time.Since(conn.ConnectedAt).Round(time.Second))
	}
	if conn.State == transport.StateError {
		if conn.Exhausted {
			fmt.Printf("    %s\n", red("Reconnect attempts exhausted; restart serve to reconnect"))
		} else {
			fmt.Printf("    Retrying: attempt %d of %d\n", conn.Attempts, conn.MaxAttempts)
		}
	}
	if conn.LastError != "" {
		fmt.Printf("    Last error: %s\n", gray(conn.LastError))
	}
	if conn.DroppedCommands > 0 {
		fmt.Printf("    Dropped commands: %d\n", conn.DroppedCommands)
	}
	fmt.Println()

	// Fidelity
	fmt.Printf("%s\n", yellow("Fidelity:"))

	if current.Samples == 0 {
		fmt.Printf("  %s\n", gray("No samples recorded yet"))
	} else {
		levelColor := gray
		levelIcon := "○"
		switch current.Level {
		case monitor.AlertGreen:
			levelColor = green
			levelIcon = "●"
		case monitor.AlertAmber:
			levelColor = yellow
			levelIcon = "⚠"
		case monitor.AlertRed:
			levelColor = red
			levelIcon = "⚠"
		}

		fmt.Printf("  %s %.3f %s\n", levelColor(levelIcon), current.Score, levelColor(string(current.Level)))
		fmt.Printf("    Trend:      %s\n", current.Trend)
		fmt.Printf("    Samples:    %d\n", current.Samples)
		fmt.Printf("    Violations: %d\n", current.Violations)
		if !current.UpdatedAt.IsZero() {
			fmt.Printf("    Updated:    %s (%v ago)\n",
				current.UpdatedAt.Format("15:04:05"),
				time.Since(current.UpdatedAt).Round(time.Second))
		}
	}
	fmt.Println()

	// Recent alerts
	fmt.Printf("%s\n", yellow("Recent Alerts:"))

	if len(alerts.Alerts) == 0 {
		fmt.Printf("  %s\n", gray("No alerts recorded"))
	} else {
		for _, a := range alerts.Alerts {
			paint := sprintFor(a.Display.Color)
			fmt.Printf("  %s %s %s\n", paint("⚠"), paint(string(a.Severity)), a.Description)
			fmt.Printf("    %s", gray(a.Timestamp.Format("2006-01-02 15:04:05")))
			if a.ViolationType != "" {
				fmt.Printf("  %s", gray(a.ViolationType))
			}
			if a.Escalated {
				fmt.Printf("  %s", red("escalated"))
			}
			fmt.Println()
		}
	}
	fmt.Println()

	return nil
}

func fetchJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// sprintFor maps a display color name from the API onto a terminal color.
func sprintFor(name string) func(a ...any) string {
	switch name {
	case "red":
		return color.New(color.FgRed).SprintFunc()
	case "yellow":
		return color.New(color.FgYellow).SprintFunc()
	case "cyan":
		return color.New(color.FgCyan).SprintFunc()
	default:
		return color.New(color.FgWhite).SprintFunc()
	}
}
