// Package config provides configuration loading and management for fidelitymon.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/fidelitymon/notify"
)

// Config represents the complete fidelitymon configuration
type Config struct {
	Monitor MonitorConfig `yaml:"monitor"`
	HTTP    HTTPConfig    `yaml:"http"`
	Notify  NotifyConfig  `yaml:"notify"`
	Archive ArchiveConfig `yaml:"archive"`
}

// MonitorConfig configures the backend connection and the in-memory stores
type MonitorConfig struct {
	// Endpoint is the governance backend WebSocket URL (ws:// or wss://).
	// Every deployment names its own backend; there is no default.
	Endpoint string `yaml:"endpoint"`
	// PingInterval is the keepalive cadence (0 disables keepalives)
	PingInterval time.Duration `yaml:"ping_interval"`
	// RefreshInterval is the periodic snapshot-request cadence
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// HistoryCapacity bounds the fidelity sample ring
	HistoryCapacity int `yaml:"history_capacity"`
	// LedgerCapacity bounds the alert and escalation ledgers
	LedgerCapacity int `yaml:"ledger_capacity"`
	// Workflows are subscribed automatically on startup
	Workflows []string `yaml:"workflows"`

	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Backoff    BackoffConfig    `yaml:"backoff"`
}

// ThresholdsConfig holds the alert classification boundaries
type ThresholdsConfig struct {
	// Green is the minimum score classified Green (default: 0.85)
	Green float64 `yaml:"green"`
	// Amber is the minimum score classified Amber (default: 0.70)
	Amber float64 `yaml:"amber"`
}

// BackoffConfig configures the reconnection schedule
type BackoffConfig struct {
	// Base is the first reconnect delay
	Base time.Duration `yaml:"base"`
	// Multiplier grows the delay after each consecutive failure
	Multiplier float64 `yaml:"multiplier"`
	// Max caps the delay
	Max time.Duration `yaml:"max"`
	// MaxAttempts is the reconnect ceiling before giving up
	MaxAttempts int `yaml:"max_attempts"`
}

// HTTPConfig configures the local snapshot API
type HTTPConfig struct {
	// Bind is the listen address (default: 127.0.0.1:8753)
	Bind string `yaml:"bind"`
}

// NotifyConfig configures the notification pipeline
type NotifyConfig struct {
	// QueueSize bounds pending deliveries
	QueueSize int `yaml:"queue_size"`
	// DeliveryTimeout bounds each sink delivery attempt
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`

	Webhook WebhookConfig `yaml:"webhook"`
	NATS    NATSConfig    `yaml:"nats"`

	// Rules route recorded activity to sinks; the log sink always exists
	Rules []notify.Rule `yaml:"rules"`
}

// WebhookConfig configures the webhook sink
type WebhookConfig struct {
	// URL enables the webhook sink when set (http:// or https://)
	URL string `yaml:"url"`
}

// NATSConfig configures the NATS sink
type NATSConfig struct {
	// URL enables the NATS sink when set (e.g., "nats://127.0.0.1:4222")
	URL string `yaml:"url"`
	// SubjectPrefix overrides the published subject root
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ArchiveConfig configures the SQLite audit archive
type ArchiveConfig struct {
	// Path enables the archive when set (empty = no archive)
	Path string `yaml:"path"`
	// PruneAfter ages out archived records on startup (0 keeps everything)
	PruneAfter time.Duration `yaml:"prune_after"`
}

// DefaultConfig returns a Config with sensible defaults. The backend
// endpoint is deliberately left empty.
func DefaultConfig() *Config {
	return &Config{
		Monitor: MonitorConfig{
			PingInterval:    30 * time.Second,
			RefreshInterval: 30 * time.Second,
			HistoryCapacity: 100,
			LedgerCapacity:  20,
			Thresholds: ThresholdsConfig{
				Green: 0.85,
				Amber: 0.70,
			},
			Backoff: BackoffConfig{
				Base:        1 * time.Second,
				Multiplier:  2.0,
				Max:         30 * time.Second,
				MaxAttempts: 5,
			},
		},
		HTTP: HTTPConfig{
			Bind: "127.0.0.1:8753",
		},
		Notify: NotifyConfig{
			QueueSize:       64,
			DeliveryTimeout: 5 * time.Second,
			NATS: NATSConfig{
				SubjectPrefix: "governance.fidelity",
			},
			Rules: []notify.Rule{
				{Name: "all-to-log", Sinks: []string{"log"}},
			},
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Monitor.Endpoint == "" {
		return fmt.Errorf("monitor.endpoint is required")
	}
	u, err := url.Parse(c.Monitor.Endpoint)
	if err != nil {
		return fmt.Errorf("monitor.endpoint is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("monitor.endpoint must use ws or wss, got %q", u.Scheme)
	}

	t := c.Monitor.Thresholds
	if t.Green <= 0 || t.Green > 1 || t.Amber <= 0 || t.Amber > 1 {
		return fmt.Errorf("monitor.thresholds must be within (0, 1]")
	}
	if t.Amber > t.Green {
		return fmt.Errorf("monitor.thresholds.amber must not exceed green")
	}

	b := c.Monitor.Backoff
	if b.Base <= 0 || b.Max < b.Base {
		return fmt.Errorf("monitor.backoff base must be positive and max >= base")
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("monitor.backoff.multiplier must be >= 1")
	}
	if b.MaxAttempts < 1 {
		return fmt.Errorf("monitor.backoff.max_attempts must be >= 1")
	}

	if c.Monitor.HistoryCapacity < 1 || c.Monitor.LedgerCapacity < 1 {
		return fmt.Errorf("monitor capacities must be >= 1")
	}
	if c.Monitor.RefreshInterval <= 0 {
		return fmt.Errorf("monitor.refresh_interval must be positive")
	}
	if c.Monitor.PingInterval < 0 {
		return fmt.Errorf("monitor.ping_interval must not be negative")
	}

	if c.HTTP.Bind == "" {
		return fmt.Errorf("http.bind is required")
	}

	if c.Notify.QueueSize < 1 {
		return fmt.Errorf("notify.queue_size must be >= 1")
	}
	if c.Notify.DeliveryTimeout <= 0 {
		return fmt.Errorf("notify.delivery_timeout must be positive")
	}
	if c.Notify.Webhook.URL != "" {
		wu, err := url.Parse(c.Notify.Webhook.URL)
		if err != nil || (wu.Scheme != "http" && wu.Scheme != "https") || wu.Host == "" {
			return fmt.Errorf("notify.webhook.url must be an http or https URL")
		}
	}
	for _, rule := range c.Notify.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("notify rule: %w", err)
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Monitor
	if other.Monitor.Endpoint != "" {
		c.Monitor.Endpoint = other.Monitor.Endpoint
	}
	if other.Monitor.PingInterval != 0 {
		c.Monitor.PingInterval = other.Monitor.PingInterval
	}
	if other.Monitor.RefreshInterval != 0 {
		c.Monitor.RefreshInterval = other.Monitor.RefreshInterval
	}
	if other.Monitor.HistoryCapacity != 0 {
		c.Monitor.HistoryCapacity = other.Monitor.HistoryCapacity
	}
	if other.Monitor.LedgerCapacity != 0 {
		c.Monitor.LedgerCapacity = other.Monitor.LedgerCapacity
	}
	if len(other.Monitor.Workflows) > 0 {
		c.Monitor.Workflows = other.Monitor.Workflows
	}
	if other.Monitor.Thresholds.Green != 0 {
		c.Monitor.Thresholds.Green = other.Monitor.Thresholds.Green
	}
	if other.Monitor.Thresholds.Amber != 0 {
		c.Monitor.Thresholds.Amber = other.Monitor.Thresholds.Amber
	}
	if other.Monitor.Backoff.Base != 0 {
		c.Monitor.Backoff.Base = other.Monitor.Backoff.Base
	}
	if other.Monitor.Backoff.Multiplier != 0 {
		c.Monitor.Backoff.Multiplier = other.Monitor.Backoff.Multiplier
	}
	if other.Monitor.Backoff.Max != 0 {
		c.Monitor.Backoff.Max = other.Monitor.Backoff.Max
	}
	if other.Monitor.Backoff.MaxAttempts != 0 {
		c.Monitor.Backoff.MaxAttempts = other.Monitor.Backoff.MaxAttempts
	}

	// HTTP
	if other.HTTP.Bind != "" {
		c.HTTP.Bind = other.HTTP.Bind
	}

	// Notify
	if other.Notify.QueueSize != 0 {
		c.Notify.QueueSize = other.Notify.QueueSize
	}
	if other.Notify.DeliveryTimeout != 0 {
		c.Notify.DeliveryTimeout = other.Notify.DeliveryTimeout
	}
	if other.Notify.Webhook.URL != "" {
		c.Notify.Webhook.URL = other.Notify.Webhook.URL
	}
	if other.Notify.NATS.URL != "" {
		c.Notify.NATS.URL = other.Notify.NATS.URL
	}
	if other.Notify.NATS.SubjectPrefix != "" {
		c.Notify.NATS.SubjectPrefix = other.Notify.NATS.SubjectPrefix
	}
	if len(other.Notify.Rules) > 0 {
		c.Notify.Rules = other.Notify.Rules
	}

	// Archive
	if other.Archive.Path != "" {
		c.Archive.Path = other.Archive.Path
	}
	if other.Archive.PruneAfter != 0 {
		c.Archive.PruneAfter = other.Archive.PruneAfter
	}
}
