package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360studio/fidelitymon/monitor"
)

// Sink delivers matched activity to one destination.
type Sink interface {
	Name() string
	DeliverAlert(ctx context.Context, a monitor.Alert) error
	DeliverEscalation(ctx context.Context, e monitor.Escalation) error
}

// envelope is the JSON body webhook and NATS sinks emit.
type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	TS      string `json:"ts"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	return json.Marshal(envelope{
		Event:   event,
		Payload: payload,
		TS:      time.Now().Format(time.RFC3339),
	})
}

// LogSink writes notifications to the structured log. It never fails, which
// makes it the safe default destination.
type LogSink struct {
	name   string
	logger *slog.Logger
}

// NewLogSink creates a log sink. A nil logger falls back to slog.Default.
func NewLogSink(name string, logger *slog.Logger) *LogSink {
	if name == "" {
		name = "log"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{name: name, logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return s.name }

// DeliverAlert implements Sink.
func (s *LogSink) DeliverAlert(_ context.Context, a monitor.Alert) error {
	s.logger.Warn("violation alert",
		"id", a.ID,
		"severity", a.Severity,
		"violation_type", a.ViolationType,
		"description", a.Description)
	return nil
}

// DeliverEscalation implements Sink.
func (s *LogSink) DeliverEscalation(_ context.Context, e monitor.Escalation) error {
	s.logger.Error("violation escalated",
		"id", e.ID,
		"level", e.Level,
		"violation_id", e.ViolationID,
		"assigned_to", e.AssignedTo)
	return nil
}

// WebhookSink POSTs notification envelopes as JSON to a fixed URL.
type WebhookSink struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink. The URL must be http or https.
func NewWebhookSink(name, rawURL string) (*WebhookSink, error) {
	if name == "" {
		name = "webhook"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("webhook URL must use http or https, got %q", scheme)
	}
	return &WebhookSink{
		name:   name,
		url:    rawURL,
		client: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return s.name }

// DeliverAlert implements Sink.
func (s *WebhookSink) DeliverAlert(ctx context.Context, a monitor.Alert) error {
	return s.post(ctx, "violation_alert", a)
}

// DeliverEscalation implements Sink.
func (s *WebhookSink) DeliverEscalation(ctx context.Context, e monitor.Escalation) error {
	return s.post(ctx, "escalation_notification", e)
}

func (s *WebhookSink) post(ctx context.Context, event string, payload any) error {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Publisher is the slice of the NATS connection the sink needs. *nats.Conn
// satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// DefaultSubjectPrefix roots the NATS subjects notifications publish under.
const DefaultSubjectPrefix = "governance.fidelity"

// NATSSink publishes notification envelopes to severity- and tier-scoped
// subjects: <prefix>.alert.<severity> and <prefix>.escalation.<level>.
type NATSSink struct {
	name   string
	prefix string
	pub    Publisher
}

// NewNATSSink creates a NATS sink on an established connection. An empty
// prefix falls back to DefaultSubjectPrefix.
func NewNATSSink(name string, pub Publisher, prefix string) *NATSSink {
	if name == "" {
		name = "nats"
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{name: name, prefix: prefix, pub: pub}
}

// Name implements Sink.
func (s *NATSSink) Name() string { return s.name }

// DeliverAlert implements Sink.
func (s *NATSSink) DeliverAlert(_ context.Context, a monitor.Alert) error {
	data, err := encodeEnvelope("violation_alert", a)
	if err != nil {
		return fmt.Errorf("marshal alert envelope: %w", err)
	}
	subject := fmt.Sprintf("%s.alert.%s", s.prefix, a.Severity)
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// DeliverEscalation implements Sink.
func (s *NATSSink) DeliverEscalation(_ context.Context, e monitor.Escalation) error {
	data, err := encodeEnvelope("escalation_notification", e)
	if err != nil {
		return fmt.Errorf("marshal escalation envelope: %w", err)
	}
	subject := fmt.Sprintf("%s.escalation.%s", s.prefix, e.Level)
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
