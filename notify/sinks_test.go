package notify_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/fidelitymon/monitor"
	"github.com/c360studio/fidelitymon/notify"
	"github.com/c360studio/fidelitymon/wire"
)

func TestWebhookSink_PostsAlertEnvelope(t *testing.T) {
	type received struct {
		method      string
		contentType string
		body        []byte
	}
	got := make(chan received, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{method: r.Method, contentType: r.Header.Get("Content-Type"), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	sink, err := notify.NewWebhookSink("hook", server.URL)
	require.NoError(t, err)

	score := 0.42
	err = sink.DeliverAlert(t.Context(), monitor.Alert{
		ID:            "a-1",
		Severity:      wire.SeverityHigh,
		ViolationType: "policy.drift",
		FidelityScore: &score,
	})
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.Equal(t, http.MethodPost, r.method)
		assert.Equal(t, "application/json", r.contentType)

		var env struct {
			Event   string        `json:"event"`
			Payload monitor.Alert `json:"payload"`
			TS      time.Time     `json:"ts"`
		}
		require.NoError(t, json.Unmarshal(r.body, &env))
		assert.Equal(t, "violation_alert", env.Event)
		assert.Equal(t, "a-1", env.Payload.ID)
		assert.Equal(t, wire.SeverityHigh, env.Payload.Severity)
		assert.False(t, env.TS.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the request")
	}
}

func TestWebhookSink_NonSuccessStatusIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	sink, err := notify.NewWebhookSink("hook", server.URL)
	require.NoError(t, err)

	err = sink.DeliverEscalation(t.Context(), monitor.Escalation{
		ID:    "e-1",
		Level: wire.EscalationConstitutionalCouncil,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewWebhookSink_RejectsBadScheme(t *testing.T) {
	_, err := notify.NewWebhookSink("hook", "nats://example.com/hook")
	assert.Error(t, err)
}

// stubPublisher stands in for a NATS connection.
type stubPublisher struct {
	mu        sync.Mutex
	published map[string][]byte
}

func (p *stubPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string][]byte)
	}
	p.published[subject] = data
	return nil
}

func TestNATSSink_SubjectsCarrySeverityAndLevel(t *testing.T) {
	pub := &stubPublisher{}
	sink := notify.NewNATSSink("nats", pub, "")

	require.NoError(t, sink.DeliverAlert(t.Context(), monitor.Alert{
		ID:       "a-1",
		Severity: wire.SeverityCritical,
	}))
	require.NoError(t, sink.DeliverEscalation(t.Context(), monitor.Escalation{
		ID:    "e-1",
		Level: wire.EscalationEmergencyResponse,
	}))

	pub.mu.Lock()
	defer pub.mu.Unlock()

	alertBody, ok := pub.published["governance.fidelity.alert.critical"]
	require.True(t, ok, "alert subject missing; got %v", subjects(pub.published))
	var alertEnv struct {
		Event   string        `json:"event"`
		Payload monitor.Alert `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(alertBody, &alertEnv))
	assert.Equal(t, "violation_alert", alertEnv.Event)
	assert.Equal(t, "a-1", alertEnv.Payload.ID)

	_, ok = pub.published["governance.fidelity.escalation.emergency_response"]
	assert.True(t, ok, "escalation subject missing; got %v", subjects(pub.published))
}

func TestNATSSink_CustomPrefix(t *testing.T) {
	pub := &stubPublisher{}
	sink := notify.NewNATSSink("nats", pub, "gov.test")

	require.NoError(t, sink.DeliverAlert(t.Context(), monitor.Alert{Severity: wire.SeverityLow}))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	_, ok := pub.published["gov.test.alert.low"]
	assert.True(t, ok, "got %v", subjects(pub.published))
}

func TestLogSink_NeverFails(t *testing.T) {
	sink := notify.NewLogSink("", nil)
	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, sink.DeliverAlert(t.Context(), monitor.Alert{Severity: wire.SeverityLow}))
	assert.NoError(t, sink.DeliverEscalation(t.Context(), monitor.Escalation{Level: wire.EscalationPolicyManager}))
}

func subjects(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
