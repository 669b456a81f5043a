package monitor_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/fidelitymon/monitor"
	"github.com/c360studio/fidelitymon/transport"
	"github.com/c360studio/fidelitymon/wire"
)

// fakeBackend is an in-process governance backend for driving a Monitor end
// to end: it records command frames and pushes event frames downstream.
type fakeBackend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []wire.Command

	connCh chan *websocket.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{connCh: make(chan *websocket.Conn, 8)}
	fb.server = httptest.NewServer(http.HandlerFunc(fb.handle))
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fb.mu.Lock()
	fb.conns = append(fb.conns, conn)
	fb.mu.Unlock()
	select {
	case fb.connCh <- conn:
	default:
	}
	go fb.readCommands(conn)
}

func (fb *fakeBackend) readCommands(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wire.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		fb.mu.Lock()
		fb.received = append(fb.received, cmd)
		fb.mu.Unlock()
	}
}

func (fb *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(fb.server.URL, "http")
}

func (fb *fakeBackend) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fb.connCh:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func (fb *fakeBackend) push(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (fb *fakeBackend) commands() []wire.Command {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]wire.Command, len(fb.received))
	copy(out, fb.received)
	return out
}

func (fb *fakeBackend) resetCommands() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.received = nil
}

func (fb *fakeBackend) closeAll() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, conn := range fb.conns {
		_ = conn.Close()
	}
	fb.conns = nil
}

func countCommands(cmds []wire.Command, typ wire.CommandType) int {
	n := 0
	for _, cmd := range cmds {
		if cmd.Type == typ {
			n++
		}
	}
	return n
}

// countingObserver tallies fan-out calls from the dispatch goroutine.
type countingObserver struct {
	events      atomic.Int32
	fidelity    atomic.Int32
	alerts      atomic.Int32
	escalations atomic.Int32
	connections atomic.Int32

	mu        sync.Mutex
	lastAlert monitor.Alert
}

func (o *countingObserver) ObserveEvent(wire.EventType) { o.events.Add(1) }

func (o *countingObserver) ObserveFidelity(monitor.FidelitySnapshot) { o.fidelity.Add(1) }

func (o *countingObserver) ObserveAlert(a monitor.Alert) {
	o.mu.Lock()
	o.lastAlert = a
	o.mu.Unlock()
	o.alerts.Add(1)
}

func (o *countingObserver) ObserveEscalation(monitor.Escalation) { o.escalations.Add(1) }

func (o *countingObserver) ObserveConnection(transport.Status) { o.connections.Add(1) }

func fastBackoff() transport.BackoffConfig {
	return transport.BackoffConfig{
		Base:        5 * time.Millisecond,
		Multiplier:  2.0,
		Max:         20 * time.Millisecond,
		MaxAttempts: 5,
	}
}

func newTestMonitor(t *testing.T, fb *fakeBackend, mutate func(*monitor.Config)) *monitor.Monitor {
	t.Helper()
	cfg := monitor.Config{
		Endpoint: fb.url(),
		Backoff:  fastBackoff(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := monitor.New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// connect dials and returns the backend-side connection once established.
func connect(t *testing.T, m *monitor.Monitor, fb *fakeBackend) *websocket.Conn {
	t.Helper()
	require.NoError(t, m.Connect())
	conn := fb.waitConn(t)
	require.Eventually(t, func() bool {
		return m.Connection().State == transport.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func TestNew_RejectsBadEndpoint(t *testing.T) {
	_, err := monitor.New(monitor.Config{Endpoint: "http://governance.example.com/ws"})
	assert.Error(t, err)
}

func TestMonitor_ScoresFoldInFromAllFidelityEvents(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, nil)
	conn := connect(t, m, fb)

	fb.push(t, conn, `{"type":"fidelity_update","fidelity":{"score":0.91}}`)
	fb.push(t, conn, `{"type":"fidelity_status","status":{"current_score":0.82,"violation_count":3}}`)
	fb.push(t, conn, `{"type":"performance_metrics","metrics":{"fidelity_score":0.73,"avg_latency_ms":118}}`)

	require.Eventually(t, func() bool { return len(m.History()) == 3 },
		2*time.Second, 5*time.Millisecond)

	hist := m.History()
	assert.Equal(t, 0.91, hist[0].Score)
	assert.Equal(t, 0.82, hist[1].Score)
	assert.Equal(t, 0.73, hist[2].Score)

	snap := m.Fidelity()
	assert.Equal(t, 0.73, snap.Score)
	assert.Equal(t, monitor.AlertAmber, snap.Level)
	assert.Equal(t, 3, snap.BackendViolationCount)
}

func TestMonitor_MetricsWithoutScoreLeaveHistoryAlone(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, nil)
	conn := connect(t, m, fb)

	fb.push(t, conn, `{"type":"performance_metrics","metrics":{"avg_latency_ms":118}}`)
	fb.push(t, conn, `{"type":"fidelity_update","fidelity":{"score":0.9}}`)

	require.Eventually(t, func() bool { return len(m.History()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.9, m.History()[0].Score)
}

func TestMonitor_SessionEstablishedPrimesSnapshots(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, nil)
	conn := connect(t, m, fb)

	fb.push(t, conn, `{"type":"connection_established","connection_id":"conn-9","server_version":"2.4.1"}`)

	require.Eventually(t, func() bool {
		return m.Connection().ConnectionID == "conn-9"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "2.4.1", m.Connection().ServerVersion)

	// The greeting triggers an immediate snapshot request pair.
	require.Eventually(t, func() bool {
		cmds := fb.commands()
		return countCommands(cmds, wire.CommandGetFidelityStatus) == 1 &&
			countCommands(cmds, wire.CommandGetPerformanceMetrics) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitor_AlertsLandInLedgerNewestFirst(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, nil)
	conn := connect(t, m, fb)

	fb.push(t, conn, `{"type":"alert","alert":{"severity":"critical","violation_type":"constitutional.breach","description":"tool use outside charter"}}`)
	fb.push(t, conn, `{"type":"violation_alert","alert":{"id":"v-2","severity":"high","violation_type":"policy.drift","fidelity_score":0.61}}`)

	require.Eventually(t, func() bool { return m.ViolationCount() == 2 },
		2*time.Second, 5*time.Millisecond)

	alerts := m.RecentAlerts(0)
	require.Len(t, alerts, 2)
	assert.Equal(t, "v-2", alerts[0].ID)
	assert.Equal(t, wire.SeverityHigh, alerts[0].Severity)
	require.NotNil(t, alerts[0].FidelityScore)
	assert.Equal(t, 0.61, *alerts[0].FidelityScore)

	// The keyless alert received a generated identity and a timestamp.
	assert.NotEmpty(t, alerts[1].ID)
	assert.False(t, alerts[1].Timestamp.IsZero())
	assert.Equal(t, wire.SeverityCritical, alerts[1].Severity)
}

func TestMonitor_EscalationsDoNotCountAsViolations(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, nil)
	conn := connect(t, m, fb)

	fb.push(t, conn, `{"type":"escalation_notification","escalation":{"id":"esc-1","escalation_level":"policy_manager","violation_id":"v-1"}}`)

	require.Eventually(t, func() bool { return len(m.RecentEscalations(0)) == 1 },
		2*time.Second, 5*time.Millisecond)

	esc := m.RecentEscalations(0)[0]
	assert.Equal(t, wire.EscalationPolicyManager, esc.Level)
	assert.Equal(t, "v-1", esc.ViolationID)
	assert.EqualValues(t, 0, m.ViolationCount())
	assert.Equal(t, monitor.AlertGreen, m.Fidelity().Level,
		"lower escalation tiers must not touch the alert level")
}

func TestMonitor_EmergencyEscalationForcesRed(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, nil)
	conn := connect(t, m, fb)

	fb.push(t, conn, `{"type":"fidelity_update","fidelity":{"score":0.95}}`)
	require.Eventually(t, func() bool { return m.Fidelity().Level == monitor.AlertGreen },
		2*time.Second, 5*time.Millisecond)

	fb.push(t, conn, `{"type":"escalation_notification","escalation":{"id":"esc-9","escalation_level":"emergency_response"}}`)
	require.Eventually(t, func() bool { return m.Fidelity().Level == monitor.AlertRed },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.95, m.Fidelity().Score, "the override must not rewrite the score")

	// The next sample clears the override.
	fb.push(t, conn, `{"type":"fidelity_update","fidelity":{"score":0.95}}`)
	require.Eventually(t, func() bool { return m.Fidelity().Level == monitor.AlertGreen },
		2*time.Second, 5*time.Millisecond)
}

func TestMonitor_SubscriptionConfirmedOnlyByBackend(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, nil)
	conn := connect(t, m, fb)

	m.Subscribe("wf-1")
	require.Eventually(t, func() bool {
		return countCommands(fb.commands(), wire.CommandSubscribeWorkflow) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, m.ConfirmedSubscriptions(), "no membership before the ack")

	fb.push(t, conn, `{"type":"subscription_confirmed","workflow_id":"wf-1"}`)
	require.Eventually(t, func() bool {
		return len(m.ConfirmedSubscriptions()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"wf-1"}, m.ConfirmedSubscriptions())

	m.Unsubscribe("wf-1")
	require.Eventually(t, func() bool {
		return countCommands(fb.commands(), wire.CommandUnsubscribeWorkflow) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"wf-1"}, m.ConfirmedSubscriptions(),
		"membership holds until the backend acknowledges")

	fb.push(t, conn, `{"type":"unsubscription_confirmed","workflow_id":"wf-1"}`)
	require.Eventually(t, func() bool {
		return len(m.ConfirmedSubscriptions()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitor_ResubscribesConfirmedSetAfterReconnect(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, nil)
	conn := connect(t, m, fb)

	fb.push(t, conn, `{"type":"subscription_confirmed","workflow_id":"wf-2"}`)
	fb.push(t, conn, `{"type":"subscription_confirmed","workflow_id":"wf-1"}`)
	require.Eventually(t, func() bool {
		return len(m.ConfirmedSubscriptions()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	fb.resetCommands()
	fb.closeAll()

	// The channel reconnects on its own and replays exactly the confirmed set.
	fb.waitConn(t)
	require.Eventually(t, func() bool {
		return countCommands(fb.commands(), wire.CommandSubscribeWorkflow) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cmds := fb.commands()
	require.Len(t, cmds, 2, "nothing but the two resubscriptions may be sent")
	assert.Equal(t, "wf-1", cmds[0].WorkflowID)
	assert.Equal(t, "wf-2", cmds[1].WorkflowID)
}

func TestMonitor_ConfiguredWorkflowsRequestedOnFirstConnect(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, func(cfg *monitor.Config) {
		cfg.Workflows = []string{"wf-auto"}
	})
	connect(t, m, fb)

	require.Eventually(t, func() bool {
		for _, cmd := range fb.commands() {
			if cmd.Type == wire.CommandSubscribeWorkflow && cmd.WorkflowID == "wf-auto" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, m.ConfirmedSubscriptions(), "auto-subscription still needs the ack")
}

func TestMonitor_RefreshRequestsSnapshotPairs(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, nil)
	connect(t, m, fb)

	m.StartRefresh(15 * time.Millisecond)
	assert.True(t, m.RefreshRunning())

	require.Eventually(t, func() bool {
		cmds := fb.commands()
		return countCommands(cmds, wire.CommandGetFidelityStatus) >= 2 &&
			countCommands(cmds, wire.CommandGetPerformanceMetrics) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	m.StopRefresh()
	assert.False(t, m.RefreshRunning())

	sent := len(fb.commands())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, sent, len(fb.commands()), "no requests may fire after StopRefresh")
}

func TestMonitor_RefreshTicksSkippedWhileDisconnected(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, nil)

	// Never connected. Ticks are skipped outright rather than turning into
	// dropped sends.
	m.StartRefresh(10 * time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	assert.True(t, m.RefreshRunning())
	assert.Empty(t, fb.commands())
	assert.EqualValues(t, 0, m.Connection().DroppedCommands)
}

func TestMonitor_OnDemandRequests(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, nil)
	connect(t, m, fb)

	m.RequestFidelityStatus()
	m.RequestPerformanceMetrics()

	require.Eventually(t, func() bool {
		cmds := fb.commands()
		return countCommands(cmds, wire.CommandGetFidelityStatus) == 1 &&
			countCommands(cmds, wire.CommandGetPerformanceMetrics) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitor_ObserversSeeRecordedActivity(t *testing.T) {
	fb := newFakeBackend(t)
	obs := &countingObserver{}
	m := newTestMonitor(t, fb, func(cfg *monitor.Config) {
		cfg.Observers = []monitor.Observer{obs}
	})
	conn := connect(t, m, fb)

	fb.push(t, conn, `{"type":"fidelity_update","fidelity":{"score":0.88}}`)
	fb.push(t, conn, `{"type":"alert","alert":{"id":"v-7","severity":"medium"}}`)
	fb.push(t, conn, `{"type":"escalation_notification","escalation":{"id":"esc-2","escalation_level":"constitutional_council"}}`)

	require.Eventually(t, func() bool {
		return obs.alerts.Load() == 1 && obs.escalations.Load() == 1 && obs.fidelity.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, obs.events.Load(), int32(3))
	assert.GreaterOrEqual(t, obs.connections.Load(), int32(1))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, "v-7", obs.lastAlert.ID)
	assert.Equal(t, wire.SeverityMedium, obs.lastAlert.Severity)
}

func TestMonitor_CloseIsFinal(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestMonitor(t, fb, nil)
	conn := connect(t, m, fb)

	fb.push(t, conn, `{"type":"fidelity_update","fidelity":{"score":0.9}}`)
	require.Eventually(t, func() bool { return len(m.History()) == 1 },
		2*time.Second, 5*time.Millisecond)

	m.StartRefresh(10 * time.Millisecond)
	m.Close()

	assert.False(t, m.RefreshRunning(), "close must stop the refresh scheduler")

	// The backend keeps its side open; nothing may land after Close returns.
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"fidelity_update","fidelity":{"score":0.1}}`))
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, m.History(), 1)
	assert.Equal(t, 0.9, m.Fidelity().Score)
	assert.Error(t, m.Connect(), "connect after close must fail")

	// Post-close requests drop harmlessly.
	m.Subscribe("wf-1")
	m.RequestFidelityStatus()
	m.Close()
}
