package monitor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/fidelitymon/transport"
	"github.com/c360studio/fidelitymon/wire"
)

// Transport is the duplex channel the monitor drives. *transport.Channel
// satisfies it.
type Transport interface {
	Connect() error
	Send(wire.Command)
	Close()
	Status() transport.Status
}

// Observer receives recorded governance activity after the monitor's state
// has been updated. Observers run on the dispatch goroutine and must not
// call back into the Monitor.
type Observer interface {
	// ObserveEvent fires for every routed inbound event.
	ObserveEvent(t wire.EventType)
	// ObserveFidelity fires after each recorded fidelity sample and after a
	// forced level change.
	ObserveFidelity(s FidelitySnapshot)
	// ObserveAlert fires after an alert lands in the ledger.
	ObserveAlert(a Alert)
	// ObserveEscalation fires after an escalation notice lands in the ledger.
	ObserveEscalation(e Escalation)
	// ObserveConnection fires on every connection state transition.
	ObserveConnection(st transport.Status)
}

// Config configures a Monitor.
type Config struct {
	// Endpoint is the governance backend WebSocket URL.
	Endpoint string

	// Backoff governs transport reconnection. Zero value means defaults.
	Backoff transport.BackoffConfig

	// PingInterval is the transport keepalive cadence; 0 disables keepalive.
	PingInterval time.Duration

	// HistoryCapacity bounds the fidelity ring buffer; 0 means the default.
	HistoryCapacity int

	// LedgerCapacity bounds the alert and escalation ledgers; 0 means the default.
	LedgerCapacity int

	// Thresholds are the green/amber classification boundaries; zero value
	// means defaults.
	Thresholds Thresholds

	// Workflows are auto-subscribed on every connection until confirmed.
	Workflows []string

	// Observers receive recorded activity (notification dispatch, archival,
	// metrics).
	Observers []Observer

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// ConnectionSnapshot combines transport health with the backend session
// identity from the last connection_established event.
type ConnectionSnapshot struct {
	transport.Status

	ConnectionID  string `json:"connection_id,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
}

// Monitor is the facade over the fidelity stream: it owns the transport
// channel, routes every inbound event through one serialized dispatch path
// into the stores, and exposes read-only snapshots to display surfaces.
type Monitor struct {
	logger    *slog.Logger
	channel   Transport
	fidelity  *FidelityStore
	ledger    *Ledger
	subs      *Subscriptions
	scheduler *Scheduler
	observers []Observer

	// dispatchMu serializes all state mutation: event dispatch, connection
	// transitions, and the session identity fields below.
	dispatchMu    sync.Mutex
	connState     transport.State
	connID        string
	serverVersion string
}

// New creates a Monitor and its transport channel. The monitor starts
// disconnected; call Connect to begin.
func New(cfg Config) (*Monitor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		logger:    logger,
		fidelity:  NewFidelityStore(cfg.HistoryCapacity, cfg.Thresholds),
		ledger:    NewLedger(cfg.LedgerCapacity),
		observers: cfg.Observers,
		connState: transport.StateDisconnected,
	}
	m.subs = NewSubscriptions(m.send, cfg.Workflows)
	m.scheduler = NewScheduler(m.refreshTick, logger)

	ch, err := transport.New(transport.Config{
		Endpoint:      cfg.Endpoint,
		Backoff:       cfg.Backoff,
		PingInterval:  cfg.PingInterval,
		OnEvent:       m.handleEvent,
		OnStateChange: m.handleStateChange,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create transport channel: %w", err)
	}
	m.channel = ch
	return m, nil
}

// Connect begins (or, after exhaustion, restarts) the connection cycle.
func (m *Monitor) Connect() error {
	return m.channel.Connect()
}

// Close shuts the monitor down: the channel closes first, which guarantees
// no further event or state callback, then the refresh scheduler stops.
// After Close returns no monitor state changes.
func (m *Monitor) Close() {
	m.channel.Close()
	m.scheduler.Stop()
}

// Subscribe requests fidelity events for a workflow. The confirmed set only
// changes when the backend acknowledges.
func (m *Monitor) Subscribe(workflowID string) {
	m.subs.Subscribe(workflowID)
}

// Unsubscribe requests cancellation for a workflow.
func (m *Monitor) Unsubscribe(workflowID string) {
	m.subs.Unsubscribe(workflowID)
}

// ConfirmedSubscriptions returns the backend-confirmed workflow IDs, sorted.
func (m *Monitor) ConfirmedSubscriptions() []string {
	return m.subs.Confirmed()
}

// StartRefresh begins periodic snapshot requests. Starting while running
// replaces the previous timer. Ticks while disconnected are skipped.
func (m *Monitor) StartRefresh(interval time.Duration) {
	m.scheduler.Start(interval)
}

// StopRefresh halts periodic snapshot requests.
func (m *Monitor) StopRefresh() {
	m.scheduler.Stop()
}

// RefreshRunning reports whether the periodic refresh timer is active.
func (m *Monitor) RefreshRunning() bool {
	return m.scheduler.Running()
}

// RequestFidelityStatus asks the backend for an on-demand fidelity snapshot.
// Dropped silently while disconnected.
func (m *Monitor) RequestFidelityStatus() {
	m.send(wire.GetFidelityStatus())
}

// RequestPerformanceMetrics asks the backend for an on-demand metrics
// snapshot. Dropped silently while disconnected.
func (m *Monitor) RequestPerformanceMetrics() {
	m.send(wire.GetPerformanceMetrics())
}

// Fidelity returns the current score, level, and trend.
func (m *Monitor) Fidelity() FidelitySnapshot {
	return m.fidelity.Current()
}

// History returns the retained fidelity samples, oldest first.
func (m *Monitor) History() []Sample {
	return m.fidelity.History()
}

// AverageSince returns the mean score over samples at or after the cutoff.
func (m *Monitor) AverageSince(cutoff time.Time) (float64, int) {
	return m.fidelity.AverageSince(cutoff)
}

// SetThresholds swaps the alert classification boundaries at runtime.
func (m *Monitor) SetThresholds(t Thresholds) error {
	return m.fidelity.SetThresholds(t)
}

// RecentAlerts returns up to n ledger alerts, newest first.
func (m *Monitor) RecentAlerts(n int) []Alert {
	return m.ledger.RecentAlerts(n)
}

// RecentEscalations returns up to n escalation notices, newest first.
func (m *Monitor) RecentEscalations(n int) []Escalation {
	return m.ledger.RecentEscalations(n)
}

// ViolationCount returns the monitor-derived session violation total.
func (m *Monitor) ViolationCount() uint64 {
	return m.ledger.ViolationCount()
}

// Connection returns transport health plus the backend session identity.
func (m *Monitor) Connection() ConnectionSnapshot {
	m.dispatchMu.Lock()
	id, version := m.connID, m.serverVersion
	m.dispatchMu.Unlock()

	return ConnectionSnapshot{
		Status:        m.channel.Status(),
		ConnectionID:  id,
		ServerVersion: version,
	}
}

func (m *Monitor) send(cmd wire.Command) {
	m.channel.Send(cmd)
}

// refreshTick issues the periodic snapshot request pair. While the channel
// is down the tick is skipped entirely.
func (m *Monitor) refreshTick() {
	if m.channel.Status().State != transport.StateConnected {
		return
	}
	m.send(wire.GetFidelityStatus())
	m.send(wire.GetPerformanceMetrics())
}

// handleEvent is the single dispatch path for inbound events. The transport
// delivers events one at a time in arrival order; dispatchMu additionally
// serializes them against connection transitions.
func (m *Monitor) handleEvent(ev wire.Event) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	for _, o := range m.observers {
		o.ObserveEvent(ev.EventType())
	}

	switch e := ev.(type) {
	case *wire.ConnectionEstablished:
		m.connID = e.ConnectionID
		m.serverVersion = e.ServerVersion
		m.logger.Info("governance session established",
			"connection_id", e.ConnectionID,
			"server_version", e.ServerVersion)
		// Prime the stores with a fresh snapshot pair.
		m.send(wire.GetFidelityStatus())
		m.send(wire.GetPerformanceMetrics())

	case *wire.FidelityUpdate:
		m.recordScore(e.Fidelity.Score, e.Timestamp)

	case *wire.FidelityStatus:
		m.fidelity.SetBackendViolationCount(e.Status.ViolationCount)
		m.recordScore(e.Status.CurrentScore, e.Timestamp)

	case *wire.PerformanceMetrics:
		if e.Metrics.FidelityScore != nil {
			m.recordScore(*e.Metrics.FidelityScore, e.Timestamp)
		}

	case *wire.ViolationAlert:
		m.recordAlert(e)

	case *wire.EscalationNotification:
		m.recordEscalation(e)

	case *wire.SubscriptionConfirmed:
		m.subs.Confirm(e.WorkflowID)
		m.logger.Debug("subscription confirmed", "workflow_id", e.WorkflowID)

	case *wire.UnsubscriptionConfirmed:
		m.subs.Unconfirm(e.WorkflowID)
		m.logger.Debug("unsubscription confirmed", "workflow_id", e.WorkflowID)

	case *wire.ServerError:
		m.logger.Warn("backend reported error",
			"code", e.Error.Code,
			"message", e.Error.Message)

	case *wire.Unknown:
		m.logger.Debug("ignoring unknown event type", "type", e.Type)
	}
}

// handleStateChange reacts to transport transitions: resubscription on every
// entry into the connected state, and loud logging when the reconnect budget
// runs out.
func (m *Monitor) handleStateChange(st transport.Status) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	prev := m.connState
	m.connState = st.State

	for _, o := range m.observers {
		o.ObserveConnection(st)
	}

	if st.State == transport.StateConnected && prev != transport.StateConnected {
		if n := m.subs.Resubscribe(); n > 0 {
			m.logger.Info("requested workflow subscriptions", "count", n)
		}
		return
	}
	if st.Exhausted {
		m.logger.Error("backend unreachable, reconnect budget exhausted",
			"attempts", st.Attempts,
			"last_error", st.LastError)
	}
}

func (m *Monitor) recordScore(score float64, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	m.fidelity.Record(score, ts)

	snap := m.fidelity.Current()
	for _, o := range m.observers {
		o.ObserveFidelity(snap)
	}
}

func (m *Monitor) recordAlert(ev *wire.ViolationAlert) {
	a := Alert{
		ID:                 ev.Alert.ID,
		Severity:           ev.Alert.Severity,
		ViolationType:      ev.Alert.ViolationType,
		Description:        ev.Alert.Description,
		FidelityScore:      ev.Alert.FidelityScore,
		DistanceScore:      ev.Alert.DistanceScore,
		RecommendedActions: ev.Alert.RecommendedActions,
		Escalated:          ev.Alert.Escalated,
		Timestamp:          ev.Alert.Timestamp,
	}
	if a.ID == "" {
		// Keyless alerts still need identity for archives and sinks.
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	m.ledger.RecordAlert(a)
	m.logger.Warn("violation alert recorded",
		"id", a.ID,
		"severity", a.Severity,
		"violation_type", a.ViolationType)

	for _, o := range m.observers {
		o.ObserveAlert(a)
	}
}

func (m *Monitor) recordEscalation(ev *wire.EscalationNotification) {
	e := Escalation{
		ID:                        ev.Escalation.ID,
		Level:                     ev.Escalation.Level,
		ViolationID:               ev.Escalation.ViolationID,
		AssignedTo:                ev.Escalation.AssignedTo,
		ResponseTimeTargetMinutes: ev.Escalation.ResponseTimeTargetMinutes,
		NotificationSent:          ev.Escalation.NotificationSent,
		Timestamp:                 ev.Escalation.Timestamp,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	m.ledger.RecordEscalation(e)
	m.logger.Warn("escalation notice recorded",
		"id", e.ID,
		"level", e.Level,
		"violation_id", e.ViolationID)

	if e.Level == wire.EscalationEmergencyResponse {
		m.fidelity.ForceRed()
		snap := m.fidelity.Current()
		for _, o := range m.observers {
			o.ObserveFidelity(snap)
		}
	}

	for _, o := range m.observers {
		o.ObserveEscalation(e)
	}
}
