package monitor

import (
	"sync"
	"time"

	"github.com/c360studio/fidelitymon/wire"
)

// DefaultLedgerCapacity bounds each of the alert and escalation ledgers.
const DefaultLedgerCapacity = 20

// Alert is a recorded violation alert. It mirrors the backend payload plus
// the receive-side bookkeeping the monitor adds.
type Alert struct {
	ID            string        `json:"id"`
	Severity      wire.Severity `json:"severity"`
	ViolationType string        `json:"violation_type,omitempty"`
	Description   string        `json:"description,omitempty"`

	FidelityScore *float64 `json:"fidelity_score,omitempty"`
	DistanceScore *float64 `json:"distance_score,omitempty"`

	RecommendedActions []string `json:"recommended_actions,omitempty"`
	Escalated          bool     `json:"escalated,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Escalation is a recorded escalation notice.
type Escalation struct {
	ID          string               `json:"id"`
	Level       wire.EscalationLevel `json:"escalation_level"`
	ViolationID string               `json:"violation_id,omitempty"`
	AssignedTo  string               `json:"assigned_to,omitempty"`

	ResponseTimeTargetMinutes int  `json:"response_time_target_minutes,omitempty"`
	NotificationSent          bool `json:"notification_sent,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Ledger keeps the bounded, newest-first records of alerts and escalation
// notices, plus the session violation counter. The counter only ever grows;
// eviction from the bounded lists never decrements it. Safe for concurrent use.
type Ledger struct {
	mu          sync.RWMutex
	alerts      []Alert
	escalations []Escalation
	cap         int
	violations  uint64
}

// NewLedger creates a ledger bounding each list at the given capacity.
// Non-positive capacity falls back to DefaultLedgerCapacity.
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &Ledger{
		alerts:      make([]Alert, 0, capacity),
		escalations: make([]Escalation, 0, capacity),
		cap:         capacity,
	}
}

// RecordAlert inserts an alert at the front and increments the violation
// counter. The oldest alert falls off once the ledger is full.
func (l *Ledger) RecordAlert(a Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.alerts) < l.cap {
		l.alerts = append(l.alerts, Alert{})
	}
	copy(l.alerts[1:], l.alerts)
	l.alerts[0] = a
	l.violations++
}

// RecordEscalation inserts an escalation notice at the front. The oldest
// notice falls off once the ledger is full.
func (l *Ledger) RecordEscalation(e Escalation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.escalations) < l.cap {
		l.escalations = append(l.escalations, Escalation{})
	}
	copy(l.escalations[1:], l.escalations)
	l.escalations[0] = e
}

// RecentAlerts returns up to n alerts, newest first. n <= 0 or n beyond the
// retained count returns everything retained.
func (l *Ledger) RecentAlerts(n int) []Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.alerts) {
		n = len(l.alerts)
	}
	out := make([]Alert, n)
	copy(out, l.alerts[:n])
	return out
}

// RecentEscalations returns up to n escalation notices, newest first. n <= 0
// or n beyond the retained count returns everything retained.
func (l *Ledger) RecentEscalations(n int) []Escalation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.escalations) {
		n = len(l.escalations)
	}
	out := make([]Escalation, n)
	copy(out, l.escalations[:n])
	return out
}

// ViolationCount returns the session total of alerts recorded, regardless of
// how many remain retained.
func (l *Ledger) ViolationCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.violations
}
