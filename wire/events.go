// Package wire defines the JSON message vocabulary spoken between the
// governance backend and the monitor: inbound events carried as one JSON
// object per WebSocket text frame with a "type" discriminator, and the
// small set of outbound commands.
//
// Decode unwraps a raw frame into a typed event. Payload shapes mirror the
// backend exactly; client-side derivations (alert levels, trends, counters)
// live in the monitor package, not here.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates inbound frames.
type EventType string

const (
	// EventConnectionEstablished is the backend's greeting after a successful dial.
	EventConnectionEstablished EventType = "connection_established"
	// EventFidelityUpdate carries a periodic constitutional-fidelity sample.
	EventFidelityUpdate EventType = "fidelity_update"
	// EventFidelityStatus is the reply to a get_fidelity_status command.
	EventFidelityStatus EventType = "fidelity_status"
	// EventPerformanceMetrics is the reply to a get_performance_metrics command.
	EventPerformanceMetrics EventType = "performance_metrics"
	// EventAlert announces a constitutional violation.
	EventAlert EventType = "alert"
	// EventViolationAlert is the detailed form of an alert; handled identically.
	EventViolationAlert EventType = "violation_alert"
	// EventEscalationNotification announces that a violation was escalated
	// to a governance tier.
	EventEscalationNotification EventType = "escalation_notification"
	// EventSubscriptionConfirmed acknowledges a subscribe_workflow command.
	EventSubscriptionConfirmed EventType = "subscription_confirmed"
	// EventUnsubscriptionConfirmed acknowledges an unsubscribe_workflow command.
	EventUnsubscriptionConfirmed EventType = "unsubscription_confirmed"
	// EventError reports a backend-side fault. Informational only.
	EventError EventType = "error"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// IsValid returns true if the event type is one the monitor understands.
func (t EventType) IsValid() bool {
	switch t {
	case EventConnectionEstablished, EventFidelityUpdate, EventFidelityStatus,
		EventPerformanceMetrics, EventAlert, EventViolationAlert,
		EventEscalationNotification, EventSubscriptionConfirmed,
		EventUnsubscriptionConfirmed, EventError:
		return true
	default:
		return false
	}
}

// Severity classifies a violation alert. Values arrive from the backend verbatim.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// IsValid returns true if the severity is one of the four known grades.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// rank orders severities for comparison. Unknown severities rank below low
// so that forward-compatible values never satisfy a minimum-severity filter.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast returns true if s is min or graver.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// EscalationLevel identifies the governance tier a violation was escalated to.
type EscalationLevel string

const (
	// EscalationPolicyManager routes to the on-duty policy manager.
	EscalationPolicyManager EscalationLevel = "policy_manager"
	// EscalationConstitutionalCouncil routes to council review.
	EscalationConstitutionalCouncil EscalationLevel = "constitutional_council"
	// EscalationEmergencyResponse is the highest tier; receipt forces the
	// monitor's alert level to red regardless of the current score.
	EscalationEmergencyResponse EscalationLevel = "emergency_response"
)

// String returns the string representation of the escalation level.
func (l EscalationLevel) String() string {
	return string(l)
}

// IsValid returns true if the level is a known governance tier.
func (l EscalationLevel) IsValid() bool {
	switch l {
	case EscalationPolicyManager, EscalationConstitutionalCouncil, EscalationEmergencyResponse:
		return true
	default:
		return false
	}
}

// Event is a decoded inbound frame. Concrete types are the *Event structs
// below plus Unknown for forward compatibility.
type Event interface {
	EventType() EventType
}

// ConnectionEstablished is sent by the backend once per successful dial,
// before any other event.
type ConnectionEstablished struct {
	ConnectionID  string    `json:"connection_id"`
	ServerVersion string    `json:"server_version,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// EventType implements Event.
func (*ConnectionEstablished) EventType() EventType { return EventConnectionEstablished }

// FidelityScore is the nested score object in fidelity_update frames.
type FidelityScore struct {
	Score float64 `json:"score"`
}

// FidelityUpdate carries one constitutional-fidelity sample in [0, 1].
type FidelityUpdate struct {
	// WorkflowID scopes the sample to a governance workflow when present.
	WorkflowID string        `json:"workflow_id,omitempty"`
	Fidelity   FidelityScore `json:"fidelity"`
	Timestamp  time.Time     `json:"timestamp"`
}

// EventType implements Event.
func (*FidelityUpdate) EventType() EventType { return EventFidelityUpdate }

// FidelityStatusBody is the nested status object in fidelity_status frames.
type FidelityStatusBody struct {
	CurrentScore float64 `json:"current_score"`

	// ViolationCount is the backend's own cumulative counter. It is tracked
	// separately from the count the monitor derives from alert traffic; the
	// two are never reconciled.
	ViolationCount int `json:"violation_count"`
}

// FidelityStatus is the on-demand fidelity snapshot returned for a
// get_fidelity_status command.
type FidelityStatus struct {
	Status    FidelityStatusBody `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
}

// EventType implements Event.
func (*FidelityStatus) EventType() EventType { return EventFidelityStatus }

// MetricsBody is the metrics object in performance_metrics frames. Only
// fidelity_score is interpreted client-side; the full object is retained
// raw for display surfaces.
type MetricsBody struct {
	FidelityScore *float64 `json:"fidelity_score,omitempty"`

	// Raw is the complete metrics object as received.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler, capturing the raw object
// alongside the interpreted fields.
func (m *MetricsBody) UnmarshalJSON(data []byte) error {
	type alias MetricsBody
	if err := json.Unmarshal(data, (*alias)(m)); err != nil {
		return err
	}
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// PerformanceMetrics is the reply to a get_performance_metrics command.
// When the metrics object carries a fidelity_score it folds into fidelity
// history like any other sample.
type PerformanceMetrics struct {
	Metrics   MetricsBody `json:"metrics"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventType implements Event.
func (*PerformanceMetrics) EventType() EventType { return EventPerformanceMetrics }

// AlertBody is the nested alert object in alert and violation_alert frames.
type AlertBody struct {
	ID            string   `json:"id"`
	Severity      Severity `json:"severity"`
	ViolationType string   `json:"violation_type,omitempty"`
	Description   string   `json:"description,omitempty"`

	// FidelityScore and DistanceScore are diagnostic readings attached by
	// the backend; absent when not measured.
	FidelityScore *float64 `json:"fidelity_score,omitempty"`
	DistanceScore *float64 `json:"distance_score,omitempty"`

	RecommendedActions []string  `json:"recommended_actions,omitempty"`
	Escalated          bool      `json:"escalated,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// ViolationAlert announces a constitutional violation. Both the "alert" and
// "violation_alert" frame types decode into this struct; Detailed records
// which one arrived.
type ViolationAlert struct {
	Alert AlertBody `json:"alert"`

	// Detailed is true for violation_alert frames.
	Detailed bool `json:"-"`
}

// EventType implements Event.
func (a *ViolationAlert) EventType() EventType {
	if a.Detailed {
		return EventViolationAlert
	}
	return EventAlert
}

// EscalationBody is the nested escalation object in escalation_notification frames.
type EscalationBody struct {
	ID          string          `json:"id"`
	Level       EscalationLevel `json:"escalation_level"`
	ViolationID string          `json:"violation_id,omitempty"`
	AssignedTo  string          `json:"assigned_to,omitempty"`

	// ResponseTimeTargetMinutes is the tier's response-time SLA.
	ResponseTimeTargetMinutes int `json:"response_time_target_minutes,omitempty"`

	NotificationSent bool      `json:"notification_sent,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// EscalationNotification announces that a violation was escalated to a
// governance tier.
type EscalationNotification struct {
	Escalation EscalationBody `json:"escalation"`
}

// EventType implements Event.
func (*EscalationNotification) EventType() EventType { return EventEscalationNotification }

// SubscriptionConfirmed acknowledges a subscribe_workflow command. Only this
// acknowledgement, never the outbound command, mutates the confirmed set.
type SubscriptionConfirmed struct {
	WorkflowID string `json:"workflow_id"`
}

// EventType implements Event.
func (*SubscriptionConfirmed) EventType() EventType { return EventSubscriptionConfirmed }

// UnsubscriptionConfirmed acknowledges an unsubscribe_workflow command.
type UnsubscriptionConfirmed struct {
	WorkflowID string `json:"workflow_id"`
}

// EventType implements Event.
func (*UnsubscriptionConfirmed) EventType() EventType { return EventUnsubscriptionConfirmed }

// ErrorBody is the nested error object in error frames.
type ErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ServerError reports a backend-side fault. It is logged and otherwise
// ignored; no monitor state changes.
type ServerError struct {
	Error ErrorBody `json:"error"`
}

// EventType implements Event.
func (*ServerError) EventType() EventType { return EventError }

// Unknown preserves frames whose type the monitor does not understand, so
// newer backends never break older monitors.
type Unknown struct {
	Type EventType
	Raw  json.RawMessage
}

// EventType implements Event.
func (u *Unknown) EventType() EventType { return u.Type }

// envelope is the first-pass decode target; only the discriminator matters.
type envelope struct {
	Type EventType `json:"type"`
}

// Decode unwraps a raw frame into its typed event. Frames with an
// unrecognized type decode into *Unknown rather than failing, keeping the
// protocol forward compatible. Malformed JSON and frames missing the type
// discriminator are errors.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("event frame missing type discriminator")
	}

	var ev Event
	switch env.Type {
	case EventConnectionEstablished:
		ev = &ConnectionEstablished{}
	case EventFidelityUpdate:
		ev = &FidelityUpdate{}
	case EventFidelityStatus:
		ev = &FidelityStatus{}
	case EventPerformanceMetrics:
		ev = &PerformanceMetrics{}
	case EventAlert:
		ev = &ViolationAlert{}
	case EventViolationAlert:
		ev = &ViolationAlert{Detailed: true}
	case EventEscalationNotification:
		ev = &EscalationNotification{}
	case EventSubscriptionConfirmed:
		ev = &SubscriptionConfirmed{}
	case EventUnsubscriptionConfirmed:
		ev = &UnsubscriptionConfirmed{}
	case EventError:
		ev = &ServerError{}
	default:
		return &Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", env.Type, err)
	}
	return ev, nil
}
