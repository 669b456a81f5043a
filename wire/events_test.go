package wire

import (
	"testing"
	"time"
)

func TestDecodeFidelityUpdate(t *testing.T) {
	data := []byte(`{
		"type": "fidelity_update",
		"workflow_id": "wf-governance-1",
		"fidelity": {"score": 0.91},
		"timestamp": "2026-03-01T10:00:00Z"
	}`)

	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	upd, ok := ev.(*FidelityUpdate)
	if !ok {
		t.Fatalf("Decode() returned %T, want *FidelityUpdate", ev)
	}
	if upd.Fidelity.Score != 0.91 {
		t.Errorf("score = %v, want 0.91", upd.Fidelity.Score)
	}
	if upd.WorkflowID != "wf-governance-1" {
		t.Errorf("workflow_id = %q, want wf-governance-1", upd.WorkflowID)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !upd.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", upd.Timestamp, want)
	}
}

func TestDecodeFidelityStatus(t *testing.T) {
	data := []byte(`{
		"type": "fidelity_status",
		"status": {"current_score": 0.72, "violation_count": 14}
	}`)

	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	st, ok := ev.(*FidelityStatus)
	if !ok {
		t.Fatalf("Decode() returned %T, want *FidelityStatus", ev)
	}
	if st.Status.CurrentScore != 0.72 {
		t.Errorf("current_score = %v, want 0.72", st.Status.CurrentScore)
	}
	if st.Status.ViolationCount != 14 {
		t.Errorf("violation_count = %d, want 14", st.Status.ViolationCount)
	}
	if !st.Timestamp.IsZero() {
		t.Errorf("absent timestamp should decode to zero time, got %v", st.Timestamp)
	}
}

func TestDecodePerformanceMetrics(t *testing.T) {
	t.Run("with fidelity score", func(t *testing.T) {
		data := []byte(`{
			"type": "performance_metrics",
			"metrics": {"fidelity_score": 0.88, "latency_ms": 12, "active_workflows": 3}
		}`)

		ev, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		pm := ev.(*PerformanceMetrics)
		if pm.Metrics.FidelityScore == nil || *pm.Metrics.FidelityScore != 0.88 {
			t.Errorf("fidelity_score = %v, want 0.88", pm.Metrics.FidelityScore)
		}
		if len(pm.Metrics.Raw) == 0 {
			t.Error("raw metrics object not retained")
		}
	})

	t.Run("without fidelity score", func(t *testing.T) {
		data := []byte(`{"type": "performance_metrics", "metrics": {"latency_ms": 12}}`)

		ev, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		pm := ev.(*PerformanceMetrics)
		if pm.Metrics.FidelityScore != nil {
			t.Errorf("fidelity_score = %v, want nil", *pm.Metrics.FidelityScore)
		}
	})
}

func TestDecodeAlertVariants(t *testing.T) {
	tests := []struct {
		name         string
		frameType    string
		wantDetailed bool
		wantType     EventType
	}{
		{"basic alert", "alert", false, EventAlert},
		{"violation alert", "violation_alert", true, EventViolationAlert},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := []byte(`{
				"type": "` + tt.frameType + `",
				"alert": {
					"id": "viol-001",
					"severity": "critical",
					"violation_type": "constitutional_drift",
					"description": "principle 3 fidelity below tolerance",
					"fidelity_score": 0.61,
					"recommended_actions": ["halt workflow", "notify council"],
					"escalated": true
				}
			}`)

			ev, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			alert, ok := ev.(*ViolationAlert)
			if !ok {
				t.Fatalf("Decode() returned %T, want *ViolationAlert", ev)
			}
			if alert.Detailed != tt.wantDetailed {
				t.Errorf("Detailed = %v, want %v", alert.Detailed, tt.wantDetailed)
			}
			if got := alert.EventType(); got != tt.wantType {
				t.Errorf("EventType() = %v, want %v", got, tt.wantType)
			}
			if alert.Alert.Severity != SeverityCritical {
				t.Errorf("severity = %v, want critical", alert.Alert.Severity)
			}
			if alert.Alert.FidelityScore == nil || *alert.Alert.FidelityScore != 0.61 {
				t.Errorf("fidelity_score = %v, want 0.61", alert.Alert.FidelityScore)
			}
			if alert.Alert.DistanceScore != nil {
				t.Error("absent distance_score should stay nil")
			}
			if len(alert.Alert.RecommendedActions) != 2 {
				t.Errorf("recommended_actions = %v, want 2 entries", alert.Alert.RecommendedActions)
			}
		})
	}
}

func TestDecodeEscalationNotification(t *testing.T) {
	data := []byte(`{
		"type": "escalation_notification",
		"escalation": {
			"id": "esc-7",
			"escalation_level": "emergency_response",
			"violation_id": "viol-001",
			"assigned_to": "council-duty-officer",
			"response_time_target_minutes": 15,
			"notification_sent": true
		}
	}`)

	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	esc := ev.(*EscalationNotification)
	if esc.Escalation.Level != EscalationEmergencyResponse {
		t.Errorf("level = %v, want emergency_response", esc.Escalation.Level)
	}
	if esc.Escalation.ResponseTimeTargetMinutes != 15 {
		t.Errorf("response target = %d, want 15", esc.Escalation.ResponseTimeTargetMinutes)
	}
}

func TestDecodeSubscriptionAcks(t *testing.T) {
	ev, err := Decode([]byte(`{"type": "subscription_confirmed", "workflow_id": "wf-1"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if sub, ok := ev.(*SubscriptionConfirmed); !ok || sub.WorkflowID != "wf-1" {
		t.Errorf("got %#v, want SubscriptionConfirmed{wf-1}", ev)
	}

	ev, err = Decode([]byte(`{"type": "unsubscription_confirmed", "workflow_id": "wf-1"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if unsub, ok := ev.(*UnsubscriptionConfirmed); !ok || unsub.WorkflowID != "wf-1" {
		t.Errorf("got %#v, want UnsubscriptionConfirmed{wf-1}", ev)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	data := []byte(`{"type": "quorum_changed", "quorum": {"size": 5}}`)

	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("unknown types must not fail decode, got error = %v", err)
	}
	unk, ok := ev.(*Unknown)
	if !ok {
		t.Fatalf("Decode() returned %T, want *Unknown", ev)
	}
	if unk.Type != "quorum_changed" {
		t.Errorf("type = %v, want quorum_changed", unk.Type)
	}
	if string(unk.Raw) != string(data) {
		t.Error("raw frame not preserved on unknown event")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed json", `{"type": "fidelity_update", "fidelity":`},
		{"missing type", `{"fidelity": {"score": 0.9}}`},
		{"payload type mismatch", `{"type": "fidelity_update", "fidelity": {"score": "high"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Error("Decode() expected error, got nil")
			}
		})
	}
}

func TestSeverityAtLeast(t *testing.T) {
	tests := []struct {
		severity Severity
		min      Severity
		want     bool
	}{
		{SeverityCritical, SeverityLow, true},
		{SeverityHigh, SeverityHigh, true},
		{SeverityMedium, SeverityHigh, false},
		{SeverityLow, SeverityCritical, false},
		{Severity("unheard_of"), SeverityLow, false},
	}

	for _, tt := range tests {
		if got := tt.severity.AtLeast(tt.min); got != tt.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", tt.severity, tt.min, got, tt.want)
		}
	}
}

func TestEnumValidity(t *testing.T) {
	if !EventFidelityUpdate.IsValid() || EventType("bogus").IsValid() {
		t.Error("EventType.IsValid misclassifies")
	}
	if !SeverityCritical.IsValid() || Severity("fatal").IsValid() {
		t.Error("Severity.IsValid misclassifies")
	}
	if !EscalationConstitutionalCouncil.IsValid() || EscalationLevel("ceo").IsValid() {
		t.Error("EscalationLevel.IsValid misclassifies")
	}
}

func TestDisplayOrdering(t *testing.T) {
	// Graver grades sort ahead of milder ones; unknowns sort last.
	sevOrder := []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, Severity("unheard_of")}
	for i := 1; i < len(sevOrder); i++ {
		if sevOrder[i-1].Display().Priority >= sevOrder[i].Display().Priority {
			t.Errorf("%s should sort ahead of %s", sevOrder[i-1], sevOrder[i])
		}
	}

	levelOrder := []EscalationLevel{EscalationEmergencyResponse, EscalationConstitutionalCouncil, EscalationPolicyManager}
	for i := 1; i < len(levelOrder); i++ {
		if levelOrder[i-1].Display().Priority >= levelOrder[i].Display().Priority {
			t.Errorf("%s should sort ahead of %s", levelOrder[i-1], levelOrder[i])
		}
	}

	if SeverityCritical.Display().Color != "red" || EscalationEmergencyResponse.Display().Color != "red" {
		t.Error("most urgent grades must render red")
	}
}
