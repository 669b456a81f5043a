package wire

// Display is the presentation mapping for a severity grade or escalation
// tier: a sort priority (1 is most urgent) and a terminal color name. It is
// a pure lookup so renderers and API payloads share one table without the
// ledgers knowing anything about presentation.
type Display struct {
	Priority int    `json:"priority"`
	Color    string `json:"color"`
}

// Display returns the presentation mapping for the severity. Unknown grades
// sort last and render neutral.
func (s Severity) Display() Display {
	switch s {
	case SeverityCritical:
		return Display{Priority: 1, Color: "red"}
	case SeverityHigh:
		return Display{Priority: 2, Color: "yellow"}
	case SeverityMedium:
		return Display{Priority: 3, Color: "cyan"}
	case SeverityLow:
		return Display{Priority: 4, Color: "white"}
	default:
		return Display{Priority: 5, Color: "white"}
	}
}

// Display returns the presentation mapping for the escalation tier. Unknown
// tiers sort last and render neutral.
func (l EscalationLevel) Display() Display {
	switch l {
	case EscalationEmergencyResponse:
		return Display{Priority: 1, Color: "red"}
	case EscalationConstitutionalCouncil:
		return Display{Priority: 2, Color: "yellow"}
	case EscalationPolicyManager:
		return Display{Priority: 3, Color: "cyan"}
	default:
		return Display{Priority: 4, Color: "white"}
	}
}
