// Package notify fans recorded governance activity out to notification
// sinks. A Dispatcher attaches to the monitor as an observer, matches each
// alert and escalation against the configured rules, and delivers to the
// selected sinks asynchronously. Delivery is fire and forget: a slow or
// failing sink never blocks event dispatch.
package notify

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/fidelitymon/monitor"
	"github.com/c360studio/fidelitymon/wire"
)

// Rule selects which recorded activity reaches which sinks.
//
// A rule carrying only escalation levels is escalation-only; a rule carrying
// only a severity floor or violation-type patterns is alert-only; a rule
// with no filters at all forwards everything.
type Rule struct {
	// Name identifies the rule in logs and config diagnostics.
	Name string `json:"name" yaml:"name"`

	// MinSeverity is the lowest alert severity the rule forwards. Empty
	// forwards all severities.
	MinSeverity wire.Severity `json:"min_severity,omitempty" yaml:"min_severity,omitempty"`

	// ViolationTypes are glob patterns over the dotted violation-type
	// hierarchy, e.g. "constitutional.**" or "policy.*". Empty matches any
	// type.
	ViolationTypes []string `json:"violation_types,omitempty" yaml:"violation_types,omitempty"`

	// EscalationLevels are the governance tiers the rule forwards. Empty
	// means the rule does not select escalations unless it is unfiltered.
	EscalationLevels []wire.EscalationLevel `json:"escalation_levels,omitempty" yaml:"escalation_levels,omitempty"`

	// Sinks names the delivery targets, by Sink.Name.
	Sinks []string `json:"sinks" yaml:"sinks"`
}

// Validate checks the rule is well formed and its patterns parse.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule missing name")
	}
	if len(r.Sinks) == 0 {
		return fmt.Errorf("rule %q names no sinks", r.Name)
	}
	if r.MinSeverity != "" && !r.MinSeverity.IsValid() {
		return fmt.Errorf("rule %q: unknown severity %q", r.Name, r.MinSeverity)
	}
	for _, level := range r.EscalationLevels {
		if !level.IsValid() {
			return fmt.Errorf("rule %q: unknown escalation level %q", r.Name, level)
		}
	}
	for _, pattern := range r.ViolationTypes {
		if !doublestar.ValidatePattern(globForm(pattern)) {
			return fmt.Errorf("rule %q: bad violation type pattern %q", r.Name, pattern)
		}
	}
	return nil
}

// MatchesAlert reports whether the rule forwards the alert.
func (r Rule) MatchesAlert(a monitor.Alert) bool {
	if r.escalationScoped() && !r.alertScoped() {
		return false
	}
	if r.MinSeverity != "" && !a.Severity.AtLeast(r.MinSeverity) {
		return false
	}
	if len(r.ViolationTypes) == 0 {
		return true
	}
	for _, pattern := range r.ViolationTypes {
		if matchViolationType(pattern, a.ViolationType) {
			return true
		}
	}
	return false
}

// MatchesEscalation reports whether the rule forwards the escalation notice.
func (r Rule) MatchesEscalation(e monitor.Escalation) bool {
	if len(r.EscalationLevels) > 0 {
		for _, level := range r.EscalationLevels {
			if level == e.Level {
				return true
			}
		}
		return false
	}
	return !r.alertScoped()
}

func (r Rule) alertScoped() bool {
	return r.MinSeverity != "" || len(r.ViolationTypes) > 0
}

func (r Rule) escalationScoped() bool {
	return len(r.EscalationLevels) > 0
}

// matchViolationType matches a dotted violation type against a dotted glob
// pattern. Dots map to path separators so that * spans one segment and **
// spans the rest of the hierarchy.
func matchViolationType(pattern, violationType string) bool {
	ok, err := doublestar.Match(globForm(pattern), globForm(violationType))
	return err == nil && ok
}

func globForm(dotted string) string {
	return strings.ReplaceAll(dotted, ".", "/")
}
