// Package monitor holds the client-side state of the governance fidelity
// stream: bounded score history with trend analysis, alert and escalation
// ledgers, the confirmed subscription set, and the periodic refresh
// scheduler. The Monitor facade wires these stores to a transport channel
// and routes every inbound event through a single dispatch path.
package monitor

import (
	"fmt"
	"sync"
	"time"
)

// DefaultHistoryCapacity bounds the fidelity sample ring buffer.
const DefaultHistoryCapacity = 100

// trendWindow is how many recent samples the trend considers.
const trendWindow = 5

// trendDeadBand is the score delta below which movement counts as stable.
const trendDeadBand = 0.01

// AlertLevel is the traffic-light compliance classification derived from the
// latest fidelity score.
type AlertLevel string

const (
	// AlertGreen means fidelity is at or above the green threshold.
	AlertGreen AlertLevel = "green"
	// AlertAmber means fidelity sits between the amber and green thresholds.
	AlertAmber AlertLevel = "amber"
	// AlertRed means fidelity is below the amber threshold, or an emergency
	// escalation forced the level down.
	AlertRed AlertLevel = "red"
)

// String returns the string representation of the alert level.
func (l AlertLevel) String() string {
	return string(l)
}

// IsValid returns true if the level is one of the three classifications.
func (l AlertLevel) IsValid() bool {
	switch l {
	case AlertGreen, AlertAmber, AlertRed:
		return true
	default:
		return false
	}
}

// Trend describes score movement across the recent sample window.
type Trend string

const (
	// TrendImproving means the score rose by more than the dead band.
	TrendImproving Trend = "improving"
	// TrendDeclining means the score fell by more than the dead band.
	TrendDeclining Trend = "declining"
	// TrendStable means movement stayed within the dead band.
	TrendStable Trend = "stable"
	// TrendUnknown means fewer than two samples exist.
	TrendUnknown Trend = "unknown"
)

// String returns the string representation of the trend.
func (t Trend) String() string {
	return string(t)
}

// Thresholds are the minimum scores for the green and amber classifications.
type Thresholds struct {
	Green float64 `json:"green" yaml:"green"`
	Amber float64 `json:"amber" yaml:"amber"`
}

// DefaultThresholds returns the standard governance thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Green: 0.85, Amber: 0.70}
}

// Validate checks threshold ordering and range.
func (t Thresholds) Validate() error {
	if t.Amber <= 0 || t.Green > 1 {
		return fmt.Errorf("thresholds must lie in (0, 1]: amber=%v green=%v", t.Amber, t.Green)
	}
	if t.Amber >= t.Green {
		return fmt.Errorf("amber threshold %v must be below green threshold %v", t.Amber, t.Green)
	}
	return nil
}

// Level classifies a score. Boundary scores belong to the higher level:
// a score exactly at the green threshold is green.
func (t Thresholds) Level(score float64) AlertLevel {
	switch {
	case score >= t.Green:
		return AlertGreen
	case score >= t.Amber:
		return AlertAmber
	default:
		return AlertRed
	}
}

// Sample is one fidelity reading.
type Sample struct {
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// FidelitySnapshot is a point-in-time view of the fidelity store.
type FidelitySnapshot struct {
	Score float64    `json:"score"`
	Level AlertLevel `json:"level"`
	Trend Trend      `json:"trend"`

	// Samples is how many readings the history currently holds.
	Samples int `json:"samples"`

	// BackendViolationCount is the backend's own cumulative violation
	// counter as last pushed in a fidelity_status frame. It is independent
	// of the count the ledger derives from alert traffic.
	BackendViolationCount int `json:"backend_violation_count"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// FidelityStore keeps the bounded fidelity history and derives the alert
// level and trend from it. Safe for concurrent use.
type FidelityStore struct {
	mu         sync.RWMutex
	buf        []Sample
	head       int
	size       int
	cap        int
	thresholds Thresholds

	// forcedRed is set by an emergency escalation and cleared by the next
	// recorded sample, which recomputes the level from its score.
	forcedRed bool

	backendViolations int
	updatedAt         time.Time
}

// NewFidelityStore creates a store with the given ring capacity and
// thresholds. Non-positive capacity falls back to DefaultHistoryCapacity.
func NewFidelityStore(capacity int, thresholds Thresholds) *FidelityStore {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	return &FidelityStore{
		buf:        make([]Sample, capacity),
		cap:        capacity,
		thresholds: thresholds,
	}
}

// Record appends a fidelity reading, evicting the oldest once the ring is
// full. Scores are clamped to [0, 1]. Recording recomputes the level, so a
// forced-red override ends at the next sample.
func (s *FidelityStore) Record(score float64, ts time.Time) {
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.head] = Sample{Score: score, Timestamp: ts}
	s.head = (s.head + 1) % s.cap
	if s.size < s.cap {
		s.size++
	}
	s.forcedRed = false
	s.updatedAt = ts
}

// ForceRed pins the alert level to red until the next recorded sample.
// Emergency-response escalations use this to override the score-derived level.
func (s *FidelityStore) ForceRed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forcedRed = true
}

// SetBackendViolationCount stores the backend-pushed cumulative counter.
func (s *FidelityStore) SetBackendViolationCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendViolations = n
}

// SetThresholds swaps the classification thresholds. Invalid thresholds are
// rejected. The next Current call reflects the new boundaries immediately.
func (s *FidelityStore) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = t
	return nil
}

// Thresholds returns the active classification thresholds.
func (s *FidelityStore) Thresholds() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds
}

// Current returns the latest score with its derived level and trend. An
// empty store reports green with zero samples: the monitor assumes
// compliance until the backend says otherwise.
func (s *FidelityStore) Current() FidelitySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := FidelitySnapshot{
		Level:                 AlertGreen,
		Trend:                 s.trendLocked(),
		Samples:               s.size,
		BackendViolationCount: s.backendViolations,
		UpdatedAt:             s.updatedAt,
	}
	if s.size > 0 {
		latest := s.buf[(s.head-1+s.cap)%s.cap]
		snap.Score = latest.Score
		snap.Level = s.thresholds.Level(latest.Score)
	}
	if s.forcedRed {
		snap.Level = AlertRed
	}
	return snap
}

// History returns a copy of the retained samples, oldest first.
func (s *FidelityStore) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Sample, s.size)
	for i := 0; i < s.size; i++ {
		out[i] = s.buf[(s.head-s.size+i+s.cap)%s.cap]
	}
	return out
}

// AverageSince returns the mean score of samples at or after the cutoff and
// the number of samples that contributed. A zero count means no samples fell
// inside the window.
func (s *FidelityStore) AverageSince(cutoff time.Time) (float64, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum float64
	var n int
	for i := 0; i < s.size; i++ {
		sample := s.buf[(s.head-s.size+i+s.cap)%s.cap]
		if sample.Timestamp.Before(cutoff) {
			continue
		}
		sum += sample.Score
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// trendLocked compares the newest sample against the oldest inside the trend
// window. Movement within the dead band is stable; under two samples the
// trend is unknown.
func (s *FidelityStore) trendLocked() Trend {
	if s.size < 2 {
		return TrendUnknown
	}
	window := trendWindow
	if s.size < window {
		window = s.size
	}
	newest := s.buf[(s.head-1+s.cap)%s.cap].Score
	oldest := s.buf[(s.head-window+s.cap)%s.cap].Score

	delta := newest - oldest
	switch {
	case delta > trendDeadBand:
		return TrendImproving
	case delta < -trendDeadBand:
		return TrendDeclining
	default:
		return TrendStable
	}
}
