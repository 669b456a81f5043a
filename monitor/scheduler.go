package monitor

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshInterval is the periodic snapshot cadence when none is given.
const DefaultRefreshInterval = 30 * time.Second

// Scheduler fires a tick function at a fixed interval. Start is idempotent:
// starting while running replaces the previous timer, so at most one timer
// ever exists. Stop guarantees no tick runs after it returns.
type Scheduler struct {
	tick   func()
	logger *slog.Logger

	mu       sync.Mutex
	stop     chan struct{}
	interval time.Duration

	// tickMu serializes tick execution and doubles as the Stop barrier: Stop
	// acquires it after closing the stop channel, so an in-flight tick
	// finishes before Stop returns and no new tick can start afterwards.
	tickMu sync.Mutex
}

// NewScheduler creates a stopped scheduler around the tick function.
func NewScheduler(tick func(), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{tick: tick, logger: logger}
}

// Start begins periodic ticking. A non-positive interval falls back to
// DefaultRefreshInterval. If the scheduler is already running its timer is
// replaced, never duplicated.
func (s *Scheduler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	s.mu.Lock()
	s.stopLocked()
	stop := make(chan struct{})
	s.stop = stop
	s.interval = interval
	s.mu.Unlock()

	s.logger.Debug("refresh scheduler started", "interval", interval)
	go s.loop(interval, stop)
}

// Stop halts ticking. Safe to call in any state; once it returns no further
// tick will run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopped := s.stopLocked()
	s.mu.Unlock()

	// Barrier: the stop channel is closed, so once we hold tickMu any
	// in-flight tick has finished and no new one can begin.
	s.tickMu.Lock()
	if stopped {
		s.logger.Debug("refresh scheduler stopped")
	}
	s.tickMu.Unlock()
}

// Running reports whether a timer is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Interval returns the active tick interval, zero when stopped.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return 0
	}
	return s.interval
}

func (s *Scheduler) stopLocked() bool {
	if s.stop == nil {
		return false
	}
	close(s.stop)
	s.stop = nil
	return true
}

func (s *Scheduler) loop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.runTick(stop)
		}
	}
}

func (s *Scheduler) runTick(stop chan struct{}) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	// Re-check under the barrier: a Stop or replacing Start may have won.
	select {
	case <-stop:
		return
	default:
	}
	s.tick()
}
