package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/fidelitymon/monitor"
	"github.com/c360studio/fidelitymon/transport"
	"github.com/c360studio/fidelitymon/wire"
)

const (
	// DefaultQueueSize bounds the pending delivery queue.
	DefaultQueueSize = 64
	// DefaultDeliveryTimeout bounds each sink delivery attempt.
	DefaultDeliveryTimeout = 5 * time.Second
)

// Config configures a Dispatcher.
type Config struct {
	Rules []Rule
	Sinks []Sink

	// QueueSize bounds pending deliveries; 0 means DefaultQueueSize. When
	// the queue is full new deliveries are dropped and counted, never
	// blocked on.
	QueueSize int

	// DeliveryTimeout bounds each sink call; 0 means DefaultDeliveryTimeout.
	DeliveryTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// delivery is one matched notification waiting for the worker.
type delivery struct {
	rules      []string
	sinks      []Sink
	alert      *monitor.Alert
	escalation *monitor.Escalation
}

// Dispatcher matches recorded activity against rules and delivers to sinks
// from a single background worker. It plugs into the monitor as an Observer;
// the observer methods never block and never call back into the monitor.
type Dispatcher struct {
	rulesMu sync.RWMutex
	rules   []Rule

	sinks   map[string]Sink
	timeout time.Duration
	logger  *slog.Logger

	queue    chan delivery
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	dropped atomic.Uint64

	deliveredMu sync.Mutex
	delivered   map[string]uint64
}

// NewDispatcher validates the rule set against the registered sinks and
// starts the delivery worker.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	timeout := cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}

	sinks := make(map[string]Sink, len(cfg.Sinks))
	for _, sink := range cfg.Sinks {
		if _, dup := sinks[sink.Name()]; dup {
			return nil, fmt.Errorf("duplicate sink name %q", sink.Name())
		}
		sinks[sink.Name()] = sink
	}
	if err := validateRules(cfg.Rules, sinks); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		rules:     cfg.Rules,
		sinks:     sinks,
		timeout:   timeout,
		logger:    logger,
		queue:     make(chan delivery, queueSize),
		stop:      make(chan struct{}),
		delivered: make(map[string]uint64),
	}
	d.wg.Add(1)
	go d.worker()
	return d, nil
}

// validateRules checks every rule and its sink references.
func validateRules(rules []Rule, sinks map[string]Sink) error {
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
		for _, name := range rule.Sinks {
			if _, ok := sinks[name]; !ok {
				return fmt.Errorf("rule %q references unknown sink %q", rule.Name, name)
			}
		}
	}
	return nil
}

// SetRules validates and swaps the routing rules without restarting the
// worker. Sinks are fixed for the dispatcher's lifetime; rules may change.
func (d *Dispatcher) SetRules(rules []Rule) error {
	if err := validateRules(rules, d.sinks); err != nil {
		return err
	}
	d.rulesMu.Lock()
	d.rules = rules
	d.rulesMu.Unlock()
	return nil
}

// Close stops the worker after draining already-queued deliveries. Safe to
// call more than once.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// Dropped returns how many matched notifications were discarded because the
// queue was full or the dispatcher was shutting down.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Delivered returns successful delivery totals keyed by sink name.
func (d *Dispatcher) Delivered() map[string]uint64 {
	d.deliveredMu.Lock()
	defer d.deliveredMu.Unlock()
	out := make(map[string]uint64, len(d.delivered))
	for name, n := range d.delivered {
		out[name] = n
	}
	return out
}

// ObserveEvent implements monitor.Observer.
func (d *Dispatcher) ObserveEvent(wire.EventType) {}

// ObserveFidelity implements monitor.Observer.
func (d *Dispatcher) ObserveFidelity(monitor.FidelitySnapshot) {}

// ObserveConnection implements monitor.Observer.
func (d *Dispatcher) ObserveConnection(transport.Status) {}

// ObserveAlert implements monitor.Observer.
func (d *Dispatcher) ObserveAlert(a monitor.Alert) {
	sinks, rules := d.matchAlert(a)
	if len(sinks) == 0 {
		return
	}
	d.enqueue(delivery{rules: rules, sinks: sinks, alert: &a})
}

// ObserveEscalation implements monitor.Observer.
func (d *Dispatcher) ObserveEscalation(e monitor.Escalation) {
	sinks, rules := d.matchEscalation(e)
	if len(sinks) == 0 {
		return
	}
	d.enqueue(delivery{rules: rules, sinks: sinks, escalation: &e})
}

// matchAlert collects the deduplicated sink set and matching rule names.
func (d *Dispatcher) matchAlert(a monitor.Alert) ([]Sink, []string) {
	d.rulesMu.RLock()
	defer d.rulesMu.RUnlock()

	var sinks []Sink
	var rules []string
	seen := make(map[string]struct{})
	for _, rule := range d.rules {
		if !rule.MatchesAlert(a) {
			continue
		}
		rules = append(rules, rule.Name)
		for _, name := range rule.Sinks {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			sinks = append(sinks, d.sinks[name])
		}
	}
	return sinks, rules
}

func (d *Dispatcher) matchEscalation(e monitor.Escalation) ([]Sink, []string) {
	d.rulesMu.RLock()
	defer d.rulesMu.RUnlock()

	var sinks []Sink
	var rules []string
	seen := make(map[string]struct{})
	for _, rule := range d.rules {
		if !rule.MatchesEscalation(e) {
			continue
		}
		rules = append(rules, rule.Name)
		for _, name := range rule.Sinks {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			sinks = append(sinks, d.sinks[name])
		}
	}
	return sinks, rules
}

func (d *Dispatcher) enqueue(del delivery) {
	select {
	case <-d.stop:
		d.dropped.Add(1)
		return
	default:
	}
	select {
	case d.queue <- del:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification queue full, dropping delivery", "rules", del.rules)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			// Drain what already landed, then exit.
			for {
				select {
				case del := <-d.queue:
					d.deliver(del)
				default:
					return
				}
			}
		case del := <-d.queue:
			d.deliver(del)
		}
	}
}

func (d *Dispatcher) deliver(del delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	for _, sink := range del.sinks {
		var err error
		switch {
		case del.alert != nil:
			err = sink.DeliverAlert(ctx, *del.alert)
		case del.escalation != nil:
			err = sink.DeliverEscalation(ctx, *del.escalation)
		}
		if err != nil {
			d.logger.Warn("notification delivery failed",
				"sink", sink.Name(),
				"rules", del.rules,
				"error", err)
			continue
		}
		d.deliveredMu.Lock()
		d.delivered[sink.Name()]++
		d.deliveredMu.Unlock()
	}
}
