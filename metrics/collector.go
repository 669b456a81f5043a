// Package metrics exposes the monitor's state as Prometheus collectors on a
// private registry. The Collector attaches to the monitor as an observer for
// event-driven series and additionally implements prometheus.Collector to
// snapshot transport and notification stats at scrape time.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/fidelitymon/monitor"
	"github.com/c360studio/fidelitymon/transport"
	"github.com/c360studio/fidelitymon/wire"
)

const namespace = "fidelitymon"

// StatusSource snapshots transport health at scrape time.
type StatusSource func() transport.Status

// NotifySource snapshots notification delivery stats at scrape time.
type NotifySource struct {
	Delivered func() map[string]uint64
	Dropped   func() uint64
}

// Collector owns the private registry and every fidelitymon series.
//
// The Observe methods run on the monitor's dispatch goroutine and must stay
// cheap; everything sourced from other components is gathered lazily in
// Collect instead.
type Collector struct {
	registry *prometheus.Registry

	fidelityScore     prometheus.Gauge
	alertLevel        prometheus.Gauge
	backendViolations prometheus.Gauge
	violationsTotal   prometheus.Counter
	escalationsTotal  *prometheus.CounterVec
	eventsTotal       *prometheus.CounterVec
	reconnectsTotal   prometheus.Counter

	connStateDesc       *prometheus.Desc
	cmdsDroppedDesc     *prometheus.Desc
	notifyDeliveredDesc *prometheus.Desc
	notifyDroppedDesc   *prometheus.Desc

	statusFn atomic.Pointer[StatusSource]
	notifyFn atomic.Pointer[NotifySource]

	// everConnected distinguishes the first connect from reconnects. Only
	// touched from the dispatch goroutine.
	everConnected bool
	wasConnected  bool
}

// New creates the collector and its registry, with the standard Go runtime
// and process collectors alongside the fidelitymon series.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		fidelityScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fidelity_score",
			Help:      "Latest constitutional fidelity score in [0, 1].",
		}),
		alertLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_level",
			Help:      "Current alert level: 0 green, 1 amber, 2 red.",
		}),
		backendViolations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_violations",
			Help:      "Cumulative violation count as reported by the backend.",
		}),
		violationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Violation alerts recorded this session.",
		}),
		escalationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation notices recorded this session.",
		}, []string{"level"}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events routed, by frame type.",
		}, []string{"type"}),
		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connections established after the first.",
		}),
		connStateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connection_state"),
			"Transport state: 0 disconnected, 1 connecting, 2 connected, 3 error.",
			nil, nil),
		cmdsDroppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "commands_dropped_total"),
			"Outbound commands discarded while disconnected.",
			nil, nil),
		notifyDeliveredDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "notify_delivered_total"),
			"Notifications delivered, by sink.",
			[]string{"sink"}, nil),
		notifyDroppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "notify_dropped_total"),
			"Notifications dropped before delivery.",
			nil, nil),
	}

	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetStatusSource wires the transport snapshot read at scrape time.
func (c *Collector) SetStatusSource(fn StatusSource) {
	c.statusFn.Store(&fn)
}

// SetNotifySource wires the notification stats read at scrape time.
func (c *Collector) SetNotifySource(src NotifySource) {
	c.notifyFn.Store(&src)
}

// ObserveEvent implements monitor.Observer.
func (c *Collector) ObserveEvent(t wire.EventType) {
	c.eventsTotal.WithLabelValues(string(t)).Inc()
}

// ObserveFidelity implements monitor.Observer.
func (c *Collector) ObserveFidelity(s monitor.FidelitySnapshot) {
	c.fidelityScore.Set(s.Score)
	c.alertLevel.Set(levelCode(s.Level))
	c.backendViolations.Set(float64(s.BackendViolationCount))
}

// ObserveAlert implements monitor.Observer.
func (c *Collector) ObserveAlert(monitor.Alert) {
	c.violationsTotal.Inc()
}

// ObserveEscalation implements monitor.Observer.
func (c *Collector) ObserveEscalation(e monitor.Escalation) {
	c.escalationsTotal.WithLabelValues(string(e.Level)).Inc()
}

// ObserveConnection implements monitor.Observer.
func (c *Collector) ObserveConnection(st transport.Status) {
	connected := st.State == transport.StateConnected
	if connected && !c.wasConnected && c.everConnected {
		c.reconnectsTotal.Inc()
	}
	if connected {
		c.everConnected = true
	}
	c.wasConnected = connected
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connStateDesc
	ch <- c.cmdsDroppedDesc
	ch <- c.notifyDeliveredDesc
	ch <- c.notifyDroppedDesc
}

// Collect implements prometheus.Collector, snapshotting the wired sources.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if fn := c.statusFn.Load(); fn != nil {
		st := (*fn)()
		ch <- prometheus.MustNewConstMetric(c.connStateDesc,
			prometheus.GaugeValue, stateCode(st.State))
		ch <- prometheus.MustNewConstMetric(c.cmdsDroppedDesc,
			prometheus.CounterValue, float64(st.DroppedCommands))
	}
	if src := c.notifyFn.Load(); src != nil {
		for sink, n := range src.Delivered() {
			ch <- prometheus.MustNewConstMetric(c.notifyDeliveredDesc,
				prometheus.CounterValue, float64(n), sink)
		}
		ch <- prometheus.MustNewConstMetric(c.notifyDroppedDesc,
			prometheus.CounterValue, float64(src.Dropped()))
	}
}

func levelCode(l monitor.AlertLevel) float64 {
	switch l {
	case monitor.AlertGreen:
		return 0
	case monitor.AlertAmber:
		return 1
	default:
		return 2
	}
}

func stateCode(s transport.State) float64 {
	switch s {
	case transport.StateDisconnected:
		return 0
	case transport.StateConnecting:
		return 1
	case transport.StateConnected:
		return 2
	default:
		return 3
	}
}
