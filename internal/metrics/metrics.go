// Package metrics exports runtime activity to Prometheus.
package metrics

import (
	"errors"
	"net/http"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/ctfever/internal/plugin"
)

const namespace = "ctfever"

// Source is the part of *plugin.Runtime the metrics observe.
type Source interface {
	List() []plugin.Descriptor
	Subscribe(handler plugin.EventHandler) func()
}

// Metrics holds the runtime collectors.
type Metrics struct {
	lifecycle *prometheus.CounterVec
	crashes   *prometheus.CounterVec
	invokes   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	plugins   *stateCollector
	pool      prometheus.Collector
}

// New creates the collectors. Plugin counts per state are read from src on
// every scrape. pool may be nil.
func New(src Source, pool *ants.Pool) *Metrics {
	m := &Metrics{
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_lifecycle_events_total",
			Help:      "Lifecycle events by plugin and event type",
		}, []string{"plugin", "event"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_crashes_total",
			Help:      "Plugins evicted after a crash",
		}, []string{"plugin"}),
		invokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Dispatched calls by plugin, method and outcome",
		}, []string{"plugin", "method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Handler run time of dispatched calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"}),
		plugins: newStateCollector(src),
	}
	if pool != nil {
		m.pool = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offload_running_workers",
			Help:      "Workers currently running offloaded plugin work",
		}, func() float64 { return float64(pool.Running()) })
	}
	return m
}

// Register registers every collector with registerer.
func (m *Metrics) Register(registerer prometheus.Registerer) error {
	errs := []error{
		registerer.Register(m.lifecycle),
		registerer.Register(m.crashes),
		registerer.Register(m.invokes),
		registerer.Register(m.duration),
		registerer.Register(m.plugins),
	}
	if m.pool != nil {
		errs = append(errs, registerer.Register(m.pool))
	}
	return errors.Join(errs...)
}

// MustRegister panics if Register fails.
func (m *Metrics) MustRegister(registerer prometheus.Registerer) {
	if err := m.Register(registerer); err != nil {
		panic(err)
	}
}

// Observe subscribes to the source's events. The returned function
// unsubscribes.
func (m *Metrics) Observe(src Source) func() {
	return src.Subscribe(m.record)
}

func (m *Metrics) record(ev plugin.Event) {
	switch ev.Type {
	case plugin.EventInvoked:
		outcome := "ok"
		if ev.Err != nil {
			outcome = "error"
		}
		m.invokes.WithLabelValues(ev.Plugin, ev.Method, outcome).Inc()
		m.duration.WithLabelValues(ev.Plugin).Observe(ev.Duration.Seconds())
	case plugin.EventCrashed:
		m.crashes.WithLabelValues(ev.Plugin).Inc()
		m.lifecycle.WithLabelValues(ev.Plugin, ev.Type.String()).Inc()
	default:
		m.lifecycle.WithLabelValues(ev.Plugin, ev.Type.String()).Inc()
	}
}

// Handler serves the metrics gathered by gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// stateCollector reports the number of registered plugins per state.
type stateCollector struct {
	src  Source
	desc *prometheus.Desc
}

var reportedStates = []plugin.State{plugin.StateLoaded, plugin.StateActive, plugin.StateDeactivated}

func newStateCollector(src Source) *stateCollector {
	return &stateCollector{
		src: src,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "plugins"),
			"Registered plugins by lifecycle state",
			[]string{"state"}, nil,
		),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[plugin.State]int)
	for _, d := range c.src.List() {
		counts[d.State]++
	}
	for _, s := range reportedStates {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[s]), s.String())
	}
}
