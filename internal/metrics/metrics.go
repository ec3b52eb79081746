// Package metrics exposes scanner counters to Prometheus.
package metrics

import (
	"time"

	"grid-scanner-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scanner"

// Metrics holds the scanner collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ticks           *prometheus.CounterVec
	fills           *prometheus.CounterVec
	cycles          prometheus.Counter
	alerts          prometheus.Counter
	rejectedSymbols prometheus.Counter
	trackedSymbols  prometheus.Gauge
	activeSymbols   prometheus.Gauge
	sweepDuration   prometheus.Histogram
	topAPR          prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Price ticks processed, by result.",
		}, []string{"result"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Simulated grid fills, by side.",
		}, []string{"side"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed buy/sell round trips.",
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "APR alerts fired.",
		}),
		rejectedSymbols: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_symbols_total",
			Help:      "Symbols skipped because of an invalid grid configuration.",
		}),
		trackedSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_symbols",
			Help:      "Symbols with a virtual grid.",
		}),
		activeSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_symbols",
			Help:      "Symbols with at least one completed cycle.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Time spent recomputing all symbols.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		topAPR: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "top_apr_percent",
			Help:      "Highest estimated APR of the last sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ticks, m.fills, m.cycles, m.alerts, m.rejectedSymbols,
			m.trackedSymbols, m.activeSymbols, m.sweepDuration, m.topAPR)
	}
	return m
}

func (m *Metrics) ObserveTick(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.ticks.WithLabelValues("accepted").Inc()
	} else {
		m.ticks.WithLabelValues("rejected").Inc()
	}
}

func (m *Metrics) ObserveFill(side models.Side, cycleCompleted bool) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(string(side)).Inc()
	if cycleCompleted {
		m.cycles.Inc()
	}
}

func (m *Metrics) ObserveRejectedSymbol() {
	if m == nil {
		return
	}
	m.rejectedSymbols.Inc()
}

func (m *Metrics) ObserveAlert() {
	if m == nil {
		return
	}
	m.alerts.Inc()
}

// ObserveSweep records the outcome of one full sweep.
func (m *Metrics) ObserveSweep(d time.Duration, snap models.Snapshot) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
	m.trackedSymbols.Set(float64(snap.TrackedSymbols))
	m.activeSymbols.Set(float64(snap.ActiveSymbols))

	top := 0.0
	for _, r := range snap.Rows {
		if v := r.EstimatedAPR.InexactFloat64(); v > top {
			top = v
		}
	}
	m.topAPR.Set(top)
}
