// Package metrics exposes cycle, admission and risk counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "arbiter"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	admissions  *prometheus.CounterVec
	cycles      *prometheus.CounterVec
	violations  *prometheus.CounterVec
	panicSells  *prometheus.CounterVec
	recoveries  *prometheus.CounterVec
	legLatency  prometheus.Histogram
	legSlippage prometheus.Histogram
	slotsActive prometheus.Gauge
	slotsCap    prometheus.Gauge
	cooldowns   prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by result and rejection reason",
		}, []string{"result", "reason"}),
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "finished_total",
			Help:      "Cycles that reached a terminal state",
		}, []string{"state"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "violations_total",
			Help:      "Risk violations by kind",
		}, []string{"kind"}),
		panicSells: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "panic_sells_total",
			Help:      "Panic sell attempts by result",
		}, []string{"result"}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "cycles_total",
			Help:      "Cycles handled by crash recovery by outcome",
		}, []string{"outcome"}),
		legLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "leg",
			Name:      "latency_seconds",
			Help:      "Time from leg submission to settlement",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2.5, 5},
		}),
		legSlippage: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "leg",
			Name:      "slippage_bps",
			Help:      "Signed slippage of settled legs in basis points",
			Buckets:   []float64{-100, -50, -20, -10, 0, 10, 20, 50, 90, 150, 300},
		}),
		slotsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "slots_active",
			Help:      "Slots currently held by open cycles",
		}),
		slotsCap: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "slots_capacity",
			Help:      "Configured number of concurrent cycles",
		}),
		cooldowns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "route_cooldowns_active",
			Help:      "Routes currently cooling down",
		}),
	}
}

func (m *Metrics) Admitted() {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues("admitted", "").Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues("rejected", reason).Inc()
}

func (m *Metrics) CycleFinished(state string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(state).Inc()
}

func (m *Metrics) Violation(kind string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(kind).Inc()
}

func (m *Metrics) PanicSell(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.panicSells.WithLabelValues(result).Inc()
}

func (m *Metrics) Recovered(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recoveries.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) LegSettled(latency time.Duration, slippageBps float64) {
	if m == nil {
		return
	}
	m.legLatency.Observe(latency.Seconds())
	m.legSlippage.Observe(slippageBps)
}

func (m *Metrics) Slots(active, capacity int) {
	if m == nil {
		return
	}
	m.slotsActive.Set(float64(active))
	m.slotsCap.Set(float64(capacity))
}

func (m *Metrics) Cooldowns(n int) {
	if m == nil {
		return
	}
	m.cooldowns.Set(float64(n))
}
