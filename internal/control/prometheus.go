package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "control"

// LoopMetrics exposes the decision and actuation state of the loop.
type LoopMetrics struct {
	targetWatts   prometheus.Gauge
	wantPct       prometheus.Gauge
	enabled       prometheus.Gauge
	exportCosts   prometheus.Gauge
	writes        prometheus.Counter
	writeFailures prometheus.Counter
}

func NewLoopMetrics() *LoopMetrics {
	return &LoopMetrics{
		targetWatts: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_watts",
			Help:      "Decided inverter power target",
		}),
		wantPct: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "want_percent",
			Help:      "Decided inverter limit percent after smoothing",
		}),
		enabled: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limit_enabled",
			Help:      "Whether the export limit is commanded on",
		}),
		exportCosts: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "export_costs",
			Help:      "Whether exporting currently costs money",
		}),
		writes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limit_writes_total",
			Help:      "Number of successful limit writes",
		}),
		writeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limit_write_failures_total",
			Help:      "Number of failed limit writes",
		}),
	}
}

func (m *LoopMetrics) SetDecision(decision Decision, actuation Actuation) {
	if m == nil {
		return
	}
	m.targetWatts.Set(float64(decision.TargetW))
	m.wantPct.Set(float64(decision.WantPct))
	m.enabled.Set(boolGauge(decision.Enabled))
	m.exportCosts.Set(boolGauge(decision.ExportCosts))
	if actuation.WriteAttempted && actuation.WriteOk {
		m.writes.Inc()
	}
}

func (m *LoopMetrics) IncWriteFailure() {
	if m == nil {
		return
	}
	m.writeFailures.Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
