package goodwe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "goodwe"

// BusMetrics tracks transport health and the last runtime/limiter readings.
type BusMetrics struct {
	busFailures *prometheus.CounterVec
	reconnects  prometheus.Counter

	genPower     prometheus.Gauge
	feedPower    prometheus.Gauge
	inverterTemp prometheus.Gauge

	limitEnabled prometheus.Gauge
	limitPct     prometheus.Gauge
}

func NewBusMetrics() *BusMetrics {
	return &BusMetrics{
		busFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_failures",
			Help:      "Register calls that exhausted their retries, by operation.",
		}, []string{"op"}),
		reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_reconnects",
			Help:      "Reconnect attempts after connection-level failures.",
		}),
		genPower: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_power_watts",
			Help:      "Inverter generation power (W).",
		}),
		feedPower: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_power_watts",
			Help:      "Meter feed power (W).",
		}),
		inverterTemp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inverter_temp_celsius",
			Help:      "Inverter temperature (C).",
		}),
		limitEnabled: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "export_limit_enabled",
			Help:      "Export limit switch register readback (1 enabled).",
		}),
		limitPct: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "export_limit_pct",
			Help:      "Export limit percentage register readback.",
		}),
	}
}

func (m *BusMetrics) IncBusFailure(op string) {
	m.busFailures.WithLabelValues(op).Inc()
}

func (m *BusMetrics) IncReconnect() {
	m.reconnects.Inc()
}

// SetRuntime records the last decoded runtime snapshot.
func (m *BusMetrics) SetRuntime(snap RuntimeSnapshot) {
	if snap.GenPowerW != nil {
		m.genPower.Set(float64(*snap.GenPowerW))
	}
	if snap.FeedPowerW != nil {
		m.feedPower.Set(float64(*snap.FeedPowerW))
	}
	if snap.InverterTempC != nil {
		m.inverterTemp.Set(*snap.InverterTempC)
	}
}

// SetLimiter records the last limiter readback.
func (m *BusMetrics) SetLimiter(state LimiterState) {
	if state.Enabled {
		m.limitEnabled.Set(1)
	} else {
		m.limitEnabled.Set(0)
	}
	m.limitPct.Set(float64(state.Pct))
}
