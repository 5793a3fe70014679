package amber

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "amber"

// PriceMetrics exposes the latest prices and poll health.
type PriceMetrics struct {
	importPrice  prometheus.Gauge
	feedInPrice  prometheus.Gauge
	importPower  prometheus.Gauge
	feedInPower  prometheus.Gauge
	pollFailures prometheus.Counter
}

func NewPriceMetrics() *PriceMetrics {
	return &PriceMetrics{
		importPrice: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "import_price_cents_kwh",
			Help:      "Current general channel price in cents per kWh",
		}),
		feedInPrice: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feedin_price_cents_kwh",
			Help:      "Current feed-in channel price in cents per kWh",
		}),
		importPower: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "import_power_watts",
			Help:      "Average import power over the latest usage interval",
		}),
		feedInPower: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feedin_power_watts",
			Help:      "Average export power over the latest usage interval",
		}),
		pollFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Number of failed price fetches",
		}),
	}
}

func (m *PriceMetrics) SetPrices(snapshot Snapshot) {
	if m == nil {
		return
	}
	if snapshot.ImportPrice != nil {
		m.importPrice.Set(*snapshot.ImportPrice)
	}
	if snapshot.FeedInPrice != nil {
		m.feedInPrice.Set(*snapshot.FeedInPrice)
	}
	if snapshot.ImportPowerW != nil {
		m.importPower.Set(float64(*snapshot.ImportPowerW))
	}
	if snapshot.FeedInPowerW != nil {
		m.feedInPower.Set(float64(*snapshot.FeedInPowerW))
	}
}

func (m *PriceMetrics) IncPollFailure() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}
