package alphaess

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alphaess"

// BatteryMetrics exposes the normalized battery telemetry.
type BatteryMetrics struct {
	loadPower    prometheus.Gauge
	chargePower  prometheus.Gauge
	importPower  prometheus.Gauge
	pvPower      prometheus.Gauge
	soc          prometheus.Gauge
	pollFailures prometheus.Counter
}

func NewBatteryMetrics() *BatteryMetrics {
	return &BatteryMetrics{
		loadPower: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_power_watts",
			Help:      "Household load power",
		}),
		chargePower: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "charge_power_watts",
			Help:      "Battery power, positive while charging",
		}),
		importPower: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grid_power_watts",
			Help:      "Grid power, positive while importing",
		}),
		pvPower: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pv_power_watts",
			Help:      "PV generation power",
		}),
		soc: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_soc_percent",
			Help:      "Battery state of charge",
		}),
		pollFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Number of failed power fetches",
		}),
	}
}

func (m *BatteryMetrics) SetBattery(snapshot Snapshot) {
	if m == nil {
		return
	}
	if snapshot.LoadW != nil {
		m.loadPower.Set(*snapshot.LoadW)
	}
	if snapshot.ChargeW != nil {
		m.chargePower.Set(*snapshot.ChargeW)
	}
	if snapshot.ImportW != nil {
		m.importPower.Set(*snapshot.ImportW)
	}
	if snapshot.PvW != nil {
		m.pvPower.Set(*snapshot.PvW)
	}
	if snapshot.Soc != nil {
		m.soc.Set(*snapshot.Soc)
	}
}

func (m *BatteryMetrics) IncPollFailure() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}
