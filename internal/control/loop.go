package control

import (
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mjoconr/GoodweAplhaAmberControl/internal/alphaess"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/amber"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/goodwe"
)

// PriceSource is the loop's view of the Amber poller.
type PriceSource interface {
	Snapshot() (amber.Snapshot, bool)
	IsOk(now time.Time) bool
}

// BatterySource is the loop's view of the AlphaESS poller.
type BatterySource interface {
	Snapshot() (alphaess.Snapshot, bool)
	IsOk(now time.Time) bool
	LastError() string
}

// RuntimeReader reads inverter runtime telemetry on demand.
type RuntimeReader interface {
	Read() goodwe.RuntimeSnapshot
}

// LimitActuator reads back and writes the inverter's export limit.
type LimitActuator interface {
	ReadCurrent() (goodwe.LimiterState, error)
	SetLimit(enabled bool, pct int) error
}

type writtenState struct {
	enabled bool
	pct     int
}

// Loop ties the sources to the limiter: one decision per tick, rate
// limited writes, one published event. The loop goroutine is the only
// caller of the register bus.
type Loop struct {
	settings  Settings
	prices    PriceSource
	battery   BatterySource
	runtime   RuntimeReader
	limiter   LimitActuator
	publisher EventPublisher
	metrics   *LoopMetrics

	now func() time.Time

	lastWritten *writtenState
	lastWriteAt time.Time

	mu        sync.RWMutex
	lastEvent *Event

	stop chan struct{}
	done chan struct{}
}

// NewLoop builds the control loop. battery may be nil when the
// AlphaESS source is not configured.
func NewLoop(settings Settings, prices PriceSource, battery BatterySource,
	runtime RuntimeReader, limiter LimitActuator, publisher EventPublisher,
	metrics *LoopMetrics) *Loop {
	return &Loop{
		settings:  settings,
		prices:    prices,
		battery:   battery,
		runtime:   runtime,
		limiter:   limiter,
		publisher: publisher,
		metrics:   metrics,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) Stop() {
	close(l.stop)
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		log.Warn("control loop did not stop in time")
	}
}

// LastEvent returns the most recent decision event, false before the
// first tick completes.
func (l *Loop) LastEvent() (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lastEvent == nil {
		return Event{}, false
	}
	return *l.lastEvent, true
}

func (l *Loop) run() {
	defer close(l.done)

	tick := time.Duration(l.settings.TickSeconds) * time.Second
	if tick <= 0 {
		tick = 10 * time.Second
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	l.safeTick()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.safeTick()
		}
	}
}

// safeTick keeps the loop alive through anything a tick throws.
func (l *Loop) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("control tick panicked: %v", r)
		}
	}()
	l.tick(l.now())
}

func (l *Loop) tick(now time.Time) {
	event := Event{Timestamp: now}

	event.Sources.Amber, event.Decision.ExportCosts = l.readPrices(now)
	alphaSource, alphaOk, alphaSnapshot := l.readBattery(now)
	event.Sources.Alpha = alphaSource
	event.Sources.Goodwe = l.readGoodwe()

	decision := Decide(l.settings, Inputs{
		ExportCosts:  event.Decision.ExportCosts,
		AlphaEnabled: l.battery != nil,
		AlphaOk:      alphaOk,
		Alpha:        alphaSnapshot,
		PrevPct:      l.prevPct(),
	})
	event.Decision = decision

	event.Actuation = l.actuate(now, decision)

	l.mu.Lock()
	l.lastEvent = &event
	l.mu.Unlock()

	l.metrics.SetDecision(decision, event.Actuation)
	l.publish(event)

	log.WithFields(log.Fields{
		"amber":        event.Sources.Amber.State,
		"export_costs": decision.ExportCosts,
		"alpha_ok":     alphaOk,
		"reason":       decision.Reason,
		"target_w":     decision.TargetW,
		"want_pct":     decision.WantPct,
		"enabled":      decision.Enabled,
		"wrote":        event.Actuation.WriteAttempted && event.Actuation.WriteOk,
	}).Info("control tick")
}

// readPrices summarizes the Amber view and derives export_costs. When
// the price source is stale or absent the loop assumes export costs
// money and limits accordingly.
func (l *Loop) readPrices(now time.Time) (AmberSource, bool) {
	source := AmberSource{State: "none"}

	snapshot, have := l.prices.Snapshot()
	if !have {
		return source, true
	}

	age := int(now.Sub(snapshot.Timestamp).Seconds())
	source.AgeSeconds = &age
	source.ImportPriceC = snapshot.ImportPrice
	source.FeedInPriceC = snapshot.FeedInPrice
	source.ImportPowerW = snapshot.ImportPowerW
	source.FeedInPowerW = snapshot.FeedInPowerW
	source.LastError = snapshot.LastError
	if snapshot.IntervalEnd != nil {
		end := snapshot.IntervalEnd.Format(time.RFC3339)
		source.IntervalEnd = &end
	}

	if !l.prices.IsOk(now) {
		source.State = "stale"
		return source, true
	}

	source.State = "ok"
	return source, snapshot.ExportCosts(l.settings.ExportCostThresholdC)
}

func (l *Loop) readBattery(now time.Time) (AlphaSource, bool, alphaess.Snapshot) {
	if l.battery == nil {
		return AlphaSource{}, false, alphaess.Snapshot{}
	}

	source := AlphaSource{Enabled: true, LastError: l.battery.LastError()}
	snapshot, have := l.battery.Snapshot()
	if !have {
		return source, false, alphaess.Snapshot{}
	}

	age := int(now.Sub(snapshot.Timestamp).Seconds())
	source.AgeSeconds = &age
	source.SysSn = snapshot.SysSn
	source.Soc = snapshot.Soc
	source.LoadW = snapshot.LoadW
	source.ChargeW = snapshot.ChargeW
	source.ImportW = snapshot.ImportW
	source.PvW = snapshot.PvW
	source.State = snapshot.State
	source.Ok = l.battery.IsOk(now)

	return source, source.Ok, snapshot
}

func (l *Loop) readGoodwe() GoodweSource {
	runtime := l.runtime.Read()
	source := GoodweSource{
		Profile:       runtime.Profile,
		GenPowerW:     runtime.GenPowerW,
		FeedPowerW:    runtime.FeedPowerW,
		InverterTempC: runtime.InverterTempC,
		MeterOK:       runtime.MeterOK,
	}

	if state, err := l.limiter.ReadCurrent(); err == nil {
		source.Limiter = &state
	} else {
		log.WithError(err).Debug("limit readback failed")
	}
	return source
}

func (l *Loop) prevPct() *int {
	if l.lastWritten == nil {
		return nil
	}
	pct := l.lastWritten.pct
	return &pct
}

// actuate writes the decided limit when it differs enough from the
// last written state and the rate limit allows it. A failed write
// leaves the last written state untouched so the next tick retries.
func (l *Loop) actuate(now time.Time, decision Decision) Actuation {
	needWrite := l.lastWritten == nil ||
		l.lastWritten.enabled != decision.Enabled ||
		abs(l.lastWritten.pct-decision.WantPct) >= l.settings.MinPctStep

	minInterval := time.Duration(l.settings.MinWriteSeconds) * time.Second
	canWrite := l.lastWriteAt.IsZero() || now.Sub(l.lastWriteAt) >= minInterval

	if !needWrite || !canWrite {
		if needWrite {
			log.Debug("skipping limit write, rate limited")
		}
		return Actuation{}
	}

	if err := l.limiter.SetLimit(decision.Enabled, decision.WantPct); err != nil {
		log.WithError(err).Error("limit write failed")
		l.metrics.IncWriteFailure()
		return Actuation{WriteAttempted: true, WriteError: err.Error()}
	}

	l.lastWritten = &writtenState{enabled: decision.Enabled, pct: decision.WantPct}
	l.lastWriteAt = now
	return Actuation{WriteAttempted: true, WriteOk: true}
}

func (l *Loop) publish(event Event) {
	if l.publisher == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("failed to marshal decision event")
		return
	}
	l.publisher.Publish(DecisionTopicSuffix, string(payload))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
