package alphaess

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"
)

// Battery states derived from the normalized battery power.
const (
	BatteryIdle        = "idle"
	BatteryCharging    = "charging"
	BatteryDischarging = "discharging"
)

const defaultIdleThresholdWatts = 50.0

// Snapshot is the latest normalized battery telemetry. Signs are
// normalized once here: ChargeW is positive while charging, ImportW is
// positive while importing from the grid.
type Snapshot struct {
	Timestamp time.Time
	SysSn     string
	LoadW     *float64
	ChargeW   *float64
	ImportW   *float64
	PvW       *float64
	EvW       *float64
	Soc       *float64
	State     string
}

// ChargingW is the battery charge power while the battery is actually
// charging, zero when idle or discharging.
func (s Snapshot) ChargingW() float64 {
	if s.State == BatteryCharging && s.ChargeW != nil {
		return math.Abs(*s.ChargeW)
	}
	return 0
}

// GridImportW is the grid power while importing, zero otherwise.
func (s Snapshot) GridImportW() float64 {
	if s.ImportW != nil && *s.ImportW > 0 {
		return *s.ImportW
	}
	return 0
}

// GridExportW is the grid power while exporting, zero otherwise.
func (s Snapshot) GridExportW() float64 {
	if s.ImportW != nil && *s.ImportW < 0 {
		return -*s.ImportW
	}
	return 0
}

// Poller polls getLastPowerData on a fixed cadence and keeps the most
// recent good snapshot. Fetch errors are tracked separately so the
// last good values stay visible while the loop decides on staleness.
type Poller struct {
	config    Configuration
	client    *Client
	metrics   *BatteryMetrics
	scheduler *gocron.Scheduler

	sysSn string

	mu        sync.RWMutex
	snapshot  *Snapshot
	lastError string
}

func NewPoller(config Configuration, client *Client, metrics *BatteryMetrics) *Poller {
	return &Poller{
		config:  config,
		client:  client,
		metrics: metrics,
	}
}

// Init resolves the system serial and verifies the API answers. It is
// called once at startup so credential or account problems surface
// before the control loop starts.
func (p *Poller) Init() error {
	units, err := p.client.GetEssList()
	if err != nil {
		return fmt.Errorf("failed to list ess units: %w", err)
	}
	sysSn, err := resolveSysSn(p.config.SysSn, units)
	if err != nil {
		return err
	}
	p.sysSn = sysSn
	log.Infof("alphaess polling system %s", sysSn)
	return nil
}

// resolveSysSn maps the configured serial onto the account's unit
// list: a listed serial is used as-is, a small number selects by
// 1-based position, and an empty or unresolvable index falls back to
// the first unit.
func resolveSysSn(configured string, units []EssUnit) (string, error) {
	if configured != "" {
		for _, unit := range units {
			if strings.EqualFold(unit.SysSn, configured) {
				return unit.SysSn, nil
			}
		}
		if index, err := strconv.Atoi(configured); err == nil {
			if index >= 1 && index <= len(units) {
				return units[index-1].SysSn, nil
			}
			if len(units) > 0 {
				log.Warnf("sysSn index %d out of range, account has %d units, using first", index, len(units))
				return units[0].SysSn, nil
			}
			return "", fmt.Errorf("sysSn index %d given but no ess units registered to account", index)
		}
		// Not listed and not an index. Trust the operator.
		return configured, nil
	}
	if len(units) == 0 {
		return "", fmt.Errorf("no ess units registered to account")
	}
	return units[0].SysSn, nil
}

// Start schedules polling at the configured cadence. The first poll
// runs immediately.
func (p *Poller) Start() error {
	pollSeconds := p.config.PollSeconds
	if pollSeconds <= 0 {
		pollSeconds = 5
	}

	p.poll()

	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(pollSeconds).Seconds().WaitForSchedule().Do(p.poll)
	if err != nil {
		return fmt.Errorf("failed to start alphaess poller: %w", err)
	}
	s.StartAsync()
	p.scheduler = s
	return nil
}

func (p *Poller) Stop() {
	if p.scheduler != nil {
		p.scheduler.Stop()
	}
}

func (p *Poller) poll() {
	data, err := p.client.GetLastPowerData(p.sysSn)
	if err != nil {
		log.WithError(err).Warn("alphaess power fetch failed")
		p.metrics.IncPollFailure()
		p.mu.Lock()
		p.lastError = err.Error()
		p.mu.Unlock()
		return
	}

	snapshot := p.normalize(time.Now(), data)

	p.mu.Lock()
	p.snapshot = &snapshot
	p.lastError = ""
	p.mu.Unlock()

	p.metrics.SetBattery(snapshot)
}

// normalize extracts the power fields by alias, applies the configured
// sign conventions and classifies the battery state.
func (p *Poller) normalize(now time.Time, data map[string]interface{}) Snapshot {
	snapshot := Snapshot{
		Timestamp: now,
		SysSn:     p.sysSn,
		LoadW:     lookupNumber(data, "pload", "p_load", "load", "loadpower"),
		PvW:       lookupNumber(data, "ppv", "p_pv", "ppvtotal"),
		EvW:       lookupNumber(data, "pev", "p_ev", "pevtotal"),
		Soc:       lookupNumber(data, "soc", "batsoc", "batterysoc"),
	}

	if pbat := lookupNumber(data, "pbat", "p_bat", "battery", "pbattery", "batterypower"); pbat != nil {
		charge := *pbat
		if p.config.PbatPositiveIsCharge != nil && !*p.config.PbatPositiveIsCharge {
			charge = -charge
		}
		snapshot.ChargeW = &charge
	}
	if pgrid := lookupNumber(data, "pgrid", "p_grid", "gridpower", "pmeter"); pgrid != nil {
		gridImport := *pgrid
		if p.config.PgridPositiveIsImport != nil && !*p.config.PgridPositiveIsImport {
			gridImport = -gridImport
		}
		snapshot.ImportW = &gridImport
	}

	snapshot.State = classifyBattery(snapshot.ChargeW, p.idleThreshold())
	return snapshot
}

func (p *Poller) idleThreshold() float64 {
	if p.config.IdleThresholdWatts > 0 {
		return p.config.IdleThresholdWatts
	}
	return defaultIdleThresholdWatts
}

func classifyBattery(chargeW *float64, threshold float64) string {
	if chargeW == nil || math.Abs(*chargeW) < threshold {
		return BatteryIdle
	}
	if *chargeW > 0 {
		return BatteryCharging
	}
	return BatteryDischarging
}

// lookupNumber finds the first alias present in the payload, matching
// keys case-insensitively, and coerces its value to a float. Firmware
// variants report numbers both as JSON numbers and as strings.
func lookupNumber(data map[string]interface{}, aliases ...string) *float64 {
	for _, alias := range aliases {
		for key, value := range data {
			if !strings.EqualFold(key, alias) {
				continue
			}
			if number, ok := coerceNumber(value); ok {
				return &number
			}
		}
	}
	return nil
}

func coerceNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		if number, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return number, true
		}
	}
	return 0, false
}

// Snapshot returns the latest good snapshot, false if none exists yet.
func (p *Poller) Snapshot() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.snapshot == nil {
		return Snapshot{}, false
	}
	return *p.snapshot, true
}

func (p *Poller) LastError() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastError
}

// IsOk reports whether the latest snapshot is fresh enough to act on.
// Load power is the one field the decision cannot do without.
func (p *Poller) IsOk(now time.Time) bool {
	snapshot, ok := p.Snapshot()
	if !ok || snapshot.LoadW == nil {
		return false
	}
	maxStale := time.Duration(p.config.MaxStaleSeconds) * time.Second
	if maxStale <= 0 {
		maxStale = 30 * time.Second
	}
	return now.Sub(snapshot.Timestamp) <= maxStale
}
