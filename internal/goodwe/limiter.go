package goodwe

import (
	"fmt"
	"strings"
)

// RegisterBus is the slice of the transport the limiter and runtime reader
// need. The concrete implementation is Client; tests substitute a mock.
type RegisterBus interface {
	ReadHolding(address, quantity uint16) ([]uint16, error)
	ReadInput(address, quantity uint16) ([]uint16, error)
	WriteRegister(address, value uint16) error
}

const (
	// LimitModePct drives the percentage register plus its tenths mirror.
	LimitModePct = "pct"
	// LimitModeActivePct drives the single active-power percentage register.
	LimitModeActivePct = "active_pct"
)

// LimiterState is the abstract shape of the device's export limit registers.
type LimiterState struct {
	Enabled bool `json:"enabled"`
	Pct     int  `json:"pct"`
	Pct10   int  `json:"pct10"`
}

// Limiter maps (enabled, percent) onto the configured register scheme and
// reads the currently applied state back in the same shape.
type Limiter struct {
	bus           RegisterBus
	ratedWatts    int
	mode          string
	switchReg     uint16
	pctReg        uint16
	pct10Reg      uint16
	activePctReg  uint16
	alwaysEnabled bool
}

// NewLimiter builds a limiter over the given bus using the register layout
// from config.
func NewLimiter(bus RegisterBus, config Configuration) *Limiter {
	mode := strings.ToLower(strings.TrimSpace(config.LimitMode))
	if mode != LimitModeActivePct {
		mode = LimitModePct
	}
	return &Limiter{
		bus:           bus,
		ratedWatts:    config.RatedWatts,
		mode:          mode,
		switchReg:     config.ExportSwitchRegister,
		pctReg:        config.ExportPctRegister,
		pct10Reg:      config.ExportPct10Register,
		activePctReg:  config.ActivePctRegister,
		alwaysEnabled: config.AlwaysEnabledFlag(),
	}
}

// RatedWatts is the inverter's rated output used for percent conversion.
func (l *Limiter) RatedWatts() int {
	return l.ratedWatts
}

// ReadCurrent reads the applied limiter state from the device. Errors are
// returned, never panicked, so a failed read only makes the current state
// unknown for this tick.
func (l *Limiter) ReadCurrent() (LimiterState, error) {
	enabled, err := l.readOne(l.switchReg)
	if err != nil {
		return LimiterState{}, err
	}

	if l.mode == LimitModeActivePct {
		pct, err := l.readOne(l.activePctReg)
		if err != nil {
			return LimiterState{}, err
		}
		return LimiterState{Enabled: enabled != 0, Pct: int(pct)}, nil
	}

	pct, err := l.readOne(l.pctReg)
	if err != nil {
		return LimiterState{}, err
	}
	pct10, err := l.readOne(l.pct10Reg)
	if err != nil {
		return LimiterState{}, err
	}
	return LimiterState{Enabled: enabled != 0, Pct: int(pct), Pct10: int(pct10)}, nil
}

// SetLimit writes the export limit. Percent is clamped to [0,100]; when the
// device is configured always-enabled the requested flag is overridden. The
// registers are written sequentially, each under the transport's retry
// policy; a partial write is left for the next tick's re-read to reconcile.
func (l *Limiter) SetLimit(enabled bool, pct int) error {
	pct = clampInt(pct, 0, 100)
	if l.alwaysEnabled {
		enabled = true
	}

	var switchValue uint16
	if enabled {
		switchValue = 1
	}
	if err := l.bus.WriteRegister(l.switchReg, switchValue); err != nil {
		return fmt.Errorf("export switch: %w", err)
	}

	if l.mode == LimitModeActivePct {
		if err := l.bus.WriteRegister(l.activePctReg, uint16(pct)); err != nil {
			return fmt.Errorf("active power pct: %w", err)
		}
		return nil
	}

	if err := l.bus.WriteRegister(l.pctReg, uint16(pct)); err != nil {
		return fmt.Errorf("export pct: %w", err)
	}
	if err := l.bus.WriteRegister(l.pct10Reg, uint16(pct*10)); err != nil {
		return fmt.Errorf("export pct10: %w", err)
	}
	return nil
}

func (l *Limiter) readOne(reg uint16) (uint16, error) {
	regs, err := l.bus.ReadHolding(reg, 1)
	if err != nil {
		return 0, err
	}
	if len(regs) < 1 {
		return 0, fmt.Errorf("register %d: empty response", reg)
	}
	return regs[0], nil
}

func clampInt(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
