package goodwe

import (
	"fmt"
	"strings"
	"time"
)

// Runtime register profiles. Different GoodWe models expose runtime data at
// different base addresses, sometimes via input registers and sometimes via
// holding registers.
const (
	ProfileAuto     = "auto"
	ProfileDNS      = "dns"
	ProfileMT       = "mt"
	ProfileDisabled = "off"

	dnsBaseRegister = 35103
	mtBaseRegister  = 36001
	runtimeRegCount = 20
)

// RuntimeSnapshot is a best-effort read of live inverter telemetry.
type RuntimeSnapshot struct {
	Timestamp       time.Time `json:"ts"`
	Profile         string    `json:"profile"`
	GenPowerW       *int      `json:"gen_w,omitempty"`
	FeedPowerW      *int      `json:"feed_w,omitempty"`
	InverterTempC   *float64  `json:"temp_c,omitempty"`
	// MeterOK and RadioSignal stay nil on profiles that don't carry them.
	MeterOK        *int     `json:"meter_ok,omitempty"`
	RadioSignal    *int     `json:"rssi,omitempty"`
	Registers      []uint16 `json:"-"`
	LastProbeError string   `json:"probe_error,omitempty"`
}

// RuntimeReader decodes runtime telemetry under one of two candidate register
// profiles. In auto mode the first read probes dns then mt, and the first
// profile that answers is kept for the life of the process; if neither
// answers, runtime reads stay disabled. This avoids re-provoking protocol
// exceptions from devices that do not carry a given map.
type RuntimeReader struct {
	bus RegisterBus

	profile        string
	resolved       string
	lastProbeError string
}

// NewRuntimeReader builds a reader pinned to the configured profile, or in
// auto-probe mode when profile is "auto" or empty.
func NewRuntimeReader(bus RegisterBus, profile string) *RuntimeReader {
	p := strings.ToLower(strings.TrimSpace(profile))
	switch p {
	case "", ProfileAuto:
		p = ProfileAuto
	case ProfileDNS, ProfileMT:
	case "none", "disabled", ProfileDisabled:
		p = ProfileDisabled
	default:
		p = ProfileDisabled
	}

	r := &RuntimeReader{bus: bus, profile: p}
	if p != ProfileAuto {
		r.resolved = p
	}
	return r
}

// Profile reports the resolved profile, or "auto" while still unresolved.
func (r *RuntimeReader) Profile() string {
	if r.resolved != "" {
		return r.resolved
	}
	return r.profile
}

// Read returns the current runtime snapshot. It never returns an error: any
// failure degrades to a placeholder snapshot for this tick.
func (r *RuntimeReader) Read() RuntimeSnapshot {
	switch r.resolved {
	case ProfileDisabled:
		return RuntimeSnapshot{
			Timestamp:      time.Now(),
			Profile:        ProfileDisabled,
			LastProbeError: r.lastProbeError,
		}
	case ProfileDNS, ProfileMT:
		snap, err := r.readProfile(r.resolved)
		if err != nil {
			return RuntimeSnapshot{
				Timestamp:      time.Now(),
				Profile:        r.resolved,
				LastProbeError: err.Error(),
			}
		}
		return snap
	}

	// Unresolved: probe once, then stick.
	for _, candidate := range []string{ProfileDNS, ProfileMT} {
		snap, err := r.readProfile(candidate)
		if err != nil {
			r.lastProbeError = err.Error()
			continue
		}
		r.resolved = candidate
		return snap
	}

	r.resolved = ProfileDisabled
	return RuntimeSnapshot{
		Timestamp:      time.Now(),
		Profile:        ProfileDisabled,
		LastProbeError: r.lastProbeError,
	}
}

func (r *RuntimeReader) readProfile(profile string) (RuntimeSnapshot, error) {
	base := uint16(dnsBaseRegister)
	if profile == ProfileMT {
		base = mtBaseRegister
	}

	regs, err := r.readBestEffort(base, runtimeRegCount)
	if err != nil {
		return RuntimeSnapshot{}, err
	}
	if len(regs) < runtimeRegCount {
		return RuntimeSnapshot{}, fmt.Errorf("profile %s: short read (%d registers)", profile, len(regs))
	}

	gen := regsToInt32(regs[0], regs[1])
	feed := regsToInt32(regs[2], regs[3])
	temp := float64(uint16ToInt16(regs[10])) / 10.0

	genW := int(gen)
	feedW := int(feed)
	return RuntimeSnapshot{
		Timestamp:     time.Now(),
		Profile:       profile,
		GenPowerW:     &genW,
		FeedPowerW:    &feedW,
		InverterTempC: &temp,
		Registers:     regs,
	}, nil
}

// readBestEffort tries input registers first (function 04), then holding
// registers (function 03). Some firmwares only answer one of the two.
func (r *RuntimeReader) readBestEffort(base, count uint16) ([]uint16, error) {
	regs, err := r.bus.ReadInput(base, count)
	if err == nil {
		return regs, nil
	}
	return r.bus.ReadHolding(base, count)
}

// uint16ToInt16 reinterprets a raw register as two's-complement signed.
func uint16ToInt16(u uint16) int16 {
	return int16(u)
}

// regsToInt32 composes a signed 32-bit value from a high/low register pair.
func regsToInt32(hi, lo uint16) int32 {
	return int32(uint32(hi)<<16 | uint32(lo))
}
