package control

import (
	"fmt"
	"math"

	"github.com/mjoconr/GoodweAplhaAmberControl/internal/alphaess"
)

// Reasons attached to decisions that need no computed detail.
const (
	ReasonExportAllowed = "export_allowed"
	ReasonAlphaStale    = "alpha_stale"
	ReasonAlphaDisabled = "alpha_disabled"
)

// Settings are the knobs of the decision policy.
type Settings struct {
	RatedWatts            int     `yaml:"ratedWatts"`
	ExportCostThresholdC  float64 `yaml:"exportCostThresholdCents"`
	FullSocPct            float64 `yaml:"fullSocPct"`
	ExportAllowanceW      float64 `yaml:"exportAllowanceWatts"`
	AutoChargeW           float64 `yaml:"autoChargeWatts"`
	AutoChargeBelowSocPct float64 `yaml:"autoChargeBelowSocPct"`
	AutoChargeMaxW        float64 `yaml:"autoChargeMaxWatts"`
	GridFeedbackGain      float64 `yaml:"gridFeedbackGain"`
	GridImportBiasW       float64 `yaml:"gridImportBiasWatts"`
	Smoothing             float64 `yaml:"smoothing"`
	MinPctStep            int     `yaml:"minPctStep"`
	MinWriteSeconds       int     `yaml:"minWriteSeconds"`
	TickSeconds           int     `yaml:"tickSeconds"`
}

// Inputs for one decision: the freshness-gated source views plus the
// last commanded percent, nil before the first write.
type Inputs struct {
	ExportCosts  bool
	AlphaEnabled bool
	AlphaOk      bool
	Alpha        alphaess.Snapshot
	PrevPct      *int
}

// Decision is the outcome of the policy for one tick.
type Decision struct {
	ExportCosts bool   `json:"export_costs"`
	TargetW     int    `json:"target_w"`
	RawPct      int    `json:"raw_pct"`
	WantPct     int    `json:"want_pct"`
	Enabled     bool   `json:"enabled"`
	Reason      string `json:"reason"`
}

// Decide runs the ordered policy branches, converts the target to a
// percent, smooths it against the last commanded percent and recomputes
// the watts the chosen percent actually represents.
func Decide(settings Settings, inputs Inputs) Decision {
	targetW, reason := targetWatts(settings, inputs)

	rawPct := pctFromWatts(targetW, settings.RatedWatts)

	prevPct := rawPct
	if inputs.PrevPct != nil {
		prevPct = *inputs.PrevPct
	}
	wantPct := rawPct
	if settings.Smoothing > 0 {
		wantPct = int(math.Round(float64(prevPct)*settings.Smoothing + float64(rawPct)*(1-settings.Smoothing)))
	}
	wantPct = clampInt(wantPct, 0, 100)

	return Decision{
		ExportCosts: inputs.ExportCosts,
		TargetW:     int(math.Round(float64(wantPct) / 100 * float64(settings.RatedWatts))),
		RawPct:      rawPct,
		WantPct:     wantPct,
		Enabled:     inputs.ExportCosts,
		Reason:      reason,
	}
}

func targetWatts(settings Settings, inputs Inputs) (int, string) {
	rated := settings.RatedWatts

	if !inputs.ExportCosts {
		return rated, ReasonExportAllowed
	}

	if !inputs.AlphaOk {
		if inputs.AlphaEnabled {
			return 0, ReasonAlphaStale
		}
		return 0, ReasonAlphaDisabled
	}

	alpha := inputs.Alpha
	battNotFull := alpha.Soc != nil && *alpha.Soc < settings.FullSocPct

	if battNotFull {
		return belowFullTarget(settings, inputs)
	}
	return batteryFullTarget(settings, alpha)
}

// belowFullTarget lets the inverter run flat out while grid export
// stays within the allowance, then walks the previous target down by
// gain-scaled feedback once export exceeds it.
func belowFullTarget(settings Settings, inputs Inputs) (int, string) {
	alpha := inputs.Alpha
	allowance := math.Max(0, settings.ExportAllowanceW)
	exportW := alpha.GridExportW()
	importW := alpha.GridImportW()

	if exportW <= allowance {
		return settings.RatedWatts,
			fmt.Sprintf("soc<%.1f%% export<=%.0fW", settings.FullSocPct, allowance)
	}

	prevPct := 100
	if inputs.PrevPct != nil {
		prevPct = *inputs.PrevPct
	}
	prevTargetW := math.Round(float64(prevPct) / 100 * float64(settings.RatedWatts))

	target := prevTargetW - settings.GridFeedbackGain*(exportW-allowance)
	if importW > 0 {
		target += settings.GridFeedbackGain * importW
	}

	return clampWatts(target, settings.RatedWatts),
		fmt.Sprintf("soc<%.1f%% export=%.0fW>allow%.0fW", settings.FullSocPct, exportW, allowance)
}

// batteryFullTarget covers house load plus desired battery charge and
// trims residual export with grid feedback and a small import bias.
func batteryFullTarget(settings Settings, alpha alphaess.Snapshot) (int, string) {
	loadW := 0.0
	if alpha.LoadW != nil {
		loadW = *alpha.LoadW
	}

	desiredChargeW := alpha.ChargingW()
	autoAddW := 0.0
	if alpha.Soc != nil && settings.AutoChargeW > 0 && settings.AutoChargeBelowSocPct > 0 &&
		*alpha.Soc < settings.AutoChargeBelowSocPct {
		capW := math.Max(0, math.Min(settings.AutoChargeW, settings.AutoChargeMaxW))
		if capW > desiredChargeW {
			autoAddW = capW - desiredChargeW
			desiredChargeW = capW
		}
	}

	target := math.Max(0, loadW+desiredChargeW)
	if alpha.ImportW != nil {
		target += settings.GridFeedbackGain * alpha.GridImportW()
		target -= settings.GridFeedbackGain * alpha.GridExportW()
		target -= settings.GridImportBiasW
	}

	reason := fmt.Sprintf("pload=%.0fW charge=%.0fW", loadW, desiredChargeW)
	if autoAddW > 0 {
		reason += fmt.Sprintf("(auto+%.0fW)", autoAddW)
	}
	return clampWatts(target, settings.RatedWatts), reason
}

func pctFromWatts(targetW, ratedW int) int {
	if ratedW <= 0 {
		return 0
	}
	pct := int(math.Round(float64(targetW) / float64(ratedW) * 100))
	return clampInt(pct, 0, 100)
}

func clampWatts(target float64, ratedW int) int {
	return int(math.Round(math.Max(0, math.Min(float64(ratedW), target))))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
