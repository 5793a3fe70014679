package control

import (
	"strings"
	"testing"

	"github.com/mjoconr/GoodweAplhaAmberControl/internal/alphaess"
)

func floatPtr(f float64) *float64 {
	return &f
}

func intPtr(i int) *int {
	return &i
}

func testSettings() Settings {
	return Settings{
		RatedWatts:            5000,
		ExportCostThresholdC:  0,
		FullSocPct:            99.5,
		ExportAllowanceW:      50,
		AutoChargeW:           1500,
		AutoChargeBelowSocPct: 90,
		AutoChargeMaxW:        3000,
		GridFeedbackGain:      1.0,
		GridImportBiasW:       50,
		Smoothing:             0.2,
		MinPctStep:            1,
		MinWriteSeconds:       10,
		TickSeconds:           10,
	}
}

func batterySnapshot(soc, loadW, chargeW, gridW float64, state string) alphaess.Snapshot {
	return alphaess.Snapshot{
		Soc:     &soc,
		LoadW:   &loadW,
		ChargeW: &chargeW,
		ImportW: &gridW,
		State:   state,
	}
}

func TestTargetWatts(t *testing.T) {
	settings := testSettings()

	tests := []struct {
		name       string
		inputs     Inputs
		wantW      int
		wantReason string
	}{
		{
			name: "full battery no auto-charge",
			inputs: Inputs{
				ExportCosts:  true,
				AlphaEnabled: true,
				AlphaOk:      true,
				Alpha:        batterySnapshot(100, 500, 0, 0, alphaess.BatteryIdle),
			},
			wantW:      450,
			wantReason: "pload=500W charge=0W",
		},
		{
			name: "export not costing money",
			inputs: Inputs{
				ExportCosts:  false,
				AlphaEnabled: true,
				AlphaOk:      true,
				Alpha:        batterySnapshot(100, 500, 0, 0, alphaess.BatteryIdle),
			},
			wantW:      5000,
			wantReason: ReasonExportAllowed,
		},
		{
			name: "battery stale while export costs",
			inputs: Inputs{
				ExportCosts:  true,
				AlphaEnabled: true,
				AlphaOk:      false,
			},
			wantW:      0,
			wantReason: ReasonAlphaStale,
		},
		{
			name: "battery source not configured",
			inputs: Inputs{
				ExportCosts: true,
			},
			wantW:      0,
			wantReason: ReasonAlphaDisabled,
		},
		{
			name: "soc below full export within allowance",
			inputs: Inputs{
				ExportCosts:  true,
				AlphaEnabled: true,
				AlphaOk:      true,
				Alpha:        batterySnapshot(80, 500, 0, -30, alphaess.BatteryIdle),
			},
			wantW:      5000,
			wantReason: "soc<99.5% export<=50W",
		},
		{
			name: "soc below full export beyond allowance",
			inputs: Inputs{
				ExportCosts:  true,
				AlphaEnabled: true,
				AlphaOk:      true,
				Alpha:        batterySnapshot(80, 500, 0, -200, alphaess.BatteryIdle),
				PrevPct:      intPtr(100),
			},
			wantW:      4850,
			wantReason: "soc<99.5% export=200W>allow50W",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			gotW, gotReason := targetWatts(settings, test.inputs)
			if gotW != test.wantW {
				t.Errorf("target = %dW, want %dW", gotW, test.wantW)
			}
			if gotReason != test.wantReason {
				t.Errorf("reason = %q, want %q", gotReason, test.wantReason)
			}
		})
	}
}

func TestTargetWatts_AutoCharge(t *testing.T) {
	settings := testSettings()
	// Full threshold below the auto-charge threshold: 85% counts as
	// full but still wants the auto-charge headroom.
	settings.FullSocPct = 80

	// Idle battery below the auto-charge threshold: leave headroom for
	// the configured charge power on top of the load.
	inputs := Inputs{
		ExportCosts:  true,
		AlphaEnabled: true,
		AlphaOk:      true,
		Alpha: alphaess.Snapshot{
			Soc:   floatPtr(85),
			LoadW: floatPtr(400),
			State: alphaess.BatteryIdle,
		},
	}

	gotW, gotReason := targetWatts(settings, inputs)
	if gotW != 1900 {
		t.Errorf("target = %dW, want 1900W (400W load + 1500W auto-charge)", gotW)
	}
	if !strings.Contains(gotReason, "auto+1500W") {
		t.Errorf("reason = %q, want auto-charge noted", gotReason)
	}
}

func TestTargetWatts_AutoChargeNotBelowMeasured(t *testing.T) {
	settings := testSettings()
	settings.FullSocPct = 80
	settings.AutoChargeW = 1500

	// Battery already charging harder than the auto-charge allowance:
	// the measured charge wins.
	inputs := Inputs{
		ExportCosts:  true,
		AlphaEnabled: true,
		AlphaOk:      true,
		Alpha:        batterySnapshot(85, 400, 2000, 0, alphaess.BatteryCharging),
	}

	gotW, gotReason := targetWatts(settings, inputs)
	if gotW != 2350 {
		t.Errorf("target = %dW, want 2350W (400 + 2000 - 50 bias)", gotW)
	}
	if strings.Contains(gotReason, "auto+") {
		t.Errorf("reason = %q, auto-charge should not apply", gotReason)
	}
}

func TestTargetWatts_GridFeedbackClamping(t *testing.T) {
	settings := testSettings()

	// Massive export beyond the allowance walks the target to zero,
	// never below.
	inputs := Inputs{
		ExportCosts:  true,
		AlphaEnabled: true,
		AlphaOk:      true,
		Alpha:        batterySnapshot(80, 500, 0, -20000, alphaess.BatteryIdle),
		PrevPct:      intPtr(50),
	}

	gotW, _ := targetWatts(settings, inputs)
	if gotW != 0 {
		t.Errorf("target = %dW, want 0 after clamping", gotW)
	}
}

func TestDecide_SmoothingFixedPoint(t *testing.T) {
	settings := testSettings()

	// When the raw percent equals the previous commanded percent the
	// smoothed output must not drift.
	inputs := Inputs{ExportCosts: false, PrevPct: intPtr(100)}
	decision := Decide(settings, inputs)
	if decision.WantPct != 100 {
		t.Errorf("WantPct = %d, want 100 fixed point", decision.WantPct)
	}
	if decision.TargetW != 5000 {
		t.Errorf("TargetW = %d, want 5000", decision.TargetW)
	}
}

func TestDecide_SmoothingConverges(t *testing.T) {
	settings := testSettings()

	// Raw target pinned at 0 while the previous command was 100: the
	// sequence of commanded percents must strictly decrease to 0.
	inputs := Inputs{
		ExportCosts:  true,
		AlphaEnabled: true,
		AlphaOk:      false,
		PrevPct:      intPtr(100),
	}

	prev := 100
	for i := 0; i < 50; i++ {
		decision := Decide(settings, inputs)
		if decision.RawPct != 0 {
			t.Fatalf("RawPct = %d, want 0", decision.RawPct)
		}
		if prev > 0 && decision.WantPct >= prev {
			t.Fatalf("step %d: WantPct %d did not decrease from %d", i, decision.WantPct, prev)
		}
		prev = decision.WantPct
		inputs.PrevPct = intPtr(prev)
		if prev == 0 {
			return
		}
	}
	t.Errorf("WantPct did not converge to 0, stuck at %d", prev)
}

func TestDecide_NoSmoothingFirstTick(t *testing.T) {
	settings := testSettings()

	// Without a previous command the raw percent is used as-is.
	decision := Decide(settings, Inputs{ExportCosts: false})
	if decision.WantPct != 100 || decision.RawPct != 100 {
		t.Errorf("WantPct = %d RawPct = %d, want 100/100", decision.WantPct, decision.RawPct)
	}
	if decision.Enabled {
		t.Error("Enabled = true, want false when export is allowed")
	}
}

func TestDecide_EnabledFollowsExportCosts(t *testing.T) {
	settings := testSettings()

	decision := Decide(settings, Inputs{ExportCosts: true})
	if !decision.Enabled {
		t.Error("Enabled = false while export costs money")
	}
}

func TestPctFromWatts(t *testing.T) {
	tests := []struct {
		targetW int
		ratedW  int
		want    int
	}{
		{5000, 5000, 100},
		{2500, 5000, 50},
		{450, 5000, 9},
		{0, 5000, 0},
		{6000, 5000, 100},
		{-100, 5000, 0},
		{1000, 0, 0},
	}
	for _, test := range tests {
		if got := pctFromWatts(test.targetW, test.ratedW); got != test.want {
			t.Errorf("pctFromWatts(%d, %d) = %d, want %d", test.targetW, test.ratedW, got, test.want)
		}
	}
}
