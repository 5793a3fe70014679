package goodwe

import (
	"errors"
	"testing"
)

// mockBus is a function-field mock of RegisterBus shared by the package
// tests.
type mockBus struct {
	ReadHoldingFunc   func(address, quantity uint16) ([]uint16, error)
	ReadInputFunc     func(address, quantity uint16) ([]uint16, error)
	WriteRegisterFunc func(address, value uint16) error

	writes []writeCall
}

type writeCall struct {
	Address uint16
	Value   uint16
}

var _ RegisterBus = (*mockBus)(nil)

func (m *mockBus) ReadHolding(address, quantity uint16) ([]uint16, error) {
	if m.ReadHoldingFunc != nil {
		return m.ReadHoldingFunc(address, quantity)
	}
	return nil, errors.New("ReadHolding not implemented")
}

func (m *mockBus) ReadInput(address, quantity uint16) ([]uint16, error) {
	if m.ReadInputFunc != nil {
		return m.ReadInputFunc(address, quantity)
	}
	return nil, errors.New("ReadInput not implemented")
}

func (m *mockBus) WriteRegister(address, value uint16) error {
	m.writes = append(m.writes, writeCall{Address: address, Value: value})
	if m.WriteRegisterFunc != nil {
		return m.WriteRegisterFunc(address, value)
	}
	return nil
}

func testConfig() Configuration {
	return Configuration{
		Host:                 "127.0.0.1:502",
		UnitID:               247,
		RatedWatts:           5000,
		LimitMode:            LimitModePct,
		ExportSwitchRegister: 291,
		ExportPctRegister:    292,
		ExportPct10Register:  293,
		ActivePctRegister:    256,
	}
}

func TestLimiter_SetLimit(t *testing.T) {
	tests := []struct {
		name          string
		mode          string
		alwaysEnabled bool
		enabled       bool
		pct           int
		wantWrites    []writeCall
	}{
		{
			name:          "pct mode writes switch, pct and tenths mirror",
			mode:          LimitModePct,
			alwaysEnabled: false,
			enabled:       true,
			pct:           40,
			wantWrites:    []writeCall{{291, 1}, {292, 40}, {293, 400}},
		},
		{
			name:          "disabled request with always enabled forces switch on",
			mode:          LimitModePct,
			alwaysEnabled: true,
			enabled:       false,
			pct:           0,
			wantWrites:    []writeCall{{291, 1}, {292, 0}, {293, 0}},
		},
		{
			name:          "disabled request without always enabled",
			mode:          LimitModePct,
			alwaysEnabled: false,
			enabled:       false,
			pct:           25,
			wantWrites:    []writeCall{{291, 0}, {292, 25}, {293, 250}},
		},
		{
			name:          "percent clamped above 100",
			mode:          LimitModePct,
			alwaysEnabled: true,
			enabled:       true,
			pct:           250,
			wantWrites:    []writeCall{{291, 1}, {292, 100}, {293, 1000}},
		},
		{
			name:          "percent clamped below 0",
			mode:          LimitModePct,
			alwaysEnabled: true,
			enabled:       true,
			pct:           -5,
			wantWrites:    []writeCall{{291, 1}, {292, 0}, {293, 0}},
		},
		{
			name:          "active pct mode writes the single register",
			mode:          LimitModeActivePct,
			alwaysEnabled: true,
			enabled:       true,
			pct:           60,
			wantWrites:    []writeCall{{291, 1}, {256, 60}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &mockBus{}
			config := testConfig()
			config.LimitMode = tt.mode
			config.AlwaysEnabled = &tt.alwaysEnabled

			limiter := NewLimiter(bus, config)
			if err := limiter.SetLimit(tt.enabled, tt.pct); err != nil {
				t.Fatalf("SetLimit() error = %v", err)
			}

			if len(bus.writes) != len(tt.wantWrites) {
				t.Fatalf("writes = %v, want %v", bus.writes, tt.wantWrites)
			}
			for i, want := range tt.wantWrites {
				if bus.writes[i] != want {
					t.Errorf("write[%d] = %v, want %v", i, bus.writes[i], want)
				}
			}
		})
	}
}

func TestLimiter_SetLimit_PartialWrite(t *testing.T) {
	bus := &mockBus{
		WriteRegisterFunc: func(address, _ uint16) error {
			if address == 293 {
				return &IOError{Op: "write_register", Err: errors.New("timeout")}
			}
			return nil
		},
	}
	limiter := NewLimiter(bus, testConfig())

	err := limiter.SetLimit(true, 50)
	if err == nil {
		t.Fatal("SetLimit() should surface the mirror write failure")
	}

	// The first two registers were still written; the caller reconciles on
	// the next tick rather than rolling back.
	if len(bus.writes) != 3 {
		t.Fatalf("writes = %v, want 3 attempts", bus.writes)
	}
}

func TestLimiter_ReadCurrent(t *testing.T) {
	t.Run("pct mode reads all three registers", func(t *testing.T) {
		bus := &mockBus{
			ReadHoldingFunc: func(address, _ uint16) ([]uint16, error) {
				switch address {
				case 291:
					return []uint16{1}, nil
				case 292:
					return []uint16{40}, nil
				case 293:
					return []uint16{400}, nil
				}
				return nil, errors.New("unexpected register")
			},
		}
		limiter := NewLimiter(bus, testConfig())

		state, err := limiter.ReadCurrent()
		if err != nil {
			t.Fatalf("ReadCurrent() error = %v", err)
		}
		want := LimiterState{Enabled: true, Pct: 40, Pct10: 400}
		if state != want {
			t.Errorf("ReadCurrent() = %v, want %v", state, want)
		}
	})

	t.Run("read failure is returned, not panicked", func(t *testing.T) {
		bus := &mockBus{
			ReadHoldingFunc: func(_, _ uint16) ([]uint16, error) {
				return nil, &IOError{Op: "read_holding", Err: errors.New("connection reset")}
			},
		}
		limiter := NewLimiter(bus, testConfig())

		if _, err := limiter.ReadCurrent(); err == nil {
			t.Fatal("ReadCurrent() should return the bus error")
		}
	})
}
