package config

import (
	"strings"
	"testing"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		errMsg  string
		check   func(*testing.T, Config)
	}{
		{
			name: "valid configuration with all fields",
			yaml: `
exportControl:
  httpPort: 8080
  topicPrefix: site1
  goodwe:
    host: 192.168.1.20:502
    unitId: 1
    ratedWatts: 6000
  amber:
    siteId: site-abc
    apiKey: key-abc
  alphaess:
    appId: app-1
    appSecret: secret-1
    sysSn: AL1000
  mqtt:
    enabled: true
    host: mqtt://localhost:1883
    username: user
    password: pass
`,
			wantErr: false,
			check: func(t *testing.T, c Config) {
				if c.ExportControl.HTTPPort != 8080 {
					t.Errorf("HTTPPort = %d, want 8080", c.ExportControl.HTTPPort)
				}
				if c.ExportControl.TopicPrefix != "site1" {
					t.Errorf("TopicPrefix = %s, want site1", c.ExportControl.TopicPrefix)
				}
				if c.ExportControl.Goodwe.Host != "192.168.1.20:502" {
					t.Errorf("Goodwe Host = %s", c.ExportControl.Goodwe.Host)
				}
				if c.ExportControl.Goodwe.UnitID != 1 {
					t.Errorf("Goodwe UnitID = %d, want 1", c.ExportControl.Goodwe.UnitID)
				}
				if c.ExportControl.Goodwe.RatedWatts != 6000 {
					t.Errorf("Goodwe RatedWatts = %d, want 6000", c.ExportControl.Goodwe.RatedWatts)
				}
				if !c.ExportControl.Mqtt.Enabled {
					t.Error("MQTT should be enabled")
				}
				if !c.ExportControl.AlphaESS.Enabled() {
					t.Error("AlphaESS should be enabled with credentials set")
				}
				if !c.AmberConfigured() {
					t.Error("Amber should be configured")
				}
			},
		},
		{
			name: "defaults applied",
			yaml: `
exportControl:
  goodwe:
    host: 192.168.1.20:502
`,
			wantErr: false,
			check: func(t *testing.T, c Config) {
				ec := c.ExportControl
				if ec.TopicPrefix != "export" {
					t.Errorf("TopicPrefix = %s, want export", ec.TopicPrefix)
				}
				if ec.Goodwe.UnitID != 247 {
					t.Errorf("Goodwe UnitID = %d, want 247", ec.Goodwe.UnitID)
				}
				if ec.Goodwe.RatedWatts != 5000 {
					t.Errorf("Goodwe RatedWatts = %d, want 5000", ec.Goodwe.RatedWatts)
				}
				if ec.Goodwe.ExportSwitchRegister != 291 || ec.Goodwe.ExportPctRegister != 292 ||
					ec.Goodwe.ExportPct10Register != 293 || ec.Goodwe.ActivePctRegister != 256 {
					t.Errorf("limit registers = %d/%d/%d/%d, want 291/292/293/256",
						ec.Goodwe.ExportSwitchRegister, ec.Goodwe.ExportPctRegister,
						ec.Goodwe.ExportPct10Register, ec.Goodwe.ActivePctRegister)
				}
				if ec.Goodwe.LimitMode != "pct" {
					t.Errorf("LimitMode = %s, want pct", ec.Goodwe.LimitMode)
				}
				if ec.Goodwe.RuntimeProfile != "auto" {
					t.Errorf("RuntimeProfile = %s, want auto", ec.Goodwe.RuntimeProfile)
				}
				if ec.Amber.ResolutionMinutes != 5 || ec.Amber.MaxStaleSeconds != 900 ||
					ec.Amber.PollSlackSeconds != 2 || ec.Amber.RetryBackoffSeconds != 30 {
					t.Error("amber defaults not applied")
				}
				if ec.AlphaESS.PollSeconds != 5 || ec.AlphaESS.MaxStaleSeconds != 30 ||
					ec.AlphaESS.IdleThresholdWatts != 50 {
					t.Error("alphaess defaults not applied")
				}
				if ec.Control.RatedWatts != 5000 {
					t.Errorf("Control RatedWatts = %d, want inherited 5000", ec.Control.RatedWatts)
				}
				if ec.Control.FullSocPct != 99.5 || ec.Control.ExportAllowanceW != 50 ||
					ec.Control.GridFeedbackGain != 1.0 || ec.Control.GridImportBiasW != 50 {
					t.Error("control policy defaults not applied")
				}
				if ec.Control.Smoothing != 0.2 || ec.Control.MinPctStep != 1 ||
					ec.Control.MinWriteSeconds != 10 || ec.Control.TickSeconds != 10 {
					t.Error("control loop defaults not applied")
				}
				if ec.HTTPPort != 0 {
					t.Errorf("HTTPPort = %d, want 0 (disabled)", ec.HTTPPort)
				}
			},
		},
		{
			name: "control rated watts follows goodwe rated watts",
			yaml: `
exportControl:
  goodwe:
    host: 192.168.1.20:502
    ratedWatts: 8000
`,
			wantErr: false,
			check: func(t *testing.T, c Config) {
				if c.ExportControl.Control.RatedWatts != 8000 {
					t.Errorf("Control RatedWatts = %d, want 8000", c.ExportControl.Control.RatedWatts)
				}
			},
		},
		{
			name: "missing goodwe host",
			yaml: `
exportControl:
  httpPort: 8080
`,
			wantErr: true,
			errMsg:  "goodwe host is required",
		},
		{
			name: "invalid http port",
			yaml: `
exportControl:
  httpPort: 70000
  goodwe:
    host: 192.168.1.20:502
`,
			wantErr: true,
			errMsg:  "invalid HTTP port",
		},
		{
			name: "invalid limit mode",
			yaml: `
exportControl:
  goodwe:
    host: 192.168.1.20:502
    limitMode: bogus
`,
			wantErr: true,
			errMsg:  "invalid goodwe limit mode",
		},
		{
			name: "invalid runtime profile",
			yaml: `
exportControl:
  goodwe:
    host: 192.168.1.20:502
    runtimeProfile: xy
`,
			wantErr: true,
			errMsg:  "invalid goodwe runtime profile",
		},
		{
			name: "invalid smoothing",
			yaml: `
exportControl:
  goodwe:
    host: 192.168.1.20:502
  control:
    smoothing: 1.5
`,
			wantErr: true,
			errMsg:  "smoothing",
		},
		{
			name: "multiple publishers enabled",
			yaml: `
exportControl:
  goodwe:
    host: 192.168.1.20:502
  mqtt:
    enabled: true
    host: mqtt://localhost:1883
  file:
    enabled: true
    filename: /var/log/events.jsonl
`,
			wantErr: true,
			errMsg:  "only one publisher",
		},
		{
			name: "mqtt enabled without host",
			yaml: `
exportControl:
  goodwe:
    host: 192.168.1.20:502
  mqtt:
    enabled: true
`,
			wantErr: true,
			errMsg:  "MQTT host is required",
		},
		{
			name: "solace enabled without vpn",
			yaml: `
exportControl:
  goodwe:
    host: 192.168.1.20:502
  solace:
    enabled: true
    host: tcp://localhost:55555
`,
			wantErr: true,
			errMsg:  "VPN name is required",
		},
		{
			name: "sns enabled without topic arn",
			yaml: `
exportControl:
  goodwe:
    host: 192.168.1.20:502
  sns:
    enabled: true
    region: ap-southeast-2
`,
			wantErr: true,
			errMsg:  "topic ARN is required",
		},
		{
			name: "remote write enabled without url",
			yaml: `
exportControl:
  goodwe:
    host: 192.168.1.20:502
  remoteWrite:
    enabled: true
`,
			wantErr: true,
			errMsg:  "remoteWrite.url is required",
		},
		{
			name: "active_pct limit mode accepted",
			yaml: `
exportControl:
  goodwe:
    host: 192.168.1.20:502
    limitMode: active_pct
`,
			wantErr: false,
			check: func(t *testing.T, c Config) {
				if c.ExportControl.Goodwe.LimitMode != "active_pct" {
					t.Errorf("LimitMode = %s, want active_pct", c.ExportControl.Goodwe.LimitMode)
				}
			},
		},
		{
			name:    "malformed yaml",
			yaml:    `exportControl: [`,
			wantErr: true,
			errMsg:  "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := Load([]byte(tt.yaml))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %q, want it to contain %q", err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, config)
			}
		})
	}
}

func TestApplyEnvironment(t *testing.T) {
	t.Setenv("AMBER_SITE_ID", "env-site")
	t.Setenv("AMBER_API_KEY", "env-key")
	t.Setenv("ALPHAESS_APP_ID", "env-app")
	t.Setenv("ALPHAESS_APP_SECRET", "env-secret")
	t.Setenv("ALPHAESS_SYS_SN", "AL9000")

	config, err := Load([]byte(`
exportControl:
  goodwe:
    host: 192.168.1.20:502
  amber:
    siteId: yaml-site
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	config.ApplyEnvironment()

	// YAML wins over the environment.
	if config.ExportControl.Amber.SiteID != "yaml-site" {
		t.Errorf("SiteID = %s, want yaml-site", config.ExportControl.Amber.SiteID)
	}
	if config.ExportControl.Amber.APIKey != "env-key" {
		t.Errorf("APIKey = %s, want env-key", config.ExportControl.Amber.APIKey)
	}
	if config.ExportControl.AlphaESS.AppID != "env-app" {
		t.Errorf("AppID = %s, want env-app", config.ExportControl.AlphaESS.AppID)
	}
	if config.ExportControl.AlphaESS.SysSn != "AL9000" {
		t.Errorf("SysSn = %s, want AL9000", config.ExportControl.AlphaESS.SysSn)
	}
	if !config.AmberConfigured() || !config.ExportControl.AlphaESS.Enabled() {
		t.Error("credentials from environment not recognized")
	}
}
