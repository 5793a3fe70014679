package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mjoconr/GoodweAplhaAmberControl/internal/alphaess"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/amber"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/control"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/file"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/goodwe"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/mqtt"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/remotewrite"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/sns"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/solace"
)

type Config struct {
	ExportControl ExportControlConfiguration `yaml:"exportControl"`
}

type ExportControlConfiguration struct {
	HTTPPort    int    `yaml:"httpPort"`
	Debug       bool   `yaml:"debug"`
	TopicPrefix string `yaml:"topicPrefix"`

	Goodwe   goodwe.Configuration   `yaml:"goodwe"`
	Amber    amber.Configuration    `yaml:"amber"`
	AlphaESS alphaess.Configuration `yaml:"alphaess"`
	Control  control.Settings       `yaml:"control"`

	Mqtt        mqtt.Configuration        `yaml:"mqtt"`
	Solace      solace.Configuration      `yaml:"solace"`
	File        file.Configuration        `yaml:"file"`
	Sns         sns.Configuration         `yaml:"sns"`
	RemoteWrite remotewrite.Configuration `yaml:"remoteWrite"`
}

// Load parses and validates configuration from YAML bytes.
// This is a pure function for testing - it doesn't read files or exit
// the process.
func Load(data []byte) (Config, error) {
	var config Config

	err := yaml.Unmarshal(data, &config)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// ApplyEnvironment fills credentials left out of the YAML from the
// environment, so secrets can live in an env file instead.
func (c *Config) ApplyEnvironment() {
	ec := &c.ExportControl

	if ec.Amber.SiteID == "" {
		ec.Amber.SiteID = os.Getenv("AMBER_SITE_ID")
	}
	if ec.Amber.APIKey == "" {
		ec.Amber.APIKey = os.Getenv("AMBER_API_KEY")
	}
	if ec.AlphaESS.AppID == "" {
		ec.AlphaESS.AppID = os.Getenv("ALPHAESS_APP_ID")
	}
	if ec.AlphaESS.AppSecret == "" {
		ec.AlphaESS.AppSecret = os.Getenv("ALPHAESS_APP_SECRET")
	}
	if ec.AlphaESS.SysSn == "" {
		ec.AlphaESS.SysSn = os.Getenv("ALPHAESS_SYS_SN")
	}
}

// applyDefaults sets default values for optional configuration fields
func (c *Config) applyDefaults() {
	ec := &c.ExportControl

	if ec.TopicPrefix == "" {
		ec.TopicPrefix = "export"
	}

	gw := &ec.Goodwe
	if gw.UnitID == 0 {
		gw.UnitID = 247
	}
	if gw.TimeoutSeconds == 0 {
		gw.TimeoutSeconds = 3
	}
	if gw.Retries == 0 {
		gw.Retries = 3
	}
	if gw.ReconnectMinBackoffSeconds == 0 {
		gw.ReconnectMinBackoffSeconds = 1
	}
	if gw.ReconnectMaxBackoffSeconds == 0 {
		gw.ReconnectMaxBackoffSeconds = 30
	}
	if gw.RatedWatts == 0 {
		gw.RatedWatts = 5000
	}
	if gw.LimitMode == "" {
		gw.LimitMode = goodwe.LimitModePct
	}
	if gw.ExportSwitchRegister == 0 {
		gw.ExportSwitchRegister = 291
	}
	if gw.ExportPctRegister == 0 {
		gw.ExportPctRegister = 292
	}
	if gw.ExportPct10Register == 0 {
		gw.ExportPct10Register = 293
	}
	if gw.ActivePctRegister == 0 {
		gw.ActivePctRegister = 256
	}
	if gw.RuntimeProfile == "" {
		gw.RuntimeProfile = goodwe.ProfileAuto
	}

	am := &ec.Amber
	if am.ResolutionMinutes == 0 {
		am.ResolutionMinutes = 5
	}
	if am.UsageResolutionMinutes == 0 {
		am.UsageResolutionMinutes = 5
	}
	if am.MaxStaleSeconds == 0 {
		am.MaxStaleSeconds = 900
	}
	if am.PollSlackSeconds == 0 {
		am.PollSlackSeconds = 2
	}
	if am.RetryBackoffSeconds == 0 {
		am.RetryBackoffSeconds = 30
	}
	if am.TimeoutSeconds == 0 {
		am.TimeoutSeconds = 10
	}

	al := &ec.AlphaESS
	if al.PollSeconds == 0 {
		al.PollSeconds = 5
	}
	if al.TimeoutSeconds == 0 {
		al.TimeoutSeconds = 12
	}
	if al.MaxStaleSeconds == 0 {
		al.MaxStaleSeconds = 30
	}
	if al.IdleThresholdWatts == 0 {
		al.IdleThresholdWatts = 50
	}

	ct := &ec.Control
	if ct.RatedWatts == 0 {
		ct.RatedWatts = gw.RatedWatts
	}
	if ct.FullSocPct == 0 {
		ct.FullSocPct = 99.5
	}
	if ct.ExportAllowanceW == 0 {
		ct.ExportAllowanceW = 50
	}
	if ct.AutoChargeW == 0 {
		ct.AutoChargeW = 1500
	}
	if ct.AutoChargeBelowSocPct == 0 {
		ct.AutoChargeBelowSocPct = 90
	}
	if ct.AutoChargeMaxW == 0 {
		ct.AutoChargeMaxW = 3000
	}
	if ct.GridFeedbackGain == 0 {
		ct.GridFeedbackGain = 1.0
	}
	if ct.GridImportBiasW == 0 {
		ct.GridImportBiasW = 50
	}
	if ct.Smoothing == 0 {
		ct.Smoothing = 0.2
	}
	if ct.MinPctStep == 0 {
		ct.MinPctStep = 1
	}
	if ct.MinWriteSeconds == 0 {
		ct.MinWriteSeconds = 10
	}
	if ct.TickSeconds == 0 {
		ct.TickSeconds = 10
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	ec := &c.ExportControl

	if ec.HTTPPort < 0 || ec.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d (must be 0-65535, 0 disables)", ec.HTTPPort)
	}

	if ec.Goodwe.Host == "" {
		return fmt.Errorf("goodwe host is required")
	}
	if ec.Goodwe.LimitMode != goodwe.LimitModePct && ec.Goodwe.LimitMode != goodwe.LimitModeActivePct {
		return fmt.Errorf("invalid goodwe limit mode: %q", ec.Goodwe.LimitMode)
	}
	switch ec.Goodwe.RuntimeProfile {
	case goodwe.ProfileAuto, goodwe.ProfileDNS, goodwe.ProfileMT, goodwe.ProfileDisabled:
	default:
		return fmt.Errorf("invalid goodwe runtime profile: %q", ec.Goodwe.RuntimeProfile)
	}

	if ec.Control.Smoothing < 0 || ec.Control.Smoothing >= 1 {
		return fmt.Errorf("control smoothing must be in [0, 1), got %v", ec.Control.Smoothing)
	}
	if ec.Control.TickSeconds <= 0 {
		return fmt.Errorf("control tick must be positive")
	}

	// The publishers are mutually exclusive.
	enabledCount := 0
	if ec.Mqtt.Enabled {
		enabledCount++
	}
	if ec.Solace.Enabled {
		enabledCount++
	}
	if ec.File.Enabled {
		enabledCount++
	}
	if ec.Sns.Enabled {
		enabledCount++
	}
	if ec.RemoteWrite.Enabled {
		enabledCount++
	}
	if enabledCount > 1 {
		return fmt.Errorf("only one publisher can be enabled at a time (MQTT, Solace, File, SNS, or remote_write)")
	}

	if ec.Mqtt.Enabled && ec.Mqtt.Host == "" {
		return fmt.Errorf("MQTT host is required when MQTT is enabled")
	}

	if ec.Solace.Enabled {
		if ec.Solace.Host == "" {
			return fmt.Errorf("solace host is required when Solace is enabled")
		}
		if ec.Solace.VpnName == "" {
			return fmt.Errorf("solace VPN name is required when Solace is enabled")
		}
	}

	if ec.File.Enabled && ec.File.Filename == "" {
		return fmt.Errorf("file filename is required when File publisher is enabled")
	}

	if ec.Sns.Enabled {
		if ec.Sns.TopicArn == "" {
			return fmt.Errorf("SNS topic ARN is required when SNS is enabled")
		}
		if ec.Sns.Region == "" {
			return fmt.Errorf("SNS region is required when SNS is enabled")
		}
	}

	if err := ec.RemoteWrite.Validate(); err != nil {
		return err
	}

	return nil
}

// AmberConfigured reports whether the price source credentials are set.
func (c *Config) AmberConfigured() bool {
	return c.ExportControl.Amber.SiteID != "" && c.ExportControl.Amber.APIKey != ""
}
