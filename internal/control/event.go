package control

import (
	"time"

	"github.com/mjoconr/GoodweAplhaAmberControl/internal/goodwe"
)

// EventPublisher delivers serialized decision events to whatever
// transport is configured. Publish must not block the control loop for
// longer than its own internal timeout.
type EventPublisher interface {
	Publish(topicSuffix string, payload string)
	Close()
}

// DecisionTopicSuffix is the topic suffix decision events publish to.
const DecisionTopicSuffix = "control/decision"

// Event is the per-tick record of what the loop saw, decided and did.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Sources   Sources   `json:"sources"`
	Decision  Decision  `json:"decision"`
	Actuation Actuation `json:"actuation"`
}

type Sources struct {
	Amber  AmberSource  `json:"amber"`
	Alpha  AlphaSource  `json:"alpha"`
	Goodwe GoodweSource `json:"goodwe"`
}

// AmberSource describes the price view. State is "ok", "stale" or
// "none"; export always counts as costing money unless state is ok.
type AmberSource struct {
	State        string   `json:"state"`
	AgeSeconds   *int     `json:"age_s,omitempty"`
	ImportPriceC *float64 `json:"import_c,omitempty"`
	FeedInPriceC *float64 `json:"feedin_c,omitempty"`
	ImportPowerW *int     `json:"import_power_w,omitempty"`
	FeedInPowerW *int     `json:"feedin_power_w,omitempty"`
	IntervalEnd  *string  `json:"interval_end,omitempty"`
	LastError    string   `json:"error,omitempty"`
}

type AlphaSource struct {
	Enabled    bool     `json:"enabled"`
	Ok         bool     `json:"ok"`
	AgeSeconds *int     `json:"age_s,omitempty"`
	SysSn      string   `json:"sys_sn,omitempty"`
	Soc        *float64 `json:"soc,omitempty"`
	LoadW      *float64 `json:"pload_w,omitempty"`
	ChargeW    *float64 `json:"pbat_w,omitempty"`
	ImportW    *float64 `json:"pgrid_w,omitempty"`
	PvW        *float64 `json:"ppv_w,omitempty"`
	State      string   `json:"batt_state,omitempty"`
	LastError  string   `json:"error,omitempty"`
}

type GoodweSource struct {
	Profile       string               `json:"profile"`
	GenPowerW     *int                 `json:"gen_w,omitempty"`
	FeedPowerW    *int                 `json:"feed_w,omitempty"`
	InverterTempC *float64             `json:"temp_c,omitempty"`
	MeterOK       *int                 `json:"meter_ok,omitempty"`
	Limiter       *goodwe.LimiterState `json:"limiter,omitempty"`
}

type Actuation struct {
	WriteAttempted bool   `json:"write_attempted"`
	WriteOk        bool   `json:"write_ok"`
	WriteError     string `json:"write_error,omitempty"`
}
