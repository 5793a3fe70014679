package amber

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.amber.com.au/v1"

// Configuration for the Amber price source.
type Configuration struct {
	SiteID                 string `yaml:"siteId"`
	APIKey                 string `yaml:"apiKey"`
	BaseURL                string `yaml:"baseUrl"`
	ResolutionMinutes      int    `yaml:"resolutionMinutes"`
	FetchUsage             *bool  `yaml:"fetchUsage"`
	UsageResolutionMinutes int    `yaml:"usageResolutionMinutes"`
	MaxStaleSeconds        int    `yaml:"maxStaleSeconds"`
	PollSlackSeconds       int    `yaml:"pollSlackSeconds"`
	RetryBackoffSeconds    int    `yaml:"retryBackoffSeconds"`
	TimeoutSeconds         int    `yaml:"timeoutSeconds"`
}

// FetchUsageEnabled defaults to true: usage intervals give the loop an
// average-power view of the current pricing interval.
func (c *Configuration) FetchUsageEnabled() bool {
	return c.FetchUsage == nil || *c.FetchUsage
}

// Client talks to the Amber REST API for one site.
type Client struct {
	baseURL string
	siteID  string
	apiKey  string
	http    *http.Client
}

// NewClient builds an API client. The base URL is overridable for tests.
func NewClient(config Configuration) *Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		siteID:  config.SiteID,
		apiKey:  config.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// CurrentPrices is the parsed result of the current-prices endpoint.
type CurrentPrices struct {
	ImportPrice   *float64
	FeedInPrice   *float64
	IntervalStart *time.Time
	IntervalEnd   *time.Time
}

// UsageInterval is one usage entry (kWh over an interval, per channel).
type UsageInterval struct {
	ChannelType string `json:"channelType"`
	Channel     string `json:"channel"`
	Kwh         *float64
	StartTime   *time.Time
	EndTime     *time.Time
}

type priceEntry struct {
	PerKwh            *float64        `json:"perKwh"`
	ChannelType       string          `json:"channelType"`
	Channel           string          `json:"channel"`
	Descriptor        string          `json:"descriptor"`
	Type              string          `json:"type"`
	TariffInformation json.RawMessage `json:"tariffInformation"`
	StartTime         string          `json:"startTime"`
	EndTime           string          `json:"endTime"`
}

type usageEntry struct {
	ChannelType string   `json:"channelType"`
	Channel     string   `json:"channel"`
	Kwh         *float64 `json:"kwh"`
	StartTime   string   `json:"startTime"`
	EndTime     string   `json:"endTime"`
}

// isFeedIn classifies a channel by the "feed" marker in its channel,
// descriptor or tariff text, the way Amber labels feed-in channels.
func (p priceEntry) isFeedIn() bool {
	haystack := strings.ToLower(strings.Join([]string{
		p.ChannelType, p.Channel, p.Descriptor, p.Type, string(p.TariffInformation),
	}, " "))
	return strings.Contains(haystack, "feed")
}

// GetCurrentPrices fetches and classifies the per-channel prices for the
// current interval. The newest interval bound seen across channels wins.
func (c *Client) GetCurrentPrices(resolutionMinutes int) (CurrentPrices, error) {
	var entries []priceEntry
	params := url.Values{"resolution": {strconv.Itoa(resolutionMinutes)}}
	if err := c.get("/prices/current", params, &entries); err != nil {
		return CurrentPrices{}, err
	}

	var out CurrentPrices
	for _, entry := range entries {
		if entry.PerKwh == nil {
			continue
		}
		price := *entry.PerKwh
		if entry.isFeedIn() {
			out.FeedInPrice = &price
		} else {
			out.ImportPrice = &price
		}

		if st := parseTime(entry.StartTime); st != nil {
			if out.IntervalStart == nil || st.After(*out.IntervalStart) {
				out.IntervalStart = st
			}
		}
		if en := parseTime(entry.EndTime); en != nil {
			if out.IntervalEnd == nil || en.After(*out.IntervalEnd) {
				out.IntervalEnd = en
			}
		}
	}
	return out, nil
}

// GetUsage fetches raw usage intervals (kWh) for a date range.
func (c *Client) GetUsage(startDate, endDate string, resolutionMinutes int) ([]UsageInterval, error) {
	var entries []usageEntry
	params := url.Values{
		"startDate":  {startDate},
		"endDate":    {endDate},
		"resolution": {strconv.Itoa(resolutionMinutes)},
	}
	if err := c.get("/usage", params, &entries); err != nil {
		return nil, err
	}

	out := make([]UsageInterval, 0, len(entries))
	for _, entry := range entries {
		out = append(out, UsageInterval{
			ChannelType: entry.ChannelType,
			Channel:     entry.Channel,
			Kwh:         entry.Kwh,
			StartTime:   parseTime(entry.StartTime),
			EndTime:     parseTime(entry.EndTime),
		})
	}
	return out, nil
}

func (c *Client) get(path string, params url.Values, out interface{}) error {
	if c.siteID == "" || c.apiKey == "" {
		return fmt.Errorf("amber siteId / apiKey not set")
	}

	reqURL := fmt.Sprintf("%s/sites/%s%s?%s", c.baseURL, c.siteID, path, params.Encode())
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("amber request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("amber response read failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("amber %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("amber %s: bad payload: %w", path, err)
	}
	return nil
}

// parseTime accepts the RFC3339 stamps Amber returns, with or without a zone.
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
