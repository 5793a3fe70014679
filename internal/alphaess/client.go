package alphaess

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://openapi.alphaess.com/api"

// Configuration for the AlphaESS battery telemetry source.
type Configuration struct {
	AppID                 string  `yaml:"appId"`
	AppSecret             string  `yaml:"appSecret"`
	BaseURL               string  `yaml:"baseUrl"`
	SysSn                 string  `yaml:"sysSn"`
	PollSeconds           int     `yaml:"pollSeconds"`
	TimeoutSeconds        int     `yaml:"timeoutSeconds"`
	MaxStaleSeconds       int     `yaml:"maxStaleSeconds"`
	PbatPositiveIsCharge  *bool   `yaml:"pbatPositiveIsCharge"`
	PgridPositiveIsImport *bool   `yaml:"pgridPositiveIsImport"`
	IdleThresholdWatts    float64 `yaml:"idleThresholdWatts"`
}

// Enabled reports whether credentials are present. Without them the
// battery source stays off and the control loop limits conservatively.
func (c *Configuration) Enabled() bool {
	return c.AppID != "" && c.AppSecret != ""
}

// Client talks to the AlphaESS open API. Every request carries the
// appId/timeStamp/sign header triplet the API authenticates with.
type Client struct {
	baseURL   string
	appID     string
	appSecret string
	http      *http.Client

	// now is swappable so signing is deterministic under test.
	now func() time.Time
}

func NewClient(config Configuration) *Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		appID:     config.AppID,
		appSecret: config.AppSecret,
		http:      &http.Client{Timeout: timeout},
		now:       time.Now,
	}
}

type envelope struct {
	Code json.RawMessage `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// okCode accepts the success codes the API uses interchangeably:
// numeric or string 0 and 200, or no code at all.
func (e envelope) okCode() bool {
	trimmed := strings.Trim(strings.TrimSpace(string(e.Code)), `"`)
	switch trimmed {
	case "", "null", "0", "200":
		return true
	}
	return false
}

// sign computes hex(sha512(appId + appSecret + timestamp)).
func sign(appID, appSecret, timestamp string) string {
	sum := sha512.Sum512([]byte(appID + appSecret + timestamp))
	return hex.EncodeToString(sum[:])
}

func (c *Client) get(path string, params url.Values, out interface{}) error {
	if c.appID == "" || c.appSecret == "" {
		return fmt.Errorf("alphaess appId / appSecret not set")
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("appId", c.appID)
	req.Header.Set("timeStamp", timestamp)
	req.Header.Set("sign", sign(c.appID, c.appSecret, timestamp))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("alphaess request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("alphaess response read failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alphaess %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("alphaess %s: bad payload: %w", path, err)
	}
	if !env.okCode() {
		return fmt.Errorf("alphaess %s rejected: code=%s msg=%s", path, strings.TrimSpace(string(env.Code)), env.Msg)
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("alphaess %s: empty data", path)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("alphaess %s: bad data: %w", path, err)
	}
	return nil
}

// EssUnit is one registered system, as listed by getEssList.
type EssUnit struct {
	SysSn string `json:"sysSn"`
}

// GetEssList returns the systems registered to the account.
func (c *Client) GetEssList() ([]EssUnit, error) {
	var units []EssUnit
	if err := c.get("/getEssList", nil, &units); err != nil {
		return nil, err
	}
	return units, nil
}

// GetLastPowerData returns the raw key/value power report for one
// system. Field names vary across firmware, so the caller resolves
// aliases case-insensitively.
func (c *Client) GetLastPowerData(sysSn string) (map[string]interface{}, error) {
	var data map[string]interface{}
	params := url.Values{"sysSn": {sysSn}}
	if err := c.get("/getLastPowerData", params, &data); err != nil {
		return nil, err
	}
	return data, nil
}
