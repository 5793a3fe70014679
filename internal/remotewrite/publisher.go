package remotewrite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/snappy"
	"github.com/prometheus/prometheus/prompb"
	log "github.com/sirupsen/logrus"
)

const metricPrefix = "export_control"

// Publisher flattens decision events into time series and pushes them
// to a Prometheus remote_write endpoint. Each numeric or boolean leaf
// of the event JSON becomes one sample.
type Publisher struct {
	config      *Configuration
	httpClient  *http.Client
	topicPrefix string
}

func NewPublisher(config *Configuration, topicPrefix string) (*Publisher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remote_write configuration: %w", err)
	}

	if !config.Enabled {
		log.Info("remote_write publisher disabled via configuration")
		return &Publisher{}, nil
	}

	p := &Publisher{
		config:      config,
		httpClient:  &http.Client{Timeout: config.GetTimeout()},
		topicPrefix: topicPrefix,
	}

	log.WithFields(log.Fields{
		"url":     config.URL,
		"timeout": config.GetTimeout(),
	}).Info("remote_write publisher initialized")

	return p, nil
}

func (p *Publisher) Publish(topicSuffix, payload string) {
	if p.httpClient == nil {
		return
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		log.WithError(err).Error("failed to parse event for remote write")
		return
	}

	timestamp := eventTimestampMs(event)
	samples := map[string]float64{}
	flatten(metricPrefix, event, samples)
	if len(samples) == 0 {
		return
	}

	topic := fmt.Sprintf("%s/%s", p.topicPrefix, topicSuffix)
	writeRequest := &prompb.WriteRequest{
		Timeseries: toTimeSeries(samples, timestamp, topic),
	}

	data, err := writeRequest.Marshal()
	if err != nil {
		log.WithError(err).Error("failed to marshal remote write request")
		return
	}

	if err := p.sendRequest(snappy.Encode(nil, data)); err != nil {
		log.WithError(err).WithField("series", len(samples)).Error("remote write push failed")
	}
}

// eventTimestampMs uses the event's own ts field so samples line up
// with the tick that produced them, falling back to the wall clock.
func eventTimestampMs(event map[string]interface{}) int64 {
	if raw, ok := event["ts"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts.UnixMilli()
		}
	}
	return time.Now().UnixMilli()
}

// flatten walks the event and collects numeric and boolean leaves,
// joining nested keys with underscores. Strings and nulls are skipped.
func flatten(prefix string, value interface{}, out map[string]float64) {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, child := range v {
			flatten(prefix+"_"+sanitize(key), child, out)
		}
	case float64:
		out[prefix] = v
	case bool:
		if v {
			out[prefix] = 1
		} else {
			out[prefix] = 0
		}
	}
}

func sanitize(key string) string {
	var b strings.Builder
	for _, r := range key {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func toTimeSeries(samples map[string]float64, timestampMs int64, topic string) []prompb.TimeSeries {
	names := make([]string, 0, len(samples))
	for name := range samples {
		names = append(names, name)
	}
	sort.Strings(names)

	series := make([]prompb.TimeSeries, 0, len(names))
	for _, name := range names {
		series = append(series, prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: name},
				{Name: "topic", Value: topic},
			},
			Samples: []prompb.Sample{
				{Value: samples[name], Timestamp: timestampMs},
			},
		})
	}
	return series
}

func (p *Publisher) sendRequest(compressed []byte) error {
	req, err := http.NewRequest(http.MethodPost, p.config.URL, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	req.Header.Set("User-Agent", "export-control/1.0")

	if p.config.BasicAuth != nil {
		req.SetBasicAuth(p.config.BasicAuth.Username, p.config.BasicAuth.Password)
	} else if p.config.BearerToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.config.BearerToken))
	}

	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote write failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func (p *Publisher) Close() {
}
