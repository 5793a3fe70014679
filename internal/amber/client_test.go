package amber

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testServer(t *testing.T, prices, usage string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sites/site-1/prices/current", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, prices)
	})
	mux.HandleFunc("/sites/site-1/usage", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, usage)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testClient(server *httptest.Server) *Client {
	return NewClient(Configuration{
		SiteID:  "site-1",
		APIKey:  "key-1",
		BaseURL: server.URL,
	})
}

func TestGetCurrentPrices(t *testing.T) {
	prices := `[
		{"perKwh": 32.5, "channelType": "general", "descriptor": "neutral",
		 "startTime": "2026-08-29T04:00:00Z", "endTime": "2026-08-29T04:05:00Z"},
		{"perKwh": -1.2, "channelType": "feedIn", "descriptor": "negative",
		 "startTime": "2026-08-29T04:00:00Z", "endTime": "2026-08-29T04:05:00Z"}
	]`
	server := testServer(t, prices, `[]`)

	got, err := testClient(server).GetCurrentPrices(5)
	if err != nil {
		t.Fatalf("GetCurrentPrices failed: %v", err)
	}
	if got.ImportPrice == nil || *got.ImportPrice != 32.5 {
		t.Errorf("import price = %v, want 32.5", got.ImportPrice)
	}
	if got.FeedInPrice == nil || *got.FeedInPrice != -1.2 {
		t.Errorf("feed-in price = %v, want -1.2", got.FeedInPrice)
	}
	wantEnd := time.Date(2026, 8, 29, 4, 5, 0, 0, time.UTC)
	if got.IntervalEnd == nil || !got.IntervalEnd.Equal(wantEnd) {
		t.Errorf("interval end = %v, want %v", got.IntervalEnd, wantEnd)
	}
}

func TestGetCurrentPrices_FeedMarkerInTariff(t *testing.T) {
	// Some sites carry the feed marker only in the tariff details.
	prices := `[
		{"perKwh": 5.0, "channelType": "controlledLoad",
		 "tariffInformation": {"period": "solarFeedIn"},
		 "startTime": "2026-08-29T04:00:00Z", "endTime": "2026-08-29T04:05:00Z"}
	]`
	server := testServer(t, prices, `[]`)

	got, err := testClient(server).GetCurrentPrices(5)
	if err != nil {
		t.Fatalf("GetCurrentPrices failed: %v", err)
	}
	if got.FeedInPrice == nil || *got.FeedInPrice != 5.0 {
		t.Errorf("feed-in price = %v, want 5.0", got.FeedInPrice)
	}
	if got.ImportPrice != nil {
		t.Errorf("import price = %v, want nil", *got.ImportPrice)
	}
}

func TestGetCurrentPrices_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	_, err := testClient(server).GetCurrentPrices(5)
	if err == nil {
		t.Fatal("expected error on 429 response")
	}
}

func TestGetUsage(t *testing.T) {
	usage := `[
		{"channelType": "general", "kwh": 0.25,
		 "startTime": "2026-08-29T04:00:00Z", "endTime": "2026-08-29T04:30:00Z"},
		{"channelType": "feedIn", "kwh": 0.1,
		 "startTime": "2026-08-29T04:00:00Z", "endTime": "2026-08-29T04:30:00Z"}
	]`
	server := testServer(t, `[]`, usage)

	got, err := testClient(server).GetUsage("2026-08-29", "2026-08-29", 30)
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d intervals, want 2", len(got))
	}
	if got[0].Kwh == nil || *got[0].Kwh != 0.25 {
		t.Errorf("kwh = %v, want 0.25", got[0].Kwh)
	}
	if got[0].EndTime == nil {
		t.Error("end time not parsed")
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		input string
		want  *time.Time
	}{
		{"2026-08-29T04:05:00Z", timePtr(time.Date(2026, 8, 29, 4, 5, 0, 0, time.UTC))},
		{"2026-08-29T14:05:00+10:00", timePtr(time.Date(2026, 8, 29, 4, 5, 0, 0, time.UTC))},
		{"2026-08-29T04:05:00", timePtr(time.Date(2026, 8, 29, 4, 5, 0, 0, time.UTC))},
		{"", nil},
		{"not-a-time", nil},
	}
	for _, test := range tests {
		got := parseTime(test.input)
		if (got == nil) != (test.want == nil) {
			t.Errorf("parseTime(%q) = %v, want %v", test.input, got, test.want)
			continue
		}
		if got != nil && !got.Equal(*test.want) {
			t.Errorf("parseTime(%q) = %v, want %v", test.input, got, test.want)
		}
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
