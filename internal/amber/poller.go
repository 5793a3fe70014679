package amber

import (
	"math"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Snapshot is the latest view of Amber pricing, published atomically by
// the poller. Pointer fields are nil when the API did not report them.
type Snapshot struct {
	Timestamp     time.Time
	ImportPrice   *float64
	FeedInPrice   *float64
	IntervalStart *time.Time
	IntervalEnd   *time.Time
	ImportPowerW  *int
	FeedInPowerW  *int
	LastError     string
}

// ExportCosts reports whether exporting is a cost: the feed-in price
// has dropped below the configured threshold.
func (s Snapshot) ExportCosts(thresholdC float64) bool {
	return s.FeedInPrice != nil && *s.FeedInPrice < thresholdC
}

// Poller fetches prices aligned to interval boundaries and keeps the
// most recent snapshot available to the control loop.
type Poller struct {
	config  Configuration
	client  *Client
	metrics *PriceMetrics

	mu       sync.RWMutex
	snapshot *Snapshot

	stop chan struct{}
	done chan struct{}
}

func NewPoller(config Configuration, client *Client, metrics *PriceMetrics) *Poller {
	return &Poller{
		config:  config,
		client:  client,
		metrics: metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the poll loop. The first fetch happens immediately.
func (p *Poller) Start() {
	go p.run()
}

func (p *Poller) Stop() {
	close(p.stop)
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		log.Warn("amber poller did not stop in time")
	}
}

// Snapshot returns the latest snapshot, false when nothing has been
// fetched yet.
func (p *Poller) Snapshot() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.snapshot == nil {
		return Snapshot{}, false
	}
	return *p.snapshot, true
}

// IsOk reports whether the snapshot is fresh enough to act on and
// carries a feed-in price. Failed polls store a priceless snapshot,
// so they fail this check immediately.
func (p *Poller) IsOk(now time.Time) bool {
	snapshot, ok := p.Snapshot()
	if !ok || snapshot.FeedInPrice == nil {
		return false
	}
	maxStale := time.Duration(p.config.MaxStaleSeconds) * time.Second
	return now.Sub(snapshot.Timestamp) <= maxStale
}

func (p *Poller) run() {
	defer close(p.done)

	next := time.Now()
	for {
		now := time.Now()
		if now.Before(next) {
			wait := next.Sub(now)
			if wait > time.Second {
				wait = time.Second
			}
			select {
			case <-p.stop:
				return
			case <-time.After(wait):
			}
			continue
		}

		next = p.poll(now)

		select {
		case <-p.stop:
			return
		default:
		}
	}
}

// poll fetches prices plus usage and returns when the next fetch is due:
// just past the current interval's end, or a fixed backoff on error.
func (p *Poller) poll(now time.Time) time.Time {
	slack := time.Duration(p.config.PollSlackSeconds) * time.Second
	backoff := time.Duration(p.config.RetryBackoffSeconds) * time.Second
	resolution := time.Duration(p.config.ResolutionMinutes) * time.Minute

	prices, err := p.client.GetCurrentPrices(p.config.ResolutionMinutes)
	if err != nil {
		log.WithError(err).Warn("amber price fetch failed")
		p.metrics.IncPollFailure()
		p.storeError(now, err)
		return now.Add(backoff)
	}

	snapshot := Snapshot{
		Timestamp:     now,
		ImportPrice:   prices.ImportPrice,
		FeedInPrice:   prices.FeedInPrice,
		IntervalStart: prices.IntervalStart,
		IntervalEnd:   prices.IntervalEnd,
	}

	if p.config.FetchUsageEnabled() {
		snapshot.ImportPowerW, snapshot.FeedInPowerW = p.fetchUsagePowers(now, prices.IntervalEnd)
	}

	p.store(&snapshot)
	p.metrics.SetPrices(snapshot)

	if prices.IntervalEnd != nil && prices.IntervalEnd.After(now) {
		return prices.IntervalEnd.Add(slack)
	}
	return now.Add(resolution)
}

// fetchUsagePowers derives average import/export power for the current
// pricing interval from today's usage intervals. When the configured
// resolution fails or yields nothing it retries at the 30-minute
// settlement resolution before giving up.
func (p *Poller) fetchUsagePowers(now time.Time, intervalEnd *time.Time) (*int, *int) {
	today := now.UTC().Format("2006-01-02")

	resolutions := []int{p.config.UsageResolutionMinutes}
	if p.config.UsageResolutionMinutes != 30 {
		resolutions = append(resolutions, 30)
	}

	for _, resolution := range resolutions {
		usage, err := p.client.GetUsage(today, today, resolution)
		if err != nil {
			log.WithError(err).Debug("amber usage fetch failed")
			continue
		}
		importW, feedW := extractUsagePowers(usage, intervalEnd)
		if importW != nil || feedW != nil {
			return importW, feedW
		}
	}
	return nil, nil
}

// extractUsagePowers picks, per channel, the latest usage interval that
// ends at or before the pricing interval's end and converts its energy
// to average watts.
func extractUsagePowers(usage []UsageInterval, intervalEnd *time.Time) (*int, *int) {
	var importW, feedW *int
	var importEnd, feedEnd time.Time

	for _, interval := range usage {
		if interval.Kwh == nil || interval.StartTime == nil || interval.EndTime == nil {
			continue
		}
		if intervalEnd != nil && interval.EndTime.After(*intervalEnd) {
			continue
		}
		watts := avgPowerW(*interval.Kwh, *interval.StartTime, *interval.EndTime)
		if watts == nil {
			continue
		}

		feedChannel := strings.Contains(strings.ToLower(interval.ChannelType+" "+interval.Channel), "feed")
		if feedChannel {
			if feedW == nil || interval.EndTime.After(feedEnd) {
				feedW, feedEnd = watts, *interval.EndTime
			}
		} else {
			if importW == nil || interval.EndTime.After(importEnd) {
				importW, importEnd = watts, *interval.EndTime
			}
		}
	}
	return importW, feedW
}

// avgPowerW converts interval energy to average power over its duration.
func avgPowerW(kwh float64, start, end time.Time) *int {
	hours := end.Sub(start).Hours()
	if hours <= 0 {
		return nil
	}
	watts := int(math.Round(kwh * 1000 / hours))
	return &watts
}

func (p *Poller) store(snapshot *Snapshot) {
	p.mu.Lock()
	p.snapshot = snapshot
	p.mu.Unlock()
}

// storeError replaces the snapshot wholesale with an error snapshot.
// Dropping the old prices makes IsOk fail immediately, so the loop
// falls back to its conservative policy on the very next tick instead
// of exporting at a price it can no longer confirm.
func (p *Poller) storeError(now time.Time, err error) {
	p.store(&Snapshot{Timestamp: now, LastError: err.Error()})
}
