package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Collector tracks gateway activity for the Prometheus text endpoint.
// This implementation uses manual metric tracking without external dependencies.
// For production, consider integrating prometheus/client_golang.
type Collector struct {
	mu sync.RWMutex

	// Request metrics, keyed by operation (scrape, search, map, crawl, cleanup)
	totalRequests    map[string]int64
	totalRequestsDur map[string]int64 // total duration in ms
	requestErrors    map[string]int64

	// Rate limit metrics
	rateLimitHits   int64
	rateLimitByUser map[string]int64

	// Upstream metrics
	upstreamByStatus   map[string]int64 // responses by HTTP status
	upstreamTransport  int64            // transport-level failures (no status)

	// Sweeper metrics
	sweepRuns    int64
	sweepDeleted int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:    make(map[string]int64),
		totalRequestsDur: make(map[string]int64),
		requestErrors:    make(map[string]int64),
		rateLimitByUser:  make(map[string]int64),
		upstreamByStatus: make(map[string]int64),
		startTime:        time.Now(),
	}
}

// RecordRequest records a completed gateway call for an operation.
func (c *Collector) RecordRequest(operation string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[operation]++
	c.totalRequestsDur[operation] += duration.Milliseconds()
}

// RecordError records a failed gateway call for an operation.
func (c *Collector) RecordError(operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[operation]++
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rateLimitHits++
	c.rateLimitByUser[userID]++
}

// RecordUpstreamStatus records the HTTP status of an upstream response.
func (c *Collector) RecordUpstreamStatus(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.upstreamByStatus[strconv.Itoa(status)]++
}

// RecordUpstreamTransportFailure records an upstream call that never
// produced a status.
func (c *Collector) RecordUpstreamTransportFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.upstreamTransport++
}

// RecordSweep records a completed retention sweep.
func (c *Collector) RecordSweep(deleted int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepRuns++
	c.sweepDeleted += deleted
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime int64 // seconds

	TotalRequests    map[string]int64
	TotalRequestsDur map[string]int64
	RequestErrors    map[string]int64

	RateLimitHits   int64
	RateLimitByUser map[string]int64

	UpstreamByStatus  map[string]int64
	UpstreamTransport int64

	SweepRuns    int64
	SweepDeleted int64
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:            int64(time.Since(c.startTime).Seconds()),
		TotalRequests:     copyMap(c.totalRequests),
		TotalRequestsDur:  copyMap(c.totalRequestsDur),
		RequestErrors:     copyMap(c.requestErrors),
		RateLimitHits:     c.rateLimitHits,
		RateLimitByUser:   copyMap(c.rateLimitByUser),
		UpstreamByStatus:  copyMap(c.upstreamByStatus),
		UpstreamTransport: c.upstreamTransport,
		SweepRuns:         c.sweepRuns,
		SweepDeleted:      c.sweepDeleted,
	}
}

func copyMap(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
