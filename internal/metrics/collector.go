package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tier identifies which endpoint tier served a connection attempt.
const (
	TierPrimary  = "primary"
	TierFallback = "fallback"
)

// TierStats holds plain counters for a single endpoint tier. The
// LastHour members are a rolling window reset when an hour passes
// between attempts.
type TierStats struct {
	ConnectionAttempts    uint64 `json:"connection_attempts"`
	ConnectionSuccesses   uint64 `json:"connection_successes"`
	SubscriptionAttempts  uint64 `json:"subscription_attempts"`
	SubscriptionSuccesses uint64 `json:"subscription_successes"`

	LastHourAttempts  uint64    `json:"last_hour_attempts"`
	LastHourSuccesses uint64    `json:"last_hour_successes"`
	WindowStart       time.Time `json:"window_start"`
}

// hourlyWindow is the rolling window length for the LastHour counters.
const hourlyWindow = time.Hour

func (s *TierStats) rollWindow(success bool, now time.Time) {
	if now.Sub(s.WindowStart) > hourlyWindow {
		s.WindowStart = now
		s.LastHourAttempts = 0
		s.LastHourSuccesses = 0
	}
	s.LastHourAttempts++
	if success {
		s.LastHourSuccesses++
	}
}

// Snapshot is a point-in-time copy of the engine counters, returned by
// Listener.Metrics without touching the Prometheus registry.
type Snapshot struct {
	ConnectionAttempts    uint64               `json:"connection_attempts"`
	ConnectionSuccesses   uint64               `json:"connection_successes"`
	SubscriptionAttempts  uint64               `json:"subscription_attempts"`
	SubscriptionSuccesses uint64               `json:"subscription_successes"`
	EventsEmitted         uint64               `json:"events_emitted"`
	FramesDropped         uint64               `json:"frames_dropped"`
	Tiers                 map[string]TierStats `json:"tiers"`
}

// Collector tracks engine counters twice: as Prometheus collectors for
// scraping and as plain counters for the Metrics() snapshot.
type Collector struct {
	registry *prometheus.Registry

	connectionAttempts   *prometheus.CounterVec
	subscriptionAttempts *prometheus.CounterVec
	eventsEmitted        *prometheus.CounterVec
	framesDropped        *prometheus.CounterVec
	activeConnections    prometheus.Gauge

	mu    sync.Mutex
	tiers map[string]*TierStats
	plain Snapshot
}

// NewCollector creates a collector with its own Prometheus registry so tests
// can create collectors freely.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connectionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dexfeed",
				Name:      "connection_attempts_total",
				Help:      "WebSocket connection attempts by endpoint tier and outcome",
			},
			[]string{"tier", "status"},
		),
		subscriptionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dexfeed",
				Name:      "subscription_attempts_total",
				Help:      "Subscription requests by endpoint tier and outcome",
			},
			[]string{"tier", "status"},
		),
		eventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dexfeed",
				Name:      "events_emitted_total",
				Help:      "Normalized swap events handed to the callback",
			},
			[]string{"dex"},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dexfeed",
				Name:      "frames_dropped_total",
				Help:      "Inbound frames dropped before parsing",
			},
			[]string{"reason"},
		),
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dexfeed",
				Name:      "active_connections",
				Help:      "Currently open WebSocket connections",
			},
		),
		tiers: make(map[string]*TierStats),
	}

	c.registry.MustRegister(
		c.connectionAttempts,
		c.subscriptionAttempts,
		c.eventsEmitted,
		c.framesDropped,
		c.activeConnections,
	)
	return c
}

// Registry exposes the Prometheus registry for an HTTP scrape handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) tierStats(tier string) *TierStats {
	stats, ok := c.tiers[tier]
	if !ok {
		stats = &TierStats{}
		c.tiers[tier] = stats
	}
	return stats
}

// RecordConnectionAttempt counts a dial attempt against the given tier.
func (c *Collector) RecordConnectionAttempt(tier string, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	c.connectionAttempts.WithLabelValues(tier, status).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.tierStats(tier)
	stats.ConnectionAttempts++
	stats.rollWindow(success, time.Now())
	c.plain.ConnectionAttempts++
	if success {
		stats.ConnectionSuccesses++
		c.plain.ConnectionSuccesses++
	}
}

// RecordSubscriptionAttempt counts a subscribe/unsubscribe round trip.
func (c *Collector) RecordSubscriptionAttempt(tier string, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	c.subscriptionAttempts.WithLabelValues(tier, status).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.tierStats(tier)
	stats.SubscriptionAttempts++
	c.plain.SubscriptionAttempts++
	if success {
		stats.SubscriptionSuccesses++
		c.plain.SubscriptionSuccesses++
	}
}

// RecordEvent counts a normalized event emitted for a DEX.
func (c *Collector) RecordEvent(dexID string) {
	c.eventsEmitted.WithLabelValues(dexID).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.plain.EventsEmitted++
}

// RecordDroppedFrame counts an inbound frame discarded before parsing.
func (c *Collector) RecordDroppedFrame(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.plain.FramesDropped++
}

// SetActiveConnections records the current number of open transports.
func (c *Collector) SetActiveConnections(n int) {
	c.activeConnections.Set(float64(n))
}

// Snapshot returns a copy of all plain counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.plain
	snap.Tiers = make(map[string]TierStats, len(c.tiers))
	for tier, stats := range c.tiers {
		snap.Tiers[tier] = *stats
	}
	return snap
}
