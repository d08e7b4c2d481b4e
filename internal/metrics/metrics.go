package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dustin/sitepulse/internal/dedup"
	"github.com/dustin/sitepulse/internal/identity"
	"github.com/dustin/sitepulse/internal/ingest"
	"github.com/dustin/sitepulse/internal/publisher"
)

const namespace = "sitepulse"

// Snapshot is the state of every component at scrape time. Components that
// are not running leave their field zero.
type Snapshot struct {
	Identity  identity.Stats
	Dedup     dedup.Stats
	Publisher publisher.Stats
	Tracker   ingest.TrackerStats
	Consumer  ingest.ConsumerStats
	Replayer  ingest.ReplayerStats
}

// Metrics holds all Prometheus metrics for sitepulse.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	component []prometheus.Collector
}

// cachedSnapshot serves one snapshot to every func collector of a scrape.
// Identity stats may hit Redis, so results are kept for a second.
type cachedSnapshot struct {
	mu       sync.RWMutex
	get      func() Snapshot
	cached   Snapshot
	cachedAt int64 // Unix nanoseconds
}

func (c *cachedSnapshot) load() Snapshot {
	now := time.Now().UnixNano()

	c.mu.RLock()
	if c.cachedAt != 0 && now-c.cachedAt <= int64(time.Second) {
		s := c.cached
		c.mu.RUnlock()
		return s
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedAt == 0 || now-c.cachedAt > int64(time.Second) {
		c.cached = c.get()
		c.cachedAt = now
	}
	return c.cached
}

// New creates the metrics. snapshot is called at most once per second.
func New(snapshot func() Snapshot) *Metrics {
	cache := &cachedSnapshot{get: snapshot}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	gauge := func(subsystem, name, help string, fn func(Snapshot) float64) {
		m.component = append(m.component, prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
			func() float64 { return fn(cache.load()) },
		))
	}
	counter := func(subsystem, name, help string, fn func(Snapshot) uint64) {
		m.component = append(m.component, prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
			func() float64 { return float64(fn(cache.load())) },
		))
	}

	gauge("identity", "entries", "Hostnames held by the identity map",
		func(s Snapshot) float64 { return float64(s.Identity.Entries) })
	counter("identity", "hits_total", "Hostname lookups answered by the map",
		func(s Snapshot) uint64 { return s.Identity.Hits })
	counter("identity", "misses_total", "Hostname lookups not in the map",
		func(s Snapshot) uint64 { return s.Identity.Misses })
	counter("identity", "fallbacks_total", "Durable store lookups after a miss",
		func(s Snapshot) uint64 { return s.Identity.Fallbacks })
	counter("identity", "negative_hits_total", "Misses answered by the negative cache",
		func(s Snapshot) uint64 { return s.Identity.NegativeHits })

	counter("dedup", "known_total", "Fingerprints found in a visitor set",
		func(s Snapshot) uint64 { return s.Dedup.Known })
	counter("dedup", "unknown_total", "Fingerprints absent from an initialized visitor set",
		func(s Snapshot) uint64 { return s.Dedup.Unknown })
	counter("dedup", "uninitialized_total", "Lookups against a set that was never reconciled",
		func(s Snapshot) uint64 { return s.Dedup.Uninitialized })
	counter("dedup", "marked_total", "Fingerprints added to a visitor set",
		func(s Snapshot) uint64 { return s.Dedup.Marked })

	gauge("publisher", "state", "Publisher connection state (0 disconnected, 1 connecting, 2 ready, 3 degraded, 4 reconnecting)",
		func(s Snapshot) float64 { return float64(s.Publisher.State) })
	counter("publisher", "published_total", "Events accepted by the broker",
		func(s Snapshot) uint64 { return s.Publisher.Published })
	counter("publisher", "rejected_total", "Events the publisher refused",
		func(s Snapshot) uint64 { return s.Publisher.Rejected })
	counter("publisher", "reconnects_total", "Successful broker reconnects",
		func(s Snapshot) uint64 { return s.Publisher.Reconnects })

	counter("tracker", "published_total", "Page views handed to the publisher",
		func(s Snapshot) uint64 { return s.Tracker.Published })
	counter("tracker", "spooled_total", "Page views written to the local spool",
		func(s Snapshot) uint64 { return s.Tracker.Spooled })
	counter("tracker", "dropped_total", "Page views for unregistered hostnames",
		func(s Snapshot) uint64 { return s.Tracker.Dropped })

	counter("consumer", "processed_total", "Events folded into hourly buckets",
		func(s Snapshot) uint64 { return s.Consumer.Processed })
	counter("consumer", "unique_total", "Events from first-time visitors",
		func(s Snapshot) uint64 { return s.Consumer.Unique })
	counter("consumer", "dropped_total", "Events without a website id",
		func(s Snapshot) uint64 { return s.Consumer.Dropped })
	counter("consumer", "poison_total", "Malformed events acknowledged without processing",
		func(s Snapshot) uint64 { return s.Consumer.Poison })
	counter("consumer", "failed_total", "Events returned for redelivery",
		func(s Snapshot) uint64 { return s.Consumer.Failed })

	counter("spool", "replayed_total", "Spooled events republished",
		func(s Snapshot) uint64 { return s.Replayer.Replayed })
	counter("spool", "skipped_total", "Unreadable spool lines",
		func(s Snapshot) uint64 { return s.Replayer.Skipped })

	return m
}

// Register adds every metric to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := append([]prometheus.Collector{m.HTTPRequestsTotal, m.HTTPRequestDuration}, m.component...)
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
