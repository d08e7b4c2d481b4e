// Package ingest moves page views from the HTTP boundary to the hourly
// buckets: Tracker hands them to the queue (spooling on rejection), Replayer
// drains the spool, and Consumer rolls queued events into storage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/sitepulse/internal/publisher"
)

// Resolver maps a hostname to its website ID.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) (id string, ok bool, err error)
}

// Sink accepts events for the queue.
type Sink interface {
	Publish(ctx context.Context, ev publisher.Event) error
}

// PageView is one tracked hit as received from a client.
type PageView struct {
	Hostname    string
	UserAgent   string
	Referrer    string
	Page        string
	IPAddress   string
	CountryCode string
	Timestamp   time.Time
}

// Outcome says what Track did with a page view.
type Outcome int

const (
	Published Outcome = iota
	Spooled
	// Dropped means the hostname is not registered.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Published:
		return "published"
	case Spooled:
		return "spooled"
	default:
		return "dropped"
	}
}

type Tracker struct {
	resolver       Resolver
	sink           Sink
	spool          *Spool
	defaultCountry string
	now            func() time.Time
	logger         *slog.Logger

	published atomic.Uint64
	spooled   atomic.Uint64
	dropped   atomic.Uint64
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithSpool keeps events the queue rejected in spool for later replay.
func WithSpool(s *Spool) TrackerOption {
	return func(t *Tracker) { t.spool = s }
}

// WithDefaultCountry sets the country recorded when the client supplies none.
func WithDefaultCountry(code string) TrackerOption {
	return func(t *Tracker) { t.defaultCountry = code }
}

func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

func NewTracker(resolver Resolver, sink Sink, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		resolver: resolver,
		sink:     sink,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "tracker")
	return t
}

// Track resolves the hostname and hands the event to the queue. Unknown
// hostnames are dropped without error. When the queue rejects the event and a
// spool is configured, the event is spooled instead.
func (t *Tracker) Track(ctx context.Context, pv PageView) (Outcome, error) {
	id, ok, err := t.resolver.Resolve(ctx, pv.Hostname)
	if err != nil {
		return 0, fmt.Errorf("track %s: %w", pv.Hostname, err)
	}
	if !ok {
		t.dropped.Add(1)
		return Dropped, nil
	}

	ev := publisher.Event{
		Hostname:    pv.Hostname,
		WebsiteID:   id,
		UserAgent:   pv.UserAgent,
		Referrer:    pv.Referrer,
		Page:        pv.Page,
		IPAddress:   NormalizeIP(pv.IPAddress),
		CountryCode: pv.CountryCode,
		Timestamp:   pv.Timestamp,
	}
	if ev.CountryCode == "" {
		ev.CountryCode = t.defaultCountry
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()

	err = t.sink.Publish(ctx, ev)
	if err == nil {
		t.published.Add(1)
		return Published, nil
	}
	if t.spool == nil || !(errors.Is(err, publisher.ErrRejected) || errors.Is(err, publisher.ErrClosed)) {
		return 0, fmt.Errorf("track %s: %w", pv.Hostname, err)
	}
	if serr := t.spool.Append(ev); serr != nil {
		return 0, fmt.Errorf("track %s: %w", pv.Hostname, errors.Join(err, serr))
	}
	t.spooled.Add(1)
	t.logger.Debug("event spooled", "hostname", pv.Hostname, "reason", err)
	return Spooled, nil
}

// TrackerStats counts Track outcomes.
type TrackerStats struct {
	Published uint64
	Spooled   uint64
	Dropped   uint64
}

func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{
		Published: t.published.Load(),
		Spooled:   t.spooled.Load(),
		Dropped:   t.dropped.Load(),
	}
}
