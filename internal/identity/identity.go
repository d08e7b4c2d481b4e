// Package identity resolves hostnames to website IDs through a read-through
// cache in front of the durable store.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dustin/sitepulse/internal/storage"
)

// ErrUnavailable wraps a failed durable lookup. The cache is left untouched.
var ErrUnavailable = errors.New("identity store unavailable")

// Store is the durable side of the cache.
type Store interface {
	FindWebsiteByHostname(ctx context.Context, hostname string) (*storage.Website, error)
	ListWebsites(ctx context.Context) ([]storage.Website, error)
	CreateWebsite(ctx context.Context, hostname string) (*storage.Website, error)
}

// Map holds hostname to website ID entries. Implementations must be safe for
// concurrent use. Entries are never rewritten with a different ID.
type Map interface {
	Get(ctx context.Context, hostname string) (id string, ok bool, err error)
	Set(ctx context.Context, hostname, id string) error
	SetMany(ctx context.Context, entries map[string]string) error
	Len(ctx context.Context) (int, error)
}

// Cache resolves hostnames, falling back to the store on a miss. Concurrent
// misses for the same hostname share one store query.
type Cache struct {
	store    Store
	entries  Map
	negative *negativeCache
	logger   *slog.Logger

	lookups singleflight.Group
	creates singleflight.Group

	hits         atomic.Uint64
	misses       atomic.Uint64
	fallbacks    atomic.Uint64
	negativeHits atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithMap replaces the default in-process map, e.g. with a RedisMap.
func WithMap(m Map) Option {
	return func(c *Cache) { c.entries = m }
}

// WithNegativeCache remembers unknown hostnames for ttl so repeated lookups
// for unregistered sites do not reach the store. size <= 0 or ttl <= 0 disables it.
func WithNegativeCache(size int, ttl time.Duration) Option {
	return func(c *Cache) {
		if size > 0 && ttl > 0 {
			c.negative = newNegativeCache(size, ttl)
		} else {
			c.negative = nil
		}
	}
}

// WithLogger sets the logger used for degraded-map warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		entries: NewMemoryMap(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "identity")
	return c
}

// Resolve returns the website ID for hostname. ok is false, with a nil error,
// when no website is registered for it.
func (c *Cache) Resolve(ctx context.Context, hostname string) (id string, ok bool, err error) {
	id, ok, err = c.entries.Get(ctx, hostname)
	if err != nil {
		// A broken shared map degrades to store lookups.
		c.logger.Warn("identity map lookup failed", "hostname", hostname, "error", err)
	} else if ok {
		c.hits.Add(1)
		return id, true, nil
	}
	c.misses.Add(1)

	if c.negative != nil && c.negative.Contains(hostname) {
		c.negativeHits.Add(1)
		return "", false, nil
	}

	ch := c.lookups.DoChan(hostname, func() (any, error) {
		c.fallbacks.Add(1)
		// Detached from the first caller; the store bounds it with its query timeout.
		return c.store.FindWebsiteByHostname(context.WithoutCancel(ctx), hostname)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return "", false, fmt.Errorf("resolve %q: %w: %w", hostname, ErrUnavailable, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return "", false, fmt.Errorf("resolve %q: %w: %w", hostname, ErrUnavailable, res.Err)
	}

	w, _ := res.Val.(*storage.Website)
	if w == nil {
		if c.negative != nil {
			c.negative.Add(hostname)
		}
		return "", false, nil
	}
	c.populate(ctx, w.Hostname, w.ID)
	return w.ID, true, nil
}

// PreloadAll loads every registered website into the map and returns how many
// were loaded. An empty store is a no-op.
func (c *Cache) PreloadAll(ctx context.Context) (int, error) {
	websites, err := c.store.ListWebsites(ctx)
	if err != nil {
		return 0, fmt.Errorf("preload websites: %w: %w", ErrUnavailable, err)
	}
	if len(websites) == 0 {
		return 0, nil
	}

	entries := make(map[string]string, len(websites))
	for _, w := range websites {
		entries[w.Hostname] = w.ID
		if c.negative != nil {
			c.negative.Remove(w.Hostname)
		}
	}
	if err := c.entries.SetMany(ctx, entries); err != nil {
		return 0, fmt.Errorf("preload websites: %w", err)
	}
	return len(entries), nil
}

// Ensure resolves hostname, creating the website when it is not registered.
// Concurrent calls for the same unseen hostname converge on one ID.
func (c *Cache) Ensure(ctx context.Context, hostname string) (w *storage.Website, created bool, err error) {
	if id, ok, err := c.Resolve(ctx, hostname); err != nil {
		return nil, false, err
	} else if ok {
		return &storage.Website{ID: id, Hostname: hostname}, false, nil
	}

	type outcome struct {
		website *storage.Website
		created bool
	}
	v, err, _ := c.creates.Do(hostname, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		w, err := c.store.CreateWebsite(ctx, hostname)
		if errors.Is(err, storage.ErrDuplicateHostname) {
			// Another process registered it first.
			w, err = c.store.FindWebsiteByHostname(ctx, hostname)
			if err == nil && w == nil {
				err = fmt.Errorf("website %q vanished after duplicate insert", hostname)
			}
			if err != nil {
				return nil, err
			}
			return outcome{website: w}, nil
		}
		if err != nil {
			return nil, err
		}
		return outcome{website: w, created: true}, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("ensure %q: %w: %w", hostname, ErrUnavailable, err)
	}

	out := v.(outcome)
	c.Remember(ctx, *out.website)
	return out.website, out.created, nil
}

// Remember stores a known website, e.g. right after registration.
func (c *Cache) Remember(ctx context.Context, w storage.Website) {
	if c.negative != nil {
		c.negative.Remove(w.Hostname)
	}
	c.populate(ctx, w.Hostname, w.ID)
}

func (c *Cache) populate(ctx context.Context, hostname, id string) {
	if err := c.entries.Set(ctx, hostname, id); err != nil {
		c.logger.Warn("identity map update failed", "hostname", hostname, "error", err)
	}
}

// Stats contains cache counters.
type Stats struct {
	Entries      int
	Hits         uint64
	Misses       uint64
	Fallbacks    uint64
	NegativeHits uint64
}

// Stats returns current cache counters. Entries is -1 if the map cannot be read.
func (c *Cache) Stats(ctx context.Context) Stats {
	n, err := c.entries.Len(ctx)
	if err != nil {
		n = -1
	}
	return Stats{
		Entries:      n,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Fallbacks:    c.fallbacks.Load(),
		NegativeHits: c.negativeHits.Load(),
	}
}
