// Package dedup tracks which visitor fingerprints each website has already
// seen, so page views can be classified as new or returning visitors.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/dustin/sitepulse/internal/storage"
)

// ErrUninitialized is returned by IsKnown for a website whose set has not
// been reconciled with the store yet. Callers must not read it as "new".
var ErrUninitialized = errors.New("dedup set not initialized")

// State tags a website's set.
type State int

const (
	Uninitialized State = iota
	Empty
	Populated
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Populated:
		return "populated"
	default:
		return "uninitialized"
	}
}

// Backend stores the per-website sets. A set is initialized once MarkReady
// has been called for it; members may be added before that.
type Backend interface {
	State(ctx context.Context, websiteID string) (State, error)
	Add(ctx context.Context, websiteID string, fps ...string) error
	MarkReady(ctx context.Context, websiteID string) error
	Contains(ctx context.Context, websiteID, fp string) (bool, error)
	Len(ctx context.Context, websiteID string) (int, error)
}

// Source is the durable record the sets are reconciled from.
type Source interface {
	ListWebsites(ctx context.Context) ([]storage.Website, error)
	ListFingerprints(ctx context.Context, websiteID string) ([]string, error)
}

type Cache struct {
	backend Backend
	source  Source
	workers int
	logger  *slog.Logger

	known         atomic.Uint64
	unknown       atomic.Uint64
	uninitialized atomic.Uint64
	marked        atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithBackend replaces the default in-process backend, e.g. with a RedisBackend.
func WithBackend(b Backend) Option {
	return func(c *Cache) { c.backend = b }
}

// WithWorkers bounds how many websites ReconcileAll processes at once.
func WithWorkers(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func New(source Source, opts ...Option) *Cache {
	c := &Cache{
		backend: NewMemoryBackend(),
		source:  source,
		workers: 4,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "dedup")
	return c
}

// IsKnown reports whether fp has been seen for websiteID. A member is always
// known; a non-member of a set that has never been reconciled yields
// ErrUninitialized instead of false.
func (c *Cache) IsKnown(ctx context.Context, websiteID, fp string) (bool, error) {
	ok, err := c.backend.Contains(ctx, websiteID, fp)
	if err != nil {
		return false, fmt.Errorf("dedup lookup %s: %w", websiteID, err)
	}
	if ok {
		c.known.Add(1)
		return true, nil
	}

	st, err := c.backend.State(ctx, websiteID)
	if err != nil {
		return false, fmt.Errorf("dedup state %s: %w", websiteID, err)
	}
	if st == Uninitialized {
		c.uninitialized.Add(1)
		return false, ErrUninitialized
	}
	c.unknown.Add(1)
	return false, nil
}

// MarkKnown records fp for websiteID. It does not initialize the set.
func (c *Cache) MarkKnown(ctx context.Context, websiteID, fp string) error {
	if err := c.backend.Add(ctx, websiteID, fp); err != nil {
		return fmt.Errorf("dedup mark %s: %w", websiteID, err)
	}
	c.marked.Add(1)
	return nil
}

// State returns the tagged state of websiteID's set.
func (c *Cache) State(ctx context.Context, websiteID string) (State, error) {
	return c.backend.State(ctx, websiteID)
}

// ReconcileResult describes one ReconcileAll pass.
type ReconcileResult struct {
	Created   []string
	Refreshed []string
	Failed    map[string]error
}

// OK reports whether every website was reconciled.
func (r ReconcileResult) OK() bool {
	return len(r.Failed) == 0
}

// ReconcileAll unions every website's durable fingerprints into its set.
// Sets only grow. A website whose fetch or update fails keeps its previous
// state and is listed in Failed; running again retries it. The returned
// error is non-nil only if the websites themselves cannot be listed.
func (c *Cache) ReconcileAll(ctx context.Context) (ReconcileResult, error) {
	websites, err := c.source.ListWebsites(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list websites: %w", err)
	}

	var (
		mu     sync.Mutex
		result = ReconcileResult{Failed: make(map[string]error)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, w := range websites {
		g.Go(func() error {
			created, err := c.reconcile(gctx, w.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed[w.ID] = err
				c.logger.Warn("reconcile failed", "website_id", w.ID, "hostname", w.Hostname, "error", err)
			case created:
				result.Created = append(result.Created, w.ID)
			default:
				result.Refreshed = append(result.Refreshed, w.ID)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.Created)
	sort.Strings(result.Refreshed)
	c.logger.Info("reconciled dedup sets",
		"created", len(result.Created), "refreshed", len(result.Refreshed), "failed", len(result.Failed))
	return result, nil
}

// Reconcile brings one website's set up to date, e.g. right after the
// website is registered.
func (c *Cache) Reconcile(ctx context.Context, websiteID string) error {
	if _, err := c.reconcile(ctx, websiteID); err != nil {
		return fmt.Errorf("reconcile %s: %w", websiteID, err)
	}
	return nil
}

func (c *Cache) reconcile(ctx context.Context, websiteID string) (created bool, err error) {
	st, err := c.backend.State(ctx, websiteID)
	if err != nil {
		return false, fmt.Errorf("state: %w", err)
	}
	fps, err := c.source.ListFingerprints(ctx, websiteID)
	if err != nil {
		return false, fmt.Errorf("list fingerprints: %w", err)
	}
	if len(fps) > 0 {
		if err := c.backend.Add(ctx, websiteID, fps...); err != nil {
			return false, fmt.Errorf("add fingerprints: %w", err)
		}
	}
	if st == Uninitialized {
		if err := c.backend.MarkReady(ctx, websiteID); err != nil {
			return false, fmt.Errorf("mark ready: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// Len returns the number of fingerprints held for websiteID.
func (c *Cache) Len(ctx context.Context, websiteID string) (int, error) {
	return c.backend.Len(ctx, websiteID)
}

// Stats contains lookup counters.
type Stats struct {
	Known         uint64
	Unknown       uint64
	Uninitialized uint64
	Marked        uint64
}

func (c *Cache) Stats() Stats {
	return Stats{
		Known:         c.known.Load(),
		Unknown:       c.unknown.Load(),
		Uninitialized: c.uninitialized.Load(),
		Marked:        c.marked.Load(),
	}
}
