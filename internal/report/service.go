package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/sitepulse/internal/storage"
)

// Identity resolves and registers hostnames.
type Identity interface {
	Resolve(ctx context.Context, hostname string) (id string, ok bool, err error)
	Ensure(ctx context.Context, hostname string) (*storage.Website, bool, error)
	Remember(ctx context.Context, w storage.Website)
}

// Registry records who administers which website.
type Registry interface {
	ActorHasRole(ctx context.Context, actorID, websiteID, role string) (bool, error)
	ClaimWebsite(ctx context.Context, actorID, websiteID string) (bool, error)
	ListWebsitesByActor(ctx context.Context, actorID, role string) ([]storage.Website, error)
}

// SetInitializer prepares the visitor set of a newly registered website.
type SetInitializer interface {
	Reconcile(ctx context.Context, websiteID string) error
}

// Service answers overview, registration and listing requests by hostname.
type Service struct {
	identity Identity
	registry Registry
	agg      *Aggregator
	sets     SetInitializer
	logger   *slog.Logger
}

type ServiceOption func(*Service)

// WithSetInitializer reconciles the visitor set of every website created by
// RegisterWebsite.
func WithSetInitializer(sets SetInitializer) ServiceOption {
	return func(s *Service) { s.sets = sets }
}

func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(identity Identity, registry Registry, agg *Aggregator, opts ...ServiceOption) *Service {
	s := &Service{identity: identity, registry: registry, agg: agg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "report")
	return s
}

// Overview resolves hostname and builds its report. A website without views
// in either window and without sessions yields ErrNoData.
func (s *Service) Overview(ctx context.Context, hostname, actorID string, period Period) (*Overview, error) {
	id, ok, err := s.identity.Resolve(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w: %w", hostname, ErrDataUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hostname)
	}
	o, err := s.agg.BuildOverview(ctx, id, actorID, period)
	if err != nil {
		return nil, err
	}
	if o.Empty() {
		return nil, ErrNoData
	}
	return o, nil
}

// RegisterWebsite finds or creates the website for hostname and makes actorID
// its admin. A hostname already administered by someone else is refused with
// ErrUnauthorized. created reports whether the website is new.
func (s *Service) RegisterWebsite(ctx context.Context, hostname, actorID string) (w *storage.Website, created bool, err error) {
	hostname = strings.TrimSpace(hostname)
	if actorID == "" {
		return nil, false, ErrUnauthorized
	}
	w, created, err = s.identity.Ensure(ctx, hostname)
	if err != nil {
		return nil, false, fmt.Errorf("register %q: %w", hostname, err)
	}

	admin, err := s.registry.ActorHasRole(ctx, actorID, w.ID, storage.RoleAdmin)
	if err != nil {
		return nil, false, fmt.Errorf("register %q: %w", hostname, err)
	}
	if !admin {
		if admin, err = s.registry.ClaimWebsite(ctx, actorID, w.ID); err != nil {
			return nil, false, fmt.Errorf("register %q: %w", hostname, err)
		}
	}
	if !admin {
		s.logger.Info("registration refused", "hostname", hostname, "actor_id", actorID)
		return nil, false, fmt.Errorf("%w: %s is administered by another actor", ErrUnauthorized, hostname)
	}

	s.identity.Remember(ctx, *w)
	if created && s.sets != nil {
		if err := s.sets.Reconcile(ctx, w.ID); err != nil {
			// The consumer falls back to the durable store until the next
			// reconcile, so registration still succeeds.
			s.logger.Warn("visitor set not initialized", "website_id", w.ID, "error", err)
		}
	}
	if created {
		s.logger.Info("website registered", "hostname", hostname, "website_id", w.ID, "actor_id", actorID)
	}
	return w, created, nil
}

// ListWebsites returns the websites actorID administers.
func (s *Service) ListWebsites(ctx context.Context, actorID string) ([]storage.Website, error) {
	if actorID == "" {
		return nil, ErrUnauthorized
	}
	ws, err := s.registry.ListWebsitesByActor(ctx, actorID, storage.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataUnavailable, err)
	}
	return ws, nil
}

// IsClientError reports whether err is caused by the request rather than the
// system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidPeriod)
}
