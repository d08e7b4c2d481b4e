// Package report builds the traffic overview for one website: hourly series,
// totals and dimension breakdowns, each compared with the preceding period of
// the same length.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/sitepulse/internal/storage"
)

var (
	ErrNotFound        = errors.New("website not found")
	ErrUnauthorized    = errors.New("actor not authorized for website")
	ErrDataUnavailable = errors.New("report data unavailable")
	ErrNoData          = errors.New("no data for period")
)

// LabelLayout formats time-series labels, e.g. "3/1/26 2:00PM".
const LabelLayout = "1/2/06 3:04PM"

// Store is everything the aggregator reads.
type Store interface {
	ActorHasRole(ctx context.Context, actorID, websiteID, role string) (bool, error)
	HourlyViews(ctx context.Context, websiteID string, start, end time.Time) ([]storage.HourlyCount, error)
	HourlyUniqueViews(ctx context.Context, websiteID string, start, end time.Time) ([]storage.HourlyCount, error)
	TotalViews(ctx context.Context, websiteID string, start, end time.Time) (int64, error)
	TotalUniqueViews(ctx context.Context, websiteID string, start, end time.Time) (int64, error)
	DimensionTotals(ctx context.Context, websiteID string, dim storage.Dimension, start, end time.Time) ([]storage.DimensionCount, error)
	AverageSessionDuration(ctx context.Context, websiteID string, start, end time.Time) (float64, bool, error)
}

// Total is a scalar with its change against the previous period.
type Total struct {
	Sum                int64   `json:"sum"`
	PreviousSum        int64   `json:"previousSum"`
	PreviousPeriodDiff float64 `json:"previousPeriodDiff"`
}

// DimensionRow is one key of a breakdown.
type DimensionRow struct {
	Key                 string  `json:"key"`
	Count               int64   `json:"count"`
	PreviousPeriodValue int64   `json:"previousPeriodValue"`
	PreviousPeriodDiff  float64 `json:"previousPeriodDiff"`
}

type Overview struct {
	WebsiteID         string         `json:"websiteId"`
	Period            Period         `json:"period"`
	PreviousPeriod    Period         `json:"previousPeriod"`
	TotalViews        Total          `json:"totalViews"`
	UniqueVisitors    Total          `json:"uniqueVisitors"`
	TopReferrers      []DimensionRow `json:"topReferers"`
	TopCountries      []DimensionRow `json:"topCountries"`
	TopPages          []DimensionRow `json:"topPages"`
	TopBrowsers       []DimensionRow `json:"topBrowser"`
	Labels            []string       `json:"labels"`
	Data              []int64        `json:"data"`
	UniqueVisitorData []int64        `json:"uniqueVisitorData"`
	// AvgDuration is the mean session length in seconds, nil without sessions.
	AvgDuration *float64 `json:"avgDuration"`
}

// Empty reports whether neither window saw any views and the current one
// has no sessions.
func (o *Overview) Empty() bool {
	return o.TotalViews.Sum == 0 && o.TotalViews.PreviousSum == 0 && o.AvgDuration == nil
}

type Aggregator struct {
	store  Store
	logger *slog.Logger
}

func NewAggregator(store Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, logger: logger.With("component", "aggregator")}
}

// BuildOverview checks that actorID administers websiteID and then builds
// the report for period. Any store failure aborts the whole report with
// ErrDataUnavailable.
func (a *Aggregator) BuildOverview(ctx context.Context, websiteID, actorID string, period Period) (*Overview, error) {
	cur := period.Normalize()
	prev := cur.Previous()

	if actorID == "" {
		return nil, ErrUnauthorized
	}
	ok, err := a.store.ActorHasRole(ctx, actorID, websiteID, storage.RoleAdmin)
	if err != nil {
		return nil, unavailable("authorize", err)
	}
	if !ok {
		a.logger.Info("overview denied", "website_id", websiteID, "actor_id", actorID)
		return nil, ErrUnauthorized
	}

	o := &Overview{WebsiteID: websiteID, Period: cur, PreviousPeriod: prev}

	views, err := a.store.HourlyViews(ctx, websiteID, cur.Start, cur.End)
	if err != nil {
		return nil, unavailable("hourly views", err)
	}
	o.Labels = make([]string, 0, len(views))
	o.Data = make([]int64, 0, len(views))
	for _, v := range views {
		o.Labels = append(o.Labels, v.Hour.UTC().Format(LabelLayout))
		o.Data = append(o.Data, v.Count)
	}

	uniques, err := a.store.HourlyUniqueViews(ctx, websiteID, cur.Start, cur.End)
	if err != nil {
		return nil, unavailable("hourly unique views", err)
	}
	o.UniqueVisitorData = make([]int64, 0, len(uniques))
	for _, v := range uniques {
		o.UniqueVisitorData = append(o.UniqueVisitorData, v.Count)
	}

	if o.TotalViews, err = a.total(ctx, a.store.TotalViews, websiteID, cur, prev); err != nil {
		return nil, unavailable("total views", err)
	}
	if o.UniqueVisitors, err = a.total(ctx, a.store.TotalUniqueViews, websiteID, cur, prev); err != nil {
		return nil, unavailable("unique visitors", err)
	}

	breakdowns := []struct {
		dim  storage.Dimension
		dest *[]DimensionRow
	}{
		{storage.DimensionReferrers, &o.TopReferrers},
		{storage.DimensionCountries, &o.TopCountries},
		{storage.DimensionPages, &o.TopPages},
		{storage.DimensionBrowsers, &o.TopBrowsers},
	}
	for _, b := range breakdowns {
		rows, err := a.dimension(ctx, websiteID, b.dim, cur, prev)
		if err != nil {
			return nil, unavailable(string(b.dim), err)
		}
		*b.dest = rows
	}

	avg, ok, err := a.store.AverageSessionDuration(ctx, websiteID, cur.Start, cur.End)
	if err != nil {
		return nil, unavailable("session duration", err)
	}
	if ok {
		v := round(avg, 2)
		o.AvgDuration = &v
	}
	return o, nil
}

type totalFunc func(ctx context.Context, websiteID string, start, end time.Time) (int64, error)

func (a *Aggregator) total(ctx context.Context, fn totalFunc, websiteID string, cur, prev Period) (Total, error) {
	now, err := fn(ctx, websiteID, cur.Start, cur.End)
	if err != nil {
		return Total{}, err
	}
	before, err := fn(ctx, websiteID, prev.Start, prev.End)
	if err != nil {
		return Total{}, err
	}
	return Total{Sum: now, PreviousSum: before, PreviousPeriodDiff: Diff(now, before)}, nil
}

func (a *Aggregator) dimension(ctx context.Context, websiteID string, dim storage.Dimension, cur, prev Period) ([]DimensionRow, error) {
	current, err := a.store.DimensionTotals(ctx, websiteID, dim, cur.Start, cur.End)
	if err != nil {
		return nil, err
	}
	previous, err := a.store.DimensionTotals(ctx, websiteID, dim, prev.Start, prev.End)
	if err != nil {
		return nil, err
	}
	return JoinPrevious(current, previous), nil
}

// JoinPrevious annotates each current row with the previous-period count of
// the same key. Keys only present in previous are dropped; order follows
// current.
func JoinPrevious(current, previous []storage.DimensionCount) []DimensionRow {
	before := make(map[string]int64, len(previous))
	for _, p := range previous {
		before[p.Key] = p.Count
	}
	rows := make([]DimensionRow, 0, len(current))
	for _, c := range current {
		row := DimensionRow{Key: c.Key, Count: c.Count}
		if p, ok := before[c.Key]; ok {
			row.PreviousPeriodValue = p
			row.PreviousPeriodDiff = Diff(c.Count, p)
		}
		rows = append(rows, row)
	}
	return rows
}

func unavailable(step string, err error) error {
	return fmt.Errorf("%s: %w: %w", step, ErrDataUnavailable, err)
}
