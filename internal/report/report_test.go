package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dustin/sitepulse/internal/storage"
)

// fakeStore serves canned answers keyed by window start and counts every
// aggregate query.
type fakeStore struct {
	admins   map[string]bool
	authErr  error
	failStep string

	views   map[time.Time][]storage.HourlyCount
	uniques map[time.Time][]storage.HourlyCount
	totals  map[time.Time]int64
	utotals map[time.Time]int64
	dims    map[storage.Dimension]map[time.Time][]storage.DimensionCount
	avg     map[time.Time]float64

	queries int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		admins:  map[string]bool{"alice": true},
		views:   map[time.Time][]storage.HourlyCount{},
		uniques: map[time.Time][]storage.HourlyCount{},
		totals:  map[time.Time]int64{},
		utotals: map[time.Time]int64{},
		dims:    map[storage.Dimension]map[time.Time][]storage.DimensionCount{},
		avg:     map[time.Time]float64{},
	}
}

var errStore = errors.New("database is locked")

func (f *fakeStore) step(name string) error {
	f.queries++
	if f.failStep == name {
		return errStore
	}
	return nil
}

func (f *fakeStore) ActorHasRole(_ context.Context, actorID, _, role string) (bool, error) {
	if f.authErr != nil {
		return false, f.authErr
	}
	return role == storage.RoleAdmin && f.admins[actorID], nil
}

func (f *fakeStore) HourlyViews(_ context.Context, _ string, start, _ time.Time) ([]storage.HourlyCount, error) {
	if err := f.step("hourly"); err != nil {
		return nil, err
	}
	return f.views[start], nil
}

func (f *fakeStore) HourlyUniqueViews(_ context.Context, _ string, start, _ time.Time) ([]storage.HourlyCount, error) {
	if err := f.step("hourly_unique"); err != nil {
		return nil, err
	}
	return f.uniques[start], nil
}

func (f *fakeStore) TotalViews(_ context.Context, _ string, start, _ time.Time) (int64, error) {
	if err := f.step("total"); err != nil {
		return 0, err
	}
	return f.totals[start], nil
}

func (f *fakeStore) TotalUniqueViews(_ context.Context, _ string, start, _ time.Time) (int64, error) {
	if err := f.step("total_unique"); err != nil {
		return 0, err
	}
	return f.utotals[start], nil
}

func (f *fakeStore) DimensionTotals(_ context.Context, _ string, dim storage.Dimension, start, _ time.Time) ([]storage.DimensionCount, error) {
	if err := f.step(string(dim)); err != nil {
		return nil, err
	}
	return f.dims[dim][start], nil
}

func (f *fakeStore) AverageSessionDuration(_ context.Context, _ string, start, _ time.Time) (float64, bool, error) {
	if err := f.step("sessions"); err != nil {
		return 0, false, err
	}
	v, ok := f.avg[start]
	return v, ok, nil
}

func (f *fakeStore) setDim(dim storage.Dimension, start time.Time, rows ...storage.DimensionCount) {
	if f.dims[dim] == nil {
		f.dims[dim] = map[time.Time][]storage.DimensionCount{}
	}
	f.dims[dim][start] = rows
}

var week = Period{Start: day("2024-01-08"), End: day("2024-01-15")}

func TestJoinPrevious(t *testing.T) {
	current := []storage.DimensionCount{{Key: "Google", Count: 100}, {Key: "Direct", Count: 40}}
	previous := []storage.DimensionCount{{Key: "Google", Count: 50}, {Key: "Bing", Count: 7}}

	got := JoinPrevious(current, previous)
	want := []DimensionRow{
		{Key: "Google", Count: 100, PreviousPeriodValue: 50, PreviousPeriodDiff: 100},
		{Key: "Direct", Count: 40, PreviousPeriodValue: 0, PreviousPeriodDiff: 0},
	}
	if len(got) != len(want) {
		t.Fatalf("JoinPrevious = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestBuildOverview(t *testing.T) {
	store := newFakeStore()
	cur, prev := week.Start, week.Previous().Start
	h1 := cur.Add(14 * time.Hour)
	h2 := cur.Add(26 * time.Hour)

	store.views[cur] = []storage.HourlyCount{{Hour: h1, Count: 6}, {Hour: h2, Count: 4}}
	store.uniques[cur] = []storage.HourlyCount{{Hour: h2, Count: 3}}
	store.totals[cur], store.totals[prev] = 10, 8
	store.utotals[cur], store.utotals[prev] = 3, 0
	store.setDim(storage.DimensionReferrers, cur, storage.DimensionCount{Key: "Direct", Count: 4}, storage.DimensionCount{Key: "Google", Count: 6})
	store.setDim(storage.DimensionReferrers, prev, storage.DimensionCount{Key: "Google", Count: 3})
	store.avg[cur] = 123.456

	o, err := NewAggregator(store, nil).BuildOverview(context.Background(), "w1", "alice", week)
	if err != nil {
		t.Fatalf("BuildOverview: %v", err)
	}

	wantLabels := []string{"1/8/24 2:00PM", "1/9/24 2:00AM"}
	if len(o.Labels) != 2 || o.Labels[0] != wantLabels[0] || o.Labels[1] != wantLabels[1] {
		t.Errorf("Labels = %v, want %v", o.Labels, wantLabels)
	}
	if len(o.Data) != 2 || o.Data[0] != 6 || o.Data[1] != 4 {
		t.Errorf("Data = %v, want [6 4]", o.Data)
	}
	if len(o.UniqueVisitorData) != 1 || o.UniqueVisitorData[0] != 3 {
		t.Errorf("UniqueVisitorData = %v, want [3]", o.UniqueVisitorData)
	}
	if o.TotalViews != (Total{Sum: 10, PreviousSum: 8, PreviousPeriodDiff: 25}) {
		t.Errorf("TotalViews = %+v", o.TotalViews)
	}
	if o.UniqueVisitors != (Total{Sum: 3}) {
		t.Errorf("UniqueVisitors = %+v, want sum 3 without diff", o.UniqueVisitors)
	}
	if len(o.TopReferrers) != 2 || o.TopReferrers[1] != (DimensionRow{Key: "Google", Count: 6, PreviousPeriodValue: 3, PreviousPeriodDiff: 100}) {
		t.Errorf("TopReferrers = %+v", o.TopReferrers)
	}
	if o.TopCountries == nil || len(o.TopCountries) != 0 {
		t.Errorf("TopCountries = %#v, want empty non-nil", o.TopCountries)
	}
	if o.AvgDuration == nil || *o.AvgDuration != 123.46 {
		t.Errorf("AvgDuration = %v, want 123.46", o.AvgDuration)
	}
	if !o.PreviousPeriod.Start.Equal(day("2024-01-01")) || !o.PreviousPeriod.End.Equal(week.Start) {
		t.Errorf("PreviousPeriod = %+v", o.PreviousPeriod)
	}
	if o.Empty() {
		t.Error("Empty() = true for a report with views")
	}
}

func TestBuildOverview_NoPreviousActivity(t *testing.T) {
	store := newFakeStore()
	cur := week.Start
	store.views[cur] = []storage.HourlyCount{{Hour: cur, Count: 10}}
	store.totals[cur] = 10
	store.setDim(storage.DimensionReferrers, cur, storage.DimensionCount{Key: "Direct", Count: 3}, storage.DimensionCount{Key: "Google", Count: 7})

	o, err := NewAggregator(store, nil).BuildOverview(context.Background(), "w1", "alice", week)
	if err != nil {
		t.Fatalf("BuildOverview: %v", err)
	}
	if o.TotalViews.PreviousPeriodDiff != 0 {
		t.Errorf("TotalViews.PreviousPeriodDiff = %v, want 0", o.TotalViews.PreviousPeriodDiff)
	}
	if len(o.TopReferrers) != 2 {
		t.Fatalf("TopReferrers = %+v, want 2 rows", o.TopReferrers)
	}
	for _, row := range o.TopReferrers {
		if row.PreviousPeriodDiff != 0 || row.PreviousPeriodValue != 0 {
			t.Errorf("row %s = %+v, want no previous value", row.Key, row)
		}
	}
	if o.AvgDuration != nil {
		t.Errorf("AvgDuration = %v, want nil without sessions", *o.AvgDuration)
	}
}

func TestBuildOverview_Unauthorized(t *testing.T) {
	for _, actor := range []string{"mallory", ""} {
		store := newFakeStore()
		o, err := NewAggregator(store, nil).BuildOverview(context.Background(), "w1", actor, week)
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("BuildOverview(%q) error = %v, want ErrUnauthorized", actor, err)
		}
		if o != nil {
			t.Errorf("BuildOverview(%q) returned a report", actor)
		}
		if store.queries != 0 {
			t.Errorf("BuildOverview(%q) issued %d aggregate queries, want 0", actor, store.queries)
		}
	}
}

func TestBuildOverview_StoreFailure(t *testing.T) {
	steps := []string{"hourly", "hourly_unique", "total", "total_unique", "referrers", "countries", "pages", "browsers", "sessions"}
	for _, step := range steps {
		t.Run(step, func(t *testing.T) {
			store := newFakeStore()
			store.failStep = step
			o, err := NewAggregator(store, nil).BuildOverview(context.Background(), "w1", "alice", week)
			if !errors.Is(err, ErrDataUnavailable) {
				t.Errorf("error = %v, want ErrDataUnavailable", err)
			}
			if !errors.Is(err, errStore) {
				t.Errorf("error = %v, want cause preserved", err)
			}
			if o != nil {
				t.Error("partial report returned")
			}
		})
	}

	store := newFakeStore()
	store.authErr = errStore
	if _, err := NewAggregator(store, nil).BuildOverview(context.Background(), "w1", "alice", week); !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("auth failure error = %v, want ErrDataUnavailable", err)
	}
}

func TestBuildOverview_ZeroLengthPeriod(t *testing.T) {
	store := newFakeStore()
	start := day("2024-01-08")
	o, err := NewAggregator(store, nil).BuildOverview(context.Background(), "w1", "alice", Period{Start: start, End: start})
	if err != nil {
		t.Fatalf("BuildOverview: %v", err)
	}
	if o.Period.Duration() != MinPeriod || o.PreviousPeriod.Duration() != MinPeriod {
		t.Errorf("Period = %+v, PreviousPeriod = %+v, want both %v long", o.Period, o.PreviousPeriod, MinPeriod)
	}
	if !o.Empty() {
		t.Error("Empty() = false for a report without data")
	}
}
