package report

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// MinPeriod is the width given to a zero-length period.
const MinPeriod = 24 * time.Hour

// PeriodLayout is the wire format for period bounds, interpreted as UTC.
const PeriodLayout = "2006-01-02 15:04"

// ErrInvalidPeriod is returned for periods that end before they start.
var ErrInvalidPeriod = errors.New("invalid period")

// Period is the half-open window [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewPeriod validates and normalizes a period.
func NewPeriod(start, end time.Time) (Period, error) {
	if end.Before(start) {
		return Period{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidPeriod, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return Period{Start: start.UTC(), End: end.UTC()}.Normalize(), nil
}

// ParsePeriod parses bounds in PeriodLayout or RFC 3339.
func ParsePeriod(start, end string) (Period, error) {
	s, err := parseBound(start)
	if err != nil {
		return Period{}, fmt.Errorf("%w: start: %w", ErrInvalidPeriod, err)
	}
	e, err := parseBound(end)
	if err != nil {
		return Period{}, fmt.Errorf("%w: end: %w", ErrInvalidPeriod, err)
	}
	return NewPeriod(s, e)
}

func parseBound(v string) (time.Time, error) {
	if t, err := time.ParseInLocation(PeriodLayout, v, time.UTC); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

// Duration is End - Start.
func (p Period) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// Normalize widens a zero-length period to MinPeriod so its previous period
// is not degenerate.
func (p Period) Normalize() Period {
	if p.Duration() == 0 {
		p.End = p.Start.Add(MinPeriod)
	}
	return p
}

// Previous is the window of the same length ending where p starts.
func (p Period) Previous() Period {
	d := p.Normalize().Duration()
	return Period{Start: p.Start.Add(-d), End: p.Start}
}

// Diff is the percentage change from prev to cur, rounded to one decimal.
// A period without baseline reports no change.
func Diff(cur, prev int64) float64 {
	if prev <= 0 {
		return 0
	}
	return round(float64(cur-prev)/float64(prev)*100, 1)
}

func round(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	r := math.Round(v*pow) / pow
	if r == 0 {
		// Drop the sign of -0 so it encodes as 0.
		return 0
	}
	return r
}
