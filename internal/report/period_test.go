package report

import (
	"errors"
	"math"
	"testing"
	"time"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDiff(t *testing.T) {
	tests := []struct {
		cur, prev int64
		want      float64
	}{
		{0, 0, 0},
		{42, 0, 0},
		{150, 100, 50},
		{50, 100, -50},
		{100, 50, 100},
		{1, 3, -66.7},
		{2, 3, -33.3},
		{9999, 10000, 0},
		{10001, 10000, 0},
	}
	for _, tt := range tests {
		got := Diff(tt.cur, tt.prev)
		if got != tt.want || math.Signbit(got) != math.Signbit(tt.want) {
			t.Errorf("Diff(%d, %d) = %v, want %v", tt.cur, tt.prev, got, tt.want)
		}
	}
}

func TestPeriod_Previous(t *testing.T) {
	tests := []struct {
		name string
		in   Period
		want Period
	}{
		{
			name: "seven days",
			in:   Period{Start: day("2024-01-08"), End: day("2024-01-15")},
			want: Period{Start: day("2024-01-01"), End: day("2024-01-08")},
		},
		{
			name: "two hours",
			in:   Period{Start: day("2024-01-08").Add(10 * time.Hour), End: day("2024-01-08").Add(12 * time.Hour)},
			want: Period{Start: day("2024-01-08").Add(8 * time.Hour), End: day("2024-01-08").Add(10 * time.Hour)},
		},
		{
			name: "zero length widens to a day",
			in:   Period{Start: day("2024-01-08"), End: day("2024-01-08")},
			want: Period{Start: day("2024-01-07"), End: day("2024-01-08")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Previous()
			if !got.Start.Equal(tt.want.Start) || !got.End.Equal(tt.want.End) {
				t.Errorf("Previous() = %v..%v, want %v..%v", got.Start, got.End, tt.want.Start, tt.want.End)
			}
		})
	}
}

func TestPeriod_Normalize(t *testing.T) {
	start := day("2024-01-08")
	p := Period{Start: start, End: start}.Normalize()
	if p.Duration() != MinPeriod {
		t.Errorf("Duration() = %v, want %v", p.Duration(), MinPeriod)
	}
	other := Period{Start: start, End: start.Add(time.Hour)}.Normalize()
	if other.Duration() != time.Hour {
		t.Errorf("Duration() = %v, want 1h", other.Duration())
	}
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		want       Period
		wantErr    bool
	}{
		{
			name:  "wire layout",
			start: "2024-01-08 00:00",
			end:   "2024-01-15 00:00",
			want:  Period{Start: day("2024-01-08"), End: day("2024-01-15")},
		},
		{
			name:  "rfc3339 with offset",
			start: "2024-01-08T02:00:00+02:00",
			end:   "2024-01-08T03:00:00Z",
			want:  Period{Start: day("2024-01-08"), End: day("2024-01-08").Add(3 * time.Hour)},
		},
		{
			name:  "equal bounds",
			start: "2024-01-08 00:00",
			end:   "2024-01-08 00:00",
			want:  Period{Start: day("2024-01-08"), End: day("2024-01-09")},
		},
		{name: "end before start", start: "2024-01-08 00:00", end: "2024-01-07 00:00", wantErr: true},
		{name: "garbage start", start: "yesterday", end: "2024-01-07 00:00", wantErr: true},
		{name: "missing end", start: "2024-01-08 00:00", end: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeriod(tt.start, tt.end)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPeriod) {
					t.Errorf("ParsePeriod() error = %v, want ErrInvalidPeriod", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePeriod() error = %v", err)
			}
			if !got.Start.Equal(tt.want.Start) || !got.End.Equal(tt.want.End) {
				t.Errorf("ParsePeriod() = %v..%v, want %v..%v", got.Start, got.End, tt.want.Start, tt.want.End)
			}
			if got.Start.Location() != time.UTC {
				t.Errorf("Start location = %v, want UTC", got.Start.Location())
			}
		})
	}
}
