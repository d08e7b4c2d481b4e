package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dustin/sitepulse/internal/identity"
	"github.com/dustin/sitepulse/internal/publisher"
)

type fakeResolver struct {
	ids map[string]string
	err error
}

func (r fakeResolver) Resolve(_ context.Context, hostname string) (string, bool, error) {
	if r.err != nil {
		return "", false, r.err
	}
	id, ok := r.ids[hostname]
	return id, ok, nil
}

type fakeSink struct {
	mu     sync.Mutex
	err    error
	state  publisher.State
	events []publisher.Event
}

func (s *fakeSink) Publish(_ context.Context, ev publisher.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) State() publisher.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSink) set(state publisher.State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state, s.err = state, err
}

func (s *fakeSink) published() []publisher.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publisher.Event(nil), s.events...)
}

func readSpool(t *testing.T, path string) []publisher.Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out []publisher.Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ev, err := publisher.DecodeEvent(sc.Bytes())
		if err != nil {
			t.Fatalf("spool line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestTracker_Published(t *testing.T) {
	sink := &fakeSink{}
	tr := NewTracker(fakeResolver{ids: map[string]string{"example.com": "w1"}}, sink, WithDefaultCountry("US"))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	out, err := tr.Track(context.Background(), PageView{
		Hostname:  "example.com",
		UserAgent: "Mozilla/5.0",
		Page:      "/pricing",
		IPAddress: "203.0.113.9:4000",
	})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if out != Published {
		t.Errorf("Outcome = %v, want published", out)
	}

	got := sink.published()
	if len(got) != 1 {
		t.Fatalf("published %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.WebsiteID != "w1" || ev.CountryCode != "US" || ev.IPAddress != "203.0.113.9" || !ev.Timestamp.Equal(now) {
		t.Errorf("event = %+v", ev)
	}
	if s := tr.Stats(); s.Published != 1 {
		t.Errorf("Stats.Published = %d, want 1", s.Published)
	}
}

func TestTracker_KeepsClientCountry(t *testing.T) {
	sink := &fakeSink{}
	tr := NewTracker(fakeResolver{ids: map[string]string{"example.com": "w1"}}, sink, WithDefaultCountry("US"))
	if _, err := tr.Track(context.Background(), PageView{Hostname: "example.com", CountryCode: "DE", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if got := sink.published()[0].CountryCode; got != "DE" {
		t.Errorf("CountryCode = %q, want DE", got)
	}
}

func TestTracker_UnknownHostDropped(t *testing.T) {
	sink := &fakeSink{}
	tr := NewTracker(fakeResolver{}, sink)
	out, err := tr.Track(context.Background(), PageView{Hostname: "nobody.com"})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if out != Dropped {
		t.Errorf("Outcome = %v, want dropped", out)
	}
	if len(sink.published()) != 0 {
		t.Error("dropped event was published")
	}
	if s := tr.Stats(); s.Dropped != 1 {
		t.Errorf("Stats.Dropped = %d, want 1", s.Dropped)
	}
}

func TestTracker_ResolveError(t *testing.T) {
	storeErr := fmt.Errorf("resolve: %w", identity.ErrUnavailable)
	tr := NewTracker(fakeResolver{err: storeErr}, &fakeSink{})
	_, err := tr.Track(context.Background(), PageView{Hostname: "example.com"})
	if !errors.Is(err, identity.ErrUnavailable) {
		t.Errorf("Track = %v, want ErrUnavailable", err)
	}
}

func TestTracker_RejectedIsSpooled(t *testing.T) {
	spool, err := OpenSpool(filepath.Join(t.TempDir(), "spool", "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer spool.Close()

	sink := &fakeSink{err: fmt.Errorf("%w: publisher degraded", publisher.ErrRejected)}
	tr := NewTracker(fakeResolver{ids: map[string]string{"example.com": "w1"}}, sink, WithSpool(spool))

	for i := 0; i < 2; i++ {
		out, err := tr.Track(context.Background(), PageView{Hostname: "example.com", Page: fmt.Sprintf("/p%d", i), Timestamp: time.Now()})
		if err != nil {
			t.Fatalf("Track: %v", err)
		}
		if out != Spooled {
			t.Errorf("Outcome = %v, want spooled", out)
		}
	}

	got := readSpool(t, spool.Path())
	if len(got) != 2 || got[0].Page != "/p0" || got[1].Page != "/p1" {
		t.Errorf("spool = %+v, want /p0 then /p1", got)
	}
	if spool.Appended() != 2 {
		t.Errorf("Appended = %d, want 2", spool.Appended())
	}
}

func TestTracker_RejectedWithoutSpool(t *testing.T) {
	sink := &fakeSink{err: fmt.Errorf("%w: circuit open", publisher.ErrRejected)}
	tr := NewTracker(fakeResolver{ids: map[string]string{"example.com": "w1"}}, sink)
	_, err := tr.Track(context.Background(), PageView{Hostname: "example.com"})
	if !errors.Is(err, publisher.ErrRejected) {
		t.Errorf("Track = %v, want ErrRejected", err)
	}
}

func TestTracker_SpoolClosed(t *testing.T) {
	spool, err := OpenSpool(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	spool.Close()

	sink := &fakeSink{err: publisher.ErrClosed}
	tr := NewTracker(fakeResolver{ids: map[string]string{"example.com": "w1"}}, sink, WithSpool(spool))
	_, err = tr.Track(context.Background(), PageView{Hostname: "example.com"})
	if err == nil || !errors.Is(err, publisher.ErrClosed) {
		t.Errorf("Track = %v, want error wrapping ErrClosed", err)
	}
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{Published: "published", Spooled: "spooled", Dropped: "dropped"} {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", o, got, want)
		}
	}
}
