package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/dustin/sitepulse/internal/publisher"
)

func spoolEvent(page string) publisher.Event {
	return publisher.Event{
		Hostname:  "example.com",
		WebsiteID: "w1",
		Page:      page,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startReplayer(t *testing.T, path string, sink *fakeSink) (*Replayer, context.CancelFunc, chan error) {
	t.Helper()
	r := NewReplayer(path, sink, ReplayerConfig{Poll: true, RetryMin: 10 * time.Millisecond, RetryMax: 50 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, cancel, done
}

func TestReplayer_ReplaysAndResumes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	spool, err := OpenSpool(path)
	if err != nil {
		t.Fatal(err)
	}
	defer spool.Close()

	if err := spool.Append(spoolEvent("/a")); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := spool.Append(spoolEvent("/b")); err != nil {
		t.Fatal(err)
	}

	sink := &fakeSink{state: publisher.Ready}
	r, cancel, done := startReplayer(t, path, sink)
	waitFor(t, "two replayed events", func() bool { return len(sink.published()) == 2 })

	if err := spool.Append(spoolEvent("/c")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "live event", func() bool { return len(sink.published()) == 3 })

	got := sink.published()
	for i, want := range []string{"/a", "/b", "/c"} {
		if got[i].Page != want {
			t.Errorf("event %d page = %q, want %q", i, got[i].Page, want)
		}
	}
	if s := r.Stats(); s.Replayed != 3 || s.Skipped != 1 {
		t.Errorf("Stats = %+v, want 3 replayed, 1 skipped", s)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offset at end of spool", func() bool {
		raw, err := os.ReadFile(path + ".offset")
		return err == nil && string(raw) == strconv.FormatInt(fi.Size(), 10)
	})

	cancel()
	<-done

	// A restarted replayer picks up after the saved offset.
	again := &fakeSink{state: publisher.Ready}
	startReplayer(t, path, again)
	if err := spool.Append(spoolEvent("/d")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "event after restart", func() bool { return len(again.published()) >= 1 })
	if got := again.published(); len(got) != 1 || got[0].Page != "/d" {
		t.Errorf("after restart published %+v, want only /d", got)
	}
}

func TestReplayer_WaitsForReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	spool, err := OpenSpool(path)
	if err != nil {
		t.Fatal(err)
	}
	defer spool.Close()
	if err := spool.Append(spoolEvent("/a")); err != nil {
		t.Fatal(err)
	}

	sink := &fakeSink{state: publisher.Degraded}
	startReplayer(t, path, sink)

	time.Sleep(300 * time.Millisecond)
	if n := len(sink.published()); n != 0 {
		t.Fatalf("published %d events while degraded, want 0", n)
	}

	sink.set(publisher.Ready, nil)
	waitFor(t, "replay after recovery", func() bool { return len(sink.published()) == 1 })
}

func TestReplayer_CorruptOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path+".offset", []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewReplayer(path, &fakeSink{}, ReplayerConfig{}, nil)
	off, err := r.loadOffset()
	if err != nil || off != 0 {
		t.Errorf("loadOffset = %d, %v, want 0, nil", off, err)
	}
}

func TestSpool_AppendAfterClose(t *testing.T) {
	spool, err := OpenSpool(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if err := spool.Close(); err != nil {
		t.Fatal(err)
	}
	if err := spool.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := spool.Append(spoolEvent("/")); err == nil {
		t.Error("Append after Close succeeded, want error")
	}
}
