package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dustin/sitepulse/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	websites map[string]storage.Website
	nextID   int

	findCalls   atomic.Int32
	createCalls atomic.Int32
	findErr     error
	listErr     error
	// entered/release let a test hold FindWebsiteByHostname open.
	entered chan struct{}
	release chan struct{}
}

func newFakeStore(hosts ...string) *fakeStore {
	s := &fakeStore{websites: make(map[string]storage.Website)}
	for _, h := range hosts {
		s.add(h)
	}
	return s
}

func (s *fakeStore) add(hostname string) storage.Website {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	w := storage.Website{ID: "id-" + hostname, Hostname: hostname}
	s.websites[hostname] = w
	return w
}

func (s *fakeStore) FindWebsiteByHostname(_ context.Context, hostname string) (*storage.Website, error) {
	s.findCalls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	if s.findErr != nil {
		return nil, s.findErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.websites[hostname]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *fakeStore) ListWebsites(context.Context) ([]storage.Website, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Website, 0, len(s.websites))
	for _, w := range s.websites {
		out = append(out, w)
	}
	return out, nil
}

func (s *fakeStore) CreateWebsite(_ context.Context, hostname string) (*storage.Website, error) {
	s.createCalls.Add(1)
	s.mu.Lock()
	if _, ok := s.websites[hostname]; ok {
		s.mu.Unlock()
		return nil, storage.ErrDuplicateHostname
	}
	s.mu.Unlock()
	w := s.add(hostname)
	return &w, nil
}

func TestCache_PreloadAllAvoidsFallback(t *testing.T) {
	store := newFakeStore("a.com", "b.com")
	c := New(store)
	ctx := context.Background()

	n, err := c.PreloadAll(ctx)
	if err != nil {
		t.Fatalf("PreloadAll: %v", err)
	}
	if n != 2 {
		t.Errorf("PreloadAll = %d, want 2", n)
	}

	for _, h := range []string{"a.com", "b.com"} {
		id, ok, err := c.Resolve(ctx, h)
		if err != nil || !ok {
			t.Fatalf("Resolve(%s) = %q, %v, %v", h, id, ok, err)
		}
		if id != "id-"+h {
			t.Errorf("Resolve(%s) = %q, want %q", h, id, "id-"+h)
		}
	}
	if got := store.findCalls.Load(); got != 0 {
		t.Errorf("store lookups = %d, want 0", got)
	}
	stats := c.Stats(ctx)
	if stats.Hits != 2 || stats.Fallbacks != 0 || stats.Entries != 2 {
		t.Errorf("Stats = %+v, want 2 hits, 0 fallbacks, 2 entries", stats)
	}
}

func TestCache_PreloadAllEmptyStore(t *testing.T) {
	c := New(newFakeStore())
	n, err := c.PreloadAll(context.Background())
	if err != nil || n != 0 {
		t.Errorf("PreloadAll on empty store = %d, %v, want 0, nil", n, err)
	}
}

func TestCache_PreloadAllError(t *testing.T) {
	store := newFakeStore("a.com")
	store.listErr = errors.New("db down")
	c := New(store)

	_, err := c.PreloadAll(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("PreloadAll error = %v, want ErrUnavailable", err)
	}
}

func TestCache_ResolveMissPopulates(t *testing.T) {
	store := newFakeStore("a.com")
	c := New(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, ok, err := c.Resolve(ctx, "a.com")
		if err != nil || !ok || id != "id-a.com" {
			t.Fatalf("Resolve = %q, %v, %v", id, ok, err)
		}
	}
	if got := store.findCalls.Load(); got != 1 {
		t.Errorf("store lookups = %d, want 1", got)
	}
}

func TestCache_ResolveNotFound(t *testing.T) {
	store := newFakeStore()
	c := New(store, WithNegativeCache(10, time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, ok, err := c.Resolve(ctx, "nope.com")
		if err != nil {
			t.Fatalf("Resolve error = %v, want nil", err)
		}
		if ok || id != "" {
			t.Errorf("Resolve = %q, %v, want not found", id, ok)
		}
	}
	if got := store.findCalls.Load(); got != 1 {
		t.Errorf("store lookups = %d, want 1 with negative cache", got)
	}

	// registration clears the negative entry
	w := store.add("nope.com")
	c.Remember(ctx, w)
	id, ok, err := c.Resolve(ctx, "nope.com")
	if err != nil || !ok || id != w.ID {
		t.Errorf("Resolve after Remember = %q, %v, %v, want %q", id, ok, err, w.ID)
	}
}

func TestCache_ResolveStoreError(t *testing.T) {
	store := newFakeStore("a.com")
	store.findErr = errors.New("timeout")
	c := New(store)
	ctx := context.Background()

	_, ok, err := c.Resolve(ctx, "a.com")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Resolve error = %v, want ErrUnavailable", err)
	}
	if ok {
		t.Error("ok = true on store error")
	}
	if n := c.Stats(ctx).Entries; n != 0 {
		t.Errorf("Entries = %d after failed lookup, want 0", n)
	}

	store.findErr = nil
	id, ok, err := c.Resolve(ctx, "a.com")
	if err != nil || !ok || id != "id-a.com" {
		t.Errorf("Resolve after recovery = %q, %v, %v", id, ok, err)
	}
}

func TestCache_ConcurrentMissesCollapse(t *testing.T) {
	store := newFakeStore("a.com")
	store.entered = make(chan struct{}, 1)
	store.release = make(chan struct{})
	c := New(store)
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := c.Resolve(ctx, "a.com")
			if err != nil {
				t.Errorf("Resolve: %v", err)
			}
			ids[i] = id
		}(i)
	}

	<-store.entered
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	if got := store.findCalls.Load(); got != 1 {
		t.Errorf("store lookups = %d, want 1", got)
	}
	for i, id := range ids {
		if id != "id-a.com" {
			t.Errorf("ids[%d] = %q, want id-a.com", i, id)
		}
	}
}

func TestCache_ResolveHonoursCallerContext(t *testing.T) {
	store := newFakeStore("a.com")
	store.entered = make(chan struct{}, 1)
	store.release = make(chan struct{})
	c := New(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := c.Resolve(ctx, "a.com")
		done <- err
	}()
	<-store.entered
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) || !errors.Is(err, ErrUnavailable) {
		t.Errorf("Resolve error = %v, want ErrUnavailable wrapping context.Canceled", err)
	}
	close(store.release)
}

func TestCache_EnsureConverges(t *testing.T) {
	store := newFakeStore()
	c := New(store, WithNegativeCache(10, time.Minute))
	ctx := context.Background()

	const n = 8
	results := make([]*storage.Website, n)
	var createdCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, created, err := c.Ensure(ctx, "new.com")
			if err != nil {
				t.Errorf("Ensure: %v", err)
				return
			}
			if created {
				createdCount.Add(1)
			}
			results[i] = w
		}(i)
	}
	wg.Wait()

	if got := createdCount.Load(); got != 1 {
		t.Errorf("created = %d, want exactly 1", got)
	}
	for i, w := range results {
		if w == nil || w.ID != "id-new.com" {
			t.Errorf("results[%d] = %+v, want id-new.com", i, w)
		}
	}

	id, ok, err := c.Resolve(ctx, "new.com")
	if err != nil || !ok || id != "id-new.com" {
		t.Errorf("Resolve after Ensure = %q, %v, %v", id, ok, err)
	}
}

func TestCache_EnsureDuplicateFromElsewhere(t *testing.T) {
	store := newFakeStore()
	c := New(store, WithNegativeCache(10, time.Minute))
	ctx := context.Background()

	// the negative entry hides a website another process has just created
	if _, ok, _ := c.Resolve(ctx, "race.com"); ok {
		t.Fatal("race.com resolved before creation")
	}
	store.add("race.com")

	w, created, err := c.Ensure(ctx, "race.com")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if created {
		t.Error("created = true for website created elsewhere")
	}
	if w.ID != "id-race.com" {
		t.Errorf("ID = %q, want id-race.com", w.ID)
	}
}

func TestRedisMap(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := newFakeStore("a.com", "b.com")
	c := New(store, WithMap(NewRedisMap(client, "")))
	ctx := context.Background()

	if _, err := c.PreloadAll(ctx); err != nil {
		t.Fatalf("PreloadAll: %v", err)
	}
	if got := mr.HGet(DefaultRedisKey, "a.com"); got != "id-a.com" {
		t.Errorf("HGET website_ids a.com = %q, want id-a.com", got)
	}

	// a second process sharing the hash resolves without touching its store
	other := newFakeStore()
	c2 := New(other, WithMap(NewRedisMap(client, DefaultRedisKey)))
	id, ok, err := c2.Resolve(ctx, "b.com")
	if err != nil || !ok || id != "id-b.com" {
		t.Errorf("Resolve via shared map = %q, %v, %v", id, ok, err)
	}
	if got := other.findCalls.Load(); got != 0 {
		t.Errorf("store lookups = %d, want 0", got)
	}
	if n := c2.Stats(ctx).Entries; n != 2 {
		t.Errorf("Entries = %d, want 2", n)
	}
}

func TestRedisMap_DownFallsBackToStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	store := newFakeStore("a.com")
	c := New(store, WithMap(NewRedisMap(client, "")))

	id, ok, err := c.Resolve(context.Background(), "a.com")
	if err != nil || !ok || id != "id-a.com" {
		t.Errorf("Resolve with redis down = %q, %v, %v, want id-a.com", id, ok, err)
	}
	if got := store.findCalls.Load(); got != 1 {
		t.Errorf("store lookups = %d, want 1", got)
	}
	if n := c.Stats(context.Background()).Entries; n != -1 {
		t.Errorf("Entries = %d with redis down, want -1", n)
	}
}

func TestNegativeCache(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newNegativeCache(2, time.Minute)
	c.now = func() time.Time { return now }

	c.Add("a")
	c.Add("b")
	c.Add("c") // evicts a
	if c.Contains("a") {
		t.Error("a should have been evicted")
	}
	if !c.Contains("b") || !c.Contains("c") {
		t.Error("b and c should be present")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}

	now = now.Add(2 * time.Minute)
	if c.Contains("b") {
		t.Error("b should have expired")
	}

	c.Remove("c")
	if c.Len() != 0 {
		t.Errorf("Len = %d after expiry and Remove, want 0", c.Len())
	}
}
