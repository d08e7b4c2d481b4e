package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hpcloud/tail"

	"github.com/dustin/sitepulse/internal/publisher"
)

// Spool is an append-only JSON-lines file of events the queue rejected.
type Spool struct {
	path string

	mu sync.Mutex
	f  *os.File

	appended atomic.Uint64
}

// OpenSpool opens or creates the spool file at path.
func OpenSpool(path string) (*Spool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	return &Spool{path: path, f: f}, nil
}

// Append writes ev as one line and syncs it to disk before returning.
func (s *Spool) Append(ev publisher.Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("spool encode: %w", err)
	}
	payload = append(payload, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("spool closed")
	}
	if _, err := s.f.Write(payload); err != nil {
		return fmt.Errorf("spool write: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("spool sync: %w", err)
	}
	s.appended.Add(1)
	return nil
}

func (s *Spool) Path() string {
	return s.path
}

// Appended returns how many events were spooled since open.
func (s *Spool) Appended() uint64 {
	return s.appended.Load()
}

func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ReadyPublisher is the publisher as seen by the replayer.
type ReadyPublisher interface {
	Sink
	State() publisher.State
}

// ReplayerConfig tunes a Replayer. Zero fields take defaults.
type ReplayerConfig struct {
	// Poll makes the tailer poll the file instead of using inotify.
	Poll       bool
	RetryMin   time.Duration
	RetryMax   time.Duration
	OffsetPath string
}

// Replayer tails a spool and republishes each line once the publisher is
// Ready. The byte offset of the last replayed line is kept in a side file, so
// after a restart replay resumes there; a line may be published twice if the
// process dies between publishing and saving the offset.
type Replayer struct {
	path       string
	offsetPath string
	pub        ReadyPublisher
	cfg        ReplayerConfig
	logger     *slog.Logger

	replayed atomic.Uint64
	skipped  atomic.Uint64
}

func NewReplayer(spoolPath string, pub ReadyPublisher, cfg ReplayerConfig, logger *slog.Logger) *Replayer {
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.OffsetPath == "" {
		cfg.OffsetPath = spoolPath + ".offset"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		path:       spoolPath,
		offsetPath: cfg.OffsetPath,
		pub:        pub,
		cfg:        cfg,
		logger:     logger.With("component", "replayer", "spool", spoolPath),
	}
}

// Serve tails the spool until ctx is done.
func (r *Replayer) Serve(ctx context.Context) error {
	offset, err := r.loadOffset()
	if err != nil {
		return err
	}
	if fi, err := os.Stat(r.path); err == nil && fi.Size() < offset {
		r.logger.Warn("spool shorter than saved offset, replaying from start", "offset", offset, "size", fi.Size())
		offset = 0
	}

	t, err := tail.TailFile(r.path, tail.Config{
		ReOpen:    true,
		Follow:    true,
		Poll:      r.cfg.Poll,
		Logger:    tail.DiscardingLogger,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", r.path, err)
	}
	defer func() { _ = t.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				return fmt.Errorf("tail %s: %w", r.path, t.Err())
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				r.logger.Warn("spool read failed", "error", line.Err)
				continue
			}
			offset += int64(len(line.Text)) + 1 // +1 for newline
			if strings.TrimSpace(line.Text) == "" {
				continue
			}
			if err := r.replay(ctx, line.Text); err != nil {
				return err
			}
			if err := r.saveOffset(offset); err != nil {
				r.logger.Warn("saving spool offset failed", "offset", offset, "error", err)
			}
		}
	}
}

var errNotReady = errors.New("publisher not ready")

// replay publishes one line, retrying with backoff until it is accepted.
// Undecodable lines are skipped.
func (r *Replayer) replay(ctx context.Context, line string) error {
	ev, err := publisher.DecodeEvent([]byte(line))
	if err != nil {
		r.skipped.Add(1)
		r.logger.Warn("skipping bad spool line", "error", err)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryMin
	b.MaxInterval = r.cfg.RetryMax
	b.MaxElapsedTime = 0

	err = backoff.Retry(func() error {
		if r.pub.State() != publisher.Ready {
			return errNotReady
		}
		err := r.pub.Publish(ctx, ev)
		if errors.Is(err, publisher.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	r.replayed.Add(1)
	return nil
}

func (r *Replayer) loadOffset() (int64, error) {
	raw, err := os.ReadFile(r.offsetPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read spool offset: %w", err)
	}
	off, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || off < 0 {
		r.logger.Warn("ignoring corrupt spool offset", "value", string(raw))
		return 0, nil
	}
	return off, nil
}

func (r *Replayer) saveOffset(off int64) error {
	tmp := r.offsetPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(off, 10)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.offsetPath)
}

// ReplayerStats counts replayed and skipped spool lines.
type ReplayerStats struct {
	Replayed uint64
	Skipped  uint64
}

func (r *Replayer) Stats() ReplayerStats {
	return ReplayerStats{Replayed: r.replayed.Load(), Skipped: r.skipped.Load()}
}

func (r *Replayer) String() string {
	return "spool-replayer"
}
