// Package publisher hands page-view events to the durable queue.
//
// A Publisher owns one watermill message.Publisher at a time. Sends are
// serialized by a mutex, guarded by a circuit breaker, and only attempted
// while the connection is Ready. When the breaker trips the publisher moves
// to Degraded and Serve redials with exponential backoff, swapping in the new
// connection once it is up.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/thejerf/suture/v4"
)

var (
	// ErrRejected means the event was not enqueued. The caller still owns it.
	ErrRejected = errors.New("publish rejected")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("publisher closed")
)

// State is the connection state of a Publisher.
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
	Degraded
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Dialer opens a new broker connection.
type Dialer func(ctx context.Context) (message.Publisher, error)

// Config tunes the breaker and the reconnect loop. Zero fields take defaults.
type Config struct {
	Topic           string
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 10 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	return c
}

type Publisher struct {
	dial   Dialer
	cfg    Config
	logger *slog.Logger

	state     atomic.Int32
	closed    atomic.Bool
	reconnect chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// sendMu guards pub and breaker and serializes every call into pub.
	sendMu  sync.Mutex
	pub     message.Publisher
	breaker *gobreaker.CircuitBreaker[any]

	published  atomic.Uint64
	rejected   atomic.Uint64
	reconnects atomic.Uint64
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// New returns a Disconnected publisher. Call Connect, or run Serve, to bring
// it to Ready.
func New(dial Dialer, cfg Config, opts ...Option) *Publisher {
	p := &Publisher{
		dial:      dial,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		reconnect: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "publisher", "topic", p.cfg.Topic)
	return p
}

// State reports the current connection state.
func (p *Publisher) State() State {
	return State(p.state.Load())
}

func (p *Publisher) setState(s State) {
	if from := State(p.state.Swap(int32(s))); from != s {
		p.logger.Info("publisher state changed", "from", from.String(), "to", s.String())
	}
}

// Connect dials once. On failure the publisher stays Disconnected and Serve
// keeps retrying.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.setState(Connecting)
	pub, err := p.dial(ctx)
	if err != nil {
		p.setState(Disconnected)
		return fmt.Errorf("connect: %w", err)
	}
	if !p.install(pub) {
		return ErrClosed
	}
	return nil
}

// Publish enqueues ev. A nil error means the broker accepted it; any other
// outcome wraps ErrRejected (or is ErrClosed).
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return p.reject(err)
	}
	if s := p.State(); s != Ready {
		return p.reject(fmt.Errorf("publisher %s", s))
	}

	payload, err := ev.Encode()
	if err != nil {
		return p.reject(err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	msg.Metadata.Set("hostname", ev.Hostname)
	msg.SetContext(ctx)

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.pub == nil || p.State() != Ready {
		return p.reject(fmt.Errorf("publisher %s", p.State()))
	}
	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.pub.Publish(p.cfg.Topic, msg)
	})
	if err != nil {
		return p.reject(err)
	}
	p.published.Add(1)
	return nil
}

func (p *Publisher) reject(err error) error {
	p.rejected.Add(1)
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// Serve runs the reconnect loop until ctx is done or the publisher is closed.
func (p *Publisher) Serve(ctx context.Context) error {
	if p.State() != Ready {
		p.signalReconnect()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return suture.ErrDoNotRestart
		case <-p.reconnect:
			if p.State() == Ready {
				continue
			}
			if err := p.redial(ctx); err != nil {
				if p.closed.Load() {
					return suture.ErrDoNotRestart
				}
				return err
			}
		}
	}
}

func (p *Publisher) redial(ctx context.Context) error {
	p.setState(Reconnecting)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.MaxElapsedTime = 0

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var next message.Publisher
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		pub, err := p.dial(ctx)
		if err != nil {
			p.logger.Warn("publisher redial failed", "attempt", attempt, "error", err)
			return err
		}
		next = pub
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("redial: %w", err)
	}

	p.reconnects.Add(1)
	if !p.install(next) {
		return ErrClosed
	}
	p.logger.Info("publisher reconnected", "attempts", attempt)
	return nil
}

// install closes the previous connection and swaps in pub with a fresh
// breaker. It reports false, closing pub, if the publisher was closed meanwhile.
func (p *Publisher) install(pub message.Publisher) bool {
	p.sendMu.Lock()
	if p.closed.Load() {
		p.sendMu.Unlock()
		_ = pub.Close()
		return false
	}
	defer p.sendMu.Unlock()
	if old := p.pub; old != nil {
		if err := old.Close(); err != nil {
			p.logger.Warn("closing previous connection failed", "error", err)
		}
	}
	p.pub = pub
	p.breaker = p.newBreaker()
	p.setState(Ready)
	return true
}

func (p *Publisher) newBreaker() *gobreaker.CircuitBreaker[any] {
	threshold := p.cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "publisher",
		MaxRequests: 1,
		Timeout:     p.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				p.setState(Degraded)
				p.signalReconnect()
			}
		},
	})
}

func (p *Publisher) signalReconnect() {
	select {
	case p.reconnect <- struct{}{}:
	default:
	}
}

// Close stops Serve and closes the current connection. Further calls to
// Publish return ErrClosed.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)

		p.sendMu.Lock()
		defer p.sendMu.Unlock()
		if p.pub != nil {
			err = p.pub.Close()
			p.pub = nil
		}
		p.setState(Disconnected)
	})
	return err
}

// Stats is a snapshot of publisher counters.
type Stats struct {
	State      State
	Published  uint64
	Rejected   uint64
	Reconnects uint64
}

func (p *Publisher) Stats() Stats {
	return Stats{
		State:      p.State(),
		Published:  p.published.Load(),
		Rejected:   p.rejected.Load(),
		Reconnects: p.reconnects.Load(),
	}
}

// String makes the publisher readable in supervisor logs.
func (p *Publisher) String() string {
	return "publisher"
}
