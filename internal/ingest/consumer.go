package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/dustin/sitepulse/internal/dedup"
	"github.com/dustin/sitepulse/internal/publisher"
	"github.com/dustin/sitepulse/internal/storage"
	"github.com/dustin/sitepulse/internal/useragent"
)

// RollupStore is the durable side of the consumer.
type RollupStore interface {
	HasFingerprint(ctx context.Context, websiteID, fp string) (bool, error)
	RecordVisit(ctx context.Context, v storage.Visit) (unique bool, err error)
}

// KnownSet is the visitor dedup cache.
type KnownSet interface {
	IsKnown(ctx context.Context, websiteID, fp string) (bool, error)
	MarkKnown(ctx context.Context, websiteID, fp string) error
}

// errPoison marks messages that can never be processed.
var errPoison = errors.New("poison message")

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	Topic       string
	Salt        string
	IdleTimeout time.Duration
}

// Consumer rolls queued events into hourly buckets, visitor fingerprints and
// sessions.
type Consumer struct {
	sub    message.Subscriber
	store  RollupStore
	known  KnownSet
	cfg    ConsumerConfig
	logger *slog.Logger

	processed atomic.Uint64
	unique    atomic.Uint64
	dropped   atomic.Uint64
	poison    atomic.Uint64
	failed    atomic.Uint64
}

func NewConsumer(sub message.Subscriber, store RollupStore, known KnownSet, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		sub:    sub,
		store:  store,
		known:  known,
		cfg:    cfg,
		logger: logger.With("component", "consumer", "topic", cfg.Topic),
	}
}

// Serve subscribes to the topic and processes messages until ctx is done.
// Poison messages are acked and counted; store failures are nacked for
// redelivery.
func (c *Consumer) Serve(ctx context.Context) error {
	msgs, err := c.sub.Subscribe(ctx, c.cfg.Topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.Topic, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("subscription %s closed", c.cfg.Topic)
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	err := c.Process(ctx, msg.Payload)
	switch {
	case err == nil:
		msg.Ack()
	case errors.Is(err, errPoison):
		c.poison.Add(1)
		c.logger.Warn("dropping poison message", "uuid", msg.UUID, "error", err)
		msg.Ack()
	default:
		c.failed.Add(1)
		c.logger.Error("processing message failed", "uuid", msg.UUID, "error", err)
		msg.Nack()
	}
}

// Process applies one encoded event.
func (c *Consumer) Process(ctx context.Context, payload []byte) error {
	ev, err := publisher.DecodeEvent(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", errPoison, err)
	}
	if ev.WebsiteID == "" {
		c.dropped.Add(1)
		return nil
	}
	if ev.Timestamp.IsZero() {
		return fmt.Errorf("%w: event without timestamp", errPoison)
	}

	fp := Fingerprint(c.cfg.Salt, ev.Hostname, ev.UserAgent, ev.IPAddress)
	cached, returning, err := c.lookup(ctx, ev.WebsiteID, fp)
	if err != nil {
		return err
	}

	unique, err := c.store.RecordVisit(ctx, storage.Visit{
		PageView: storage.PageView{
			WebsiteID:   ev.WebsiteID,
			Timestamp:   ev.Timestamp,
			Referrer:    ev.Referrer,
			Page:        ev.Page,
			CountryCode: ev.CountryCode,
			Browser:     useragent.Browser(ev.UserAgent),
		},
		Fingerprint: fp,
		Returning:   returning,
		IdleTimeout: c.cfg.IdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("record visit: %w", err)
	}
	// Only committed fingerprints enter the set, so a nacked event is still
	// unique when it is redelivered.
	if !cached {
		c.markKnown(ctx, ev.WebsiteID, fp)
	}

	c.processed.Add(1)
	if unique {
		c.unique.Add(1)
	}
	return nil
}

// lookup reports whether fp is already known for websiteID. cached is true
// when the dedup set answered. A returning visitor skips the durable insert;
// otherwise the insert in RecordVisit decides uniqueness, so a redelivered
// event is not counted twice.
func (c *Consumer) lookup(ctx context.Context, websiteID, fp string) (cached, returning bool, err error) {
	known, err := c.known.IsKnown(ctx, websiteID, fp)
	switch {
	case err == nil:
		return known, known, nil
	case errors.Is(err, dedup.ErrUninitialized):
		known, err = c.store.HasFingerprint(ctx, websiteID, fp)
		if err != nil {
			return false, false, fmt.Errorf("fingerprint lookup: %w", err)
		}
		return false, known, nil
	default:
		// The store still answers through the insert.
		c.logger.Warn("dedup lookup failed", "website_id", websiteID, "error", err)
		return false, false, nil
	}
}

func (c *Consumer) markKnown(ctx context.Context, websiteID, fp string) {
	if err := c.known.MarkKnown(ctx, websiteID, fp); err != nil {
		c.logger.Warn("dedup mark failed", "website_id", websiteID, "error", err)
	}
}

// ConsumerStats counts processed messages by outcome.
type ConsumerStats struct {
	Processed uint64
	Unique    uint64
	Dropped   uint64
	Poison    uint64
	Failed    uint64
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Processed: c.processed.Load(),
		Unique:    c.unique.Load(),
		Dropped:   c.dropped.Load(),
		Poison:    c.poison.Load(),
		Failed:    c.failed.Load(),
	}
}

func (c *Consumer) String() string {
	return "rollup-consumer"
}
