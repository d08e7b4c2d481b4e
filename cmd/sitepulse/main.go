package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dustin/sitepulse/internal/config"
	"github.com/dustin/sitepulse/internal/dedup"
	"github.com/dustin/sitepulse/internal/identity"
	"github.com/dustin/sitepulse/internal/ingest"
	"github.com/dustin/sitepulse/internal/logging"
	"github.com/dustin/sitepulse/internal/metrics"
	"github.com/dustin/sitepulse/internal/publisher"
	"github.com/dustin/sitepulse/internal/queue"
	"github.com/dustin/sitepulse/internal/report"
	"github.com/dustin/sitepulse/internal/server"
	"github.com/dustin/sitepulse/internal/storage"
	"github.com/dustin/sitepulse/internal/supervisor"
	"github.com/dustin/sitepulse/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup(logging.LevelInfo, logging.FormatJSON).Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel(), logging.ParseFormat(cfg.LogFormat))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sitepulse stopped", "error", err)
		cancel()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// closers run in reverse order on exit.
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("starting sitepulse", "version", version.String(), "listen", cfg.ListenAddr)

	var cleanup closers
	defer cleanup.run()

	store, err := storage.NewWithOptions(cfg.DBPath, storage.Options{
		MaxConnections: cfg.DBMaxConnections,
		QueryTimeout:   cfg.DBQueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	cleanup.add(func() { store.Close() })
	logger.Info("database opened", "path", store.Path())

	idMap, backend, rdb := cacheBackends(ctx, cfg, logger)
	if rdb != nil {
		cleanup.add(func() { rdb.Close() })
	}

	ids := identity.New(store,
		identity.WithMap(idMap),
		identity.WithNegativeCache(cfg.NegativeCacheSize, cfg.NegativeCacheTTL),
		identity.WithLogger(logger),
	)
	known := dedup.New(store,
		dedup.WithBackend(backend),
		dedup.WithWorkers(cfg.ReconcileWorkers),
		dedup.WithLogger(logger),
	)

	if n, err := ids.PreloadAll(ctx); err != nil {
		logger.Warn("identity preload failed, resolving lazily", "error", err)
	} else {
		logger.Info("identity map preloaded", "websites", n)
	}
	res, err := known.ReconcileAll(ctx)
	if err != nil {
		return fmt.Errorf("reconcile visitor sets: %w", err)
	}
	if !res.OK() {
		logger.Warn("some visitor sets were not reconciled", "failed", len(res.Failed))
	}

	wlogger := queue.Logger(logger)
	var (
		dial publisher.Dialer
		sub  message.Subscriber
	)
	switch cfg.QueueDriver {
	case config.QueueDriverMemory:
		bus := queue.NewMemory(wlogger)
		cleanup.add(func() { bus.Close() })
		dial = func(context.Context) (message.Publisher, error) {
			return queue.SharedPublisher(bus), nil
		}
		sub = bus
	default:
		natsCfg := queue.NATSConfig{URL: cfg.QueueURL, Durable: cfg.QueueDurable}
		if cfg.QueueEmbedded {
			ecfg, err := queue.EmbeddedConfigFromURL(cfg.QueueURL, cfg.QueueStoreDir)
			if err != nil {
				return err
			}
			ns, err := queue.StartEmbedded(ecfg)
			if err != nil {
				return fmt.Errorf("start embedded queue: %w", err)
			}
			cleanup.add(ns.Shutdown)
			natsCfg.URL = ns.ClientURL()
			logger.Info("embedded queue started", "url", natsCfg.URL)
		}
		dial = func(context.Context) (message.Publisher, error) {
			return queue.NewNATSPublisher(natsCfg, wlogger)
		}
		if cfg.ConsumerEnabled {
			nsub, err := queue.NewNATSSubscriber(natsCfg, wlogger)
			if err != nil {
				return err
			}
			cleanup.add(func() { nsub.Close() })
			sub = nsub
		}
	}

	pub := publisher.New(dial, publisher.Config{
		Topic:           cfg.QueueTopic,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerOpenTimeout,
		MaxInterval:     cfg.ReconnectMaxInterval,
	}, publisher.WithLogger(logger))
	cleanup.add(func() { pub.Close() })
	if err := pub.Connect(ctx); err != nil {
		logger.Warn("queue unavailable at startup, will keep retrying", "error", err)
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{ShutdownTimeout: cfg.ShutdownTimeout})
	tree.AddPipeline(pub)

	trackerOpts := []ingest.TrackerOption{
		ingest.WithDefaultCountry(cfg.DefaultCountry),
		ingest.WithTrackerLogger(logger),
	}
	var replayer *ingest.Replayer
	if cfg.SpoolEnabled() {
		spool, err := ingest.OpenSpool(cfg.SpoolPath)
		if err != nil {
			return fmt.Errorf("open spool: %w", err)
		}
		cleanup.add(func() { spool.Close() })
		trackerOpts = append(trackerOpts, ingest.WithSpool(spool))
		replayer = ingest.NewReplayer(cfg.SpoolPath, pub, ingest.ReplayerConfig{}, logger)
		tree.AddPipeline(replayer)
	}
	tracker := ingest.NewTracker(ids, pub, trackerOpts...)

	var consumer *ingest.Consumer
	if sub != nil && cfg.ConsumerEnabled {
		consumer = ingest.NewConsumer(sub, store, known, ingest.ConsumerConfig{
			Topic:       cfg.QueueTopic,
			Salt:        cfg.FingerprintSalt,
			IdleTimeout: cfg.SessionIdleTimeout,
		}, logger)
		tree.AddPipeline(consumer)
	}

	m := metrics.New(func() metrics.Snapshot {
		snap := metrics.Snapshot{
			Identity:  ids.Stats(context.Background()),
			Dedup:     known.Stats(),
			Publisher: pub.Stats(),
			Tracker:   tracker.Stats(),
		}
		if consumer != nil {
			snap.Consumer = consumer.Stats()
		}
		if replayer != nil {
			snap.Replayer = replayer.Stats()
		}
		return snap
	})
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	reports := report.NewService(ids, store, report.NewAggregator(store, logger),
		report.WithSetInitializer(known),
		report.WithServiceLogger(logger),
	)
	api := server.New(cfg, server.Deps{
		Tracker:        tracker,
		Reports:        reports,
		Store:          store,
		Publisher:      pub,
		Metrics:        m,
		MetricsHandler: promhttp.Handler(),
		Logger:         logger,
	})
	cleanup.add(api.Close)

	tree.AddAPI(supervisor.NewHTTPService(&http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}, cfg.ShutdownTimeout, logger))

	err = tree.Serve(ctx)
	if unstopped, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(unstopped) > 0 {
		logger.Warn("services did not stop in time", "count", len(unstopped))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// cacheBackends picks Redis or in-process storage for the identity map and
// the visitor sets. An unreachable Redis falls back to memory.
func cacheBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (identity.Map, dedup.Backend, *redis.Client) {
	if !cfg.RedisEnabled() {
		return identity.NewMemoryMap(), dedup.NewMemoryBackend(), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-process caches", "addr", cfg.RedisAddr, "error", err)
		rdb.Close()
		return identity.NewMemoryMap(), dedup.NewMemoryBackend(), nil
	}
	logger.Info("redis connected", "addr", cfg.RedisAddr)
	return identity.NewRedisMap(rdb, ""), dedup.NewRedisBackend(rdb, ""), rdb
}
