package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/l0p7/nearcache/internal/config"
	"github.com/l0p7/nearcache/internal/datasource/catalog"
	"github.com/l0p7/nearcache/internal/datasource/sqlite"
	"github.com/l0p7/nearcache/internal/events"
	"github.com/l0p7/nearcache/internal/geo"
	"github.com/l0p7/nearcache/internal/logging"
	"github.com/l0p7/nearcache/internal/metrics"
	"github.com/l0p7/nearcache/internal/proximity"
	"github.com/l0p7/nearcache/internal/proximity/cache"
	"github.com/l0p7/nearcache/internal/record"
	"github.com/l0p7/nearcache/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "NEARCACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	source, closeSource, err := buildDataSource(ctx, logger, cfg.Server.DataSource)
	if err != nil {
		return fmt.Errorf("build data source: %w", err)
	}
	defer closeSource()

	engine, err := buildEngine(logger, cfg.Server.Cache, source, recorder)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	defer wg.Wait()

	if cfg.EventsBackend() == config.BackendRedis {
		if sub := startSubscriber(runCtx, &wg, logger, cfg.Server.Events.Redis, engine); sub != nil {
			defer sub.Close()
		}
	}

	if watcher := startPreload(runCtx, logger, cfg.Server.Preload, engine); watcher != nil {
		defer watcher.Stop()
	}

	handler, err := server.NewHandler(server.HandlerOptions{
		Service:           engine,
		Metrics:           recorder,
		Logger:            logger,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	if err := srv.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated unexpectedly: %w", err)
	}
	cancel()
	logger.Info("server shutdown complete")
	return nil
}

// buildDataSource opens the configured backend. The returned closer is always
// safe to call.
func buildDataSource(ctx context.Context, logger *slog.Logger, cfg config.DataSourceConfig) (proximity.DataSource, func(), error) {
	noop := func() {}
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case config.BackendSQLite:
		src, err := sqlite.Open(ctx, cfg.SQLite.Path, logger)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("using sqlite data source", slog.String("path", cfg.SQLite.Path))
		return src, func() {
			if err := src.Close(); err != nil {
				logger.Error("sqlite close failed", slog.Any("error", err))
			}
		}, nil
	case config.BackendCatalog:
		src, err := catalog.New(logger, cfg.Catalog.Filters, cfg.Catalog.Derived)
		if err != nil {
			return nil, noop, err
		}
		if err := src.LoadFile(cfg.Catalog.File); err != nil {
			return nil, noop, err
		}
		logger.Info("using catalog data source", slog.String("file", cfg.Catalog.File), slog.Int("records", src.Len()))
		return src, noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported data source backend %q", cfg.Backend)
	}
}

func buildEngine(logger *slog.Logger, cfg config.CacheConfig, source proximity.DataSource, recorder *metrics.Recorder) (*proximity.Engine, error) {
	ttl, err := cfg.TTLDuration()
	if err != nil {
		return nil, err
	}
	store := cache.New(cache.Options{
		TTL:           ttl,
		MaxEntries:    cfg.MaxEntries,
		EvictFraction: cfg.EvictFraction,
		OnEvict:       recorder.ObserveEvictions,
	})
	logger.Info("proximity cache configured",
		slog.Duration("ttl", store.TTL()),
		slog.Int("max_entries", store.MaxEntries()),
		slog.Int("precision", cfg.Precision),
		slog.Bool("coalesce", cfg.Coalesce),
	)
	return proximity.NewEngine(logger, proximity.Options{
		Source:    source,
		Store:     store,
		Precision: cfg.Precision,
		Coalesce:  cfg.Coalesce,
		Metrics:   recorder,
	})
}

// startSubscriber connects the Redis event subscriber. Connection failures are
// logged and the process keeps serving with local invalidation only.
func startSubscriber(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, cfg config.RedisEventsConfig, inv proximity.Invalidator) *events.Subscriber {
	sub, err := events.NewSubscriber(events.RedisConfig{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		Channel:  cfg.Channel,
		TLS: events.RedisTLSConfig{
			Enabled: cfg.TLS.Enabled,
			CAFile:  cfg.TLS.CAFile,
		},
	}, inv, logger)
	if err != nil {
		logger.Error("redis event subscriber initialization failed", slog.Any("error", err))
		logger.Info("continuing with local invalidation only")
		return nil
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sub.Run(ctx); err != nil {
			logger.Error("redis event subscriber stopped", slog.Any("error", err))
		}
	}()
	logger.Info("using redis event subscriber", slog.String("address", cfg.Address), slog.String("channel", sub.Channel()))
	return sub
}

// startPreload warms the cache from the preload file. With watch enabled the
// file is re-applied on every change and the watcher is returned.
func startPreload(ctx context.Context, logger *slog.Logger, cfg config.PreloadConfig, engine *proximity.Engine) *config.PreloadWatcher {
	path := strings.TrimSpace(cfg.File)
	if path == "" {
		return nil
	}
	apply := func(queries []config.PreloadQuery) {
		report := engine.Preload(ctx, toQueries(queries))
		for _, err := range report.Errors {
			logger.Warn("preload query failed", slog.Any("error", err))
		}
	}
	if !cfg.Watch {
		queries, err := config.LoadPreload(path)
		if err != nil {
			logger.Error("preload file load failed", slog.String("file", path), slog.Any("error", err))
			return nil
		}
		apply(queries)
		return nil
	}
	watcher, err := config.WatchPreload(ctx, path, apply, func(err error) {
		if err != nil {
			logger.Error("preload watcher error", slog.Any("error", err))
		}
	})
	if err != nil {
		logger.Error("preload watcher setup failed", slog.String("file", path), slog.Any("error", err))
		return nil
	}
	return watcher
}

func toQueries(in []config.PreloadQuery) []proximity.Query {
	out := make([]proximity.Query, 0, len(in))
	for _, q := range in {
		var filter record.Filter
		if len(q.Filter) > 0 {
			filter = record.Filter(q.Filter)
		}
		out = append(out, proximity.Query{
			Center:   geo.Coordinate{Lat: q.Lat, Lng: q.Lng},
			RadiusKm: q.RadiusKm,
			Filter:   filter,
		})
	}
	return out
}
