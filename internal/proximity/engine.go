package proximity

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/l0p7/nearcache/internal/geo"
	"github.com/l0p7/nearcache/internal/metrics"
	"github.com/l0p7/nearcache/internal/proximity/cache"
	"github.com/l0p7/nearcache/internal/record"
	"golang.org/x/sync/singleflight"
)

// ErrDataSource wraps failures reported by the data source, except
// FilterErrors, which are returned as they are.
var ErrDataSource = errors.New("proximity: data source failed")

// Options wires an Engine's collaborators.
type Options struct {
	Source DataSource
	// Store holds computed result sets. A default store is built when nil.
	Store *cache.Store
	// Precision is the number of decimals kept when rounding query centers.
	Precision int
	// Coalesce collapses concurrent misses for the same key into one data
	// source call.
	Coalesce bool
	Metrics  *metrics.Recorder
}

// Query describes one proximity lookup.
type Query struct {
	Center   geo.Coordinate `json:"center"`
	RadiusKm float64        `json:"radiusKm"`
	Filter   record.Filter  `json:"filter,omitempty"`
}

// Result is the answer to a Query.
type Result struct {
	Records   []record.Scored `json:"results"`
	Key       string          `json:"cacheKey"`
	FromCache bool            `json:"fromCache"`
}

// Engine answers proximity queries through the cache, falling back to the
// data source on misses. It is safe for concurrent use.
type Engine struct {
	logger   *slog.Logger
	source   DataSource
	store    *cache.Store
	keys     KeyBuilder
	coalesce bool
	group    singleflight.Group
	metrics  *metrics.Recorder
}

// NewEngine builds an Engine. A data source is required.
func NewEngine(logger *slog.Logger, opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, errors.New("proximity: data source required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = cache.New(cache.Options{OnEvict: opts.Metrics.ObserveEvictions})
	}
	precision := opts.Precision
	if precision <= 0 {
		precision = DefaultPrecision
	}
	return &Engine{
		logger:   logger.With(slog.String("agent", "proximity")),
		source:   opts.Source,
		store:    store,
		keys:     KeyBuilder{Precision: precision},
		coalesce: opts.Coalesce,
		metrics:  opts.Metrics,
	}, nil
}

// FindNearby returns the records within radiusKm of center matching filter,
// nearest first.
func (e *Engine) FindNearby(ctx context.Context, center geo.Coordinate, radiusKm float64, filter record.Filter) ([]record.Scored, error) {
	res, err := e.Query(ctx, Query{Center: center, RadiusKm: radiusKm, Filter: filter})
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// Query is FindNearby with the cache key and hit flag exposed.
func (e *Engine) Query(ctx context.Context, q Query) (Result, error) {
	start := time.Now()
	key, err := e.keys.Build(q.Center, q.RadiusKm, q.Filter)
	if err != nil {
		e.metrics.ObserveQuery(metrics.QueryError, time.Since(start))
		return Result{}, err
	}

	if entry, ok := e.store.Get(key); ok {
		e.metrics.ObserveQuery(metrics.QueryHit, time.Since(start))
		e.logger.DebugContext(ctx, "proximity cache hit",
			slog.String("cache_key", key),
			slog.Int("results", len(entry.Result)),
		)
		return Result{Records: entry.Result, Key: key, FromCache: true}, nil
	}

	var records []record.Scored
	if e.coalesce {
		v, loadErr, shared := e.group.Do(key, func() (any, error) {
			return e.load(ctx, key, q)
		})
		err = loadErr
		if err == nil {
			records = v.([]record.Scored)
			if shared {
				records = record.CloneScored(records)
			}
		}
	} else {
		records, err = e.load(ctx, key, q)
	}
	if err != nil {
		e.metrics.ObserveQuery(metrics.QueryError, time.Since(start))
		e.logger.WarnContext(ctx, "proximity query failed",
			slog.String("cache_key", key),
			slog.Any("error", err),
		)
		return Result{}, err
	}

	e.metrics.ObserveQuery(metrics.QueryMiss, time.Since(start))
	e.logger.DebugContext(ctx, "proximity cache miss",
		slog.String("cache_key", key),
		slog.Int("results", len(records)),
	)
	return Result{Records: records, Key: key}, nil
}

// load runs the data source outside any cache lock, refines the candidates,
// and stores the result. Failures are never cached.
func (e *Engine) load(ctx context.Context, key string, q Query) ([]record.Scored, error) {
	box := geo.BoundingBoxAround(q.Center, q.RadiusKm)

	started := time.Now()
	candidates, err := e.source.QueryCandidates(ctx, box, q.Filter.Clone())
	if err != nil {
		e.metrics.ObserveDataSource(metrics.DataSourceError, time.Since(started))
		var filterErr *FilterError
		if errors.As(err, &filterErr) {
			return nil, fmt.Errorf("proximity: %w", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrDataSource, err)
	}
	e.metrics.ObserveDataSource(metrics.DataSourceOK, time.Since(started))

	result := Rank(q.Center, q.RadiusKm, candidates)
	e.store.Set(key, cache.Entry{Result: result})
	e.metrics.SetEntries(e.store.Len())
	return record.CloneScored(result), nil
}

// Rank scores candidates by exact distance from center, drops those beyond
// radiusKm, and sorts the rest nearest first. Equal distances keep their
// input order.
func Rank(center geo.Coordinate, radiusKm float64, candidates []record.Record) []record.Scored {
	result := make([]record.Scored, 0, len(candidates))
	for _, c := range candidates {
		d := geo.Distance(center, c.Coordinate())
		if !(d <= radiusKm) {
			continue
		}
		result = append(result, record.Scored{Record: c, DistanceKm: d})
	}
	slices.SortStableFunc(result, func(a, b record.Scored) int {
		return cmp.Compare(a.DistanceKm, b.DistanceKm)
	})
	return result
}

// Stats reports the state of the underlying store.
func (e *Engine) Stats() cache.Stats {
	return e.store.Stats()
}

// Clear drops every cached result set.
func (e *Engine) Clear(ctx context.Context) {
	e.store.Clear()
	e.metrics.SetEntries(0)
	e.logger.InfoContext(ctx, "proximity cache cleared")
}
