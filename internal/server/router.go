package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/nearcache/internal/geo"
	"github.com/l0p7/nearcache/internal/metrics"
	"github.com/l0p7/nearcache/internal/proximity"
	"github.com/l0p7/nearcache/internal/proximity/cache"
	"github.com/l0p7/nearcache/internal/record"
)

// Query parameters with fixed meaning; every other parameter is a filter.
const (
	paramLat    = "lat"
	paramLng    = "lng"
	paramRadius = "radiusKm"
)

// ProximityService is the surface the HTTP layer needs from the engine.
type ProximityService interface {
	Query(ctx context.Context, q proximity.Query) (proximity.Result, error)
	Stats() cache.Stats
	Clear(ctx context.Context)
}

// HandlerOptions wires the HTTP facade.
type HandlerOptions struct {
	Service ProximityService
	// Invalidator receives entity change notifications. Defaults to Service
	// when it implements proximity.Invalidator.
	Invalidator       proximity.Invalidator
	Metrics           *metrics.Recorder
	Logger            *slog.Logger
	CorrelationHeader string
}

type api struct {
	service           ProximityService
	invalidator       proximity.Invalidator
	logger            *slog.Logger
	correlationHeader string
}

// NewHandler builds the routing facade over the proximity engine.
func NewHandler(opts HandlerOptions) (http.Handler, error) {
	if opts.Service == nil {
		return nil, errors.New("server: proximity service required")
	}
	invalidator := opts.Invalidator
	if invalidator == nil {
		inv, ok := opts.Service.(proximity.Invalidator)
		if !ok {
			return nil, errors.New("server: invalidator required")
		}
		invalidator = inv
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &api{
		service:           opts.Service,
		invalidator:       invalidator,
		logger:            logger.With(slog.String("agent", "http")),
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /nearby", a.serveNearby)
	mux.HandleFunc("POST /entities/{id}/changed", a.serveEntityChanged)
	mux.HandleFunc("GET /stats", a.serveStats)
	mux.HandleFunc("DELETE /cache", a.serveClear)
	mux.HandleFunc("GET /healthz", a.serveHealth)
	mux.HandleFunc("GET /health", a.serveHealth)
	mux.Handle("GET /metrics", opts.Metrics.Handler())
	return a.withCorrelation(mux), nil
}

type correlationKey struct{}

// CorrelationID returns the request correlation id stored by the handler.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func (a *api) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if a.correlationHeader != "" {
			id = strings.TrimSpace(r.Header.Get(a.correlationHeader))
		}
		if id == "" {
			id = uuid.NewString()
		}
		if a.correlationHeader != "" {
			w.Header().Set(a.correlationHeader, id)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func (a *api) requestLogger(r *http.Request) *slog.Logger {
	return a.logger.With(slog.String("correlation_id", CorrelationID(r.Context())))
}

type nearbyResponse struct {
	Results   []record.Scored `json:"results"`
	Count     int             `json:"count"`
	CacheKey  string          `json:"cacheKey"`
	FromCache bool            `json:"fromCache"`
}

func (a *api) serveNearby(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := a.requestLogger(r)

	q, err := parseNearbyQuery(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.service.Query(r.Context(), q)
	if err != nil {
		status := http.StatusInternalServerError
		var filterErr *proximity.FilterError
		switch {
		case errors.As(err, &filterErr):
			status = http.StatusBadRequest
		case errors.Is(err, proximity.ErrDataSource):
			status = http.StatusBadGateway
		}
		logger.Warn("nearby query failed", slog.Int("http_status", status), slog.Any("error", err))
		a.writeError(w, status, err.Error())
		return
	}

	results := res.Records
	if results == nil {
		results = []record.Scored{}
	}
	a.writeJSON(w, http.StatusOK, nearbyResponse{
		Results:   results,
		Count:     len(results),
		CacheKey:  res.Key,
		FromCache: res.FromCache,
	})
	logger.Debug("nearby query served",
		slog.Int("count", len(results)),
		slog.Bool("from_cache", res.FromCache),
		slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
	)
}

func parseNearbyQuery(r *http.Request) (proximity.Query, error) {
	values := r.URL.Query()
	lat, err := parseCoordinate(values.Get(paramLat), paramLat, 90)
	if err != nil {
		return proximity.Query{}, err
	}
	lng, err := parseCoordinate(values.Get(paramLng), paramLng, 180)
	if err != nil {
		return proximity.Query{}, err
	}
	radius, err := strconv.ParseFloat(strings.TrimSpace(values.Get(paramRadius)), 64)
	if err != nil || !(radius > 0) || math.IsInf(radius, 0) {
		return proximity.Query{}, fmt.Errorf("%s must be a positive number", paramRadius)
	}

	var filter record.Filter
	for key, vals := range values {
		if key == paramLat || key == paramLng || key == paramRadius || len(vals) == 0 {
			continue
		}
		if filter == nil {
			filter = record.Filter{}
		}
		filter[key] = parseFilterValue(vals[0])
	}
	return proximity.Query{
		Center:   geo.Coordinate{Lat: lat, Lng: lng},
		RadiusKm: radius,
		Filter:   filter,
	}, nil
}

func parseCoordinate(raw, name string, limit float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || v < -limit || v > limit {
		return 0, fmt.Errorf("%s must be a number between %g and %g", name, -limit, limit)
	}
	return v, nil
}

// parseFilterValue keeps booleans and finite numbers typed so filters from the
// query string canonicalize the same way as filters from preload files.
func parseFilterValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return trimmed
}

func (a *api) serveEntityChanged(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		a.writeError(w, http.StatusBadRequest, "entity id required")
		return
	}
	removed := a.invalidator.Invalidate(proximity.WithEventSource(r.Context(), "http"), id)
	a.writeJSON(w, http.StatusOK, map[string]any{"entityId": id, "removed": removed})
}

func (a *api) serveStats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.service.Stats())
}

func (a *api) serveClear(w http.ResponseWriter, r *http.Request) {
	a.service.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) serveHealth(w http.ResponseWriter, r *http.Request) {
	stats := a.service.Stats()
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"cacheEntries": stats.Entries,
		"observedAt":   time.Now().UTC(),
	})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	a.writeJSON(w, status, map[string]any{"error": message})
}
