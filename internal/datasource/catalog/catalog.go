// Package catalog serves proximity candidates from an in-memory record set
// seeded from YAML. Filter keys are resolved to CEL predicates, and derived
// attributes are computed from CEL expressions when records are stored.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/l0p7/nearcache/internal/expr"
	"github.com/l0p7/nearcache/internal/geo"
	"github.com/l0p7/nearcache/internal/proximity"
	"github.com/l0p7/nearcache/internal/record"
	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"
)

// ErrUnknownFilter is returned for filter keys without a predicate.
var ErrUnknownFilter = errors.New("catalog: unsupported filter key")

// DefaultPredicates are always available; configured predicates may override them.
var DefaultPredicates = map[string]string{
	"specialty": `lookup(record, "specialty") == string(value)`,
	"minRating": `"rating" in record && record.rating >= value`,
	"available": `"available" in record && record.available == value`,
}

// Seed is the on-disk catalog shape.
type Seed struct {
	Records []SeedRecord `yaml:"records"`
}

// SeedRecord is one entry of a seed file.
type SeedRecord struct {
	ID         string         `yaml:"id"`
	Lat        float64        `yaml:"lat"`
	Lng        float64        `yaml:"lng"`
	Attributes map[string]any `yaml:"attributes"`
}

// Source implements proximity.DataSource over records held in memory.
type Source struct {
	logger     *slog.Logger
	predicates map[string]expr.Predicate
	derived    []derivedAttribute

	mu      sync.RWMutex
	records map[string]record.Record
}

type derivedAttribute struct {
	name       string
	derivation expr.Derivation
}

// New compiles the default predicates merged with extra, plus the derived
// attribute expressions, and returns an empty catalog.
func New(logger *slog.Logger, extra map[string]string, derived map[string]string) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	sources := make(map[string]string, len(DefaultPredicates)+len(extra))
	for name, src := range DefaultPredicates {
		sources[name] = src
	}
	for name, src := range extra {
		sources[strings.TrimSpace(name)] = src
	}

	predicates := make(map[string]expr.Predicate, len(sources))
	for name, src := range sources {
		if name == "" {
			return nil, errors.New("catalog: predicate name required")
		}
		pred, err := env.Predicate(src)
		if err != nil {
			return nil, fmt.Errorf("catalog: predicate %q: %w", name, err)
		}
		predicates[name] = pred
	}

	attrs := make([]derivedAttribute, 0, len(derived))
	for name, src := range derived {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("catalog: derived attribute name required")
		}
		d, err := env.Derivation(src)
		if err != nil {
			return nil, fmt.Errorf("catalog: derived attribute %q: %w", name, err)
		}
		attrs = append(attrs, derivedAttribute{name: name, derivation: d})
	}
	// Evaluated in name order.
	slices.SortFunc(attrs, func(a, b derivedAttribute) int { return strings.Compare(a.name, b.name) })

	return &Source{
		logger:     logger.With(slog.String("agent", "datasource_catalog")),
		predicates: predicates,
		derived:    attrs,
		records:    make(map[string]record.Record),
	}, nil
}

// LoadFile replaces the catalog contents with the records in a YAML seed file.
func (s *Source) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("catalog: read seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("catalog: decode seed %s: %w", path, err)
	}

	records := make(map[string]record.Record, len(seed.Records))
	for i, r := range seed.Records {
		rec := record.Record{ID: strings.TrimSpace(r.ID), Lat: r.Lat, Lng: r.Lng, Attributes: r.Attributes}
		if rec.ID == "" {
			return fmt.Errorf("catalog: seed record %d: id required", i)
		}
		if !rec.Coordinate().Valid() {
			return fmt.Errorf("catalog: seed record %q: invalid coordinate", rec.ID)
		}
		if _, dup := records[rec.ID]; dup {
			return fmt.Errorf("catalog: seed record %q: duplicate id", rec.ID)
		}
		stored, err := s.prepare(rec)
		if err != nil {
			return err
		}
		records[rec.ID] = stored
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	s.logger.Info("catalog seed loaded", slog.String("path", path), slog.Int("records", len(records)))
	return nil
}

// Put inserts or replaces a record. Cache invalidation is the caller's job.
func (s *Source) Put(rec record.Record) error {
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return errors.New("catalog: record id required")
	}
	if !rec.Coordinate().Valid() {
		return fmt.Errorf("catalog: record %q: invalid coordinate", rec.ID)
	}
	stored, err := s.prepare(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[rec.ID] = stored
	s.mu.Unlock()
	return nil
}

// Delete removes a record and reports whether it existed.
func (s *Source) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	delete(s.records, id)
	return ok
}

// Len returns the number of records held.
func (s *Source) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// QueryCandidates returns the records inside box matching every filter
// predicate, in id order.
func (s *Source) QueryCandidates(ctx context.Context, box geo.BoundingBox, filter record.Filter) ([]record.Record, error) {
	type check struct {
		name    string
		pred  expr.Predicate
		value any
	}
	checks := make([]check, 0, len(filter))
	for name, value := range filter {
		pred, ok := s.predicates[name]
		if !ok {
			return nil, &proximity.FilterError{Key: name, Err: ErrUnknownFilter}
		}
		checks = append(checks, check{name: name, pred: pred, value: normalizeValue(value)})
	}

	bound := box.Bound()
	full := box.FullLongitude()

	s.mu.RLock()
	candidates := make([]record.Record, 0, len(s.records))
	for _, rec := range s.records {
		if full {
			if rec.Lat >= box.MinLat && rec.Lat <= box.MaxLat {
				candidates = append(candidates, rec)
			}
			continue
		}
		if boundContains(bound, rec.Coordinate().Point()) {
			candidates = append(candidates, rec)
		}
	}
	s.mu.RUnlock()

	out := candidates[:0]
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vars := activationRecord(rec)
		keep := true
		for _, c := range checks {
			ok, err := c.pred.Match(vars, c.value)
			if err != nil {
				return nil, &proximity.FilterError{Key: c.name, Err: fmt.Errorf("catalog: record %q: %w", rec.ID, err)}
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b record.Record) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// boundContains tests p and its antimeridian-shifted twins against b, whose
// longitudes may run past ±180.
func boundContains(b orb.Bound, p orb.Point) bool {
	for _, shift := range []float64{0, -360, 360} {
		if b.Contains(orb.Point{p[0] + shift, p[1]}) {
			return true
		}
	}
	return false
}

func activationRecord(rec record.Record) map[string]any {
	vars := make(map[string]any, len(rec.Attributes)+3)
	for k, v := range rec.Attributes {
		vars[k] = v
	}
	vars["id"] = rec.ID
	vars["lat"] = rec.Lat
	vars["lng"] = rec.Lng
	return vars
}

// prepare normalizes attribute values and fills in derived attributes, which
// replace seed attributes of the same name.
func (s *Source) prepare(rec record.Record) (record.Record, error) {
	if rec.Attributes == nil && len(s.derived) == 0 {
		return rec, nil
	}
	attrs := make(map[string]any, len(rec.Attributes)+len(s.derived))
	for k, v := range rec.Attributes {
		attrs[k] = normalizeValue(v)
	}
	rec.Attributes = attrs
	if len(s.derived) == 0 {
		return rec, nil
	}
	vars := activationRecord(rec)
	computed := make(map[string]any, len(s.derived))
	for _, d := range s.derived {
		v, err := d.derivation.Value(vars)
		if err != nil {
			return record.Record{}, fmt.Errorf("catalog: record %q: derived attribute %q: %w", rec.ID, d.name, err)
		}
		computed[d.name] = v
	}
	for k, v := range computed {
		attrs[k] = v
	}
	return rec, nil
}

// normalizeValue widens integers to float64 so CEL compares numbers from
// YAML and from query strings alike.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
