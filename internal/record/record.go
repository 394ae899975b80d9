package record

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/l0p7/nearcache/internal/geo"
)

// Record is a service provider as returned by a data source. Attributes carry
// whatever the persistence layer stores beyond identity and location.
type Record struct {
	ID         string         `json:"id"`
	Lat        float64        `json:"lat"`
	Lng        float64        `json:"lng"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Coordinate returns the record's stored location.
func (r Record) Coordinate() geo.Coordinate {
	return geo.Coordinate{Lat: r.Lat, Lng: r.Lng}
}

// Scored is a record annotated with its distance from a query center. The
// distance only exists in query results and is never persisted.
type Scored struct {
	Record
	DistanceKm float64 `json:"distanceKm"`
}

// Filter holds key/value constraints interpreted by the data source. The cache
// treats it as opaque apart from canonicalization.
type Filter map[string]any

// Canonical renders the filter as sorted-key JSON so logically equal filters
// produce the same bytes regardless of insertion order. A nil or empty filter
// canonicalizes to "{}".
func (f Filter) Canonical() (string, error) {
	if len(f) == 0 {
		return "{}", nil
	}
	// encoding/json emits map keys in sorted order at every nesting level.
	payload, err := json.Marshal(map[string]any(f))
	if err != nil {
		return "", fmt.Errorf("record: canonicalize filter: %w", err)
	}
	return string(payload), nil
}

// Hash returns the FNV-1a digest of the canonical filter as 16 hex characters.
func (f Filter) Hash() (string, error) {
	canonical, err := f.Canonical()
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(canonical))
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// Clone returns a shallow copy of the filter.
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	out := make(Filter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Clone returns a copy of r whose attributes, including nested maps and
// slices, share no storage with r.
func (r Record) Clone() Record {
	if r.Attributes != nil {
		r.Attributes = cloneValue(r.Attributes).(map[string]any)
	}
	return r
}

// CloneScored deep-copies a result set. A nil slice stays nil.
func CloneScored(in []Scored) []Scored {
	if in == nil {
		return nil
	}
	out := make([]Scored, len(in))
	for i, s := range in {
		s.Record = s.Record.Clone()
		out[i] = s
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}
