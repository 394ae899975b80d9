package cache

import (
	"time"

	"github.com/l0p7/nearcache/internal/record"
)

const (
	// DefaultTTL bounds how long a computed result set may be served.
	DefaultTTL = 10 * time.Minute
	// DefaultMaxEntries caps the number of result sets held at once.
	DefaultMaxEntries = 1000
	// DefaultEvictFraction is the share of entries dropped when the store is full.
	DefaultEvictFraction = 0.2
)

// Entry is a computed result set. Result is sorted ascending by distance and
// never mutated after it is stored; a repeat query replaces the whole entry.
type Entry struct {
	Result    []record.Scored `json:"result"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Contains reports whether any record in the result carries the given id.
func (e Entry) Contains(id string) bool {
	for _, rec := range e.Result {
		if rec.ID == id {
			return true
		}
	}
	return false
}

// Stats is an informational snapshot of the store.
type Stats struct {
	Entries     int     `json:"entries"`
	Valid       int     `json:"valid"`
	Expired     int     `json:"expired"`
	ApproxBytes int64   `json:"approxBytes"`
	Hits        uint64  `json:"hits"`
	HitRatio    float64 `json:"hitRatio"`
	MaxEntries  int     `json:"maxEntries"`
	TTLSeconds  float64 `json:"ttlSeconds"`
}

// Options configures a Store. Zero values fall back to the package defaults.
type Options struct {
	TTL           time.Duration
	MaxEntries    int
	EvictFraction float64
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
	// OnEvict is invoked after a capacity eviction with the number of entries removed.
	OnEvict func(removed int)
}
