package cache

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/l0p7/nearcache/internal/record"
)

type slot struct {
	key   string
	entry Entry
	hits  uint64
}

// Store is an in-memory, TTL-bounded, capacity-bounded table of result sets.
// A single mutex guards the table; no method performs I/O while holding it.
type Store struct {
	ttl           time.Duration
	maxEntries    int
	evictFraction float64
	now           func() time.Time
	onEvict       func(int)

	mu      sync.Mutex
	entries map[string]*slot
}

// New builds a Store from opts, applying defaults for unset fields.
func New(opts Options) *Store {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	fraction := opts.EvictFraction
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultEvictFraction
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		ttl:           ttl,
		maxEntries:    maxEntries,
		evictFraction: fraction,
		now:           now,
		onEvict:       opts.OnEvict,
		entries:       make(map[string]*slot),
	}
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration { return s.ttl }

// MaxEntries returns the configured capacity.
func (s *Store) MaxEntries() int { return s.maxEntries }

// Get returns the entry stored under key. Entries older than the TTL are
// removed and reported as absent.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	if s.expired(sl.entry, s.now()) {
		delete(s.entries, key)
		return Entry{}, false
	}
	sl.hits++
	return cloneEntry(sl.entry), true
}

// Set stores entry under key. Inserting a new key into a full store first
// evicts the oldest-created share of entries; overwriting an existing key
// never evicts.
func (s *Store) Set(key string, entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	s.mu.Lock()
	removed := 0
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxEntries {
		removed = s.evictLocked()
	}
	s.entries[key] = &slot{key: key, entry: cloneEntry(entry)}
	s.mu.Unlock()

	if removed > 0 && s.onEvict != nil {
		s.onEvict(removed)
	}
}

// Remove deletes key if present.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*slot)
}

// Len returns the number of held entries, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RemoveMatching deletes every non-expired entry for which match returns true
// and reports how many were removed. Expired entries are left for lazy purge.
func (s *Store) RemoveMatching(match func(key string, entry Entry) bool) int {
	if match == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, sl := range s.entries {
		if s.expired(sl.entry, now) {
			continue
		}
		if match(key, sl.entry) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Stats summarizes the held entries. Every held entry was produced by one
// miss, so the hit ratio is hits / (hits + entries) over what is held now.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	stats := Stats{
		Entries:    len(s.entries),
		MaxEntries: s.maxEntries,
		TTLSeconds: s.ttl.Seconds(),
	}
	for key, sl := range s.entries {
		if s.expired(sl.entry, now) {
			stats.Expired++
		} else {
			stats.Valid++
		}
		stats.Hits += sl.hits
		stats.ApproxBytes += approxSize(key, sl.entry)
	}
	if total := stats.Hits + uint64(stats.Entries); total > 0 {
		stats.HitRatio = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (s *Store) expired(entry Entry, now time.Time) bool {
	return now.Sub(entry.CreatedAt) > s.ttl
}

// evictLocked removes the oldest evictFraction of entries by creation time,
// at least one. Reads do not refresh an entry's position.
func (s *Store) evictLocked() int {
	if len(s.entries) == 0 {
		return 0
	}
	ordered := make([]*slot, 0, len(s.entries))
	for _, sl := range s.entries {
		ordered = append(ordered, sl)
	}
	slices.SortFunc(ordered, func(a, b *slot) int {
		return a.entry.CreatedAt.Compare(b.entry.CreatedAt)
	})
	count := int(math.Floor(float64(len(ordered)) * s.evictFraction))
	if count < 1 {
		count = 1
	}
	for _, sl := range ordered[:count] {
		delete(s.entries, sl.key)
	}
	return count
}

// cloneEntry copies the result set down to the attribute maps so callers can
// never mutate a stored entry.
func cloneEntry(in Entry) Entry {
	return Entry{Result: record.CloneScored(in.Result), CreatedAt: in.CreatedAt}
}

func approxSize(key string, entry Entry) int64 {
	size := int64(len(key)) + 24
	for _, rec := range entry.Result {
		size += int64(len(rec.ID)) + 3*8
		for k, v := range rec.Attributes {
			size += int64(len(k))
			switch val := v.(type) {
			case string:
				size += int64(len(val))
			default:
				size += 8
			}
		}
	}
	return size
}
