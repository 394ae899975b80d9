package proximity

import (
	"context"
	"log/slog"
	"strings"

	"github.com/l0p7/nearcache/internal/proximity/cache"
)

type eventSourceKey struct{}

// WithEventSource tags ctx with the channel a mutation event arrived on so
// invalidation metrics and logs can attribute it.
func WithEventSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, eventSourceKey{}, source)
}

func eventSource(ctx context.Context) string {
	if source, ok := ctx.Value(eventSourceKey{}).(string); ok && source != "" {
		return source
	}
	return "direct"
}

// Invalidator drops cached result sets that may reference a changed entity.
type Invalidator interface {
	Invalidate(ctx context.Context, entityID string) int
}

// Invalidate removes every unexpired result set containing entityID and
// returns how many were dropped. Whole entries are removed so that cached
// pages never lose their ordering or size guarantees.
func (e *Engine) Invalidate(ctx context.Context, entityID string) int {
	id := strings.TrimSpace(entityID)
	if id == "" {
		return 0
	}
	removed := e.store.RemoveMatching(func(_ string, entry cache.Entry) bool {
		return entry.Contains(id)
	})

	source := eventSource(ctx)
	e.metrics.ObserveInvalidation(source, removed)
	e.metrics.SetEntries(e.store.Len())
	e.logger.InfoContext(ctx, "entity invalidated",
		slog.String("entity_id", id),
		slog.String("source", source),
		slog.Int("removed", removed),
	)
	return removed
}

// OnEntityChanged is the mutation hook for write paths; it is Invalidate.
func (e *Engine) OnEntityChanged(ctx context.Context, entityID string) int {
	return e.Invalidate(ctx, entityID)
}
