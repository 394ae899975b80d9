package proximity

import (
	"context"
	"fmt"
	"log/slog"
)

// PreloadReport summarizes a warm-up run.
type PreloadReport struct {
	Warmed   int     `json:"warmed"`
	Cached   int     `json:"alreadyCached"`
	Failed   int     `json:"failed"`
	Errors   []error `json:"-"`
	Canceled bool    `json:"canceled"`
}

// Preload runs each query through the engine so later callers hit the cache.
// Failures are recorded and do not stop the run; cancellation does.
func (e *Engine) Preload(ctx context.Context, queries []Query) PreloadReport {
	var report PreloadReport
	for i, q := range queries {
		if err := ctx.Err(); err != nil {
			report.Canceled = true
			break
		}
		res, err := e.Query(ctx, q)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Errorf("proximity: preload query %d: %w", i, err))
			continue
		}
		if res.FromCache {
			report.Cached++
			continue
		}
		report.Warmed++
	}
	e.logger.InfoContext(ctx, "proximity preload finished",
		slog.Int("queries", len(queries)),
		slog.Int("warmed", report.Warmed),
		slog.Int("already_cached", report.Cached),
		slog.Int("failed", report.Failed),
		slog.Bool("canceled", report.Canceled),
	)
	return report
}
