package proximity

import (
	"context"
	"fmt"

	"github.com/l0p7/nearcache/internal/geo"
	"github.com/l0p7/nearcache/internal/record"
)

// DataSource returns every record that could fall inside box and satisfies
// filter. Returning extra records is safe; omitting records inside the box
// makes them invisible to cached queries.
type DataSource interface {
	QueryCandidates(ctx context.Context, box geo.BoundingBox, filter record.Filter) ([]record.Record, error)
}

// FilterError reports a filter key or value a data source cannot answer. It
// describes a bad query, not a failing data source.
type FilterError struct {
	Key string
	Err error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter %q: %v", e.Key, e.Err)
}

func (e *FilterError) Unwrap() error { return e.Err }

// DataSourceFunc adapts a function to the DataSource interface.
type DataSourceFunc func(ctx context.Context, box geo.BoundingBox, filter record.Filter) ([]record.Record, error)

// QueryCandidates calls f.
func (f DataSourceFunc) QueryCandidates(ctx context.Context, box geo.BoundingBox, filter record.Filter) ([]record.Record, error) {
	return f(ctx, box, filter)
}
