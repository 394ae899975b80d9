package proximity

import (
	"fmt"
	"math"
	"strconv"

	"github.com/l0p7/nearcache/internal/geo"
	"github.com/l0p7/nearcache/internal/record"
)

const (
	// DefaultPrecision rounds query centers to four decimals, roughly 11 m.
	DefaultPrecision = 4
	keyNamespace     = "nearby:v1"
)

// KeyBuilder derives cache keys from query parameters. Centers are rounded to
// Precision decimal places so nearby queries share an entry.
type KeyBuilder struct {
	Precision int
}

// Build returns the deterministic key for the query.
func (b KeyBuilder) Build(center geo.Coordinate, radiusKm float64, filter record.Filter) (string, error) {
	precision := b.Precision
	if precision < 0 {
		precision = DefaultPrecision
	}
	hash, err := filter.Hash()
	if err != nil {
		return "", fmt.Errorf("proximity: build key: %w", err)
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		keyNamespace,
		roundCoordinate(center.Lat, precision),
		roundCoordinate(center.Lng, precision),
		strconv.FormatFloat(radiusKm, 'f', -1, 64),
		hash,
	), nil
}

func roundCoordinate(v float64, precision int) string {
	scale := math.Pow10(precision)
	rounded := math.Round(v*scale) / scale
	// Adding zero folds -0 into 0 so both sides of the equator share keys.
	rounded += 0
	return strconv.FormatFloat(rounded, 'f', precision, 64)
}
