package proximity

import (
	"strings"
	"testing"

	"github.com/l0p7/nearcache/internal/geo"
	"github.com/l0p7/nearcache/internal/record"
	"github.com/stretchr/testify/require"
)

func TestKeyBuilderRoundsCenter(t *testing.T) {
	b := KeyBuilder{Precision: 4}
	k1, err := b.Build(geo.Coordinate{Lat: -34.61181, Lng: -58.39604}, 5, nil)
	require.NoError(t, err)
	k2, err := b.Build(geo.Coordinate{Lat: -34.61179, Lng: -58.39596}, 5, record.Filter{})
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.True(t, strings.HasPrefix(k1, "nearby:v1:-34.6118:-58.3960:5:"), k1)
}

func TestKeyBuilderFoldsNegativeZero(t *testing.T) {
	b := KeyBuilder{Precision: 4}
	k1, err := b.Build(geo.Coordinate{Lat: -0.00001, Lng: 0.00001}, 1, nil)
	require.NoError(t, err)
	k2, err := b.Build(geo.Coordinate{Lat: 0, Lng: 0}, 1, nil)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Contains(t, k1, ":0.0000:0.0000:")
}

func TestKeyBuilderDistinguishesInputs(t *testing.T) {
	b := KeyBuilder{Precision: 2}
	base, err := b.Build(geo.Coordinate{Lat: 1, Lng: 1}, 2.5, record.Filter{"specialty": "plumber"})
	require.NoError(t, err)
	require.Contains(t, base, ":1.00:1.00:2.5:")

	others := []struct {
		center geo.Coordinate
		radius float64
		filter record.Filter
	}{
		{geo.Coordinate{Lat: 1.01, Lng: 1}, 2.5, record.Filter{"specialty": "plumber"}},
		{geo.Coordinate{Lat: 1, Lng: 1}, 2.6, record.Filter{"specialty": "plumber"}},
		{geo.Coordinate{Lat: 1, Lng: 1}, 2.5, record.Filter{"specialty": "painter"}},
	}
	for _, o := range others {
		key, err := b.Build(o.center, o.radius, o.filter)
		require.NoError(t, err)
		require.NotEqual(t, base, key)
	}
}
