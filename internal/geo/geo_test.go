package geo

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

var buenosAires = Coordinate{Lat: -34.6118, Lng: -58.3960}

func TestDistanceSamePointIsZero(t *testing.T) {
	points := []Coordinate{
		buenosAires,
		{Lat: 0, Lng: 0},
		{Lat: 89.9, Lng: 179.9},
		{Lat: -45.5, Lng: -120.25},
	}
	for _, p := range points {
		require.Equal(t, 0.0, Distance(p, p))
	}
}

func TestDistanceIsSymmetric(t *testing.T) {
	pairs := [][2]Coordinate{
		{buenosAires, {Lat: -34.5, Lng: -58.5}},
		{{Lat: 51.5074, Lng: -0.1278}, {Lat: 48.8566, Lng: 2.3522}},
		{{Lat: 10, Lng: 179.5}, {Lat: 10, Lng: -179.5}},
	}
	for _, pair := range pairs {
		require.InDelta(t, Distance(pair[0], pair[1]), Distance(pair[1], pair[0]), 1e-9)
	}
}

func TestDistanceKnownValues(t *testing.T) {
	london := Coordinate{Lat: 51.5074, Lng: -0.1278}
	paris := Coordinate{Lat: 48.8566, Lng: 2.3522}
	require.InDelta(t, 343.5, Distance(london, paris), 1.0)

	// One degree of latitude on the haversine sphere.
	oneDegree := Distance(Coordinate{Lat: 0, Lng: 0}, Coordinate{Lat: 1, Lng: 0})
	require.InDelta(t, EarthRadiusKm*math.Pi/180, oneDegree, 1e-6)
}

func TestDistancePropagatesNaN(t *testing.T) {
	require.True(t, math.IsNaN(Distance(Coordinate{Lat: math.NaN()}, buenosAires)))
}

func TestBoundingBoxAroundOverIncludesRadius(t *testing.T) {
	box := BoundingBoxAround(buenosAires, 5)
	require.InDelta(t, 5/KmPerDegree*boxPadding, box.MaxLat-buenosAires.Lat, 1e-12)
	require.InDelta(t, 5/KmPerDegree*boxPadding, buenosAires.Lat-box.MinLat, 1e-12)
	require.Greater(t, box.MaxLng-buenosAires.Lng, 5/KmPerDegree, "longitude widens away from the equator")

	for _, bearing := range []float64{0, 90, 180, 270} {
		p := destination(buenosAires, 5, bearing)
		require.True(t, box.Contains(p), "bearing %v point %+v outside %+v", bearing, p, box)
	}
}

func TestBoundingBoxAroundContainsWholeCircle(t *testing.T) {
	latitudes := []float64{-89.95, -75, -34.6118, 0, 12.5, 60, 80, 89.5}
	radii := []float64{0.5, 5, 50, 500, 2500}
	for _, lat := range latitudes {
		for _, radius := range radii {
			center := Coordinate{Lat: lat, Lng: 179.9}
			box := BoundingBoxAround(center, radius)
			for bearing := 0.0; bearing < 360; bearing += 7.5 {
				p := destination(center, radius, bearing)
				require.True(t, box.Contains(p), "center %+v radius %v bearing %v: %+v outside %+v", center, radius, bearing, p, box)
			}
		}
	}
}

func TestBoundingBoxAroundPoles(t *testing.T) {
	box := BoundingBoxAround(Coordinate{Lat: 90, Lng: 10}, 50)
	require.True(t, box.FullLongitude())
	require.Equal(t, 90.0, box.MaxLat)
	require.Less(t, box.MinLat, 90.0)

	south := BoundingBoxAround(Coordinate{Lat: -89.999, Lng: 0}, 500)
	require.True(t, south.FullLongitude())
	require.Equal(t, -90.0, south.MinLat)
}

func TestBoundingBoxAroundCircleOverPole(t *testing.T) {
	center := Coordinate{Lat: 89.9, Lng: 0}
	box := BoundingBoxAround(center, 20)
	require.Equal(t, 90.0, box.MaxLat)
	require.True(t, box.FullLongitude())

	across := Coordinate{Lat: 89.95, Lng: 180}
	require.Less(t, Distance(center, across), 20.0)
	require.True(t, box.Contains(across))

	near := BoundingBoxAround(Coordinate{Lat: 89, Lng: 0}, 20)
	require.False(t, near.FullLongitude(), "a circle short of the pole keeps a longitude range")
}

func TestBoundingBoxContainsAcrossAntimeridian(t *testing.T) {
	box := BoundingBoxAround(Coordinate{Lat: 0, Lng: 179.99}, 10)
	require.Greater(t, box.MaxLng, 180.0)
	require.True(t, box.Contains(Coordinate{Lat: 0, Lng: -179.99}))
	require.False(t, box.Contains(Coordinate{Lat: 0, Lng: 0}))
}

func TestBoundingBoxBound(t *testing.T) {
	box := BoundingBox{MinLat: -1, MaxLat: 2, MinLng: -3, MaxLng: 4}
	bound := box.Bound()
	require.Equal(t, orb.Point{-3, -1}, bound.Min)
	require.Equal(t, orb.Point{4, 2}, bound.Max)
	require.True(t, bound.Contains(Coordinate{Lat: 0, Lng: 0}.Point()))
}

func TestCoordinateValid(t *testing.T) {
	require.True(t, buenosAires.Valid())
	require.False(t, Coordinate{Lat: 91}.Valid())
	require.False(t, Coordinate{Lng: -181}.Valid())
	require.False(t, Coordinate{Lat: math.NaN()}.Valid())
}

func destination(start Coordinate, distKm, bearing float64) Coordinate {
	lat1 := radians(start.Lat)
	lng1 := radians(start.Lng)
	brng := radians(bearing)
	d := distKm / EarthRadiusKm

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brng))
	lng2 := lng1 + math.Atan2(math.Sin(brng)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))
	return Coordinate{Lat: lat2 * 180 / math.Pi, Lng: lng2 * 180 / math.Pi}
}
