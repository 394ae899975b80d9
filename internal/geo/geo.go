package geo

import (
	"math"

	"github.com/paulmach/orb"
)

const (
	// EarthRadiusKm is the mean Earth radius used by the haversine formula.
	EarthRadiusKm = 6371.0
	// KmPerDegree is the length of one degree of latitude on the same sphere.
	KmPerDegree = EarthRadiusKm * math.Pi / 180
	// boxPadding widens bounding boxes so floating point rounding never drops
	// a point lying on the radius.
	boxPadding = 1.001
)

// Coordinate is a WGS84 point. Callers validate ranges before handing a
// coordinate to the proximity engine.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is finite and inside the WGS84 ranges.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Distance returns the great-circle distance between a and b in kilometers.
func Distance(a, b Coordinate) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLng/2)*math.Sin(dLng/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKm * c
}

// BoundingBox is a rectangular lat/lng range. It over-includes matches for a
// radius query and must be followed by an exact Distance check.
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLng float64 `json:"minLng"`
	MaxLng float64 `json:"maxLng"`
}

// BoundingBoxAround returns a box enclosing every point within radiusKm of
// center. When the circle reaches a pole, or its longitude extent reaches 180
// degrees, the full longitude range is returned.
func BoundingBoxAround(center Coordinate, radiusKm float64) BoundingBox {
	latDelta := radiusKm / KmPerDegree * boxPadding
	box := BoundingBox{
		MinLat: math.Max(center.Lat-latDelta, -90),
		MaxLat: math.Min(center.Lat+latDelta, 90),
		MinLng: -180,
		MaxLng: 180,
	}
	if box.MinLat <= -90 || box.MaxLat >= 90 {
		return box
	}

	// Widest longitude offset of a spherical cap of angular radius d centered
	// at latitude phi: asin(sin(d) / cos(phi)).
	ratio := math.Sin(radiusKm/EarthRadiusKm) / math.Cos(radians(center.Lat))
	if math.IsNaN(ratio) || ratio >= 1 {
		return box
	}
	lngDelta := math.Asin(ratio) * 180 / math.Pi * boxPadding
	if math.IsNaN(lngDelta) || lngDelta >= 180 {
		return box
	}
	box.MinLng = center.Lng - lngDelta
	box.MaxLng = center.Lng + lngDelta
	return box
}

// FullLongitude reports whether the box spans every meridian.
func (b BoundingBox) FullLongitude() bool {
	return b.MinLng <= -180 && b.MaxLng >= 180
}

// Contains reports whether c falls inside the box. Boxes that cross the
// antimeridian are handled by wrapping the candidate longitude.
func (b BoundingBox) Contains(c Coordinate) bool {
	if c.Lat < b.MinLat || c.Lat > b.MaxLat {
		return false
	}
	if b.FullLongitude() {
		return true
	}
	for _, lng := range []float64{c.Lng, c.Lng - 360, c.Lng + 360} {
		if lng >= b.MinLng && lng <= b.MaxLng {
			return true
		}
	}
	return false
}

// Bound converts the box into an orb.Bound (orb orders points as [lng, lat]).
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.MinLng, b.MinLat},
		Max: orb.Point{b.MaxLng, b.MaxLat},
	}
}

// Point converts the coordinate into an orb.Point.
func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Lng, c.Lat}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
