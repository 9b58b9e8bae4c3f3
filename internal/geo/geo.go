// Package geo holds the coordinate math used for route following.
package geo

import (
	"fmt"
	"math"
)

const (
	// RadiusOfEarthInMeters is RADIUS_OF_EARTH_IN_KM * 1000
	RadiusOfEarthInMeters = 6371010.0

	degToRad = math.Pi / 180
	radToDeg = 180 / math.Pi
)

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// String formats c as "lat,lon", the form directions APIs accept.
func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// IsZero reports whether c is the unset 0,0 placeholder.
func (c Coordinate) IsZero() bool {
	return c.Lat == 0 && c.Lon == 0
}

// Bounds is a latitude/longitude bounding box.
type Bounds struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Min returns the lower corner in rtree [lat, lon] order.
func (b Bounds) Min() [2]float64 { return [2]float64{b.MinLat, b.MinLon} }

// Max returns the upper corner in rtree [lat, lon] order.
func (b Bounds) Max() [2]float64 { return [2]float64{b.MaxLat, b.MaxLon} }

// Distance returns the distance in meters between a and b.
// Short hops (under ~22km) use the equirectangular approximation; longer
// ones use the exact great-circle formula.
func Distance(a, b Coordinate) float64 {
	if math.Abs(b.Lat-a.Lat) < 0.2 && math.Abs(b.Lon-a.Lon) < 0.2 {
		lat1Rad := a.Lat * degToRad
		lat2Rad := b.Lat * degToRad
		dLatRad := (b.Lat - a.Lat) * degToRad
		dLonRad := (b.Lon - a.Lon) * degToRad

		x := dLonRad * math.Cos((lat1Rad+lat2Rad)/2)
		y := dLatRad
		return RadiusOfEarthInMeters * math.Sqrt(x*x+y*y)
	}

	lat1Rad := a.Lat * degToRad
	lon1Rad := a.Lon * degToRad
	lat2Rad := b.Lat * degToRad
	lon2Rad := b.Lon * degToRad

	deltaLon := lon2Rad - lon1Rad

	y := math.Sqrt(math.Pow(math.Cos(lat2Rad)*math.Sin(deltaLon), 2) +
		math.Pow(math.Cos(lat1Rad)*math.Sin(lat2Rad)-math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(deltaLon), 2))
	x := math.Sin(lat1Rad)*math.Sin(lat2Rad) + math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Cos(deltaLon)

	return RadiusOfEarthInMeters * math.Atan2(y, x)
}

// BoundsAround returns the box extending radius meters from c in every direction.
func BoundsAround(c Coordinate, radius float64) Bounds {
	latRadians := c.Lat * degToRad
	lonRadians := c.Lon * degToRad

	latOffset := radius / RadiusOfEarthInMeters
	lonOffset := radius / (math.Cos(latRadians) * RadiusOfEarthInMeters)

	return Bounds{
		MinLat: (latRadians - latOffset) * radToDeg,
		MaxLat: (latRadians + latOffset) * radToDeg,
		MinLon: (lonRadians - lonOffset) * radToDeg,
		MaxLon: (lonRadians + lonOffset) * radToDeg,
	}
}

// Bearing returns the initial compass bearing from a to b in degrees [0, 360).
func Bearing(a, b Coordinate) float64 {
	lat1 := a.Lat * degToRad
	lat2 := b.Lat * degToRad
	dLon := (b.Lon - a.Lon) * degToRad

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return NormalizeHeading(math.Atan2(y, x) * radToDeg)
}

// NormalizeHeading wraps degrees into [0, 360).
func NormalizeHeading(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// TurnTowards rotates heading toward target by at most maxDelta degrees,
// taking the shorter way round.
func TurnTowards(heading, target, maxDelta float64) float64 {
	diff := math.Mod(target-heading+540, 360) - 180
	if math.Abs(diff) <= maxDelta {
		return NormalizeHeading(target)
	}
	if diff > 0 {
		return NormalizeHeading(heading + maxDelta)
	}
	return NormalizeHeading(heading - maxDelta)
}

// MoveTowards moves from toward to by at most step meters. It never overshoots.
func MoveTowards(from, to Coordinate, step float64) Coordinate {
	d := Distance(from, to)
	if d <= step || d == 0 {
		return to
	}
	f := step / d
	return Coordinate{
		Lat: from.Lat + (to.Lat-from.Lat)*f,
		Lon: from.Lon + (to.Lon-from.Lon)*f,
	}
}

// Interpolate returns points spaced at most spacing meters apart along the
// straight segment a→b, excluding a and including b.
func Interpolate(a, b Coordinate, spacing float64) []Coordinate {
	d := Distance(a, b)
	if spacing <= 0 || d <= spacing {
		return []Coordinate{b}
	}
	n := int(math.Ceil(d / spacing))
	out := make([]Coordinate, 0, n)
	for i := 1; i < n; i++ {
		f := float64(i) / float64(n)
		out = append(out, Coordinate{
			Lat: a.Lat + (b.Lat-a.Lat)*f,
			Lon: a.Lon + (b.Lon-a.Lon)*f,
		})
	}
	return append(out, b)
}

// PathLength is the summed length in meters of the segments joining points.
func PathLength(points []Coordinate) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}
