package gtfs

import (
	"github.com/OneBusAway/go-gtfs"

	"bussim.transitsim.org/internal/geo"
)

// RegionBounds is the center and span of a feed's area.
type RegionBounds struct {
	Lat     float64
	Lon     float64
	LatSpan float64
	LonSpan float64
}

// ComputeRegionBounds calculates the geographic boundaries of the feed from
// all shape points and stop locations. Returns nil if there are none.
func ComputeRegionBounds(shapes []gtfs.Shape, stops []gtfs.Stop) *RegionBounds {
	var minLat, maxLat, minLon, maxLon float64
	first := true

	add := func(lat, lon float64) {
		if first {
			minLat, maxLat, minLon, maxLon = lat, lat, lon, lon
			first = false
			return
		}
		minLat = min(minLat, lat)
		maxLat = max(maxLat, lat)
		minLon = min(minLon, lon)
		maxLon = max(maxLon, lon)
	}

	for _, shape := range shapes {
		for _, point := range shape.Points {
			add(point.Latitude, point.Longitude)
		}
	}
	for _, s := range stops {
		if s.Latitude != nil && s.Longitude != nil {
			add(*s.Latitude, *s.Longitude)
		}
	}
	if first {
		return nil
	}

	return &RegionBounds{
		Lat:     (minLat + maxLat) / 2,
		Lon:     (minLon + maxLon) / 2,
		LatSpan: maxLat - minLat,
		LonSpan: maxLon - minLon,
	}
}

// shapeWaypoints converts a GTFS shape to route waypoints.
func shapeWaypoints(shape *gtfs.Shape) []geo.Coordinate {
	if shape == nil {
		return nil
	}
	out := make([]geo.Coordinate, 0, len(shape.Points))
	for _, p := range shape.Points {
		out = append(out, geo.Coordinate{Lat: p.Latitude, Lon: p.Longitude})
	}
	return out
}
