package transit

import (
	"errors"
	"fmt"
	"math"

	"github.com/tidwall/rtree"

	"bussim.transitsim.org/internal/geo"
)

var (
	ErrTooFewStops   = errors.New("route needs at least two stops")
	ErrStaleResponse = errors.New("directions response is for a superseded query")
	ErrEmptyRoute    = errors.New("directions response has no waypoints")
)

// StopMatchRadius is how far from a stop, in meters, a waypoint may be and
// still count as that stop's node.
const StopMatchRadius = 75.0

// RouteFunc observes a route becoming ready.
type RouteFunc func(r *Route)

// Route is the ordered path a service drives: the stops it calls at and the
// waypoints between them, supplied by a directions provider.
//
// A route is not ready until Populate succeeds. Every population fully
// replaces the waypoint list. Route is not safe for concurrent use.
type Route struct {
	ID         string
	InternalID int
	Name       string

	stops      []*BusStop
	waypoints  []geo.Coordinate
	stopNodes  []int
	ready      bool
	generation uint64

	subscribers []routeSubscriber
	nextSub     int
}

type routeSubscriber struct {
	id int
	fn RouteFunc
}

// NewRoute creates a route over stops, in calling order.
func NewRoute(id, name string, stops []*BusStop) (*Route, error) {
	if len(stops) < 2 {
		return nil, fmt.Errorf("route %q: %w", id, ErrTooFewStops)
	}
	for i, s := range stops {
		if s == nil {
			return nil, fmt.Errorf("route %q: stop %d is nil", id, i)
		}
	}
	return &Route{
		ID:    id,
		Name:  name,
		stops: append([]*BusStop(nil), stops...),
	}, nil
}

// Stops returns the stops in calling order.
func (r *Route) Stops() []*BusStop {
	return append([]*BusStop(nil), r.stops...)
}

// ControlPoints returns the stop locations a directions query should pass through.
func (r *Route) ControlPoints() []geo.Coordinate {
	points := make([]geo.Coordinate, len(r.stops))
	for i, s := range r.stops {
		points[i] = s.Location
	}
	return points
}

// Waypoints returns a copy of the current waypoint list.
func (r *Route) Waypoints() []geo.Coordinate {
	return append([]geo.Coordinate(nil), r.waypoints...)
}

// Waypoint returns the waypoint at i.
func (r *Route) Waypoint(i int) (geo.Coordinate, bool) {
	if i < 0 || i >= len(r.waypoints) {
		return geo.Coordinate{}, false
	}
	return r.waypoints[i], true
}

// Len returns the number of waypoints.
func (r *Route) Len() int { return len(r.waypoints) }

// IsReady reports whether waypoints are populated.
func (r *Route) IsReady() bool { return r.ready }

// Generation returns the token of the most recent query.
func (r *Route) Generation() uint64 { return r.generation }

// BeginQuery starts a new directions query. The route becomes not ready and
// only a Populate carrying the returned generation is accepted.
func (r *Route) BeginQuery() uint64 {
	r.generation++
	r.ready = false
	return r.generation
}

// Populate replaces the waypoints with the answer to query gen, matches each
// stop to a waypoint and notifies subscribers. A stale generation or an empty
// list leaves the route untouched.
func (r *Route) Populate(gen uint64, waypoints []geo.Coordinate) error {
	if gen != r.generation {
		return ErrStaleResponse
	}
	if len(waypoints) == 0 {
		return ErrEmptyRoute
	}

	r.waypoints = append([]geo.Coordinate(nil), waypoints...)
	r.stopNodes = matchStops(r.stops, r.waypoints)
	r.ready = true

	for _, s := range append([]routeSubscriber(nil), r.subscribers...) {
		s.fn(r)
	}
	return nil
}

// SetWaypoints populates the route outside a directions query, e.g. from a
// GTFS shape.
func (r *Route) SetWaypoints(waypoints []geo.Coordinate) error {
	return r.Populate(r.BeginQuery(), waypoints)
}

// Subscribe registers fn to run after every successful population.
func (r *Route) Subscribe(fn RouteFunc) (unsubscribe func()) {
	r.nextSub++
	id := r.nextSub
	r.subscribers = append(r.subscribers, routeSubscriber{id: id, fn: fn})
	return func() {
		for i, s := range r.subscribers {
			if s.id == id {
				r.subscribers = append(r.subscribers[:i:i], r.subscribers[i+1:]...)
				return
			}
		}
	}
}

// IsFinalStop reports whether stop is the route's terminus. On a loop the
// origin is also the terminus; use IsFinalCall to tell the two calls apart.
func (r *Route) IsFinalStop(stop *BusStop) bool {
	return stop != nil && r.stops[len(r.stops)-1] == stop
}

// IsFirstStop reports whether stop is where the route starts.
func (r *Route) IsFirstStop(stop *BusStop) bool {
	return stop != nil && r.stops[0] == stop
}

// NextStop returns the stop after stop, or nil at the terminus or when stop
// is not on the route.
func (r *Route) NextStop(stop *BusStop) *BusStop {
	i := r.stopIndex(stop)
	if i < 0 || i+1 >= len(r.stops) {
		return nil
	}
	return r.stops[i+1]
}

// IsFinalCall reports whether call, a position in Stops, is the terminus.
func (r *Route) IsFinalCall(call int) bool {
	return call == len(r.stops)-1
}

// CallIndex returns the first position in Stops at or after from where the
// route calls at stop.
func (r *Route) CallIndex(stop *BusStop, from int) (int, bool) {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(r.stops); i++ {
		if r.stops[i] == stop {
			return i, true
		}
	}
	return 0, false
}

// CallNode returns the waypoint index matched to the route's call-th stop.
func (r *Route) CallNode(call int) (int, bool) {
	if !r.ready || call < 0 || call >= len(r.stopNodes) {
		return 0, false
	}
	return r.stopNodes[call], true
}

// HasStop reports whether the route calls at stop.
func (r *Route) HasStop(stop *BusStop) bool {
	return r.stopIndex(stop) >= 0
}

// WaypointIndexOf returns the waypoint index matched to the first call at
// stop. It fails when the route is not ready or does not call at stop.
func (r *Route) WaypointIndexOf(stop *BusStop) (int, bool) {
	if !r.ready {
		return 0, false
	}
	i := r.stopIndex(stop)
	if i < 0 {
		return 0, false
	}
	return r.stopNodes[i], true
}

// StopAt returns the stop matched to waypoint index i, or nil for a plain
// waypoint. When several stops share a node the first is returned.
func (r *Route) StopAt(i int) *BusStop {
	if !r.ready {
		return nil
	}
	for si, node := range r.stopNodes {
		if node == i {
			return r.stops[si]
		}
	}
	return nil
}

func (r *Route) stopIndex(stop *BusStop) int {
	for i, s := range r.stops {
		if s == stop {
			return i
		}
	}
	return -1
}

// matchStops assigns each stop, in order, a waypoint index no lower than the
// previous stop's. Consecutive stops may share a node. Candidates within StopMatchRadius come from an R-tree over
// the waypoints; otherwise the nearest later waypoint is used. The final stop
// is pinned to the last waypoint.
func matchStops(stops []*BusStop, waypoints []geo.Coordinate) []int {
	var tr rtree.RTreeG[int]
	for i, w := range waypoints {
		p := [2]float64{w.Lat, w.Lon}
		tr.Insert(p, p, i)
	}

	nodes := make([]int, len(stops))
	prev := 0
	for si, stop := range stops {
		if si == len(stops)-1 {
			nodes[si] = len(waypoints) - 1
			break
		}

		best, bestDist := -1, math.Inf(1)
		box := geo.BoundsAround(stop.Location, StopMatchRadius)
		tr.Search(box.Min(), box.Max(), func(_, _ [2]float64, i int) bool {
			if i < prev {
				return true
			}
			d := geo.Distance(stop.Location, waypoints[i])
			if d <= StopMatchRadius && (d < bestDist || (d == bestDist && i < best)) {
				best, bestDist = i, d
			}
			return true
		})

		if best < 0 {
			for i := prev; i < len(waypoints); i++ {
				if d := geo.Distance(stop.Location, waypoints[i]); d < bestDist {
					best, bestDist = i, d
				}
			}
		}
		nodes[si] = best
		prev = best
	}
	return nodes
}
