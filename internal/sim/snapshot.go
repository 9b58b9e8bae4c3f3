package sim

import (
	"context"
	"time"

	"bussim.transitsim.org/internal/fleet"
	"bussim.transitsim.org/internal/geo"
	"bussim.transitsim.org/internal/transit"
)

// BusSnapshot is a copy of one bus's state.
type BusSnapshot struct {
	Registration string         `json:"registration"`
	Status       fleet.Status   `json:"status"`
	Service      string         `json:"service,omitempty"`
	Route        string         `json:"route,omitempty"`
	Stop         string         `json:"stop,omitempty"`
	SlotTime     string         `json:"slotTime,omitempty"`
	IsStopping   bool           `json:"isStopping"`
	StartPending bool           `json:"startPending"`
	Waypoint     int            `json:"waypoint"`
	Position     geo.Coordinate `json:"position"`
	Heading      float64        `json:"heading"`
}

// StopSnapshot is a copy of one stop.
type StopSnapshot struct {
	ID         string         `json:"id"`
	InternalID int            `json:"internalId"`
	Name       string         `json:"name"`
	Location   geo.Coordinate `json:"location"`
	DwellTime  time.Duration  `json:"dwellTime"`
	Visits     int            `json:"visits"`
	LastVisit  *time.Time     `json:"lastVisit,omitempty"`
	LastBus    string         `json:"lastBus,omitempty"`
}

// RouteSnapshot is a copy of one route.
type RouteSnapshot struct {
	ID         string           `json:"id"`
	InternalID int              `json:"internalId"`
	Name       string           `json:"name"`
	Stops      []string         `json:"stops"`
	Ready      bool             `json:"ready"`
	Generation uint64           `json:"generation"`
	Waypoints  []geo.Coordinate `json:"-"`
}

// TimeSlotSnapshot is a copy of one time slot with its next occurrence.
type TimeSlotSnapshot struct {
	Company   string     `json:"company,omitempty"`
	Timetable string     `json:"timetable"`
	Days      string     `json:"days"`
	Service   string     `json:"service"`
	Route     string     `json:"route,omitempty"`
	Stop      string     `json:"stop"`
	Time      string     `json:"time"`
	Armed     bool       `json:"armed"`
	Next      *time.Time `json:"next,omitempty"`
}

// State is a consistent copy of the whole simulation at one instant.
type State struct {
	Now       time.Time          `json:"now"`
	Driving   bool               `json:"driving"`
	Steps     uint64             `json:"steps"`
	Pending   int                `json:"pendingTasks"`
	Buses     []BusSnapshot      `json:"buses"`
	Stops     []StopSnapshot     `json:"stops"`
	Routes    []RouteSnapshot    `json:"routes"`
	TimeSlots []TimeSlotSnapshot `json:"timeSlots"`
}

// Snapshot copies the simulation state on the simulation goroutine.
func (s *Simulation) Snapshot(ctx context.Context) (State, error) {
	var st State
	err := s.Do(ctx, func() error {
		st = s.State()
		return nil
	})
	return st, err
}

// State copies the simulation state. It must run on the simulation
// goroutine; use Snapshot elsewhere.
func (s *Simulation) State() State {
	st := State{
		Now:     s.clock.Now(),
		Driving: s.driving,
		Steps:   s.steps,
		Pending: s.sched.Pending(),
	}
	for _, b := range s.fleet.All() {
		st.Buses = append(st.Buses, SnapshotBus(b))
	}
	for _, stop := range s.network.Stops() {
		st.Stops = append(st.Stops, SnapshotStop(stop))
	}
	for _, r := range s.network.Routes() {
		st.Routes = append(st.Routes, SnapshotRoute(r))
	}
	now := s.clock.Now()
	for _, ts := range s.network.TimeSlots() {
		st.TimeSlots = append(st.TimeSlots, SnapshotTimeSlot(ts, now))
	}
	return st
}

// SnapshotBus copies b.
func SnapshotBus(b *fleet.Bus) BusSnapshot {
	out := BusSnapshot{
		Registration: b.Registration,
		Status:       b.Status(),
		IsStopping:   b.IsStopping(),
		StartPending: b.IsStartPending(),
		Waypoint:     b.WaypointIndex(),
		Position:     b.Position(),
		Heading:      b.Heading(),
	}
	if svc := b.Service(); svc != nil {
		out.Service = svc.ID
	}
	if r := b.Route(); r != nil {
		out.Route = r.ID
	}
	if ts := b.CurrentTimeSlot(); ts != nil {
		out.Stop = ts.Stop().ID
		out.SlotTime = ts.Clock()
	}
	return out
}

func SnapshotStop(stop *transit.BusStop) StopSnapshot {
	out := StopSnapshot{
		ID:         stop.ID,
		InternalID: stop.InternalID,
		Name:       stop.Name,
		Location:   stop.Location,
		DwellTime:  stop.DwellTime,
		Visits:     stop.Visits(),
	}
	if at, bus := stop.LastVisit(); !at.IsZero() {
		out.LastVisit = &at
		out.LastBus = bus
	}
	return out
}

func SnapshotRoute(r *transit.Route) RouteSnapshot {
	out := RouteSnapshot{
		ID:         r.ID,
		InternalID: r.InternalID,
		Name:       r.Name,
		Ready:      r.IsReady(),
		Generation: r.Generation(),
		Waypoints:  r.Waypoints(),
	}
	for _, stop := range r.Stops() {
		out.Stops = append(out.Stops, stop.ID)
	}
	return out
}

// SnapshotTimeSlot copies ts. Next is the armed occurrence, or the next
// occurrence after now when the slot is not armed.
func SnapshotTimeSlot(ts *transit.TimeSlot, now time.Time) TimeSlotSnapshot {
	svc := ts.Service()
	tt := svc.Timetable()
	out := TimeSlotSnapshot{
		Timetable: tt.Name,
		Days:      svc.Days().String(),
		Service:   svc.ID,
		Stop:      ts.Stop().ID,
		Time:      ts.Clock(),
		Armed:     ts.IsArmed(),
	}
	if c := tt.Company(); c != nil {
		out.Company = c.ID
	}
	if r := svc.Route(); r != nil {
		out.Route = r.ID
	}
	next := ts.Occurrence()
	if !ts.IsArmed() {
		var err error
		if next, err = transit.NextOccurrence(ts.Days(), ts.Hour(), ts.Minute(), now); err != nil {
			next = time.Time{}
		}
	}
	if !next.IsZero() {
		out.Next = &next
	}
	return out
}
