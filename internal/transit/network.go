package transit

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	ErrDuplicateStop = errors.New("duplicate bus stop id")
	ErrOrphanedTable = errors.New("timetable has no company")
	ErrUnknownStop   = errors.New("unknown bus stop")
	ErrUnknownRoute  = errors.New("unknown route")
)

// Network is the registry of everything buses can run on: stops, routes,
// companies and their timetables.
type Network struct {
	stops      []*BusStop
	stopsByID  map[string]*BusStop
	duplicates []string

	routes      []*Route
	routesByID  map[string]*Route
	companies   []*Company
	timetables  []*Timetable
	nextStopID  int
	nextRouteID int

	logger *slog.Logger
}

// NewNetwork returns an empty network. logger may be nil.
func NewNetwork(logger *slog.Logger) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	return &Network{
		stopsByID:  make(map[string]*BusStop),
		routesByID: make(map[string]*Route),
		logger:     logger.With(slog.String("component", "network")),
	}
}

// Logger returns the network's logger for building companies.
func (n *Network) Logger() *slog.Logger { return n.logger }

// AddStop registers s and gives it an internal id when it has none. A
// duplicate id is recorded for Validate, logged and rejected; the first
// stop with that id is kept.
func (n *Network) AddStop(s *BusStop) error {
	if _, ok := n.stopsByID[s.ID]; ok {
		n.duplicates = append(n.duplicates, s.ID)
		n.logger.Warn("duplicate bus stop id", slog.String("stop", s.ID))
		return fmt.Errorf("%w: %s", ErrDuplicateStop, s.ID)
	}
	if s.InternalID == 0 {
		n.nextStopID++
		s.InternalID = n.nextStopID
	} else if s.InternalID > n.nextStopID {
		n.nextStopID = s.InternalID
	}
	n.stops = append(n.stops, s)
	n.stopsByID[s.ID] = s
	return nil
}

// Stop looks up a stop by id.
func (n *Network) Stop(id string) (*BusStop, bool) {
	s, ok := n.stopsByID[id]
	return s, ok
}

// Stops returns the stops in registration order.
func (n *Network) Stops() []*BusStop {
	return append([]*BusStop(nil), n.stops...)
}

// NewRoute creates and registers a route over the stops with the given ids.
func (n *Network) NewRoute(id, name string, stopIDs ...string) (*Route, error) {
	stops := make([]*BusStop, 0, len(stopIDs))
	for _, sid := range stopIDs {
		s, ok := n.stopsByID[sid]
		if !ok {
			return nil, fmt.Errorf("route %q: %w: %s", id, ErrUnknownStop, sid)
		}
		stops = append(stops, s)
	}
	r, err := NewRoute(id, name, stops)
	if err != nil {
		return nil, err
	}
	if err := n.AddRoute(r); err != nil {
		return nil, err
	}
	return r, nil
}

// AddRoute registers r and gives it an internal id when it has none.
func (n *Network) AddRoute(r *Route) error {
	if _, ok := n.routesByID[r.ID]; ok {
		return fmt.Errorf("route %q: %w", r.ID, ErrDuplicateName)
	}
	if r.InternalID == 0 {
		n.nextRouteID++
		r.InternalID = n.nextRouteID
	} else if r.InternalID > n.nextRouteID {
		n.nextRouteID = r.InternalID
	}
	n.routes = append(n.routes, r)
	n.routesByID[r.ID] = r
	return nil
}

// Route looks up a route by id.
func (n *Network) Route(id string) (*Route, bool) {
	r, ok := n.routesByID[id]
	return r, ok
}

// Routes returns the routes in registration order.
func (n *Network) Routes() []*Route {
	return append([]*Route(nil), n.routes...)
}

// NewCompany creates and registers a company.
func (n *Network) NewCompany(id, name string) (*Company, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("company: %w", ErrEmptyName)
	}
	for _, c := range n.companies {
		if c.ID == id {
			return nil, fmt.Errorf("company %q: %w", id, ErrDuplicateName)
		}
	}
	c := NewCompany(id, name, n.logger)
	n.companies = append(n.companies, c)
	return c, nil
}

// Company looks up a company by id.
func (n *Network) Company(id string) (*Company, bool) {
	for _, c := range n.companies {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Companies returns the companies in registration order.
func (n *Network) Companies() []*Company {
	return append([]*Company(nil), n.companies...)
}

// AddTimetable registers a timetable that no company owns yet.
func (n *Network) AddTimetable(tt *Timetable) {
	n.timetables = append(n.timetables, tt)
}

// Timetables returns every timetable: company owned ones first, then the
// ones registered directly.
func (n *Network) Timetables() []*Timetable {
	var out []*Timetable
	for _, c := range n.companies {
		out = append(out, c.timetables...)
	}
	for _, tt := range n.timetables {
		if tt.company == nil {
			out = append(out, tt)
		}
	}
	return out
}

// Services returns every service of every timetable.
func (n *Network) Services() []*Service {
	var out []*Service
	for _, tt := range n.Timetables() {
		out = append(out, tt.services...)
	}
	return out
}

// Service looks up a service by id.
func (n *Network) Service(id string) (*Service, bool) {
	for _, s := range n.Services() {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// TimeSlots returns the slots of every service.
func (n *Network) TimeSlots() []*TimeSlot {
	var out []*TimeSlot
	for _, s := range n.Services() {
		out = append(out, s.slots...)
	}
	return out
}

// Validate reports configuration problems. None of them stop a running
// simulation; the caller decides whether to log or refuse.
func (n *Network) Validate() error {
	var errs []error
	for _, id := range n.duplicates {
		errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateStop, id))
	}
	for _, tt := range n.Timetables() {
		if tt.company == nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrOrphanedTable, tt.Name))
		}
		if tt.Days.IsEmpty() {
			errs = append(errs, fmt.Errorf("timetable %q: %w", tt.Name, ErrNoRunningDays))
		}
		for _, svc := range tt.services {
			errs = append(errs, validateService(svc)...)
		}
	}
	return errors.Join(errs...)
}

func validateService(svc *Service) []error {
	var errs []error
	if svc.route == nil {
		return nil
	}
	if len(svc.slots) == 0 {
		errs = append(errs, fmt.Errorf("service %q has no time slots", svc.ID))
	}
	if _, err := svc.RouteCalls(); err != nil {
		errs = append(errs, fmt.Errorf("service %q on route %q: %w", svc.ID, svc.route.ID, err))
	}
	return errs
}
