package transit

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrEmptyName     = errors.New("name must not be empty")
	ErrDuplicateName = errors.New("name already in use")
	ErrInvalidTime   = errors.New("invalid time of day")

	ErrStopNotOnRoute  = errors.New("time slot stop is not on the route")
	ErrOutOfRouteOrder = errors.New("time slot is out of route order")
	ErrNoRoute         = errors.New("service has no route")
)

// Company owns timetables and keeps their names unique.
type Company struct {
	ID         string
	Name       string
	timetables []*Timetable
	logger     *slog.Logger
}

// NewCompany creates a company. logger may be nil.
func NewCompany(id, name string, logger *slog.Logger) *Company {
	if logger == nil {
		logger = slog.Default()
	}
	return &Company{
		ID:     id,
		Name:   name,
		logger: logger.With(slog.String("company", id)),
	}
}

// NewTimetable creates a timetable owned by c.
func (c *Company) NewTimetable(name string, days DayMask) (*Timetable, error) {
	tt := NewTimetable(name, days, c.logger)
	if err := c.Adopt(tt); err != nil {
		return nil, err
	}
	return tt, nil
}

// Adopt makes c the owner of tt. Names are compared case-insensitively.
func (c *Company) Adopt(tt *Timetable) error {
	name := strings.TrimSpace(tt.Name)
	if name == "" {
		return fmt.Errorf("timetable: %w", ErrEmptyName)
	}
	if tt.company != nil && tt.company != c {
		return fmt.Errorf("timetable %q already belongs to company %q", name, tt.company.ID)
	}
	for _, other := range c.timetables {
		if other != tt && strings.EqualFold(other.Name, name) {
			return fmt.Errorf("timetable %q in company %q: %w", name, c.ID, ErrDuplicateName)
		}
	}
	if tt.company == c {
		return nil
	}
	tt.company = c
	tt.logger = c.logger.With(slog.String("timetable", name))
	c.timetables = append(c.timetables, tt)
	return nil
}

// Timetables returns the company's timetables in creation order.
func (c *Company) Timetables() []*Timetable {
	return append([]*Timetable(nil), c.timetables...)
}

// Timetable groups services that share a set of running days.
type Timetable struct {
	Name     string
	Days     DayMask
	company  *Company
	services []*Service
	logger   *slog.Logger
}

// NewTimetable creates a timetable with no owning company. Until a company
// adopts it the network reports it as orphaned.
func NewTimetable(name string, days DayMask, logger *slog.Logger) *Timetable {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timetable{
		Name:   name,
		Days:   days,
		logger: logger.With(slog.String("timetable", name)),
	}
}

// Company returns the owning company or nil.
func (t *Timetable) Company() *Company { return t.company }

// RunsOn reports whether the timetable runs on d.
func (t *Timetable) RunsOn(d time.Weekday) bool { return t.Days.Has(d) }

// NewService adds a service running route. route may be nil and assigned later.
func (t *Timetable) NewService(id string, route *Route) *Service {
	s := &Service{
		ID:        id,
		timetable: t,
		route:     route,
		logger:    t.logger.With(slog.String("service", id)),
	}
	t.services = append(t.services, s)
	return s
}

// Services returns the timetable's services in creation order.
func (t *Timetable) Services() []*Service {
	return append([]*Service(nil), t.services...)
}

// Service is one scheduled run of a route: an ordered list of time slots.
type Service struct {
	ID        string
	timetable *Timetable
	route     *Route
	slots     []*TimeSlot
	logger    *slog.Logger
}

// Timetable returns the owning timetable.
func (s *Service) Timetable() *Timetable { return s.timetable }

// Route returns the assigned route, or nil for an unassigned service.
func (s *Service) Route() *Route { return s.route }

// AssignRoute sets the route the service runs.
func (s *Service) AssignRoute(r *Route) { s.route = r }

// Days returns the running days inherited from the timetable.
func (s *Service) Days() DayMask {
	if s.timetable == nil {
		return 0
	}
	return s.timetable.Days
}

// AddTimeSlot appends a slot calling at stop at hour:minute. Slots are kept
// in the order they are added, which is expected to match the route.
func (s *Service) AddTimeSlot(stop *BusStop, hour, minute int) (*TimeSlot, error) {
	if err := validateTime(hour, minute); err != nil {
		s.logger.Warn("rejected time slot",
			slog.String("stop", stop.ID),
			slog.Int("hour", hour),
			slog.Int("minute", minute))
		return nil, err
	}
	ts := &TimeSlot{
		service: s,
		stop:    stop,
		hour:    hour,
		minute:  minute,
		logger:  s.logger.With(slog.String("stop", stop.ID)),
	}
	s.slots = append(s.slots, ts)
	return ts, nil
}

// TimeSlots returns the slots in service order.
func (s *Service) TimeSlots() []*TimeSlot {
	return append([]*TimeSlot(nil), s.slots...)
}

// FirstTimeSlot returns the first slot, or nil when the service has none.
func (s *Service) FirstTimeSlot() *TimeSlot {
	if len(s.slots) == 0 {
		return nil
	}
	return s.slots[0]
}

// LastTimeSlot returns the final slot, or nil when the service has none.
func (s *Service) LastTimeSlot() *TimeSlot {
	if len(s.slots) == 0 {
		return nil
	}
	return s.slots[len(s.slots)-1]
}

// NextTimeSlot returns the slot after ts. It returns nil past the end of the
// list or when ts is not part of this service.
func (s *Service) NextTimeSlot(ts *TimeSlot) *TimeSlot {
	for i, slot := range s.slots {
		if slot == ts {
			if i+1 < len(s.slots) {
				return s.slots[i+1]
			}
			return nil
		}
	}
	return nil
}

// RouteCalls matches every slot to a call on the route, in order: slot k
// takes the first call at its stop at or after slot k-1's call. A loop that
// starts and ends at the same stop therefore gets distinct calls for both.
func (s *Service) RouteCalls() ([]int, error) {
	if s.route == nil {
		return nil, ErrNoRoute
	}
	calls := make([]int, len(s.slots))
	prev := 0
	for i, ts := range s.slots {
		call, ok := s.route.CallIndex(ts.stop, prev)
		if !ok {
			if !s.route.HasStop(ts.stop) {
				return nil, fmt.Errorf("slot %d stop %s: %w", i, ts.stop.ID, ErrStopNotOnRoute)
			}
			return nil, fmt.Errorf("slot %d stop %s at %s: %w", i, ts.stop.ID, ts.Clock(), ErrOutOfRouteOrder)
		}
		calls[i] = call
		prev = call
	}
	return calls, nil
}

func validateTime(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("hour %d: %w", hour, ErrInvalidTime)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("minute %d: %w", minute, ErrInvalidTime)
	}
	return nil
}
