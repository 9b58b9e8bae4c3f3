package fleet

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"bussim.transitsim.org/internal/transit"
)

// Fleet owns the buses, the depot they return to and the set of buses on
// the road. It is not safe for concurrent use.
type Fleet struct {
	depot  *Depot
	env    Env
	buses  map[string]*Bus
	order  []*Bus
	onRoad map[string]*Bus
	logger *slog.Logger
}

// NewFleet creates an empty fleet whose buses park at depot.
func NewFleet(depot *Depot, env Env) *Fleet {
	env = env.withDefaults()
	return &Fleet{
		depot:  depot,
		env:    env,
		buses:  make(map[string]*Bus),
		onRoad: make(map[string]*Bus),
		logger: env.Logger.With(slog.String("component", "fleet")),
	}
}

// Depot returns the fleet's depot.
func (f *Fleet) Depot() *Depot { return f.depot }

// NewBus creates a bus at the fleet depot.
func (f *Fleet) NewBus(reg string, kin Kinematics) (*Bus, error) {
	if _, ok := f.buses[reg]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBus, reg)
	}
	b := NewBus(reg, kin, f.depot, f.env)
	b.onTransition = f.transition
	f.buses[reg] = b
	f.order = append(f.order, b)
	f.publishCounts()
	return b, nil
}

func (f *Fleet) transition(b *Bus, from, to Status) {
	if b.OnRoad() {
		f.onRoad[b.Registration] = b
	} else {
		delete(f.onRoad, b.Registration)
	}
	f.logger.Debug("bus_transition",
		slog.String("bus", b.Registration),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	f.publishCounts()
}

func (f *Fleet) publishCounts() {
	f.env.Metrics.SetBusCounts(f.Counts())
}

// Get looks up a bus by registration.
func (f *Fleet) Get(reg string) (*Bus, bool) {
	b, ok := f.buses[reg]
	return b, ok
}

// All returns every bus in creation order.
func (f *Fleet) All() []*Bus {
	return append([]*Bus(nil), f.order...)
}

// OnRoad returns the buses driving or waiting at a stop, by registration.
func (f *Fleet) OnRoad() []*Bus {
	out := make([]*Bus, 0, len(f.onRoad))
	for _, b := range f.onRoad {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Registration < out[j].Registration })
	return out
}

// Counts returns the number of buses per status, every status included.
func (f *Fleet) Counts() map[string]int {
	counts := make(map[string]int, len(statusNames))
	for _, s := range Statuses() {
		counts[s.String()] = 0
	}
	for _, b := range f.order {
		counts[b.status.String()]++
	}
	return counts
}

// Tick advances every bus on the road by dt.
func (f *Fleet) Tick(dt time.Duration) {
	for _, b := range f.OnRoad() {
		b.Tick(dt)
	}
}

// Hail asks bus reg to stop at its next scheduled stop. A bus that is not
// driving ignores the request and Hail reports false. When stopID names a
// different stop than the bus's current one the request still applies and
// the mismatch is logged.
func (f *Fleet) Hail(reg, stopID string) (bool, error) {
	b, ok := f.buses[reg]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownBus, reg)
	}
	if stopID != "" {
		if cur := b.CurrentStop(); cur != nil && cur.ID != stopID {
			f.logger.Info("hail names a stop other than the next one",
				slog.String("bus", reg),
				slog.String("requested", stopID),
				slog.String("next", cur.ID))
		}
	}
	return b.PrepareToStop(), nil
}

// EndAll returns every bus on the road to the depot.
func (f *Fleet) EndAll() int {
	n := 0
	for _, b := range f.OnRoad() {
		if b.EndService() {
			n++
		}
	}
	return n
}

// Assignment pairs a bus with the service it runs each time the service's
// first time slot comes round.
type Assignment struct {
	Bus     *Bus
	Service *transit.Service
	cancel  func()
}

// Dispatcher starts assigned services on time.
type Dispatcher struct {
	env         Env
	assignments map[string]*Assignment
	logger      *slog.Logger
}

func NewDispatcher(env Env) *Dispatcher {
	env = env.withDefaults()
	return &Dispatcher{
		env:         env,
		assignments: make(map[string]*Assignment),
		logger:      env.Logger.With(slog.String("component", "dispatcher")),
	}
}

// Assign makes bus run svc whenever svc's first time slot fires. The slot
// is armed if it is not already. A previous assignment of bus is replaced.
func (d *Dispatcher) Assign(bus *Bus, svc *transit.Service) error {
	if svc == nil {
		return ErrNoService
	}
	first := svc.FirstTimeSlot()
	if first == nil {
		return fmt.Errorf("service %q: %w", svc.ID, ErrNoTimeSlots)
	}
	if svc.Route() == nil {
		return fmt.Errorf("service %q: %w", svc.ID, ErrRouteNotAssigned)
	}

	d.Unassign(bus)
	a := &Assignment{Bus: bus, Service: svc}
	a.cancel = first.OnArrival(func(_ *transit.TimeSlot, at time.Time) {
		d.dispatch(a, at)
	})
	d.assignments[bus.Registration] = a

	if !first.IsArmed() && d.env.Scheduler != nil {
		if _, err := first.Arm(d.env.Scheduler, d.env.Clock); err != nil {
			d.Unassign(bus)
			return fmt.Errorf("service %q: %w", svc.ID, err)
		}
	}

	d.logger.Info("service assigned",
		slog.String("bus", bus.Registration),
		slog.String("service", svc.ID),
		slog.Time("next_start", first.Occurrence()))
	return nil
}

func (d *Dispatcher) dispatch(a *Assignment, at time.Time) {
	if a.Bus.Status() != OffService {
		d.logger.Warn("assigned bus is busy, skipping departure",
			slog.String("bus", a.Bus.Registration),
			slog.String("service", a.Service.ID),
			slog.String("status", a.Bus.Status().String()),
			slog.Time("at", at))
		return
	}
	if err := a.Bus.StartService(a.Service); err != nil {
		d.logger.Error("failed to start assigned service",
			slog.String("bus", a.Bus.Registration),
			slog.String("service", a.Service.ID),
			slog.Any("error", err))
	}
}

// Unassign removes bus's assignment. It reports whether there was one.
func (d *Dispatcher) Unassign(bus *Bus) bool {
	a, ok := d.assignments[bus.Registration]
	if !ok {
		return false
	}
	a.cancel()
	delete(d.assignments, bus.Registration)
	return true
}

// Assignments returns the current assignments ordered by bus registration.
func (d *Dispatcher) Assignments() []*Assignment {
	out := make([]*Assignment, 0, len(d.assignments))
	for _, a := range d.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bus.Registration < out[j].Bus.Registration })
	return out
}
