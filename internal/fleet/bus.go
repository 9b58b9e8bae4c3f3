// Package fleet implements buses and the state machine that drives them
// along their services.
package fleet

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/geo"
	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/internal/metrics"
	"bussim.transitsim.org/internal/pubsub"
	"bussim.transitsim.org/internal/scheduler"
	"bussim.transitsim.org/internal/transit"
)

var (
	ErrNoService        = errors.New("no service given")
	ErrRouteNotAssigned = errors.New("service has no route")
	ErrNoTimeSlots      = errors.New("service has no time slots")
	ErrStopNotOnRoute   = transit.ErrStopNotOnRoute
	ErrOutOfRouteOrder  = transit.ErrOutOfRouteOrder
	ErrNotOffService    = errors.New("bus is not off service")
	ErrUnknownBus       = errors.New("unknown bus")
	ErrDuplicateBus     = errors.New("bus registration already in use")
)

// DefaultPublishInterval is how often a bus in service publishes its position.
const DefaultPublishInterval = 2 * time.Second

// Status is a bus's state machine state.
type Status int

const (
	OffService Status = iota
	Driving
	WaitingAtStop
	BrokenDown
)

var statusNames = [...]string{"off_service", "driving", "waiting_at_stop", "broken_down"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Statuses lists every status in declaration order.
func Statuses() []Status {
	return []Status{OffService, Driving, WaitingAtStop, BrokenDown}
}

// Kinematics describes how a bus moves.
type Kinematics struct {
	// Speed in meters per second.
	Speed float64
	// TurnRate in degrees per second.
	TurnRate float64
	// ArrivalThreshold is the distance in meters at which a waypoint counts as reached.
	ArrivalThreshold float64
}

// DefaultKinematics is a city bus at 40 km/h.
var DefaultKinematics = Kinematics{
	Speed:            11.1,
	TurnRate:         90,
	ArrivalThreshold: 5,
}

// Depot is where buses wait while off service.
type Depot struct {
	ID       string
	Name     string
	Location geo.Coordinate
}

// Env carries the collaborators every bus needs.
type Env struct {
	Scheduler       *scheduler.Scheduler
	Clock           clock.Clock
	Publisher       pubsub.Publisher
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	PublishInterval time.Duration
}

func (e Env) withDefaults() Env {
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Clock == nil {
		e.Clock = clock.RealClock{}
	}
	if e.PublishInterval <= 0 {
		e.PublishInterval = DefaultPublishInterval
	}
	return e
}

// Bus follows one service at a time. All methods belong on the simulation
// goroutine.
type Bus struct {
	Registration string

	kin   Kinematics
	depot *Depot
	env   Env

	status     Status
	service    *transit.Service
	route      *transit.Route
	timeSlot   *transit.TimeSlot
	slots      []*transit.TimeSlot
	calls      []int
	slotPos    int
	waypoint   int
	position   geo.Coordinate
	heading    float64
	isStopping bool

	publishTask  scheduler.Handle
	releaseTask  scheduler.Handle
	pending      *transit.Service
	cancelPend   func()
	onTransition func(b *Bus, from, to Status)

	logger *slog.Logger
}

// NewBus creates an off-service bus parked at depot.
func NewBus(reg string, kin Kinematics, depot *Depot, env Env) *Bus {
	env = env.withDefaults()
	if kin.Speed <= 0 {
		kin.Speed = DefaultKinematics.Speed
	}
	if kin.TurnRate <= 0 {
		kin.TurnRate = DefaultKinematics.TurnRate
	}
	if kin.ArrivalThreshold <= 0 {
		kin.ArrivalThreshold = DefaultKinematics.ArrivalThreshold
	}
	b := &Bus{
		Registration: reg,
		kin:          kin,
		depot:        depot,
		env:          env,
		logger:       env.Logger.With(slog.String("component", "bus"), slog.String("bus", reg)),
	}
	if depot != nil {
		b.position = depot.Location
	}
	return b
}

func (b *Bus) Status() Status { return b.status }
func (b *Bus) Service() *transit.Service { return b.service }
func (b *Bus) Route() *transit.Route { return b.route }
func (b *Bus) CurrentTimeSlot() *transit.TimeSlot { return b.timeSlot }
func (b *Bus) Position() geo.Coordinate { return b.position }
func (b *Bus) Heading() float64 { return b.heading }
func (b *Bus) IsStopping() bool { return b.isStopping }
func (b *Bus) WaypointIndex() int { return b.waypoint }
func (b *Bus) Depot() *Depot { return b.depot }
func (b *Bus) Kinematics() Kinematics { return b.kin }

// CurrentStop is the stop of the current time slot, or nil off service.
func (b *Bus) CurrentStop() *transit.BusStop {
	if b.timeSlot == nil {
		return nil
	}
	return b.timeSlot.Stop()
}

// IsStartPending reports whether StartService is waiting for a route.
func (b *Bus) IsStartPending() bool { return b.pending != nil }

// OnRoad reports whether the bus is driving or waiting at a stop.
func (b *Bus) OnRoad() bool {
	return b.status == Driving || b.status == WaitingAtStop
}

// StartService puts the bus on svc at its first time slot. When the route
// has no waypoints yet the start is deferred until the route is populated.
func (b *Bus) StartService(svc *transit.Service) error {
	if svc == nil {
		return ErrNoService
	}
	if b.status != OffService {
		return fmt.Errorf("%w: %s", ErrNotOffService, b.status)
	}
	route := svc.Route()
	if route == nil {
		return fmt.Errorf("service %q: %w", svc.ID, ErrRouteNotAssigned)
	}
	first := svc.FirstTimeSlot()
	if first == nil {
		return fmt.Errorf("service %q: %w", svc.ID, ErrNoTimeSlots)
	}
	if _, err := svc.RouteCalls(); err != nil {
		return fmt.Errorf("service %q: %w", svc.ID, err)
	}

	b.clearPending()
	if !route.IsReady() {
		b.pending = svc
		b.cancelPend = route.Subscribe(func(*transit.Route) {
			b.clearPending()
			if b.status != OffService {
				return
			}
			b.begin(svc)
		})
		b.logger.Info("waiting for route before starting service",
			slog.String("service", svc.ID),
			slog.String("route", route.ID))
		return nil
	}

	b.begin(svc)
	return nil
}

func (b *Bus) begin(svc *transit.Service) {
	route := svc.Route()
	calls, err := svc.RouteCalls()
	if err != nil {
		b.logger.Error("service no longer fits its route", slog.String("service", svc.ID), slog.Any("error", err))
		return
	}
	stop := svc.FirstTimeSlot().Stop()

	b.service = svc
	b.route = route
	b.slots = svc.TimeSlots()
	b.calls = calls
	b.isStopping = false
	b.assignTimeSlot(0)
	b.waypoint, _ = route.CallNode(calls[0])
	b.position = stop.Location
	if next, ok := route.Waypoint(b.waypoint + 1); ok {
		b.heading = geo.Bearing(b.position, next)
	}

	now := b.env.Clock.Now()
	stop.Serve(b.env.Scheduler, now, b.Registration, nil)
	b.setStatus(Driving)
	b.publish(pubsub.TopicBusStarted, pubsub.Payload{"service": svc.ID, "route": route.ID})
	b.schedulePublish(now)

	logging.LogOperation(b.logger, "service_started",
		slog.String("service", svc.ID),
		slog.String("route", route.ID),
		slog.String("stop", stop.ID))
}

// assignTimeSlot makes slot pos current. A bus always stops at its route's
// terminus and at the last slot of its service.
func (b *Bus) assignTimeSlot(pos int) {
	b.slotPos = pos
	b.timeSlot = b.slots[pos]
	if b.route.IsFinalCall(b.calls[pos]) || pos == len(b.slots)-1 {
		b.isStopping = true
	}
}

// Tick moves a driving bus for dt of simulated time and handles arrival at
// its current waypoint. Other states ignore it.
func (b *Bus) Tick(dt time.Duration) {
	if b.status != Driving || b.route == nil {
		return
	}
	target, ok := b.route.Waypoint(b.waypoint)
	if !ok {
		b.logger.Warn("ran past the end of the route")
		b.EndService()
		return
	}

	if geo.Distance(b.position, target) > b.kin.ArrivalThreshold {
		secs := dt.Seconds()
		if secs <= 0 {
			return
		}
		b.heading = geo.TurnTowards(b.heading, geo.Bearing(b.position, target), b.kin.TurnRate*secs)
		b.position = geo.MoveTowards(b.position, target, b.kin.Speed*secs)
		return
	}

	b.arrive()
}

// arrive handles reaching the current waypoint. Several consecutive calls
// may share one node, so each is checked before moving on.
func (b *Bus) arrive() {
	for {
		node, ok := b.route.CallNode(b.calls[b.slotPos])
		if !ok || node != b.waypoint {
			break
		}
		if b.isStopping {
			b.stopAt(b.timeSlot.Stop())
			return
		}
		if b.slotPos+1 >= len(b.slots) {
			break
		}
		b.assignTimeSlot(b.slotPos + 1)
	}
	b.waypoint++
}

func (b *Bus) stopAt(stop *transit.BusStop) {
	b.setStatus(WaitingAtStop)
	b.releaseTask = stop.Serve(b.env.Scheduler, b.env.Clock.Now(), b.Registration, func() {
		b.releaseTask = scheduler.Handle{}
		b.FinishWaitingAtStop()
	})
	b.logger.Debug("waiting at stop", slog.String("stop", stop.ID))
}

// PrepareToStop flags the bus to stop at its current time slot's stop. It
// only applies while driving and reports whether it did.
func (b *Bus) PrepareToStop() bool {
	if b.status != Driving {
		return false
	}
	b.isStopping = true
	return true
}

// FinishWaitingAtStop releases a waiting bus. It moves on to the next time
// slot, or ends service when the last slot has been served.
func (b *Bus) FinishWaitingAtStop() bool {
	if b.status != WaitingAtStop {
		return false
	}
	b.cancelTask(&b.releaseTask)
	b.isStopping = false

	if b.slotPos+1 >= len(b.slots) {
		logging.LogOperation(b.logger, "service_completed", slog.String("service", b.service.ID))
		return b.EndService()
	}
	b.assignTimeSlot(b.slotPos + 1)
	b.setStatus(Driving)
	return true
}

// EndService returns the bus to its depot from wherever it is on the route.
// A start waiting for its route is cancelled as well.
func (b *Bus) EndService() bool {
	if b.pending != nil && b.status == OffService {
		b.clearPending()
		return true
	}
	if !b.OnRoad() {
		return false
	}

	svc := b.service
	b.cancelTask(&b.publishTask)
	b.cancelTask(&b.releaseTask)
	b.service = nil
	b.route = nil
	b.timeSlot = nil
	b.slots = nil
	b.calls = nil
	b.slotPos = 0
	b.waypoint = 0
	b.isStopping = false
	if b.depot != nil {
		b.position = b.depot.Location
	}
	b.setStatus(OffService)
	b.publish(pubsub.TopicBusEnded, pubsub.Payload{"service": svc.ID})

	logging.LogOperation(b.logger, "service_ended", slog.String("service", svc.ID))
	return true
}

// BreakDown takes a bus on the road out of service for good. Broken buses
// stay where they are and accept no further transitions.
func (b *Bus) BreakDown() bool {
	if !b.OnRoad() {
		return false
	}
	b.cancelTask(&b.publishTask)
	b.cancelTask(&b.releaseTask)
	b.isStopping = false
	b.setStatus(BrokenDown)
	b.publish(pubsub.TopicBusBroken, nil)
	b.logger.Warn("bus broke down", slog.String("service", b.service.ID))
	return true
}

func (b *Bus) setStatus(to Status) {
	from := b.status
	if from == to {
		return
	}
	b.status = to
	b.env.Metrics.BusTransition(from.String(), to.String())
	if b.onTransition != nil {
		b.onTransition(b, from, to)
	}
}

func (b *Bus) schedulePublish(from time.Time) {
	if b.env.Scheduler == nil {
		return
	}
	at := from.Add(b.env.PublishInterval)
	b.publishTask = b.env.Scheduler.Schedule(at, "publish "+b.Registration, func() error {
		b.publishTask = scheduler.Handle{}
		if !b.OnRoad() {
			return nil
		}
		b.publish(pubsub.TopicBusLocation, nil)
		b.schedulePublish(at)
		return nil
	})
}

// publish sends topic with the bus name and position merged into extra.
func (b *Bus) publish(topic string, extra pubsub.Payload) {
	if b.env.Publisher == nil {
		return
	}
	payload := pubsub.Payload{
		"bus_reg":   b.Registration,
		"latitude":  b.position.Lat,
		"longitude": b.position.Lon,
		"status":    b.status.String(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	b.env.Publisher.Publish(topic, payload)
}

func (b *Bus) cancelTask(h *scheduler.Handle) {
	if h.IsZero() || b.env.Scheduler == nil {
		*h = scheduler.Handle{}
		return
	}
	b.env.Scheduler.Cancel(*h)
	*h = scheduler.Handle{}
}

func (b *Bus) clearPending() {
	if b.cancelPend != nil {
		b.cancelPend()
	}
	b.cancelPend = nil
	b.pending = nil
}
