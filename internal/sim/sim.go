// Package sim runs the bus simulation loop. Every piece of simulation state
// belongs to the goroutine calling Step; other goroutines reach it through
// Post and Do.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/fleet"
	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/internal/metrics"
	"bussim.transitsim.org/internal/pubsub"
	"bussim.transitsim.org/internal/scheduler"
	"bussim.transitsim.org/internal/transit"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	defaultInboxSize    = 1024
)

var (
	// ErrStopped is returned by Do once the loop has exited.
	ErrStopped        = errors.New("simulation stopped")
	ErrUnknownService = errors.New("unknown service")
)

// Config wires a Simulation to its collaborators.
type Config struct {
	Clock clock.TickingClock
	// TickInterval is the real time between steps in Run.
	TickInterval time.Duration
	Publisher    pubsub.Publisher
	// Directions populates routes that have no waypoints. Nil leaves
	// such routes unready.
	Directions      transit.DirectionsProvider
	PublishInterval time.Duration
	Depot           *fleet.Depot
	InboxSize       int
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Simulation owns the clock, the scheduler, the network and the fleet.
type Simulation struct {
	clock      clock.TickingClock
	sched      *scheduler.Scheduler
	network    *transit.Network
	fleet      *fleet.Fleet
	dispatcher *fleet.Dispatcher
	directions transit.DirectionsProvider
	env        fleet.Env

	interval time.Duration
	inbox    chan func()
	stopped  chan struct{}
	driving  bool
	last     time.Time
	steps    uint64

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New builds a simulation over network. Buses start driving immediately;
// see SetDriving.
func New(cfg Config, network *transit.Network) *Simulation {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewWallClock(nil)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.Publisher == nil {
		cfg.Publisher = pubsub.NewLogPublisher(cfg.Logger)
	}
	if network == nil {
		network = transit.NewNetwork(cfg.Logger)
	}

	sched := scheduler.New(cfg.Logger, cfg.Metrics)
	env := fleet.Env{
		Scheduler:       sched,
		Clock:           cfg.Clock,
		Publisher:       cfg.Publisher,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
		PublishInterval: cfg.PublishInterval,
	}

	return &Simulation{
		clock:      cfg.Clock,
		sched:      sched,
		network:    network,
		fleet:      fleet.NewFleet(cfg.Depot, env),
		dispatcher: fleet.NewDispatcher(env),
		directions: cfg.Directions,
		env:        env,
		interval:   cfg.TickInterval,
		inbox:      make(chan func(), cfg.InboxSize),
		stopped:    make(chan struct{}),
		driving:    true,
		last:       cfg.Clock.Now(),
		logger:     cfg.Logger.With(slog.String("component", "simulation")),
		metrics:    cfg.Metrics,
	}
}

func (s *Simulation) Clock() clock.Clock { return s.clock }
func (s *Simulation) Scheduler() *scheduler.Scheduler { return s.sched }
func (s *Simulation) Network() *transit.Network { return s.network }
func (s *Simulation) Fleet() *fleet.Fleet { return s.fleet }
func (s *Simulation) Dispatcher() *fleet.Dispatcher { return s.dispatcher }
func (s *Simulation) Driving() bool { return s.driving }
func (s *Simulation) Steps() uint64 { return s.steps }
func (s *Simulation) Env() fleet.Env { return s.env }

// Post queues fn to run on the simulation goroutine at the start of the next
// step. After the loop has stopped fn is dropped.
func (s *Simulation) Post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.stopped:
	}
}

// Do runs fn on the simulation goroutine and waits for its result. If ctx
// ends or the loop stops before fn starts, fn never runs and Do returns the
// reason. Once fn has started Do waits for it to finish.
func (s *Simulation) Do(ctx context.Context, fn func() error) error {
	var claimed atomic.Bool
	done := make(chan error, 1)
	wrapped := func() {
		if claimed.CompareAndSwap(false, true) {
			done <- fn()
		}
	}
	select {
	case s.inbox <- wrapped:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-s.stopped:
	case <-ctx.Done():
	}
	if claimed.CompareAndSwap(false, true) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrStopped
	}
	return <-done
}

// SetDriving pauses or resumes bus movement. The clock and the scheduler
// keep running while paused. Safe to call from any goroutine.
func (s *Simulation) SetDriving(driving bool) {
	s.Post(func() {
		if s.driving != driving {
			logging.LogOperation(s.logger, "driving_flag_changed", slog.Bool("driving", driving))
		}
		s.driving = driving
	})
}

// Step runs one simulation step: queued work, then the clock, then due
// tasks, then bus movement over the simulated time that passed.
func (s *Simulation) Step(elapsed time.Duration) time.Time {
	s.drain()

	now := s.clock.Tick(elapsed)
	dt := now.Sub(s.last)
	if dt < 0 {
		dt = 0
	}
	s.last = now

	s.sched.Tick(now)
	if s.driving {
		s.fleet.Tick(dt)
	}
	s.steps++
	s.metrics.Tick()
	return now
}

func (s *Simulation) drain() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		default:
			return
		}
	}
}

// Run steps the simulation every tick interval until ctx is done.
func (s *Simulation) Run(ctx context.Context) error {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	prev := time.Now()

	logging.LogOperation(s.logger, "simulation_started",
		slog.Duration("tick_interval", s.interval),
		slog.Time("sim_time", s.clock.Now()))

	for {
		select {
		case t := <-ticker.C:
			s.Step(t.Sub(prev))
			prev = t
		case <-ctx.Done():
			logging.LogOperation(s.logger, "shutting_down_simulation",
				slog.Uint64("steps", s.steps))
			return ctx.Err()
		}
	}
}

// Bootstrap prepares a loaded network to run: it reports validation
// problems, asks for directions for every route without waypoints and arms
// every time slot. It must run on the simulation goroutine, before Run or
// through Do.
func (s *Simulation) Bootstrap(ctx context.Context) error {
	if err := s.network.Validate(); err != nil {
		s.logger.Warn("network has configuration problems", slog.Any("error", err))
	}

	for _, r := range s.network.Routes() {
		if r.IsReady() {
			continue
		}
		if s.directions == nil {
			s.logger.Warn("route has no waypoints and no directions provider is configured",
				slog.String("route", r.ID))
			continue
		}
		transit.RequestDirections(ctx, r, s.directions, s.Post, s.logger, s.metrics)
	}

	armed := 0
	for _, ts := range s.network.TimeSlots() {
		if ts.IsArmed() {
			continue
		}
		if _, err := ts.Arm(s.sched, s.clock); err == nil {
			armed++
		}
	}
	logging.LogOperation(s.logger, "network_bootstrapped",
		slog.Int("routes", len(s.network.Routes())),
		slog.Int("time_slots_armed", armed))
	return nil
}

// RefreshRoute asks for new directions for route id.
func (s *Simulation) RefreshRoute(ctx context.Context, id string) error {
	r, ok := s.network.Route(id)
	if !ok {
		return fmt.Errorf("%w: %s", transit.ErrUnknownRoute, id)
	}
	if s.directions == nil {
		return errors.New("no directions provider configured")
	}
	transit.RequestDirections(ctx, r, s.directions, s.Post, s.logger, s.metrics)
	return nil
}

// AddBus registers a bus with the fleet.
func (s *Simulation) AddBus(reg string, kin fleet.Kinematics) (*fleet.Bus, error) {
	return s.fleet.NewBus(reg, kin)
}

// Assign makes bus reg run service id on schedule.
func (s *Simulation) Assign(reg, serviceID string) error {
	b, ok := s.fleet.Get(reg)
	if !ok {
		return fmt.Errorf("%w: %s", fleet.ErrUnknownBus, reg)
	}
	svc, ok := s.network.Service(serviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}
	return s.dispatcher.Assign(b, svc)
}

// StartService starts bus reg on service id right away.
func (s *Simulation) StartService(reg, serviceID string) error {
	b, ok := s.fleet.Get(reg)
	if !ok {
		return fmt.Errorf("%w: %s", fleet.ErrUnknownBus, reg)
	}
	svc, ok := s.network.Service(serviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}
	return b.StartService(svc)
}

// EndService returns bus reg to the depot. It reports whether the bus was
// on the road.
func (s *Simulation) EndService(reg string) (bool, error) {
	b, ok := s.fleet.Get(reg)
	if !ok {
		return false, fmt.Errorf("%w: %s", fleet.ErrUnknownBus, reg)
	}
	return b.EndService(), nil
}

// Hail handles a hail_bus request.
func (s *Simulation) Hail(reg, stopID string) (bool, error) {
	return s.fleet.Hail(reg, stopID)
}

// HandleMessages registers the simulation's inbound topics on r. Handlers
// run on the caller's goroutine and hop onto the simulation with Do.
func (s *Simulation) HandleMessages(r *pubsub.Router) {
	r.HandleHail(func(ctx context.Context, msg pubsub.HailMessage) error {
		return s.Do(ctx, func() error {
			ok, err := s.Hail(msg.BusReg, msg.BusStop)
			if err != nil {
				return err
			}
			if !ok {
				s.logger.Debug("hail ignored", slog.String("bus", msg.BusReg))
			}
			return nil
		})
	})
}
