package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/directions"
	"bussim.transitsim.org/internal/fleet"
	"bussim.transitsim.org/internal/geo"
	"bussim.transitsim.org/internal/metrics"
	"bussim.transitsim.org/internal/pubsub"
	"bussim.transitsim.org/internal/transit"
)

type recorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *recorder) Publish(topic string, _ pubsub.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func (r *recorder) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

// monday 07:59:50 UTC
var start = time.Date(2024, 6, 17, 7, 59, 50, 0, time.UTC)

// testNetwork has three stops about 222m apart on one route and a daily
// service calling at them at 08:00, 08:01 and 08:02.
func testNetwork(t *testing.T) *transit.Network {
	t.Helper()
	n := transit.NewNetwork(nil)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, n.AddStop(transit.NewBusStop(id, id, geo.Coordinate{Lat: -6.80 - float64(i)*0.002, Lon: 39.20})))
	}
	for _, s := range n.Stops() {
		s.DwellTime = 5 * time.Second
	}
	r, err := n.NewRoute("r1", "A - C", "a", "b", "c")
	require.NoError(t, err)

	company, err := n.NewCompany("dart", "DART")
	require.NoError(t, err)
	tt, err := company.NewTimetable("daily", transit.EveryDay)
	require.NoError(t, err)
	n.AddTimetable(tt)
	svc := tt.NewService("s1", r)
	for i, s := range r.Stops() {
		_, err := svc.AddTimeSlot(s, 8, i)
		require.NoError(t, err)
	}
	return n
}

func newSim(t *testing.T, provider transit.DirectionsProvider) (*Simulation, *recorder, *metrics.Metrics) {
	t.Helper()
	pub := &recorder{}
	m := metrics.New()
	s := New(Config{
		Clock:        clock.NewSteppedClock(start, 1),
		TickInterval: 5 * time.Millisecond,
		Publisher:    pub,
		Directions:   provider,
		Depot:        &fleet.Depot{ID: "depot", Location: geo.Coordinate{Lat: -6.79, Lon: 39.20}},
		Metrics:      m,
	}, testNetwork(t))
	return s, pub, m
}

// waitReady steps with zero elapsed time until every route is populated.
func waitReady(t *testing.T, s *Simulation) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.Step(0)
		for _, r := range s.Network().Routes() {
			if !r.IsReady() {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)
}

func TestStepOrder(t *testing.T) {
	s, _, m := newSim(t, nil)

	var order []string
	s.Scheduler().Schedule(start.Add(time.Second), "probe", func() error {
		order = append(order, "task@"+s.Clock().Now().Format("15:04:05"))
		return nil
	})
	s.Post(func() { order = append(order, "inbox@"+s.Clock().Now().Format("15:04:05")) })

	now := s.Step(time.Second)
	assert.Equal(t, start.Add(time.Second), now)
	assert.Equal(t, []string{"inbox@07:59:50", "task@07:59:51"}, order)
	assert.Equal(t, uint64(1), s.Steps())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal))
}

func TestBootstrapPopulatesRoutesAndArmsSlots(t *testing.T) {
	s, _, m := newSim(t, directions.StraightLineProvider{Spacing: 100})
	require.NoError(t, s.Bootstrap(context.Background()))

	for _, ts := range s.Network().TimeSlots() {
		assert.True(t, ts.IsArmed())
	}
	assert.Equal(t, 3, s.Scheduler().Pending())

	waitReady(t, s)
	r, _ := s.Network().Route("r1")
	assert.Greater(t, r.Len(), 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DirectionsQueries.WithLabelValues("ok")))
}

func TestBootstrapWithoutProviderLeavesRoutesUnready(t *testing.T) {
	s, _, _ := newSim(t, nil)
	require.NoError(t, s.Bootstrap(context.Background()))
	s.Step(0)

	r, _ := s.Network().Route("r1")
	assert.False(t, r.IsReady())
	assert.Error(t, s.RefreshRoute(context.Background(), "r1"))
	assert.ErrorIs(t, s.RefreshRoute(context.Background(), "nope"), transit.ErrUnknownRoute)
}

func TestAssignedBusRunsTheService(t *testing.T) {
	s, pub, _ := newSim(t, directions.StraightLineProvider{Spacing: 50})
	require.NoError(t, s.Bootstrap(context.Background()))
	waitReady(t, s)

	b, err := s.AddBus("T100AAA", fleet.DefaultKinematics)
	require.NoError(t, err)
	require.NoError(t, s.Assign("T100AAA", "s1"))
	assert.ErrorIs(t, s.Assign("T100AAA", "nope"), ErrUnknownService)
	assert.ErrorIs(t, s.Assign("NOPE", "s1"), fleet.ErrUnknownBus)

	for i := 0; i < 9; i++ {
		s.Step(time.Second)
	}
	assert.Equal(t, fleet.OffService, b.Status())

	s.Step(time.Second)
	assert.Equal(t, fleet.Driving, b.Status(), "starts at 08:00")
	assert.Equal(t, 1, pub.count(pubsub.TopicBusStarted))

	for i := 0; i < 600 && b.Status() != fleet.OffService; i++ {
		s.Step(time.Second)
	}
	assert.Equal(t, fleet.OffService, b.Status(), "service ends after the terminus")
	assert.Equal(t, 1, pub.count(pubsub.TopicBusEnded))
	assert.Greater(t, pub.count(pubsub.TopicBusLocation), 0)

	c, _ := s.Network().Stop("c")
	assert.Equal(t, 1, c.Visits())
}

func TestPausedBusesDoNotMove(t *testing.T) {
	s, _, _ := newSim(t, directions.StraightLineProvider{Spacing: 50})
	require.NoError(t, s.Bootstrap(context.Background()))
	waitReady(t, s)

	b, _ := s.AddBus("T100AAA", fleet.DefaultKinematics)
	require.NoError(t, s.StartService("T100AAA", "s1"))
	require.Equal(t, fleet.Driving, b.Status())

	s.SetDriving(false)
	pos := b.Position()
	s.Step(5 * time.Second)
	assert.False(t, s.Driving())
	assert.Equal(t, pos, b.Position())
	assert.Equal(t, start.Add(5*time.Second), s.Clock().Now(), "the clock keeps running")

	s.SetDriving(true)
	s.Step(5 * time.Second)
	assert.NotEqual(t, pos, b.Position())

	ended, err := s.EndService("T100AAA")
	require.NoError(t, err)
	assert.True(t, ended)
	_, err = s.EndService("NOPE")
	assert.ErrorIs(t, err, fleet.ErrUnknownBus)
}

func TestRunServesDoAndMessages(t *testing.T) {
	s, _, _ := newSim(t, nil)
	r, _ := s.Network().Route("r1")
	var pts []geo.Coordinate
	for _, stop := range r.Stops() {
		pts = append(pts, stop.Location)
	}
	require.NoError(t, r.SetWaypoints(pts))
	b, _ := s.AddBus("T100AAA", fleet.DefaultKinematics)

	router := pubsub.NewRouter()
	s.HandleMessages(router)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, s.Do(ctx, func() error { return s.StartService("T100AAA", "s1") }))
	require.NoError(t, router.Dispatch(ctx, []byte(`{"topic":"hail_bus","message":{"bus_reg":"T100AAA","bus_stop":"a"}}`)))

	var stopping bool
	require.NoError(t, s.Do(ctx, func() error {
		stopping = b.IsStopping()
		return nil
	}))
	assert.True(t, stopping)

	err := router.Dispatch(ctx, []byte(`{"topic":"hail_bus","message":{"bus_reg":"NOPE"}}`))
	assert.ErrorIs(t, err, fleet.ErrUnknownBus)

	st, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, st.Buses, 1)
	assert.Equal(t, fleet.Driving, st.Buses[0].Status)
	assert.Equal(t, "s1", st.Buses[0].Service)
	assert.Len(t, st.Stops, 3)
	assert.Len(t, st.TimeSlots, 3)
	assert.True(t, st.Routes[0].Ready)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.ErrorIs(t, s.Do(context.Background(), func() error { return nil }), ErrStopped)
	s.Post(func() { t.Error("posted after stop") })
}

func TestDoTimedOutBeforeStartNeverRuns(t *testing.T) {
	s, _, _ := newSim(t, nil)

	// Nothing steps the simulation, so the queued call waits in the inbox.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := s.Do(ctx, func() error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Step(0)
	assert.False(t, ran, "a call abandoned by its caller is dropped")

	_, err = s.AddBus("T100AAA", fleet.DefaultKinematics)
	require.NoError(t, err)
	err = s.Do(ctx, func() error { return s.StartService("T100AAA", "s1") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	s.Step(0)
	b, _ := s.Fleet().Get("T100AAA")
	assert.Equal(t, fleet.OffService, b.Status())
	assert.False(t, b.IsStartPending())
}

func TestSnapshotTimeSlotNextOccurrence(t *testing.T) {
	s, _, _ := newSim(t, nil)
	slots := s.Network().TimeSlots()
	require.Len(t, slots, 3)

	snap := SnapshotTimeSlot(slots[1], start)
	assert.Equal(t, "dart", snap.Company)
	assert.Equal(t, "daily", snap.Timetable)
	assert.Equal(t, "08:01", snap.Time)
	assert.False(t, snap.Armed)
	require.NotNil(t, snap.Next)
	assert.Equal(t, time.Date(2024, 6, 17, 8, 1, 0, 0, time.UTC), *snap.Next)
}
