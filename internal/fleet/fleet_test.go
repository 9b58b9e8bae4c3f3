package fleet

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFleetRegistry(t *testing.T) {
	h := newHarness(t, true)
	f := NewFleet(h.depot, h.env)

	b1, err := f.NewBus("T200BBB", DefaultKinematics)
	require.NoError(t, err)
	b2, err := f.NewBus("T100AAA", DefaultKinematics)
	require.NoError(t, err)

	_, err = f.NewBus("T100AAA", DefaultKinematics)
	assert.ErrorIs(t, err, ErrDuplicateBus)

	got, ok := f.Get("T100AAA")
	require.True(t, ok)
	assert.Same(t, b2, got)
	assert.Equal(t, []*Bus{b1, b2}, f.All())
	assert.Same(t, h.depot, b1.Depot())
	assert.Empty(t, f.OnRoad())
	assert.Equal(t, 2, f.Counts()["off_service"])
	assert.Equal(t, 0, f.Counts()["driving"])
}

func TestFleetTracksBusesOnTheRoad(t *testing.T) {
	h := newHarness(t, true)
	f := NewFleet(h.depot, h.env)
	b1, _ := f.NewBus("T200BBB", DefaultKinematics)
	b2, _ := f.NewBus("T100AAA", DefaultKinematics)

	require.NoError(t, b1.StartService(h.service))
	require.NoError(t, b2.StartService(h.service))
	assert.Equal(t, []*Bus{b2, b1}, f.OnRoad(), "sorted by registration")
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.BusesByStatus.WithLabelValues("driving")))

	f.Tick(time.Second)
	assert.Equal(t, 1, b1.WaypointIndex())

	assert.Equal(t, 2, f.EndAll())
	assert.Empty(t, f.OnRoad())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.BusesByStatus.WithLabelValues("off_service")))
}

func TestFleetHail(t *testing.T) {
	h := newHarness(t, true)
	f := NewFleet(h.depot, h.env)
	b, _ := f.NewBus("T100AAA", DefaultKinematics)

	_, err := f.Hail("NOPE", "")
	assert.ErrorIs(t, err, ErrUnknownBus)

	ok, err := f.Hail("T100AAA", "a")
	require.NoError(t, err)
	assert.False(t, ok, "off service buses ignore hails")

	require.NoError(t, b.StartService(h.service))
	ok, err = f.Hail("T100AAA", "c")
	require.NoError(t, err)
	assert.True(t, ok, "a mismatched stop is logged, not refused")
	assert.True(t, b.IsStopping())
}

func TestDispatcherStartsServiceOnTime(t *testing.T) {
	h := newHarness(t, true)
	h.clk.Set(time.Date(2024, 6, 17, 7, 59, 0, 0, time.UTC))
	f := NewFleet(h.depot, h.env)
	b, _ := f.NewBus("T100AAA", DefaultKinematics)
	d := NewDispatcher(h.env)

	require.NoError(t, d.Assign(b, h.service))
	first := h.service.FirstTimeSlot()
	assert.True(t, first.IsArmed())
	assert.Equal(t, time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC), first.Occurrence())
	require.Len(t, d.Assignments(), 1)

	h.sched.Tick(time.Date(2024, 6, 17, 7, 59, 59, 0, time.UTC))
	assert.Equal(t, OffService, b.Status())

	h.clk.Set(time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC))
	h.sched.Tick(h.clk.Now())
	assert.Equal(t, Driving, b.Status())
	assert.True(t, first.IsArmed(), "re-armed for tomorrow")
	assert.Equal(t, time.Date(2024, 6, 18, 8, 0, 0, 0, time.UTC), first.Occurrence())
}

func TestDispatcherSkipsBusyBus(t *testing.T) {
	h := newHarness(t, true)
	h.clk.Set(time.Date(2024, 6, 17, 7, 0, 0, 0, time.UTC))
	b := NewBus("T100AAA", DefaultKinematics, h.depot, h.env)
	d := NewDispatcher(h.env)
	require.NoError(t, d.Assign(b, h.service))

	require.NoError(t, b.StartService(h.service))
	require.True(t, b.BreakDown())

	h.sched.Tick(time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC))
	assert.Equal(t, BrokenDown, b.Status())
}

func TestDispatcherUnassign(t *testing.T) {
	h := newHarness(t, true)
	h.clk.Set(time.Date(2024, 6, 17, 7, 0, 0, 0, time.UTC))
	b := NewBus("T100AAA", DefaultKinematics, h.depot, h.env)
	d := NewDispatcher(h.env)

	assert.ErrorIs(t, d.Assign(b, nil), ErrNoService)
	assert.ErrorIs(t, d.Assign(b, h.service.Timetable().NewService("empty", h.route)), ErrNoTimeSlots)

	require.NoError(t, d.Assign(b, h.service))
	assert.True(t, d.Unassign(b))
	assert.False(t, d.Unassign(b))

	h.sched.Tick(time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC))
	assert.Equal(t, OffService, b.Status())
}
