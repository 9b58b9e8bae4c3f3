package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bussim.transitsim.org/internal/app"
	"bussim.transitsim.org/internal/appconf"
	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/fleet"
	"bussim.transitsim.org/internal/geo"
	"bussim.transitsim.org/internal/pubsub"
	"bussim.transitsim.org/internal/restapi"
	"bussim.transitsim.org/internal/transit"
	"bussim.transitsim.org/networkdb"
)

func testConfig() appconf.Config {
	cfg := appconf.Default()
	cfg.Env = appconf.Test
	cfg.NetworkDB = ":memory:"
	cfg.ApiKeys = []string{"test"}
	cfg.ClockMode = "simulated"
	cfg.TickInterval = 5 * time.Millisecond
	return cfg
}

func closeApp(t *testing.T, coreApp *app.Application) {
	t.Cleanup(func() {
		coreApp.Metrics.Shutdown()
		if coreApp.NetworkDB != nil {
			_ = coreApp.NetworkDB.Close()
		}
	})
}

func testDefinition(t *testing.T) *networkdb.Definition {
	t.Helper()
	n := transit.NewNetwork(nil)
	require.NoError(t, n.AddStop(transit.NewBusStop("a", "Kimara", geo.Coordinate{Lat: -6.78, Lon: 39.17})))
	require.NoError(t, n.AddStop(transit.NewBusStop("b", "Ubungo", geo.Coordinate{Lat: -6.79, Lon: 39.20})))
	r, err := n.NewRoute("r1", "Kimara - Ubungo", "a", "b")
	require.NoError(t, err)
	company, err := n.NewCompany("dart", "DART")
	require.NoError(t, err)
	tt, err := company.NewTimetable("daily", transit.EveryDay)
	require.NoError(t, err)
	svc := tt.NewService("s1", r)
	_, err = svc.AddTimeSlot(r.Stops()[0], 8, 0)
	require.NoError(t, err)
	_, err = svc.AddTimeSlot(r.Stops()[1], 8, 10)
	require.NoError(t, err)

	return &networkdb.Definition{
		Network: n,
		Buses: []networkdb.BusRecord{
			{Registration: "T100AAA", Kinematics: fleet.DefaultKinematics},
			{Registration: "T200BBB", Kinematics: fleet.DefaultKinematics},
		},
		Assignments: []networkdb.AssignmentRecord{
			{Bus: "T100AAA", Service: "s1"},
			{Bus: "T200BBB", Service: "gone"},
		},
	}
}

func TestBuildApplicationWithMemoryDB(t *testing.T) {
	cfg := testConfig()

	coreApp, err := BuildApplication(cfg)
	require.NoError(t, err, "BuildApplication should not return an error")
	closeApp(t, coreApp)

	assert.NotNil(t, coreApp.Logger, "Logger should be initialized")
	assert.Equal(t, cfg, coreApp.Config, "Config should match input")
	assert.NotNil(t, coreApp.NetworkDB)
	assert.NotNil(t, coreApp.Sim)
	assert.NotNil(t, coreApp.Messages)
	assert.Nil(t, coreApp.Syncer, "no sync URL configured")
	assert.IsType(t, &pubsub.LogPublisher{}, coreApp.Publisher)
	assert.Equal(t, []string{pubsub.TopicHailBus}, coreApp.Messages.Topics())
}

func TestBuildApplicationErrorHandling(t *testing.T) {
	t.Run("rejects an unknown clock mode", func(t *testing.T) {
		cfg := testConfig()
		cfg.ClockMode = "sundial"
		_, err := BuildApplication(cfg)
		assert.ErrorContains(t, err, "unknown clock mode")
	})

	t.Run("refuses a file database in test", func(t *testing.T) {
		cfg := testConfig()
		cfg.NetworkDB = filepath.Join(t.TempDir(), "network.db")
		_, err := BuildApplication(cfg)
		assert.ErrorContains(t, err, "failed to open network database")
	})
}

func TestNewApplicationFromDefinition(t *testing.T) {
	t.Setenv("BUSSIM_TEST_START", "2024-06-17T07:00:00Z")
	cfg := testConfig()
	cfg.StartTimeEnv = "BUSSIM_TEST_START"
	cfg.SyncURL = "http://sync.invalid"
	cfg.PublishURL = "http://publish.invalid"

	coreApp, err := newApplication(cfg, quietLogger(), testDefinition(t))
	require.NoError(t, err)
	closeApp(t, coreApp)
	publisher, ok := coreApp.Publisher.(*pubsub.HTTPPublisher)
	require.True(t, ok)
	t.Cleanup(func() { _ = publisher.Close(context.Background()) })

	assert.Equal(t, time.Date(2024, 6, 17, 7, 0, 0, 0, time.UTC), coreApp.StartTime.UTC())
	assert.Equal(t, clock.StartFromEnv, coreApp.StartSource)
	assert.Equal(t, coreApp.StartTime, coreApp.Clock.Now())
	assert.NotNil(t, coreApp.Syncer)

	s := coreApp.Sim
	assert.Len(t, s.Fleet().All(), 2)
	assignments := s.Dispatcher().Assignments()
	require.Len(t, assignments, 1, "the assignment to a missing service is skipped")
	assert.Equal(t, "T100AAA", assignments[0].Bus.Registration)
	assert.Equal(t, geo.Coordinate{Lat: -6.78, Lon: 39.17}, s.Fleet().Depot().Location, "depot defaults to the first stop")
}

func TestCreateServer(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 8080
	coreApp, err := BuildApplication(cfg)
	require.NoError(t, err)
	closeApp(t, coreApp)

	api := restapi.NewRestAPI(coreApp)
	defer api.Shutdown()
	srv := CreateServer(coreApp, api)

	assert.Equal(t, ":8080", srv.Addr, "Server address should match port")
	assert.Equal(t, time.Minute, srv.IdleTimeout, "IdleTimeout should be 1 minute")
	assert.Equal(t, 5*time.Second, srv.ReadTimeout, "ReadTimeout should be 5 seconds")
	assert.Equal(t, 10*time.Second, srv.WriteTimeout, "WriteTimeout should be 10 seconds")

	for _, path := range []string{"/api/current-time", "/debug/?dataType=config"} {
		w := httptest.NewRecorder()
		srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"), path)
	}
}

func TestRunStopsWhenContextIsDone(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 0
	coreApp, err := BuildApplication(cfg)
	require.NoError(t, err)

	api := restapi.NewRestAPI(coreApp)
	srv := CreateServer(coreApp, api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, srv, coreApp, api) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "Run should shut down cleanly")
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	_, err = coreApp.Sim.Snapshot(context.Background())
	assert.Error(t, err, "the simulation loop has stopped")
}
