package restapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bussim.transitsim.org/internal/app"
	"bussim.transitsim.org/internal/appconf"
	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/directions"
	"bussim.transitsim.org/internal/fleet"
	"bussim.transitsim.org/internal/geo"
	"bussim.transitsim.org/internal/metrics"
	"bussim.transitsim.org/internal/models"
	"bussim.transitsim.org/internal/pubsub"
	"bussim.transitsim.org/internal/sim"
	"bussim.transitsim.org/internal/transit"
)

const testKey = "TEST"

// monday 07:59:50 UTC
var testStart = time.Date(2024, 6, 17, 7, 59, 50, 0, time.UTC)

// frozenClock only moves when the test says so.
type frozenClock struct {
	*clock.MockClock
}

func (c frozenClock) Tick(time.Duration) time.Time { return c.Now() }

// testNetwork has three stops about 222m apart on route r1, already
// populated with straight-line waypoints, and a daily service s1 calling
// at them at 08:00, 08:01 and 08:02.
func testNetwork(t *testing.T) *transit.Network {
	t.Helper()
	n := transit.NewNetwork(nil)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, n.AddStop(transit.NewBusStop(id, "Stop "+id, geo.Coordinate{Lat: -6.80 - float64(i)*0.002, Lon: 39.20})))
	}
	r, err := n.NewRoute("r1", "A - C", "a", "b", "c")
	require.NoError(t, err)
	wps, err := directions.StraightLineProvider{}.Directions(context.Background(), r.ControlPoints())
	require.NoError(t, err)
	require.NoError(t, r.SetWaypoints(wps))

	company, err := n.NewCompany("dart", "DART")
	require.NoError(t, err)
	tt, err := company.NewTimetable("daily", transit.EveryDay)
	require.NoError(t, err)
	svc := tt.NewService("s1", r)
	for i, s := range r.Stops() {
		_, err := svc.AddTimeSlot(s, 8, i)
		require.NoError(t, err)
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestApi(t *testing.T) *RestAPI {
	return createTestApiWithClock(t, frozenClock{clock.NewMockClock(testStart)})
}

// createTestApiWithClock builds an API over a running simulation with one
// bus, T100AAA, parked at the depot.
func createTestApiWithClock(t *testing.T, clk clock.TickingClock) *RestAPI {
	t.Helper()
	logger := testLogger()
	m := metrics.New()

	s := sim.New(sim.Config{
		Clock:        clk,
		TickInterval: 5 * time.Millisecond,
		Directions:   directions.StraightLineProvider{},
		Depot:        &fleet.Depot{ID: "depot", Name: "Depot", Location: geo.Coordinate{Lat: -6.79, Lon: 39.20}},
		Logger:       logger,
		Metrics:      m,
	}, testNetwork(t))
	require.NoError(t, s.Bootstrap(context.Background()))
	_, err := s.AddBus("T100AAA", fleet.DefaultKinematics)
	require.NoError(t, err)

	router := pubsub.NewRouter()
	s.HandleMessages(router)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	api := NewRestAPI(&app.Application{
		Config: appconf.Config{
			Env:          appconf.Test,
			ApiKeys:      []string{testKey},
			RateLimit:    100,
			ClockMode:    "simulated",
			TimeScale:    1,
			Timezone:     "UTC",
			TickInterval: 5 * time.Millisecond,
		},
		Logger:      logger,
		Clock:       clk,
		StartTime:   testStart,
		StartSource: clock.StartFromFallback,
		Sim:         s,
		Messages:    router,
		Metrics:     m,
	})
	t.Cleanup(api.Shutdown)
	return api
}

func serveApi(t *testing.T, api *RestAPI) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return server
}

// serveApiAndRetrieveEndpoint performs a request and decodes the response
// envelope. body may be empty.
func serveApiAndRetrieveEndpoint(t *testing.T, api *RestAPI, method, endpoint, body string) (*http.Response, models.ResponseModel) {
	t.Helper()
	server := serveApi(t, api)
	return requestEndpoint(t, server, method, endpoint, body)
}

func requestEndpoint(t *testing.T, server *httptest.Server, method, endpoint, body string) (*http.Response, models.ResponseModel) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, server.URL+endpoint, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var model models.ResponseModel
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &model), "body: %s", raw)
	}
	return resp, model
}

// entryOf returns data.entry of a decoded envelope.
func entryOf(t *testing.T, model models.ResponseModel) map[string]interface{} {
	t.Helper()
	data, ok := model.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", model.Data)
	entry, ok := data["entry"].(map[string]interface{})
	require.True(t, ok, "entry is %T", data["entry"])
	return entry
}

// listOf returns data.list of a decoded envelope.
func listOf(t *testing.T, model models.ResponseModel) []interface{} {
	t.Helper()
	data, ok := model.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", model.Data)
	list, ok := data["list"].([]interface{})
	require.True(t, ok, "list is %T", data["list"])
	return list
}

// collectAllIdsFromObjects extracts the string field key of every object in
// list.
func collectAllIdsFromObjects(t *testing.T, list []interface{}, key string) (ids []string) {
	t.Helper()
	for i, item := range list {
		object, ok := item.(map[string]interface{})
		require.True(t, ok, "item %d is %T", i, item)
		id, ok := object[key].(string)
		require.True(t, ok, "item %d key %q is %T", i, key, object[key])
		ids = append(ids, id)
	}
	return ids
}
