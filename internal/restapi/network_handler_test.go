package restapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bussim.transitsim.org/internal/directions"
)

func TestStopsHandler(t *testing.T) {
	api := createTestApi(t)
	resp, model := serveApiAndRetrieveEndpoint(t, api, http.MethodGet, "/api/stops", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := listOf(t, model)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, collectAllIdsFromObjects(t, list, "id"))
	assert.Equal(t, "public, max-age=60", resp.Header.Get("Cache-Control"))
}

func TestRoutesHandler(t *testing.T) {
	api := createTestApi(t)
	resp, model := serveApiAndRetrieveEndpoint(t, api, http.MethodGet, "/api/routes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := listOf(t, model)
	require.Len(t, list, 1)
	route := list[0].(map[string]interface{})
	assert.Equal(t, "r1", route["id"])
	assert.Equal(t, true, route["ready"])
	assert.Equal(t, []interface{}{"a", "b", "c"}, route["stopIds"])
	assert.InDelta(t, 444, route["length"], 5)

	encoded, ok := route["polyline"].(string)
	require.True(t, ok)
	points, err := directions.DecodePolyline(encoded)
	require.NoError(t, err)
	require.NotEmpty(t, points)
	assert.InDelta(t, -6.80, points[0].Lat, 1e-5)
	assert.InDelta(t, -6.804, points[len(points)-1].Lat, 1e-5)
}

func TestRefreshRouteHandler(t *testing.T) {
	api := createTestApi(t)
	server := serveApi(t, api)

	resp, _ := requestEndpoint(t, server, http.MethodPost, "/api/routes/r1/refresh", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = requestEndpoint(t, server, http.MethodPost, "/api/routes/nope/refresh?key="+testKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, model := requestEndpoint(t, server, http.MethodPost, "/api/routes/r1/refresh?key="+testKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	generation := entryOf(t, model)["generation"].(float64)
	assert.Greater(t, generation, 0.0)

	// The straight-line answer arrives on a later step and keeps the route ready.
	assert.Eventually(t, func() bool {
		_, model := requestEndpoint(t, server, http.MethodGet, "/api/routes", "")
		route := listOf(t, model)[0].(map[string]interface{})
		return route["ready"] == true && route["generation"] == generation
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTimetablesHandler(t *testing.T) {
	api := createTestApi(t)
	resp, model := serveApiAndRetrieveEndpoint(t, api, http.MethodGet, "/api/timetables", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := listOf(t, model)
	require.Len(t, list, 1)
	tt := list[0].(map[string]interface{})
	assert.Equal(t, "dart", tt["companyId"])
	assert.Equal(t, "daily", tt["name"])

	services := tt["services"].([]interface{})
	require.Len(t, services, 1)
	svc := services[0].(map[string]interface{})
	assert.Equal(t, "s1", svc["id"])
	assert.Equal(t, "r1", svc["routeId"])

	stopTimes := svc["stopTimes"].([]interface{})
	require.Len(t, stopTimes, 3)
	first := stopTimes[0].(map[string]interface{})
	assert.Equal(t, "a", first["stopId"])
	assert.Equal(t, "08:00", first["time"])
	assert.Equal(t, true, first["armed"])
	assert.Equal(t, float64(time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC).UnixMilli()), first["next"])
}
