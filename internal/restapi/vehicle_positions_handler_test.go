package restapi

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"bussim.transitsim.org/internal/fleet"
	"bussim.transitsim.org/internal/geo"
	"bussim.transitsim.org/internal/sim"
)

func fetchFeed(t *testing.T, url string) *gtfsrt.FeedMessage {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	feed := &gtfsrt.FeedMessage{}
	require.NoError(t, proto.Unmarshal(body, feed))
	return feed
}

func TestVehiclePositionsHandler(t *testing.T) {
	api := createTestApi(t)
	server := serveApi(t, api)

	feed := fetchFeed(t, server.URL+"/gtfs-rt/vehicle-positions")
	assert.Equal(t, "2.0", feed.GetHeader().GetGtfsRealtimeVersion())
	assert.Equal(t, uint64(testStart.Unix()), feed.GetHeader().GetTimestamp())
	assert.Empty(t, feed.GetEntity(), "parked buses are not in the feed")

	resp, _ := requestEndpoint(t, server, http.MethodPost, "/api/buses/T100AAA/start?key="+testKey, `{"service":"s1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	feed = fetchFeed(t, server.URL+"/gtfs-rt/vehicle-positions")
	require.Len(t, feed.GetEntity(), 1)
	vp := feed.GetEntity()[0].GetVehicle()
	assert.Equal(t, "T100AAA", vp.GetVehicle().GetId())
	assert.Equal(t, "s1", vp.GetTrip().GetTripId())
	assert.Equal(t, "r1", vp.GetTrip().GetRouteId())
	assert.Equal(t, "a", vp.GetStopId())
	assert.InDelta(t, -6.80, vp.GetPosition().GetLatitude(), 1e-5)
	assert.InDelta(t, 180, vp.GetPosition().GetBearing(), 1, "heading south along the route")
}

func TestVehiclePositionsHandlerJSON(t *testing.T) {
	api := createTestApi(t)
	server := serveApi(t, api)

	resp, err := http.Get(server.URL + "/gtfs-rt/vehicle-positions?format=json")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	header := body["header"].(map[string]interface{})
	assert.Equal(t, "2.0", header["gtfs_realtime_version"])
	assert.Equal(t, "FULL_DATASET", header["incrementality"])
}

func TestBuildVehiclePositionsFeed(t *testing.T) {
	at := time.Date(2024, 6, 17, 8, 3, 0, 0, time.UTC)
	feed := BuildVehiclePositionsFeed([]sim.BusSnapshot{
		{Registration: "T1", Status: fleet.WaitingAtStop, Service: "s1", Route: "r1", Stop: "b",
			Position: geo.Coordinate{Lat: -6.8, Lon: 39.2}},
		{Registration: "T2", Status: fleet.BrokenDown},
	}, at)

	require.Len(t, feed.GetEntity(), 2)
	first := feed.GetEntity()[0].GetVehicle()
	assert.Equal(t, gtfsrt.VehiclePosition_STOPPED_AT, first.GetCurrentStatus())
	assert.Equal(t, uint64(at.Unix()), first.GetTimestamp())

	second := feed.GetEntity()[1].GetVehicle()
	assert.Nil(t, second.GetTrip())
	assert.Empty(t, second.GetStopId())
}
