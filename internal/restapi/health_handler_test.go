package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bussim.transitsim.org/internal/app"
	"bussim.transitsim.org/internal/appconf"
	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/sim"
	"bussim.transitsim.org/networkdb"
)

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestHealthHandlerWithNilApplication(t *testing.T) {
	api := &RestAPI{Application: nil}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	api.healthHandler(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeHealth(t, w)
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "simulation not initialized", resp.Detail)
}

func TestHealthHandlerWithStoppedSimulation(t *testing.T) {
	s := sim.New(sim.Config{Clock: frozenClock{clock.NewMockClock(testStart)}, Logger: testLogger()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.Run(ctx)

	api := &RestAPI{Application: &app.Application{Sim: s, Logger: testLogger()}}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	api.healthHandler(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "simulation loop not responding", decodeHealth(t, w).Detail)
}

func TestHealthHandlerReturnsOK(t *testing.T) {
	api := createTestApi(t)
	server := serveApi(t, api)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var healthResp HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&healthResp))
	assert.Equal(t, "ok", healthResp.Status)
}

func TestHealthHandlerChecksNetworkDB(t *testing.T) {
	api := createTestApi(t)
	db, err := networkdb.NewClient(networkdb.Config{DBPath: ":memory:", Env: appconf.Test, Logger: testLogger()})
	require.NoError(t, err)
	api.NetworkDB = db

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	api.healthHandler(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, db.Close())
	w = httptest.NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	api.healthHandler(w, req.WithContext(ctx))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "database connection failed", decodeHealth(t, w).Detail)
}
