package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"bussim.transitsim.org/internal/logging"
)

const healthTimeout = 2 * time.Second

// HealthResponse represents the JSON response from the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// healthHandler reports 200 while the simulation loop answers and the
// network database, when attached, is reachable.
func (api *RestAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status, body := http.StatusOK, HealthResponse{Status: "ok"}
	if problem := api.healthProblem(ctx); problem != "" {
		status, body = http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Detail: problem}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// healthProblem describes the first failed check, or returns "".
func (api *RestAPI) healthProblem(ctx context.Context) string {
	if api.Application == nil || api.Sim == nil {
		return "simulation not initialized"
	}
	// A loop that has not started or has exited cannot run the probe.
	if err := api.Sim.Do(ctx, func() error { return nil }); err != nil {
		return "simulation loop not responding"
	}
	if api.NetworkDB != nil {
		if err := api.NetworkDB.DB.PingContext(ctx); err != nil {
			logging.LogError(api.Logger, "network DB ping failed", err)
			return "database connection failed"
		}
	}
	return ""
}
