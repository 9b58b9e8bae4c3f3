package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"bussim.transitsim.org/internal/fleet"
	"bussim.transitsim.org/internal/models"
	"bussim.transitsim.org/internal/sim"
)

const maxBodySize = 1 << 20

func (api *RestAPI) busesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var buses []sim.BusSnapshot
	err := api.Sim.Do(ctx, func() error {
		for _, b := range api.Sim.Fleet().All() {
			buses = append(buses, sim.SnapshotBus(b))
		}
		return nil
	})
	if err != nil {
		api.simErrorResponse(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewListResponse(buses, api.Clock))
}

func (api *RestAPI) busHandler(w http.ResponseWriter, r *http.Request) {
	reg := r.PathValue("reg")
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var bus sim.BusSnapshot
	err := api.Sim.Do(ctx, func() error {
		b, ok := api.Sim.Fleet().Get(reg)
		if !ok {
			return fmt.Errorf("%w: %s", fleet.ErrUnknownBus, reg)
		}
		bus = sim.SnapshotBus(b)
		return nil
	})
	if err != nil {
		api.simErrorResponse(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewEntryResponse(bus, api.Clock))
}

type hailRequest struct {
	BusStop string `json:"bus_stop"`
}

type commandResult struct {
	Registration string `json:"registration"`
	Accepted     bool   `json:"accepted"`
	Status       string `json:"status"`
}

func (api *RestAPI) hailHandler(w http.ResponseWriter, r *http.Request) {
	var req hailRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		api.badRequestResponse(w, r, err)
		return
	}
	api.runCommand(w, r, func(reg string) (bool, error) {
		return api.Sim.Hail(reg, req.BusStop)
	})
}

type startRequest struct {
	Service string `json:"service"`
	// Assign makes the bus run the service on schedule instead of now.
	Assign bool `json:"assign"`
}

func (api *RestAPI) startServiceHandler(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		api.badRequestResponse(w, r, err)
		return
	}
	if req.Service == "" {
		api.badRequestResponse(w, r, errors.New("service is required"))
		return
	}
	api.runCommand(w, r, func(reg string) (bool, error) {
		if req.Assign {
			return true, api.Sim.Assign(reg, req.Service)
		}
		return true, api.Sim.StartService(reg, req.Service)
	})
}

func (api *RestAPI) endServiceHandler(w http.ResponseWriter, r *http.Request) {
	api.runCommand(w, r, api.Sim.EndService)
}

// runCommand applies cmd to the bus named in the path on the simulation
// goroutine and answers with the bus's resulting status.
func (api *RestAPI) runCommand(w http.ResponseWriter, r *http.Request, cmd func(reg string) (bool, error)) {
	reg := r.PathValue("reg")
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	result := commandResult{Registration: reg}
	err := api.Sim.Do(ctx, func() error {
		ok, err := cmd(reg)
		if err != nil {
			return err
		}
		result.Accepted = ok
		if b, found := api.Sim.Fleet().Get(reg); found {
			result.Status = b.Status().String()
		}
		return nil
	})
	if err != nil {
		api.simErrorResponse(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewEntryResponse(result, api.Clock))
}

// decodeOptionalBody decodes a JSON body into v. An empty body leaves v
// untouched.
func decodeOptionalBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
