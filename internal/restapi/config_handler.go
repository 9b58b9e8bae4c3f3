package restapi

import (
	"context"
	"net/http"

	"bussim.transitsim.org/internal/models"
)

func (api *RestAPI) configHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var driving bool
	if err := api.Sim.Do(ctx, func() error {
		driving = api.Sim.Driving()
		return nil
	}); err != nil {
		api.simErrorResponse(w, r, err)
		return
	}

	cfg := api.Config
	directions := "straight_line"
	if cfg.DirectionsURL != "" {
		directions = "http"
	}

	entry := models.ConfigModel{
		Name:         "bussim",
		Env:          cfg.Env.String(),
		ClockMode:    cfg.ClockMode,
		TimeScale:    cfg.TimeScale,
		Timezone:     cfg.Timezone,
		StartSource:  string(api.StartSource),
		TickInterval: cfg.TickInterval.String(),
		Publishing:   cfg.PublishURL != "",
		Syncing:      api.Syncer != nil,
		Directions:   directions,
		Driving:      driving,
	}
	if !api.StartTime.IsZero() {
		entry.StartTime = api.StartTime.UnixMilli()
	}

	api.sendResponse(w, r, models.NewEntryResponse(entry, api.Clock))
}
