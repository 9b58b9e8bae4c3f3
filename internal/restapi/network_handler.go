package restapi

import (
	"context"
	"net/http"
	"time"

	"bussim.transitsim.org/internal/directions"
	"bussim.transitsim.org/internal/geo"
	"bussim.transitsim.org/internal/models"
	"bussim.transitsim.org/internal/sim"
	"bussim.transitsim.org/internal/transit"
)

func (api *RestAPI) stopsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var stops []sim.StopSnapshot
	err := api.Sim.Do(ctx, func() error {
		for _, s := range api.Sim.Network().Stops() {
			stops = append(stops, sim.SnapshotStop(s))
		}
		return nil
	})
	if err != nil {
		api.simErrorResponse(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewListResponse(stops, api.Clock))
}

func (api *RestAPI) routesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var snaps []sim.RouteSnapshot
	err := api.Sim.Do(ctx, func() error {
		for _, rt := range api.Sim.Network().Routes() {
			snaps = append(snaps, sim.SnapshotRoute(rt))
		}
		return nil
	})
	if err != nil {
		api.simErrorResponse(w, r, err)
		return
	}

	// Encoding happens off the simulation goroutine; snapshots own their
	// waypoint slices.
	routes := make([]models.RouteModel, 0, len(snaps))
	for _, s := range snaps {
		m := models.RouteModel{
			ID:         s.ID,
			InternalID: s.InternalID,
			Name:       s.Name,
			StopIDs:    s.Stops,
			Ready:      s.Ready,
			Generation: s.Generation,
		}
		if s.Ready {
			m.Polyline = directions.EncodePolyline(s.Waypoints)
			m.Length = geo.PathLength(s.Waypoints)
		}
		routes = append(routes, m)
	}
	api.sendResponse(w, r, models.NewListResponse(routes, api.Clock))
}

func (api *RestAPI) refreshRouteHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var generation uint64
	err := api.Sim.Do(ctx, func() error {
		// The directions query outlives this request.
		if err := api.Sim.RefreshRoute(context.WithoutCancel(ctx), id); err != nil {
			return err
		}
		if rt, ok := api.Sim.Network().Route(id); ok {
			generation = rt.Generation()
		}
		return nil
	})
	if err != nil {
		api.simErrorResponse(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewEntryResponse(map[string]any{
		"id":         id,
		"generation": generation,
	}, api.Clock))
}

func (api *RestAPI) timetablesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var entries []models.TimetableEntry
	err := api.Sim.Do(ctx, func() error {
		now := api.Sim.Clock().Now()
		for _, tt := range api.Sim.Network().Timetables() {
			entries = append(entries, timetableEntry(tt, now))
		}
		return nil
	})
	if err != nil {
		api.simErrorResponse(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewListResponse(entries, api.Clock))
}

func timetableEntry(tt *transit.Timetable, now time.Time) models.TimetableEntry {
	entry := models.TimetableEntry{
		Name:     tt.Name,
		Days:     tt.Days.String(),
		Services: []models.ServiceEntry{},
	}
	if c := tt.Company(); c != nil {
		entry.CompanyID = c.ID
	}
	for _, svc := range tt.Services() {
		se := models.ServiceEntry{ID: svc.ID, StopTimes: []models.StopTime{}}
		if rt := svc.Route(); rt != nil {
			se.RouteID = rt.ID
		}
		for _, ts := range svc.TimeSlots() {
			snap := sim.SnapshotTimeSlot(ts, now)
			st := models.StopTime{StopID: snap.Stop, Time: snap.Time, Armed: snap.Armed}
			if snap.Next != nil {
				st.Next = snap.Next.UnixMilli()
			}
			se.StopTimes = append(se.StopTimes, st)
		}
		entry.Services = append(entry.Services, se)
	}
	return entry
}
