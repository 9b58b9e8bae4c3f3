package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/fleet"
	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/internal/models"
	"bussim.transitsim.org/internal/pubsub"
	"bussim.transitsim.org/internal/sim"
	"bussim.transitsim.org/internal/transit"
)

func (api *RestAPI) sendResponse(w http.ResponseWriter, r *http.Request, response models.ResponseModel) {
	setJSONResponseType(&w)
	err := json.NewEncoder(w).Encode(response)
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
}

func (api *RestAPI) sendNotFound(w http.ResponseWriter, r *http.Request) {
	api.sendError(w, r, http.StatusNotFound, "resource not found")
}

func (api *RestAPI) sendUnauthorized(w http.ResponseWriter, r *http.Request) {
	api.sendError(w, r, http.StatusUnauthorized, "permission denied")
}

func setJSONResponseType(w *http.ResponseWriter) {
	(*w).Header().Set("Content-Type", "application/json")
}

func (api *RestAPI) sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	setJSONResponseType(&w)
	w.WriteHeader(code)

	response := models.ResponseModel{
		Code:        code,
		CurrentTime: models.ResponseCurrentTime(api.clock()),
		Text:        message,
		Version:     2,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logging.LogError(api.requestLogger(r), "failed to encode error response", err)
	}
}

func (api *RestAPI) badRequestResponse(w http.ResponseWriter, r *http.Request, err error) {
	api.sendError(w, r, http.StatusBadRequest, err.Error())
}

func (api *RestAPI) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	logging.LogError(api.requestLogger(r), "request failed", err,
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))
	api.sendError(w, r, http.StatusInternalServerError, "internal server error")
}

// simErrorResponse answers for an error returned by the simulation loop.
func (api *RestAPI) simErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status, ok := statusForError(err)
	if !ok {
		api.serverErrorResponse(w, r, err)
		return
	}
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = errNotApplied
	}
	api.sendError(w, r, status, msg)
}

// errNotApplied is sent when the simulation did not pick a command up in
// time. Sim.Do guarantees the command is then never run.
const errNotApplied = "simulation did not respond in time; nothing was changed"

func (api *RestAPI) clock() clock.Clock {
	if api.Application == nil || api.Clock == nil {
		return nil
	}
	return api.Clock
}

func (api *RestAPI) requestLogger(r *http.Request) *slog.Logger {
	if api.Application != nil && api.Logger != nil {
		return api.Logger
	}
	return logging.FromContext(r.Context())
}

// statusForError maps the simulation's sentinel errors to HTTP statuses.
func statusForError(err error) (int, bool) {
	switch {
	case errors.Is(err, fleet.ErrUnknownBus),
		errors.Is(err, sim.ErrUnknownService),
		errors.Is(err, transit.ErrUnknownRoute),
		errors.Is(err, transit.ErrUnknownStop):
		return http.StatusNotFound, true
	case errors.Is(err, fleet.ErrNotOffService),
		errors.Is(err, fleet.ErrDuplicateBus):
		return http.StatusConflict, true
	case errors.Is(err, fleet.ErrNoService),
		errors.Is(err, fleet.ErrRouteNotAssigned),
		errors.Is(err, fleet.ErrNoTimeSlots),
		errors.Is(err, fleet.ErrStopNotOnRoute),
		errors.Is(err, fleet.ErrOutOfRouteOrder),
		errors.Is(err, pubsub.ErrMalformedInput),
		errors.Is(err, pubsub.ErrUnknownTopic):
		return http.StatusBadRequest, true
	case errors.Is(err, sim.ErrStopped),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, true
	}
	return 0, false
}
