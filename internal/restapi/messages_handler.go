package restapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"bussim.transitsim.org/internal/httpclient"
	"bussim.transitsim.org/internal/models"
)

// messagesHandler accepts one inbound {topic, message} envelope, the HTTP
// counterpart of a subscription on the message channel.
func (api *RestAPI) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if api.Messages == nil {
		api.sendError(w, r, http.StatusServiceUnavailable, "no message handlers registered")
		return
	}
	body, err := httpclient.ReadLimited(r.Body, maxBodySize)
	if err != nil {
		api.badRequestResponse(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := api.Messages.Dispatch(ctx, body); err != nil {
		api.requestLogger(r).Warn("inbound message rejected",
			slog.String("request_id", GetRequestID(r.Context())),
			slog.Any("error", err))
		api.simErrorResponse(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewOKResponse(nil, api.Clock))
}

type drivingRequest struct {
	Driving *bool `json:"is_driving"`
}

// drivingHandler sets the driving flag by hand, as the sync backend's
// is_driving poll does.
func (api *RestAPI) drivingHandler(w http.ResponseWriter, r *http.Request) {
	var req drivingRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		api.badRequestResponse(w, r, err)
		return
	}
	if req.Driving == nil {
		api.badRequestResponse(w, r, errors.New("is_driving is required"))
		return
	}
	api.Sim.SetDriving(*req.Driving)
	api.sendResponse(w, r, models.NewEntryResponse(map[string]bool{"is_driving": *req.Driving}, api.Clock))
}
