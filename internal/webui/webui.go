// Package webui serves HTML debugging pages for a running simulation.
package webui

import (
	"net/http"

	"bussim.transitsim.org/internal/app"
)

type WebUI struct {
	*app.Application
}

func (webUI *WebUI) SetWebUIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /debug/", webUI.debugIndexHandler)
}
