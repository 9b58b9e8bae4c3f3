// Package restapi serves the simulation over HTTP: JSON state endpoints,
// bus control commands, inbound messages, a GTFS-RT vehicle positions feed
// and Prometheus metrics.
package restapi

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bussim.transitsim.org/internal/app"
	"bussim.transitsim.org/internal/clock"
)

// Cache tiers in seconds.
const (
	cacheNetwork = 60
	cacheLive    = 0
)

// requestTimeout bounds how long a handler waits for the simulation loop.
const requestTimeout = 5 * time.Second

type RestAPI struct {
	*app.Application
	rateLimiter *RateLimitMiddleware
}

func NewRestAPI(app *app.Application) *RestAPI {
	return &RestAPI{
		Application: app,
		rateLimiter: NewRateLimitMiddleware(app.Config.RateLimit, time.Second, nil, clock.RealClock{}),
	}
}

// SetRoutes registers every endpoint on mux.
func (api *RestAPI) SetRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", api.healthHandler)
	if api.Application != nil && api.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(api.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	api.get(mux, "/api/current-time", cacheLive, api.currentTimeHandler)
	api.get(mux, "/api/config", cacheNetwork, api.configHandler)

	api.get(mux, "/api/buses", cacheLive, api.busesHandler)
	api.get(mux, "/api/buses/{reg}", cacheLive, api.busHandler)
	api.post(mux, "/api/buses/{reg}/hail", api.hailHandler)
	api.post(mux, "/api/buses/{reg}/start", api.startServiceHandler)
	api.post(mux, "/api/buses/{reg}/end", api.endServiceHandler)

	api.get(mux, "/api/stops", cacheNetwork, api.stopsHandler)
	api.get(mux, "/api/routes", cacheNetwork, api.routesHandler)
	api.post(mux, "/api/routes/{id}/refresh", api.refreshRouteHandler)
	api.get(mux, "/api/timetables", cacheNetwork, api.timetablesHandler)

	api.post(mux, "/api/messages", api.messagesHandler)
	api.post(mux, "/api/driving", api.drivingHandler)

	api.get(mux, "/gtfs-rt/vehicle-positions", cacheLive, api.vehiclePositionsHandler)
}

func (api *RestAPI) get(mux *http.ServeMux, path string, cacheSeconds int, h http.HandlerFunc) {
	mux.Handle("GET "+path, api.rateLimiter.Handler()(CacheControlMiddleware(cacheSeconds, h)))
}

// post registers a mutating endpoint: rate limited, never cached and
// refused without a valid API key.
func (api *RestAPI) post(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.Handle("POST "+path, api.rateLimiter.Handler()(CacheControlMiddleware(0, api.requireAPIKey(h))))
}

func (api *RestAPI) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if api.RequestHasInvalidAPIKey(r) {
			api.sendUnauthorized(w, r)
			return
		}
		next(w, r)
	}
}

// Handler builds the full middleware chain around the API routes and any
// extra routes registered by mount.
func (api *RestAPI) Handler(mount ...func(*http.ServeMux)) http.Handler {
	mux := http.NewServeMux()
	api.SetRoutes(mux)
	for _, m := range mount {
		m(mux)
	}

	origins := api.Config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	var h http.Handler = mux
	h = cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	})(h)
	h = MetricsHandler(api.Metrics)(h)
	h = NewRequestLoggingMiddleware(api.Logger)(h)
	return RequestIDMiddleware(h)
}

// Shutdown stops the rate limiter's cleanup goroutine.
func (api *RestAPI) Shutdown() {
	if api.rateLimiter != nil {
		api.rateLimiter.Stop()
	}
}
