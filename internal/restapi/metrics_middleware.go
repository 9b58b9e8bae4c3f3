package restapi

import (
	"net/http"
	"time"

	"bussim.transitsim.org/internal/metrics"
)

// MetricsHandler counts requests by method, route pattern and status. A nil
// m disables it.
func MetricsHandler(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			rec := recordStatus(w)
			next.ServeHTTP(rec, r)
			m.RecordHTTPRequest(r.Method, routeLabel(r), rec.Status(), time.Since(began))
		})
	}
}

// routeLabel is the mux pattern that matched r. The mux sets it on the
// request it was handed, which is r as long as nothing between here and
// the mux replaces the request.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}
