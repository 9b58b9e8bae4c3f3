package restapi

import (
	"log/slog"
	"net/http"
	"time"

	"bussim.transitsim.org/internal/logging"
)

// statusRecorder remembers the first status code and counts body bytes.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

// recordStatus wraps w unless an outer middleware already did.
func recordStatus(w http.ResponseWriter) *statusRecorder {
	if sr, ok := w.(*statusRecorder); ok {
		return sr
	}
	return &statusRecorder{ResponseWriter: w}
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// Status is the written status, 200 when the handler wrote nothing.
func (sr *statusRecorder) Status() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

// NewRequestLoggingMiddleware logs one line per request. Handlers find a
// logger tagged with the request ID in the context.
func NewRequestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	httpLogger := logger.With(slog.String("component", "http_server"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			reqID := GetRequestID(r.Context())
			rec := recordStatus(w)

			r = r.WithContext(logging.WithLogger(r.Context(), logger.With(slog.String("request_id", reqID))))
			next.ServeHTTP(rec, r)

			logging.LogHTTPRequest(httpLogger, r.Method, r.URL.Path, rec.Status(),
				float64(time.Since(began).Microseconds())/1000,
				slog.String("request_id", reqID),
				slog.Int("bytes", rec.bytes),
				slog.String("user_agent", r.UserAgent()))
		})
	}
}
