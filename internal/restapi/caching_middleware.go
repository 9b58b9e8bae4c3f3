package restapi

import (
	"net/http"
	"strconv"
)

const noCache = "no-cache, no-store, must-revalidate"

// CacheControlMiddleware lets shared caches keep successful GET and HEAD
// responses for maxAge seconds. Everything else, and any maxAge of zero,
// is marked uncacheable.
func CacheControlMiddleware(maxAge int, next http.Handler) http.Handler {
	cacheable := noCache
	if maxAge > 0 {
		cacheable = "public, max-age=" + strconv.Itoa(maxAge)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		onSuccess := cacheable
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			onSuccess = noCache
		}
		next.ServeHTTP(&cacheHeaderWriter{ResponseWriter: w, onSuccess: onSuccess}, r)
	})
}

// cacheHeaderWriter picks the Cache-Control value once the status is known.
type cacheHeaderWriter struct {
	http.ResponseWriter
	onSuccess string
	decided   bool
}

func (cw *cacheHeaderWriter) WriteHeader(code int) {
	if !cw.decided {
		cw.decided = true
		value := noCache
		if code >= 200 && code < 300 {
			value = cw.onSuccess
		}
		cw.Header().Set("Cache-Control", value)
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *cacheHeaderWriter) Write(b []byte) (int, error) {
	if !cw.decided {
		cw.WriteHeader(http.StatusOK)
	}
	return cw.ResponseWriter.Write(b)
}
