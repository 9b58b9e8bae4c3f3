package restapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"bussim.transitsim.org/internal/app"
	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/models"
)

const (
	// anonymousBucket is shared by every request without an API key.
	anonymousBucket = "__no_key__"
	bucketIdleTime  = 10 * time.Minute
	sweepInterval   = 5 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // Unix nanoseconds on the middleware clock
}

func (b *bucket) touch(now time.Time) { b.lastSeen.Store(now.UnixNano()) }

// RateLimitMiddleware gives every API key its own token bucket.
type RateLimitMiddleware struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	limit  rate.Limit
	burst  int
	exempt map[string]bool
	clock  clock.Clock

	sweep    *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimitMiddleware allows ratePerInterval requests per interval for
// each key, with bursts of the same size. Zero refuses everything and a
// negative rate disables limiting. exemptKeys are never limited.
func NewRateLimitMiddleware(ratePerInterval int, interval time.Duration, exemptKeys []string, clk clock.Clock) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		buckets: make(map[string]*bucket),
		burst:   max(ratePerInterval, 0),
		exempt:  make(map[string]bool),
		clock:   clk,
		sweep:   time.NewTicker(sweepInterval),
		stop:    make(chan struct{}),
	}
	switch {
	case ratePerInterval < 0:
		rl.limit = rate.Inf
	case ratePerInterval > 0:
		rl.limit = rate.Every(interval / time.Duration(ratePerInterval))
	}
	for _, key := range exemptKeys {
		if key = strings.TrimSpace(key); key != "" {
			rl.exempt[key] = true
		}
	}

	go rl.sweepLoop()
	return rl
}

func (rl *RateLimitMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := app.RequestAPIKey(r)
			if key == "" {
				key = anonymousBucket
			}
			if !rl.exempt[key] && !rl.bucketFor(key).Allow() {
				rl.reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bucketFor returns key's limiter, creating it on first use.
func (rl *RateLimitMiddleware) bucketFor(key string) *rate.Limiter {
	now := rl.clock.Now()

	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		b.touch(now)
		return b.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.touch(now)
	return b.limiter
}

func (rl *RateLimitMiddleware) retryAfter() time.Duration {
	switch rl.limit {
	case 0:
		return time.Hour
	case rate.Inf:
		return time.Second
	}
	return max(time.Duration(float64(time.Second)/float64(rl.limit)), time.Second)
}

func (rl *RateLimitMiddleware) reject(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Retry-After", strconv.Itoa(int(rl.retryAfter().Seconds())))
	h.Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))
	h.Set("X-RateLimit-Remaining", "0")
	w.WriteHeader(http.StatusTooManyRequests)

	err := json.NewEncoder(w).Encode(models.ResponseModel{
		Code:        http.StatusTooManyRequests,
		CurrentTime: models.ResponseCurrentTime(rl.clock),
		Text:        "Rate limit exceeded. Please try again later.",
		Version:     2,
	})
	if err != nil {
		slog.Error("failed to encode rate limit response",
			slog.String("path", r.URL.Path), slog.Any("error", err))
	}
}

// evictIdle drops buckets unused for longer than bucketIdleTime.
func (rl *RateLimitMiddleware) evictIdle() int {
	cutoff := rl.clock.Now().Add(-bucketIdleTime).UnixNano()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Load() < cutoff {
			delete(rl.buckets, key)
			evicted++
		}
	}
	return evicted
}

func (rl *RateLimitMiddleware) sweepLoop() {
	for {
		select {
		case <-rl.sweep.C:
			rl.evictIdle()
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the sweep goroutine. It is safe to call more than once.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stop)
		rl.sweep.Stop()
	})
}
