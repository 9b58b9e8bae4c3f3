package transit

import (
	"context"
	"errors"
	"log/slog"

	"bussim.transitsim.org/internal/geo"
	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/internal/metrics"
)

// DirectionsProvider turns two or more control points into an ordered,
// drivable list of waypoints. Implementations may block on network I/O.
type DirectionsProvider interface {
	Directions(ctx context.Context, points []geo.Coordinate) ([]geo.Coordinate, error)
}

// DirectionsFunc adapts a function to DirectionsProvider.
type DirectionsFunc func(ctx context.Context, points []geo.Coordinate) ([]geo.Coordinate, error)

func (f DirectionsFunc) Directions(ctx context.Context, points []geo.Coordinate) ([]geo.Coordinate, error) {
	return f(ctx, points)
}

// Poster hands a function to the goroutine that owns simulation state.
type Poster func(fn func())

// RequestDirections starts a query for r on its own goroutine and delivers
// the result through post, so Populate always runs on the owning goroutine.
// It must itself be called from that goroutine. Failures, empty answers and
// superseded answers leave the route not ready and are only logged.
func RequestDirections(ctx context.Context, r *Route, provider DirectionsProvider, post Poster, logger *slog.Logger, m *metrics.Metrics) uint64 {
	if logger == nil {
		logger = slog.Default()
	}
	gen := r.BeginQuery()
	points := r.ControlPoints()
	logger = logger.With(slog.String("route", r.ID), slog.Uint64("generation", gen))

	go func() {
		waypoints, err := provider.Directions(ctx, points)
		post(func() {
			if err != nil {
				m.DirectionsQuery("error")
				logging.LogError(logger, "directions query failed", err)
				return
			}
			switch err := r.Populate(gen, waypoints); {
			case errors.Is(err, ErrStaleResponse):
				m.DirectionsQuery("stale")
				logger.Debug("discarded stale directions response")
			case errors.Is(err, ErrEmptyRoute):
				m.DirectionsQuery("empty")
				logger.Warn("directions response has no waypoints")
			case err != nil:
				m.DirectionsQuery("error")
				logging.LogError(logger, "cannot populate route", err)
			default:
				m.DirectionsQuery("ok")
				logging.LogOperation(logger, "route_populated", slog.Int("waypoints", len(waypoints)))
			}
		})
	}()
	return gen
}
