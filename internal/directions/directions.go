// Package directions provides waypoint lists for routes, either from an
// HTTP directions API or by densifying straight lines between stops.
package directions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/twpayne/go-polyline"
	"golang.org/x/time/rate"

	"bussim.transitsim.org/internal/geo"
	"bussim.transitsim.org/internal/httpclient"
	"bussim.transitsim.org/internal/logging"
)

// ErrTooFewPoints is returned for fewer than two control points.
var ErrTooFewPoints = errors.New("directions need at least two points")

const (
	defaultTimeout = 10 * time.Second
	maxBodySize    = 4 * 1024 * 1024
)

// Config configures an HTTPProvider.
type Config struct {
	BaseURL string
	APIKey  string
	// RequestsPerSecond throttles queries; zero means two per second.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// HTTPProvider queries a directions API that answers with encoded polylines
// in the {status, routes[{overview_polyline{points}}]} layout.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

type response struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	Routes       []struct {
		OverviewPolyline struct {
			Points string `json:"points"`
		} `json:"overview_polyline"`
	} `json:"routes"`
}

func NewHTTPProvider(cfg Config, logger *slog.Logger) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProvider{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  httpclient.New(cfg.Timeout),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.With(slog.String("component", "directions")),
	}
}

// Directions asks for a route from the first to the last point via the
// points in between.
func (p *HTTPProvider) Directions(ctx context.Context, points []geo.Coordinate) ([]geo.Coordinate, error) {
	if len(points) < 2 {
		return nil, ErrTooFewPoints
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("directions rate limit: %w", err)
	}

	q := url.Values{}
	q.Set("origin", points[0].String())
	q.Set("destination", points[len(points)-1].String())
	if len(points) > 2 {
		via := make([]string, 0, len(points)-2)
		for _, pt := range points[1 : len(points)-1] {
			via = append(via, pt.String())
		}
		q.Set("waypoints", strings.Join(via, "|"))
	}
	if p.apiKey != "" {
		q.Set("key", p.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute directions request: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, p.logger, "http_response_body")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directions request returned %s", resp.Status)
	}

	body, err := httpclient.ReadLimited(resp.Body, maxBodySize)
	if err != nil {
		return nil, err
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode directions response: %w", err)
	}
	if r.Status == "ZERO_RESULTS" || len(r.Routes) == 0 {
		return nil, nil
	}
	if r.Status != "" && r.Status != "OK" {
		return nil, fmt.Errorf("directions status %s: %s", r.Status, r.ErrorMessage)
	}

	return DecodePolyline(r.Routes[0].OverviewPolyline.Points)
}

// DecodePolyline turns an encoded polyline into coordinates.
func DecodePolyline(encoded string) ([]geo.Coordinate, error) {
	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}
	out := make([]geo.Coordinate, len(coords))
	for i, c := range coords {
		out[i] = geo.Coordinate{Lat: c[0], Lon: c[1]}
	}
	return out, nil
}

// EncodePolyline is the inverse of DecodePolyline.
func EncodePolyline(points []geo.Coordinate) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Lat, p.Lon}
	}
	return string(polyline.EncodeCoords(coords))
}

// StraightLineProvider joins the control points with straight segments
// densified to Spacing meters. It never fails for two or more points.
type StraightLineProvider struct {
	Spacing float64
}

func (p StraightLineProvider) Directions(ctx context.Context, points []geo.Coordinate) ([]geo.Coordinate, error) {
	if len(points) < 2 {
		return nil, ErrTooFewPoints
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spacing := p.Spacing
	if spacing <= 0 {
		spacing = 50
	}
	out := []geo.Coordinate{points[0]}
	for i := 1; i < len(points); i++ {
		out = append(out, geo.Interpolate(points[i-1], points[i], spacing)...)
	}
	return out, nil
}
