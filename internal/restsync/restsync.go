// Package restsync keeps a remote backend in step with the simulated network.
// It pushes the stop and route lists in bulk and polls the backend's
// is_driving flag, which pauses and resumes bus movement.
package restsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"bussim.transitsim.org/internal/httpclient"
	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/internal/metrics"
	"bussim.transitsim.org/internal/transit"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 10 * time.Second
	maxBodySize     = 64 * 1024
)

// StopRecord is one entry of the bus_stops upload.
type StopRecord struct {
	ID         string  `json:"id"`
	InternalID int     `json:"internal_id"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// RouteRecord is one entry of the bus_routes upload. Stops holds stop ids in
// calling order.
type RouteRecord struct {
	ID         string   `json:"id"`
	InternalID int      `json:"internal_id"`
	Stops      []string `json:"stops"`
}

// Snapshot is the part of the network the backend mirrors.
type Snapshot struct {
	Stops  []StopRecord
	Routes []RouteRecord
}

// SnapshotNetwork copies the stops and routes of n. It must run on the
// goroutine that owns n.
func SnapshotNetwork(n *transit.Network) Snapshot {
	var s Snapshot
	for _, stop := range n.Stops() {
		s.Stops = append(s.Stops, StopRecord{
			ID:         stop.ID,
			InternalID: stop.InternalID,
			Lat:        stop.Location.Lat,
			Lon:        stop.Location.Lon,
		})
	}
	for _, r := range n.Routes() {
		rec := RouteRecord{ID: r.ID, InternalID: r.InternalID}
		for _, stop := range r.Stops() {
			rec.Stops = append(rec.Stops, stop.ID)
		}
		s.Routes = append(s.Routes, rec)
	}
	return s
}

// SourceFunc produces the snapshot to upload.
type SourceFunc func(ctx context.Context) (Snapshot, error)

// Config configures a Syncer.
type Config struct {
	BaseURL  string
	Interval time.Duration
	Timeout  time.Duration
}

// Syncer uploads network snapshots and polls the driving flag.
type Syncer struct {
	baseURL   string
	interval  time.Duration
	client    *http.Client
	source    SourceFunc
	onDriving func(bool)
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New returns a Syncer. onDriving receives every polled driving flag and may
// be nil.
func New(cfg Config, source SourceFunc, onDriving func(bool), logger *slog.Logger, m *metrics.Metrics) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		interval:  cfg.Interval,
		client:    httpclient.New(cfg.Timeout),
		source:    source,
		onDriving: onDriving,
		logger:    logger.With(slog.String("component", "restsync")),
		metrics:   m,
	}
}

// SyncOnce uploads the current stops and routes. Both uploads are attempted;
// their errors are joined.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	snap, err := s.source(ctx)
	if err != nil {
		s.metrics.SyncFailed("snapshot")
		return fmt.Errorf("snapshot network: %w", err)
	}

	var errs []error
	if err := s.post(ctx, "/bus_stops", map[string]any{"stops": nonNil(snap.Stops)}); err != nil {
		s.metrics.SyncFailed("bus_stops")
		errs = append(errs, err)
	}
	if err := s.post(ctx, "/bus_routes", map[string]any{"routes": nonNil(snap.Routes)}); err != nil {
		s.metrics.SyncFailed("bus_routes")
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		logging.LogOperation(s.logger, "network_synced",
			slog.Int("stops", len(snap.Stops)),
			slog.Int("routes", len(snap.Routes)))
	}
	return errors.Join(errs...)
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func (s *Syncer) post(ctx context.Context, path string, body any) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(body); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, s.logger, "http_response_body")
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s returned %s", path, resp.Status)
	}
	return nil
}

// PollDriving fetches the backend's driving flag and hands it to onDriving.
func (s *Syncer) PollDriving(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/is_driving", nil)
	if err != nil {
		return false, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.SyncFailed("is_driving")
		return false, fmt.Errorf("get is_driving: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, s.logger, "http_response_body")

	if resp.StatusCode != http.StatusOK {
		s.metrics.SyncFailed("is_driving")
		return false, fmt.Errorf("get is_driving returned %s", resp.Status)
	}
	body, err := httpclient.ReadLimited(resp.Body, maxBodySize)
	if err != nil {
		s.metrics.SyncFailed("is_driving")
		return false, err
	}

	var flag struct {
		IsDriving *bool `json:"is_driving"`
	}
	if err := json.Unmarshal(body, &flag); err != nil || flag.IsDriving == nil {
		s.metrics.SyncFailed("is_driving")
		return false, fmt.Errorf("malformed is_driving response: %q", body)
	}
	if s.onDriving != nil {
		s.onDriving(*flag.IsDriving)
	}
	return *flag.IsDriving, nil
}

// Run syncs the network once, then polls the driving flag every interval
// and re-uploads the network every tenth poll, until ctx is done. Failures
// are logged and never stop the loop.
func (s *Syncer) Run(ctx context.Context) error {
	s.runOnce(ctx, true)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ticker.C:
			s.runOnce(ctx, n%10 == 0)
		case <-ctx.Done():
			logging.LogOperation(s.logger, "shutting_down_restsync")
			return ctx.Err()
		}
	}
}

func (s *Syncer) runOnce(ctx context.Context, upload bool) {
	if upload {
		if err := s.SyncOnce(ctx); err != nil {
			logging.LogError(s.logger, "failed to sync network", err)
		}
	}
	if _, err := s.PollDriving(ctx); err != nil {
		logging.LogError(s.logger, "failed to poll driving flag", err)
	}
}
