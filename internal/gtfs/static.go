// Package gtfs imports static GTFS feeds into the simulation's network model.
package gtfs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/OneBusAway/go-gtfs"

	"bussim.transitsim.org/internal/httpclient"
	"bussim.transitsim.org/internal/logging"
)

const (
	maxStaticSize  = 200 * 1024 * 1024
	defaultTimeout = 5 * time.Minute
)

func rawGtfsData(ctx context.Context, config Config) ([]byte, error) {
	if config.isLocalFile() {
		b, err := os.ReadFile(config.Source)
		if err != nil {
			return nil, fmt.Errorf("error reading local GTFS file: %w", err)
		}
		return b, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.Source, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating GTFS request: %w", err)
	}
	if config.StaticAuthHeaderKey != "" && config.StaticAuthHeaderValue != "" {
		req.Header.Set(config.StaticAuthHeaderKey, config.StaticAuthHeaderValue)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	resp, err := httpclient.New(timeout).Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading GTFS data: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body,
		slog.Default().With(slog.String("component", "gtfs_downloader")),
		"http_response_body")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download GTFS data: received HTTP status %s", resp.Status)
	}
	b, err := httpclient.ReadLimited(resp.Body, maxStaticSize)
	if err != nil {
		return nil, fmt.Errorf("error reading GTFS data: %w", err)
	}
	return b, nil
}

// LoadStatic reads and parses the feed named by config.Source.
func LoadStatic(ctx context.Context, config Config) (*gtfs.Static, error) {
	logger := slog.Default().With(slog.String("component", "gtfs_loader"))

	b, err := rawGtfsData(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error reading GTFS data: %w", err)
	}
	return ParseStatic(b, logger)
}

// ParseStatic parses a GTFS zip held in memory.
func ParseStatic(b []byte, logger *slog.Logger) (*gtfs.Static, error) {
	staticData, err := gtfs.ParseStatic(b, gtfs.ParseStaticOptions{})
	if err != nil {
		return nil, fmt.Errorf("error parsing GTFS data: %w", err)
	}
	if logger != nil {
		logging.LogOperation(logger, "gtfs_static_parsed",
			slog.Int("agencies", len(staticData.Agencies)),
			slog.Int("routes", len(staticData.Routes)),
			slog.Int("stops", len(staticData.Stops)),
			slog.Int("trips", len(staticData.Trips)),
			slog.Int("warnings", len(staticData.Warnings)))
	}
	return staticData, nil
}
