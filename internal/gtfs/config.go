package gtfs

import (
	"strings"
	"time"

	"bussim.transitsim.org/internal/transit"
)

// Config says where a static GTFS feed comes from.
type Config struct {
	// Source is a local path or an http(s) URL of the GTFS zip.
	Source                string
	StaticAuthHeaderKey   string
	StaticAuthHeaderValue string
	Timeout               time.Duration
}

func (config Config) isLocalFile() bool {
	return !strings.HasPrefix(config.Source, "http://") && !strings.HasPrefix(config.Source, "https://")
}

// BuildOptions tunes how a feed becomes a network.
type BuildOptions struct {
	// DwellTime for every imported stop; zero keeps the stop default.
	DwellTime time.Duration
	// RouteIDs limits the import to these GTFS routes when not empty.
	RouteIDs []string
	// MaxTripsPerRoute caps the services created per route; zero means all.
	MaxTripsPerRoute int
}

func (o BuildOptions) wantsRoute(id string) bool {
	if len(o.RouteIDs) == 0 {
		return true
	}
	for _, r := range o.RouteIDs {
		if r == id {
			return true
		}
	}
	return false
}

func (o BuildOptions) dwell() time.Duration {
	if o.DwellTime > 0 {
		return o.DwellTime
	}
	return transit.DefaultDwellTime
}
