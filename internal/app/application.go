package app

import (
	"log/slog"
	"time"

	"bussim.transitsim.org/internal/appconf"
	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/metrics"
	"bussim.transitsim.org/internal/pubsub"
	"bussim.transitsim.org/internal/restsync"
	"bussim.transitsim.org/internal/sim"
	"bussim.transitsim.org/networkdb"
)

// Application holds the dependencies shared by the HTTP handlers, the
// middleware and the background workers.
type Application struct {
	Config      appconf.Config
	Logger      *slog.Logger
	Clock       clock.Clock
	StartTime   time.Time
	StartSource clock.StartSource
	Sim         *sim.Simulation
	Messages    *pubsub.Router
	Publisher   pubsub.Publisher
	// Syncer is nil when no sync backend is configured.
	Syncer    *restsync.Syncer
	NetworkDB *networkdb.Client
	Metrics   *metrics.Metrics
}
