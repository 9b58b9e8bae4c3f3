package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"bussim.transitsim.org/internal/app"
	"bussim.transitsim.org/internal/appconf"
	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/directions"
	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/internal/metrics"
	"bussim.transitsim.org/internal/pubsub"
	"bussim.transitsim.org/internal/restapi"
	"bussim.transitsim.org/internal/restsync"
	"bussim.transitsim.org/internal/sim"
	"bussim.transitsim.org/internal/transit"
	"bussim.transitsim.org/internal/webui"
	"bussim.transitsim.org/networkdb"
)

const (
	dbStatsInterval = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

func openNetworkDB(cfg appconf.Config, logger *slog.Logger) (*networkdb.Client, error) {
	db, err := networkdb.NewClient(networkdb.Config{
		DBPath: cfg.NetworkDB,
		Env:    cfg.Env,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open network database: %w", err)
	}
	return db, nil
}

// BuildApplication opens the network database, loads the stored definition
// and builds a simulation over it ready to run.
func BuildApplication(cfg appconf.Config) (*app.Application, error) {
	logger := newLogger(cfg)

	db, err := openNetworkDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	def, err := db.Load(context.Background())
	if err != nil {
		logging.SafeCloseWithLogging(db, logger, "network_db")
		return nil, fmt.Errorf("failed to load network definition: %w", err)
	}

	coreApp, err := newApplication(cfg, logger, def)
	if err != nil {
		logging.SafeCloseWithLogging(db, logger, "network_db")
		return nil, err
	}
	coreApp.NetworkDB = db
	coreApp.Metrics.StartDBStatsCollector(db.DB, dbStatsInterval)
	return coreApp, nil
}

// newApplication wires a simulation over def. Buses are created and
// assignments applied before the loop starts.
func newApplication(cfg appconf.Config, logger *slog.Logger, def *networkdb.Definition) (*app.Application, error) {
	mode, err := clock.ParseMode(cfg.ClockMode)
	if err != nil {
		return nil, err
	}
	loc := cfg.Location()
	start, source := clock.ResolveStartTime(cfg.StartTimeEnv, cfg.StartTimeFile, loc, time.Now().In(loc))
	clk := clock.NewTickingClock(mode, start, cfg.TimeScale)

	m := metrics.NewWithLogger(logger)

	var publisher pubsub.Publisher = pubsub.NewLogPublisher(logger)
	if cfg.PublishURL != "" {
		publisher = pubsub.NewHTTPPublisher(pubsub.HTTPConfig{BaseURL: cfg.PublishURL}, clk, logger, m)
	}

	var provider transit.DirectionsProvider = directions.StraightLineProvider{}
	if cfg.DirectionsURL != "" {
		provider = directions.NewHTTPProvider(directions.Config{
			BaseURL:           cfg.DirectionsURL,
			APIKey:            cfg.DirectionsAPIKey,
			RequestsPerSecond: cfg.DirectionsRate,
		}, logger)
	}

	s := sim.New(sim.Config{
		Clock:           clk,
		TickInterval:    cfg.TickInterval,
		Publisher:       publisher,
		Directions:      provider,
		PublishInterval: cfg.PublishInterval,
		Depot:           def.DepotOrDefault(),
		Logger:          logger,
		Metrics:         m,
	}, def.Network)

	if err := s.Bootstrap(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to bootstrap simulation: %w", err)
	}
	for _, b := range def.Buses {
		if _, err := s.AddBus(b.Registration, b.Kinematics); err != nil {
			return nil, err
		}
	}
	for _, a := range def.Assignments {
		if err := s.Assign(a.Bus, a.Service); err != nil {
			logger.Warn("skipping assignment",
				slog.String("bus", a.Bus),
				slog.String("service", a.Service),
				slog.Any("error", err))
		}
	}

	router := pubsub.NewRouter()
	s.HandleMessages(router)

	coreApp := &app.Application{
		Config:      cfg,
		Logger:      logger,
		Clock:       clk,
		StartTime:   start,
		StartSource: source,
		Sim:         s,
		Messages:    router,
		Publisher:   publisher,
		Metrics:     m,
	}
	if cfg.SyncURL != "" {
		coreApp.Syncer = restsync.New(restsync.Config{
			BaseURL:  cfg.SyncURL,
			Interval: cfg.SyncInterval,
		}, syncSource(s), s.SetDriving, logger, m)
	}

	logging.LogOperation(logger, "application_built",
		slog.String("env", cfg.Env.String()),
		slog.String("clock_mode", string(mode)),
		slog.Time("start_time", start),
		slog.String("start_source", string(source)),
		slog.Int("buses", len(def.Buses)))
	return coreApp, nil
}

// syncSource snapshots the network on the simulation goroutine.
func syncSource(s *sim.Simulation) restsync.SourceFunc {
	return func(ctx context.Context) (restsync.Snapshot, error) {
		var snap restsync.Snapshot
		err := s.Do(ctx, func() error {
			snap = restsync.SnapshotNetwork(s.Network())
			return nil
		})
		return snap, err
	}
}

// CreateServer builds the HTTP server with the API, the debug pages and
// the middleware chain.
func CreateServer(coreApp *app.Application, api *restapi.RestAPI) *http.Server {
	webUI := &webui.WebUI{Application: coreApp}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", coreApp.Config.Port),
		Handler:      api.Handler(webUI.SetWebUIRoutes),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

type contextCloser interface {
	Close(ctx context.Context) error
}

// Run drives the simulation, the sync worker and the server until ctx is
// done or the server fails, then shuts everything down.
func Run(ctx context.Context, srv *http.Server, coreApp *app.Application, api *restapi.RestAPI) error {
	logger := coreApp.Logger
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coreApp.Sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.LogError(logger, "simulation stopped", err)
		}
	}()
	if coreApp.Syncer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := coreApp.Syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.LogError(logger, "sync worker stopped", err)
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.LogOperation(logger, "server_starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	logging.LogOperation(logger, "shutting_down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.LogError(logger, "server shutdown failed", err)
	}

	cancel()
	wg.Wait()

	api.Shutdown()
	if c, ok := coreApp.Publisher.(contextCloser); ok {
		if err := c.Close(shutdownCtx); err != nil {
			logging.LogError(logger, "publisher close failed", err)
		}
	}
	coreApp.Metrics.Shutdown()
	if coreApp.NetworkDB != nil {
		logging.SafeCloseWithLogging(coreApp.NetworkDB, logger, "network_db")
	}
	return runErr
}
