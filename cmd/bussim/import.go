package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"

	"bussim.transitsim.org/internal/appconf"
	"bussim.transitsim.org/internal/fleet"
	"bussim.transitsim.org/internal/gtfs"
	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/networkdb"
)

var importGTFSCmd = &cobra.Command{
	Use:   "import-gtfs <path|url>",
	Short: "Imports a GTFS zip into the network database",
	Long:  "Replaces the stored network with the one built from a GTFS static feed. The fleet and the assignments to services that still exist are kept.",
	Args:  cobra.ExactArgs(1),
	RunE:  importGTFSCommand,
}

var importFleetCmd = &cobra.Command{
	Use:   "import-fleet <csv>",
	Short: "Replaces the stored buses and assignments with a CSV file",
	Args:  cobra.ExactArgs(1),
	RunE:  importFleetCommand,
}

var (
	staticHeaders  []string
	dwellTime      time.Duration
	routeIDs       []string
	maxTrips       int
	requestTimeout time.Duration
)

func init() {
	importGTFSCmd.Flags().StringSliceVarP(&staticHeaders, "header", "", []string{}, "HTTP header for a remote feed, as <key>:<value>")
	importGTFSCmd.Flags().DurationVarP(&dwellTime, "dwell", "", 0, "Dwell time at every imported stop")
	importGTFSCmd.Flags().StringSliceVarP(&routeIDs, "route", "r", []string{}, "Import only these GTFS routes")
	importGTFSCmd.Flags().IntVarP(&maxTrips, "max-trips", "", 0, "Maximum services per route (0 imports every trip)")
	importGTFSCmd.Flags().DurationVarP(&requestTimeout, "timeout", "", 30*time.Second, "Download timeout for a remote feed")
}

// fleetRow is one line of a fleet CSV. Kinematics left at zero take the
// defaults.
type fleetRow struct {
	Registration     string  `csv:"registration"`
	Speed            float64 `csv:"speed,omitempty"`
	TurnRate         float64 `csv:"turn_rate,omitempty"`
	ArrivalThreshold float64 `csv:"arrival_threshold,omitempty"`
	Service          string  `csv:"service,omitempty"`
}

func parseHeader(header string) (string, string, error) {
	parts := strings.SplitN(header, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("'%s' is not on form <key>:<value>", header)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

func importGTFSCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gtfsCfg := gtfs.Config{Source: args[0], Timeout: requestTimeout}
	if len(staticHeaders) > 1 {
		return fmt.Errorf("at most one --header is supported")
	}
	for _, h := range staticHeaders {
		if gtfsCfg.StaticAuthHeaderKey, gtfsCfg.StaticAuthHeaderValue, err = parseHeader(h); err != nil {
			return err
		}
	}
	opts := gtfs.BuildOptions{DwellTime: dwellTime, RouteIDs: routeIDs, MaxTripsPerRoute: maxTrips}

	report, err := importGTFS(cmd.Context(), cfg, newLogger(cfg), gtfsCfg, opts)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d stops, %d routes (%d shaped), %d services, %d time slots\n",
		report.Stops, report.Routes, report.ShapedRoutes, report.Services, report.TimeSlots)
	if err == nil && report.EmptyTimetables > 0 {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "warning: %d calendar services have no running days\n", report.EmptyTimetables)
	}
	return err
}

// importGTFS builds a network from the feed and stores it. Buses and the
// depot already stored survive, as do assignments whose service is still
// in the new network.
func importGTFS(ctx context.Context, cfg appconf.Config, logger *slog.Logger, gtfsCfg gtfs.Config, opts gtfs.BuildOptions) (gtfs.Report, error) {
	static, err := gtfs.LoadStatic(ctx, gtfsCfg)
	if err != nil {
		return gtfs.Report{}, err
	}
	network, report, err := gtfs.BuildNetwork(static, opts, logger)
	if err != nil {
		return report, err
	}

	db, err := openNetworkDB(cfg, logger)
	if err != nil {
		return report, err
	}
	defer logging.SafeCloseWithLogging(db, logger, "network_db")

	previous, err := db.Load(ctx)
	if err != nil {
		return report, err
	}
	def := &networkdb.Definition{
		Network: network,
		Depot:   previous.Depot,
		Buses:   previous.Buses,
	}
	for _, a := range previous.Assignments {
		if _, ok := network.Service(a.Service); ok {
			def.Assignments = append(def.Assignments, a)
			continue
		}
		logger.Warn("dropping assignment to a service no longer in the network",
			slog.String("bus", a.Bus), slog.String("service", a.Service))
	}

	if err := db.Save(ctx, def); err != nil {
		return report, err
	}
	logging.LogOperation(logger, "gtfs_imported",
		slog.String("source", gtfsCfg.Source),
		slog.Int("routes", report.Routes),
		slog.Int("services", report.Services))
	return report, nil
}

func importFleetCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(f, logger, "fleet_csv")

	n, err := importFleet(cmd.Context(), cfg, logger, f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d buses\n", n)
	return err
}

// importFleet replaces the stored buses and assignments with the rows of a
// fleet CSV. Every assigned service must exist in the stored network.
func importFleet(ctx context.Context, cfg appconf.Config, logger *slog.Logger, in io.Reader) (int, error) {
	var rows []*fleetRow
	if err := gocsv.Unmarshal(in, &rows); err != nil {
		return 0, fmt.Errorf("failed to parse fleet csv: %w", err)
	}

	db, err := openNetworkDB(cfg, logger)
	if err != nil {
		return 0, err
	}
	defer logging.SafeCloseWithLogging(db, logger, "network_db")

	def, err := db.Load(ctx)
	if err != nil {
		return 0, err
	}
	def.Buses = nil
	def.Assignments = nil

	seen := make(map[string]bool, len(rows))
	for i, row := range rows {
		reg := strings.TrimSpace(row.Registration)
		if reg == "" {
			return 0, fmt.Errorf("line %d: missing registration", i+2)
		}
		if seen[reg] {
			return 0, fmt.Errorf("line %d: %w: %s", i+2, fleet.ErrDuplicateBus, reg)
		}
		seen[reg] = true

		kin := fleet.DefaultKinematics
		if row.Speed > 0 {
			kin.Speed = row.Speed
		}
		if row.TurnRate > 0 {
			kin.TurnRate = row.TurnRate
		}
		if row.ArrivalThreshold > 0 {
			kin.ArrivalThreshold = row.ArrivalThreshold
		}
		def.Buses = append(def.Buses, networkdb.BusRecord{Registration: reg, Kinematics: kin})

		if svc := strings.TrimSpace(row.Service); svc != "" {
			if _, ok := def.Network.Service(svc); !ok {
				return 0, fmt.Errorf("line %d: unknown service %q", i+2, svc)
			}
			def.Assignments = append(def.Assignments, networkdb.AssignmentRecord{Bus: reg, Service: svc})
		}
	}

	if err := db.Save(ctx, def); err != nil {
		return 0, err
	}
	logging.LogOperation(logger, "fleet_imported",
		slog.Int("buses", len(def.Buses)),
		slog.Int("assignments", len(def.Assignments)))
	return len(def.Buses), nil
}
