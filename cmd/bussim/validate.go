package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"bussim.transitsim.org/internal/appconf"
	"bussim.transitsim.org/internal/logging"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Checks the stored network for configuration problems",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return validateNetwork(cmd.Context(), cfg, newLogger(cfg), cmd.OutOrStdout())
	},
}

var errInvalidNetwork = errors.New("network definition has problems")

// validateNetwork prints every problem of the stored definition, one per
// line, and fails when there is any.
func validateNetwork(ctx context.Context, cfg appconf.Config, logger *slog.Logger, out io.Writer) error {
	db, err := openNetworkDB(cfg, logger)
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(db, logger, "network_db")

	def, err := db.Load(ctx)
	if err != nil {
		return err
	}

	var problems []string
	if err := def.Network.Validate(); err != nil {
		problems = append(problems, strings.Split(err.Error(), "\n")...)
	}
	buses := make(map[string]bool, len(def.Buses))
	for _, b := range def.Buses {
		buses[b.Registration] = true
	}
	for _, a := range def.Assignments {
		if !buses[a.Bus] {
			problems = append(problems, fmt.Sprintf("assignment of unknown bus %s", a.Bus))
		}
		svc, ok := def.Network.Service(a.Service)
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("bus %s is assigned unknown service %q", a.Bus, a.Service))
		case svc.FirstTimeSlot() == nil:
			problems = append(problems, fmt.Sprintf("bus %s is assigned service %q which has no time slots", a.Bus, a.Service))
		}
	}
	for _, r := range def.Network.Routes() {
		if !r.IsReady() {
			if _, err := fmt.Fprintf(out, "note: route %q has no waypoints and will query directions\n", r.ID); err != nil {
				return err
			}
		}
	}

	for _, p := range problems {
		if _, err := fmt.Fprintln(out, p); err != nil {
			return err
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %d found", errInvalidNetwork, len(problems))
	}
	_, err = fmt.Fprintf(out, "ok: %d stops, %d routes, %d services, %d buses\n",
		len(def.Network.Stops()), len(def.Network.Routes()), len(def.Network.Services()), len(def.Buses))
	return err
}
