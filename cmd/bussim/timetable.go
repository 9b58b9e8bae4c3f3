package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"

	"bussim.transitsim.org/internal/appconf"
	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/internal/sim"
)

var timetableCmd = &cobra.Command{
	Use:   "timetable",
	Short: "Prints the next occurrence of every time slot as CSV",
	Args:  cobra.NoArgs,
	RunE:  timetableCommand,
}

var at string

func init() {
	timetableCmd.Flags().StringVarP(&at, "at", "", "", "Reference time (default: the configured simulation start)")
}

type timetableRow struct {
	Company   string `csv:"company"`
	Timetable string `csv:"timetable"`
	Days      string `csv:"days"`
	Service   string `csv:"service"`
	Route     string `csv:"route"`
	Stop      string `csv:"stop"`
	Time      string `csv:"time"`
	Next      string `csv:"next"`
}

func timetableCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loc := cfg.Location()

	var ref time.Time
	if at != "" {
		if ref, err = clock.ParseTime(at, loc); err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
	} else {
		ref, _ = clock.ResolveStartTime(cfg.StartTimeEnv, cfg.StartTimeFile, loc, time.Now().In(loc))
	}
	return writeTimetable(cmd.Context(), cfg, newLogger(cfg), ref, cmd.OutOrStdout())
}

// writeTimetable prints one row per stored time slot, ordered by next
// occurrence then service.
func writeTimetable(ctx context.Context, cfg appconf.Config, logger *slog.Logger, ref time.Time, out io.Writer) error {
	db, err := openNetworkDB(cfg, logger)
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(db, logger, "network_db")

	def, err := db.Load(ctx)
	if err != nil {
		return err
	}

	loc := cfg.Location()
	snaps := make([]sim.TimeSlotSnapshot, 0)
	for _, ts := range def.Network.TimeSlots() {
		snaps = append(snaps, sim.SnapshotTimeSlot(ts, ref))
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		a, b := snaps[i].Next, snaps[j].Next
		switch {
		case a == nil || b == nil:
			return a != nil
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return snaps[i].Service < snaps[j].Service
	})

	rows := make([]*timetableRow, 0, len(snaps))
	for _, s := range snaps {
		row := &timetableRow{
			Company:   s.Company,
			Timetable: s.Timetable,
			Days:      s.Days,
			Service:   s.Service,
			Route:     s.Route,
			Stop:      s.Stop,
			Time:      s.Time,
		}
		if s.Next != nil {
			row.Next = s.Next.In(loc).Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	return gocsv.Marshal(rows, out)
}
