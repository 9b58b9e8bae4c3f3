package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"bussim.transitsim.org/internal/appconf"
	"bussim.transitsim.org/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:          "bussim",
	Short:        "Bus network simulator",
	Long:         "Simulates buses driving timetabled services over a stored route network",
	SilenceUsage: true,
}

var (
	envFiles  []string
	networkDB string
	verbose   bool
)

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&envFiles, "env-file", "", nil, "Environment files to load (default .env)")
	rootCmd.PersistentFlags().StringVarP(&networkDB, "db", "", "", "Network database path (overrides BUSSIM_NETWORK_DB)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importGTFSCmd)
	rootCmd.AddCommand(importFleetCmd)
	rootCmd.AddCommand(timetableCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the persistent flags on top.
func loadConfig() (appconf.Config, error) {
	cfg, err := appconf.Load(envFiles...)
	if err != nil {
		return cfg, err
	}
	if networkDB != "" {
		cfg.NetworkDB = networkDB
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func newLogger(cfg appconf.Config) *slog.Logger {
	return logging.NewLogger(os.Stderr, cfg.Env == appconf.Production, cfg.Verbose)
}
