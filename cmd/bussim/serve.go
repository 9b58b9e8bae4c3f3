package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bussim.transitsim.org/internal/appconf"
	"bussim.transitsim.org/internal/restapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the simulation and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var (
	port    int
	apiKeys string
)

func init() {
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "API server port (overrides BUSSIM_PORT)")
	serveCmd.Flags().StringVarP(&apiKeys, "api-keys", "", "", "Comma separated API keys (overrides BUSSIM_API_KEYS)")
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Port = port
	}
	if apiKeys != "" {
		cfg.ApiKeys = appconf.ParseAPIKeys(apiKeys)
	}

	coreApp, err := BuildApplication(cfg)
	if err != nil {
		return err
	}
	api := restapi.NewRestAPI(coreApp)
	srv := CreateServer(coreApp, api)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, srv, coreApp, api)
}
