package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/casedesk/internal/config"
	"github.com/zulandar/casedesk/internal/gateway"
	"github.com/zulandar/casedesk/internal/store"
)

type serveOpts struct {
	config   string
	port     int
	database string
	seed     string
	token    string
}

func newServeCmd(a *app) *cobra.Command {
	var opts serveOpts

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the development gateway",
		Long: "Runs a local backend that speaks the console's REST and WebSocket contract on top of\n" +
			"a SQLite store, optionally seeded from a YAML fixture.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, a.logger(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.config, "config", "c", "", "casedesk config file supplying gateway settings and token")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 8090, "port to listen on")
	cmd.Flags().StringVar(&opts.database, "db", "", "SQLite database path (in-memory when empty)")
	cmd.Flags().StringVar(&opts.seed, "seed", "", "YAML fixture to load before serving")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token required from clients (default $"+config.EnvAPIToken+")")
	return cmd
}

func runServe(cmd *cobra.Command, log *zap.Logger, opts serveOpts) error {
	if opts.config != "" {
		cfg, err := config.Load(opts.config)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		// Explicit flags win over the file.
		if !cmd.Flags().Changed("port") {
			opts.port = cfg.Gateway.Port
		}
		if !cmd.Flags().Changed("db") {
			opts.database = cfg.Gateway.Database
		}
		if opts.token == "" {
			opts.token = cfg.API.Token
		}
	}
	if opts.token == "" {
		opts.token = os.Getenv(config.EnvAPIToken)
	}
	st, err := store.Open(store.DriverSQLite, opts.database)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.seed != "" {
		f, err := gateway.LoadFixture(opts.seed)
		if err != nil {
			return err
		}
		if err := gateway.Seed(ctx, st, f); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d cases from %s\n", len(f.Cases), opts.seed)
	}

	return gateway.Start(ctx, gateway.StartOpts{
		Store:  st,
		Port:   opts.port,
		Token:  opts.token,
		Out:    cmd.OutOrStdout(),
		Logger: log,
	})
}
