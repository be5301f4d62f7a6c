package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/medconsult/internal/api"
	"github.com/zulandar/medconsult/internal/db"
	"github.com/zulandar/medconsult/internal/realtime"
	"github.com/zulandar/medconsult/internal/sweeper"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		migrate    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Long:  "Starts the API, chat and notification websockets, and the expiry sweeper when enabled. Stops gracefully on SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, configPath, port, migrate)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to medconsult config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "run database migrations before serving")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, configPath string, port int, migrate bool) error {
	out := cmd.OutOrStdout()

	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if migrate {
		if err := db.AutoMigrate(a.db); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	}

	hub, err := realtime.NewHub(realtime.HubOpts{
		Verifier:    a.verifier,
		Broker:      a.broker,
		Ledger:      a.ledger,
		Chat:        a.chat,
		Coordinator: a.coord,
		Logger:      a.log,
	})
	if err != nil {
		return err
	}

	if a.cfg.Sweeper.Enabled {
		sw, err := sweeper.New(sweeper.Opts{
			Ledger:      a.ledger,
			Coordinator: a.coord,
			Schedule:    a.cfg.Sweeper.Schedule,
			Logger:      a.log,
		})
		if err != nil {
			return err
		}
		go sw.Run(ctx)
		fmt.Fprintf(out, "Expiry sweeper scheduled %q\n", a.cfg.Sweeper.Schedule)
	}

	if port <= 0 {
		port = a.cfg.Server.Port
	}
	a.log.Info("starting server", "port", port, "broker", a.cfg.Broker.Backend, "database", a.cfg.Database.Driver)
	return api.Start(ctx, api.StartOpts{
		Deps: api.Deps{
			Verifier:    a.verifier,
			Ledger:      a.ledger,
			Coordinator: a.coord,
			Chat:        a.chat,
			Hub:         hub,
			Logger:      a.log,
		},
		Port: port,
		Out:  out,
	})
}
