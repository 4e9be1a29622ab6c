// Command dispatcher discovers upcoming events, schedules their attendee
// sheets ahead of start time and delivers them.
//
//	dispatcher run     -c config.yaml   start the long-running service
//	dispatcher migrate -c config.yaml   apply the schema and exit
//	dispatcher status  -c config.yaml   print job counts as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"event-dispatcher/internal/config"
	"event-dispatcher/internal/logging"
	"event-dispatcher/internal/store"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "dispatcher",
		Short:        "Event attendee-sheet scheduler",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("DISPATCHER_CONFIG"), "config file path (YAML)")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start discovery, scheduling and the admin HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(configFile)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()
			log.WithField("dialect", st.Dialect()).Info("migrations applied")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print scheduled job counts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(configFile)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()
			counts, err := st.CountJobsByStatus(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"dialect": st.Dialect(), "jobs": counts})
		},
	})
	return root
}

func setup(path string) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format), nil
}

// openStore connects and brings the schema up to date.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*store.Store, error) {
	st, err := store.New(ctx, store.Options{
		Driver:        cfg.Store.Driver,
		DSN:           cfg.Store.DSN,
		MaxOpenConns:  cfg.Store.MaxOpenConns,
		BusyRetries:   cfg.Store.BusyRetries,
		BusyBaseDelay: cfg.Store.BusyBaseDelay,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}
