package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jdziat/foxx-queues/pkg/config"
	"github.com/jdziat/foxx-queues/pkg/storage"
	"github.com/jdziat/foxx-queues/pkg/telemetry"
)

// settings is shared by every subcommand. It is filled in before any
// subcommand runs.
type settings struct {
	envFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	s := &settings{}

	rootCmd := &cobra.Command{
		Use:           "queuectl",
		Short:         "Dispatch queued jobs across databases",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.load()
		},
	}
	rootCmd.PersistentFlags().StringVar(&s.envFile, "env-file", "", "load environment variables from this file first")

	rootCmd.AddCommand(RunCmd(s))
	rootCmd.AddCommand(RecomputeCmd(s))
	rootCmd.AddCommand(StatusCmd(s))
	rootCmd.AddCommand(ConfigCmd(s))
	return rootCmd
}

func (s *settings) load() error {
	if s.envFile != "" {
		if err := config.LoadEnvFile(s.envFile, false); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s.cfg = cfg
	s.logger = telemetry.SetupLogger()
	return nil
}

// openStore picks Postgres when a URL is configured and a directory of
// SQLite files otherwise.
func openStore(cfg *config.Config) (*storage.GormStorage, error) {
	if cfg.PostgresURL != "" {
		c, err := storage.NewPostgresConnector(cfg.PostgresURL, cfg.PostgresPrefix,
			storage.MaxOpenConns(8), storage.MaxIdleConns(2))
		if err != nil {
			return nil, err
		}
		return storage.NewGormStorage(c), nil
	}
	c, err := storage.NewSQLiteDirConnector(cfg.DataDir, nil)
	if err != nil {
		return nil, err
	}
	return storage.NewGormStorage(c), nil
}
