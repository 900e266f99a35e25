// Package cli holds the venuectl commands: sweeps, migrations, staff
// tokens and demo data.
package cli

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"venuecore/internal/app"
	"venuecore/internal/config"
	"venuecore/internal/pkg/logger"
)

var (
	Version   = "dev"
	CommitSHA = "none"
)

func NewRoot() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "venuectl",
		Short:         "Operate the venuecore booking engine",
		Version:       Version + " (" + CommitSHA + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newSeedCmd())
	return cmd
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr), nil
}

// openApp loads configuration and builds the service graph on a migrated
// database.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, log)
}
