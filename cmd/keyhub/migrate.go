package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keyhub/keyhub/internal/config"
	"github.com/keyhub/keyhub/internal/infrastructure/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StorageDriver != config.DriverPostgres {
			return fmt.Errorf("migrate needs the %s storage driver", config.DriverPostgres)
		}
		ctx := context.Background()
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Str("dir", cfg.MigrationsDir).Msg("migrations applied")
		return nil
	},
}
