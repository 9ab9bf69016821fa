package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/keyhub/keyhub/internal/config"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/infrastructure/memory"
	"github.com/keyhub/keyhub/internal/infrastructure/postgres"
)

var rootCmd = &cobra.Command{
	Use:           "keyhub",
	Short:         "KeyHub - physical key checkout tracking",
	Long:          `KeyHub tracks which physical keys are checked out, reserved or lost, and by whom.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	storageDriver string
	migrationsDir string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&storageDriver, "storage", "", "storage driver override (postgres or memory)")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations", "", "migrations directory override")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies the persistent flag overrides on top of the environment.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config: %w", err)
	}
	if storageDriver != "" {
		if storageDriver != config.DriverPostgres && storageDriver != config.DriverMemory {
			return nil, zerolog.Nop(), fmt.Errorf("config: unknown storage driver %q", storageDriver)
		}
		cfg.StorageDriver = storageDriver
	}
	if migrationsDir != "" {
		cfg.MigrationsDir = migrationsDir
	}
	return cfg, config.NewLogger(cfg, os.Stdout), nil
}

// openStore connects the configured backend. Postgres is migrated before use.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	if cfg.StorageDriver == config.DriverMemory {
		logger.Warn().Msg("using in-memory storage; state is lost on exit")
		return memory.New(), nil
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return postgres.NewStore(pool, logger), nil
}
