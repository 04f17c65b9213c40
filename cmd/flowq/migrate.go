package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowq/flowq/internal/platform/logger"
	"github.com/flowq/flowq/internal/platform/postgres"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Manage the postgres schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.Setup(cfg.Server.LogLevel)

	if cfg.Store.DatabaseURL == "" {
		return fmt.Errorf("migrate requires store.database_url to be configured")
	}

	db, err := openDatabase(cfg.Store.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("error closing database connection", "error", err)
		}
	}()

	switch args[0] {
	case "up":
		if err := postgres.MigrateUp(db); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
		log.Info("migrations applied")
	case "down":
		if err := postgres.MigrateDown(db); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
		log.Info("last migration rolled back")
	case "status":
		if err := postgres.MigrationStatus(db); err != nil {
			return fmt.Errorf("migration status failed: %w", err)
		}
	}
	return nil
}
