package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/witlox/dmfgate/pkg/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)
	ctx := cmd.Context()

	db, err := postgres.New(ctx, postgresConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	schema, err := postgres.CurrentVersion(ctx, db.DB)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "database migrated", "schema_version", schema)
	return nil
}
