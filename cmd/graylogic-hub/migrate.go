package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-hub/migrations"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply, roll back or list topology schema migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			return runMigrate(cmd.Context(), *configPath, direction, cmd.OutOrStdout())
		},
	}
}

func runMigrate(ctx context.Context, configPath, direction string, out io.Writer) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	switch direction {
	case "up":
		if err := db.Migrate(ctx, migrations.FS, migrations.Dir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database migrations complete", "path", cfg.Database.Path)
	case "down":
		if err := db.MigrateDown(ctx, migrations.FS, migrations.Dir); err != nil {
			return fmt.Errorf("rolling back migration: %w", err)
		}
		log.Info("latest migration rolled back", "path", cfg.Database.Path)
	case "status":
		applied, pending, err := db.MigrationStatus(ctx, migrations.FS, migrations.Dir)
		if err != nil {
			return fmt.Errorf("reading migration status: %w", err)
		}
		for _, m := range applied {
			fmt.Fprintf(out, "applied  %s  %s\n", m.Version, m.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		for _, m := range pending {
			fmt.Fprintf(out, "pending  %s  %s\n", m.Version, m.Name)
		}
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
	return nil
}
