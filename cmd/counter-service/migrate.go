package main

import (
	"fmt"

	"ms-counters/internal/database/migrations"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd, func(r *migrations.Runner) error { return r.Up() })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd, func(r *migrations.Runner) error { return r.Down() })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd, func(r *migrations.Runner) error {
				v, dirty, err := r.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
				return nil
			})
		},
	})
	return cmd
}

func withRunner(cmd *cobra.Command, fn func(*migrations.Runner) error) error {
	cfg, log := loadConfig()
	defer log.Close()

	sqldb, err := openPostgres(cmd.Context(), cfg.Database.PostgresDSN(), log)
	if err != nil {
		return err
	}
	runner := migrations.NewRunner(sqldb, log)
	defer runner.Close()

	return fn(runner)
}
