package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-incidents/incidents/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := requirePostgres(); err != nil {
			return err
		}
		if err := migrations.Up(cfg.Database.Postgres.ConnString()); err != nil {
			return err
		}
		logger.Info("database migrations completed")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := requirePostgres(); err != nil {
			return err
		}
		if err := migrations.Down(cfg.Database.Postgres.ConnString()); err != nil {
			return err
		}
		logger.Info("database migrations rolled back")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requirePostgres(); err != nil {
			return err
		}
		v, dirty, err := migrations.Version(cfg.Database.Postgres.ConnString())
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"version": v, "dirty": dirty})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}

func requirePostgres() error {
	if cfg.Database.Driver != "postgres" {
		return errors.New("migrations need database.driver=postgres")
	}
	return nil
}
