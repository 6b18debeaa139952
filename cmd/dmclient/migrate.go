package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marketfeed/marketfeed/internal/app/storage/postgres"
	"github.com/marketfeed/marketfeed/internal/config"
	"github.com/marketfeed/marketfeed/internal/platform/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the messages schema on a self-hosted Postgres",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Backend != config.BackendPostgres {
			return fmt.Errorf("migrate needs backend %q, got %q", config.BackendPostgres, cfg.Backend)
		}

		store, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer store.Close()

		names, err := migrations.Names()
		if err != nil {
			return err
		}
		if err := migrations.Apply(ctx, store.DB().DB); err != nil {
			return err
		}

		p := printerFor(cmd)
		for _, name := range names {
			p.Info(name)
		}
		p.Success(fmt.Sprintf("Applied %d migrations", len(names)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
