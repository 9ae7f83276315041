package main

import (
	"errors"

	"github.com/spf13/cobra"

	"solana-fee-pipeline/internal/storage/migrations"
	pgstore "solana-fee-pipeline/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres and ClickHouse schemas",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("database.url is required")
			}
			ctx := cmd.Context()

			pool, err := pgstore.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := migrations.RunPostgresMigrations(ctx, pool, log); err != nil {
				return err
			}

			if cfg.ClickHouse.URL != "" {
				conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.URL, log)
				if err != nil {
					return err
				}
				defer conn.Close()
			}

			log.Info("migrations applied")
			return nil
		},
	}
}
