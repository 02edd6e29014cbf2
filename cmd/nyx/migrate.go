package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mladen1312/nyx-light-racunovodja/internal/config"
	"github.com/mladen1312/nyx-light-racunovodja/internal/logging"
	"github.com/mladen1312/nyx-light-racunovodja/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the relational schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				os.Exit(exitConfigError)
			}
			log := logging.New(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				log.Error().Err(err).Msg("failed to connect")
				os.Exit(exitDependencyFailure)
			}
			defer pool.Close()

			if err := store.Migrate(ctx, pool); err != nil {
				log.Error().Err(err).Msg("migration failed")
				os.Exit(exitDependencyFailure)
			}
			log.Info().Msg("migration applied")
			return nil
		},
	}
}
