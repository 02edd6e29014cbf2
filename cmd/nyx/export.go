package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mladen1312/nyx-light-racunovodja/internal/config"
	"github.com/mladen1312/nyx-light-racunovodja/internal/erpexport"
	"github.com/mladen1312/nyx-light-racunovodja/internal/logging"
	"github.com/mladen1312/nyx-light-racunovodja/internal/store"
)

func newExportCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "export <booking-id>",
		Short: "Export an approved booking to the configured ERP format",
		Args:  cobra.ExactArgs(1),
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

			st := store.New(pool)
			exporter := erpexport.New(st, cfg.ExportWatchedDir, log)

			receipt, err := exporter.Export(ctx, args[0], erpexport.Target(target), uuid.New().String(), "cli")
			if err != nil {
				log.Error().Err(err).Msg("export failed")
				os.Exit(exitDependencyFailure)
			}
			fmt.Printf("%s %s %s\n", receipt.Filename, receipt.Status, receipt.BytesHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "xml", "export target format: xml|json|csv")
	return cmd
}
