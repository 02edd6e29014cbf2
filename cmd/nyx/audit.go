package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mladen1312/nyx-light-racunovodja/internal/audit"
	"github.com/mladen1312/nyx-light-racunovodja/internal/config"
	"github.com/mladen1312/nyx-light-racunovodja/internal/logging"
	"github.com/mladen1312/nyx-light-racunovodja/internal/store"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the hash-chained event log",
	}
	cmd.AddCommand(newAuditVerifyCmd())
	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Walk the event log and confirm the hash chain is unbroken",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				os.Exit(exitConfigError)
			}
			log := logging.New(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				log.Error().Err(err).Msg("failed to connect")
				os.Exit(exitDependencyFailure)
			}
			defer pool.Close()

			auditor := audit.New(store.New(pool))
			brk, err := auditor.Verify(ctx)
			if err != nil {
				log.Error().Err(err).Msg("verification failed")
				os.Exit(exitDependencyFailure)
			}
			if brk != nil {
				fmt.Printf("chain broken at seq %d: expected %s, found %s\n", brk.Seq, brk.Expected, brk.Found)
				os.Exit(exitIntegrityViolation)
			}
			fmt.Println("chain intact")
			return nil
		},
	}
}
