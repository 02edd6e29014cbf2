package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/mladen1312/nyx-light-racunovodja/internal/approval"
	"github.com/mladen1312/nyx-light-racunovodja/internal/audit"
	"github.com/mladen1312/nyx-light-racunovodja/internal/blobstore"
	"github.com/mladen1312/nyx-light-racunovodja/internal/booking"
	"github.com/mladen1312/nyx-light-racunovodja/internal/config"
	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
	"github.com/mladen1312/nyx-light-racunovodja/internal/erpexport"
	"github.com/mladen1312/nyx-light-racunovodja/internal/extract"
	"github.com/mladen1312/nyx-light-racunovodja/internal/httpapi"
	"github.com/mladen1312/nyx-light-racunovodja/internal/inference"
	"github.com/mladen1312/nyx-light-racunovodja/internal/logging"
	"github.com/mladen1312/nyx-light-racunovodja/internal/memory"
	"github.com/mladen1312/nyx-light-racunovodja/internal/rag"
	"github.com/mladen1312/nyx-light-racunovodja/internal/session"
	"github.com/mladen1312/nyx-light-racunovodja/internal/store"
	"github.com/mladen1312/nyx-light-racunovodja/internal/verify"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	log := logging.New(cfg)

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("invalid database url")
		os.Exit(exitConfigError)
	}
	poolCfg.MaxConns = int32(runtime.GOMAXPROCS(0) * 4)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to create database pool")
		os.Exit(exitDependencyFailure)
	}
	defer pool.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		log.Error().Err(err).Msg("database unreachable")
		os.Exit(exitDependencyFailure)
	}

	if cfg.IsDevelopment() {
		if err := store.Migrate(ctx, pool); err != nil {
			log.Error().Err(err).Msg("migration failed")
			os.Exit(exitDependencyFailure)
		}
	}

	blobs, err := blobstore.New(cfg.BlobRoot)
	if err != nil {
		log.Error().Err(err).Msg("failed to open blob store")
		os.Exit(exitDependencyFailure)
	}

	ragIndex, err := rag.Open(cfg.RAGDBPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open legal index")
		os.Exit(exitDependencyFailure)
	}

	st := store.New(pool)

	orch := inference.New(inference.Config{
		InferenceEndpoint: cfg.InferenceEndpoint,
		InferenceModel:    cfg.InferenceModel,
		VisionEndpoint:    cfg.VisionEndpoint,
		VisionModel:       cfg.VisionModel,
		EmbeddingEndpoint: cfg.EmbeddingEndpoint,
		EmbeddingModel:    cfg.EmbeddingModel,
		MaxSessions:       cfg.InferenceMaxConcurrent,
		QueueLimit:        cfg.InferenceQueueLimit,
		TokenBudget:       cfg.InferenceTokenBudget,
		PromptCacheSize:   cfg.PromptCacheSize,
		VisionIdleTimeout: cfg.VisionIdleTimeout,
	})

	fabric := extract.NewFabric(extract.RegexTier{}, extract.XMLTier{}, extract.NewTabularTier(), extract.VisionTier{Client: orch})

	mem := memory.New(st, cfg.MemoryL1RetentionDays, cfg.MemoryL2HalfLifeDays)
	verifier := verify.New(orch, mem)

	amlThreshold, err := domain.NewMoney(cfg.AMLThreshold, cfg.HomeCurrency)
	if err != nil {
		log.Error().Err(err).Msg("invalid AML threshold")
		os.Exit(exitConfigError)
	}
	reverseChargeRate, err := decimal.NewFromString(cfg.ReverseChargeRate)
	if err != nil {
		log.Error().Err(err).Msg("invalid reverse charge rate")
		os.Exit(exitConfigError)
	}

	pipeline := booking.New(st, blobs, fabric, verifier, mem, ragIndex, orch, orch, booking.Config{
		AMLThreshold:      amlThreshold,
		HomeCurrency:      cfg.HomeCurrency,
		CitationTopK:      3,
		ConsensusFloor:    cfg.ConsensusFloor,
		CitationFloor:     cfg.RAGConfidenceFloor,
		ReverseChargeRate: reverseChargeRate,
	}, log)

	gateway := approval.New(pipeline, log)
	exporter := erpexport.New(st, cfg.ExportWatchedDir, log)
	auditor := audit.New(st)

	sessions := session.New(st, st, session.Config{
		SessionTTL:     cfg.SessionTTL,
		MaxFailed:      cfg.SessionMaxFailed,
		LockoutTTL:     cfg.SessionLockoutTTL,
		RateLimitRPM:   cfg.RateLimitRPM,
		RateLimitBurst: cfg.RateLimitBurst,
	}, log)

	handlers := httpapi.NewHandlers(sessions, gateway, pipeline, exporter, auditor, ragIndex, mem, orch, orch)
	router := httpapi.Router(handlers, sessions)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		serveErr <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			os.Exit(exitDependencyFailure)
		}
	case <-stop:
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
	return nil
}
