package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mladen1312/nyx-light-racunovodja/internal/config"
	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
	"github.com/mladen1312/nyx-light-racunovodja/internal/inference"
	"github.com/mladen1312/nyx-light-racunovodja/internal/rag"
)

func newRAGCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rag",
		Short: "Manage the legal corpus index",
	}
	cmd.AddCommand(newRAGIngestCmd())
	cmd.AddCommand(newRAGConfirmCmd())
	cmd.AddCommand(newRAGRejectCmd())
	cmd.AddCommand(newRAGReindexCmd())
	return cmd
}

func openRAG() (*rag.Index, *inference.Orchestrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	idx, err := rag.Open(cfg.RAGDBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	orch := inference.New(inference.Config{
		EmbeddingEndpoint: cfg.EmbeddingEndpoint,
		EmbeddingModel:    cfg.EmbeddingModel,
		MaxSessions:       cfg.InferenceMaxConcurrent,
		QueueLimit:        cfg.InferenceQueueLimit,
	})
	return idx, orch, func() { idx.Close() }, nil
}

func newRAGIngestCmd() *cobra.Command {
	var lawID, article, keywords, effectiveFrom, effectiveTo string
	cmd := &cobra.Command{
		Use:   "ingest <text-file>",
		Short: "Quarantine a new legal chunk for admin review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, orch, closeFn, err := openRAG()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitDependencyFailure)
			}
			defer closeFn()

			data, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfigError)
			}

			from, err := time.Parse("2006-01-02", effectiveFrom)
			if err != nil {
				fmt.Fprintln(os.Stderr, "invalid --effective-from:", err)
				os.Exit(exitConfigError)
			}
			var to *time.Time
			if effectiveTo != "" {
				t, err := time.Parse("2006-01-02", effectiveTo)
				if err != nil {
					fmt.Fprintln(os.Stderr, "invalid --effective-to:", err)
					os.Exit(exitConfigError)
				}
				to = &t
			}

			ctx := cmd.Context()
			vec, err := orch.Embed(ctx, string(data))
			if err != nil {
				fmt.Fprintln(os.Stderr, "embedding failed:", err)
				os.Exit(exitDependencyFailure)
			}

			var kw []string
			if keywords != "" {
				kw = strings.Split(keywords, ",")
			}

			id, err := idx.Ingest(ctx, domain.LegalChunk{
				LawID:         lawID,
				Article:       article,
				Text:          string(data),
				Embedding:     vec,
				Keywords:      kw,
				EffectiveFrom: from,
				EffectiveTo:   to,
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitDependencyFailure)
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&lawID, "law-id", "", "law identifier this chunk belongs to")
	cmd.Flags().StringVar(&article, "article", "", "article or section reference")
	cmd.Flags().StringVar(&keywords, "keywords", "", "comma-separated keyword list")
	cmd.Flags().StringVar(&effectiveFrom, "effective-from", "", "YYYY-MM-DD")
	cmd.Flags().StringVar(&effectiveTo, "effective-to", "", "YYYY-MM-DD, omit if still in force")
	_ = cmd.MarkFlagRequired("law-id")
	_ = cmd.MarkFlagRequired("effective-from")
	return cmd
}

func newRAGConfirmCmd() *cobra.Command {
	var confirmedBy string
	cmd := &cobra.Command{
		Use:   "confirm <chunk-id>",
		Short: "Move a quarantined chunk to confirmed, making it searchable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, _, closeFn, err := openRAG()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitDependencyFailure)
			}
			defer closeFn()
			if err := idx.Confirm(cmd.Context(), args[0], confirmedBy); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitDependencyFailure)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&confirmedBy, "by", "cli", "reviewer identity recorded on the chunk")
	return cmd
}

func newRAGRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <chunk-id>",
		Short: "Discard a quarantined chunk without indexing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, _, closeFn, err := openRAG()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitDependencyFailure)
			}
			defer closeFn()
			if err := idx.Reject(cmd.Context(), args[0]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitDependencyFailure)
			}
			return nil
		},
	}
}

func newRAGReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Recompute embeddings for every chunk in the corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, orch, closeFn, err := openRAG()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitDependencyFailure)
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
			defer cancel()

			n, err := idx.Reindex(ctx, orch)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitDependencyFailure)
			}
			fmt.Printf("reindexed %d chunks\n", n)
			return nil
		},
	}
}
