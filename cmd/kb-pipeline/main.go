// kb-pipeline ingests the regulatory knowledge-base corpus into PostgreSQL:
// it plans deterministic chunk tasks from the corpus manifest, runs the
// extraction, embedding, and upsert stages concurrently, and records every
// state transition so interrupted runs resume where they stopped.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ai-dpa/kb-pipeline/pkg/config"
	"github.com/ai-dpa/kb-pipeline/pkg/database"
	"github.com/ai-dpa/kb-pipeline/pkg/embed"
	"github.com/ai-dpa/kb-pipeline/pkg/llm"
	"github.com/ai-dpa/kb-pipeline/pkg/models"
	"github.com/ai-dpa/kb-pipeline/pkg/orchestrator"
	"github.com/ai-dpa/kb-pipeline/pkg/planner"
	"github.com/ai-dpa/kb-pipeline/pkg/repository"
	"github.com/ai-dpa/kb-pipeline/pkg/tokenizer"
	"github.com/ai-dpa/kb-pipeline/pkg/version"
)

// planFlags are the planning knobs shared by the plan and run commands.
type planFlags struct {
	kbDir     string
	sourceIDs []string
	maxChunks int
}

func main() {
	// Local development keeps secrets in .env; absence is fine.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "kb-pipeline",
		Short:         "Knowledge-base ingestion pipeline for the regulatory corpus",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newPlanCmd(),
		newRunCmd(logger),
		newResumeCmd(logger),
		newRetryFailedCmd(logger),
		newStatusCmd(),
		newMigrateCmd(),
	)
	return root
}

// addPlanFlags registers the shared planning flags, binding chunking knobs
// directly into cfg so environment defaults and flags resolve in one place.
func addPlanFlags(cmd *cobra.Command, cfg *config.Config, pf *planFlags) {
	cmd.Flags().StringVar(&pf.kbDir, "kb-dir", "kb", "corpus directory containing manifest.json")
	cmd.Flags().StringArrayVar(&pf.sourceIDs, "source-id", nil, "restrict to this source id (repeatable)")
	cmd.Flags().IntVar(&pf.maxChunks, "max-chunks", 0, "cap the total number of chunk tasks (0 = no cap)")
	cmd.Flags().IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk size in tokens")
	cmd.Flags().IntVar(&cfg.ChunkOverlap, "overlap", cfg.ChunkOverlap, "chunk overlap in tokens")
	cmd.Flags().IntVar(&cfg.FullDocThresholdTokens, "full-doc-threshold", cfg.FullDocThresholdTokens, "token threshold below which the whole document is sent as context")
}

// addRuntimeFlags registers the execution knobs for run, resume, and
// retry-failed.
func addRuntimeFlags(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().IntVar(&cfg.LLMConcurrency, "llm-concurrency", cfg.LLMConcurrency, "extraction worker count")
	cmd.Flags().IntVar(&cfg.EmbedConcurrency, "embed-concurrency", cfg.EmbedConcurrency, "embedding worker count")
	cmd.Flags().IntVar(&cfg.UpsertConcurrency, "upsert-concurrency", cfg.UpsertConcurrency, "upsert worker count")
	cmd.Flags().IntVar(&cfg.RequestRetries, "request-retries", cfg.RequestRetries, "transient HTTP retries per remote call")
	cmd.Flags().IntVar(&cfg.RequestTimeoutSeconds, "timeout-seconds", cfg.RequestTimeoutSeconds, "per-request timeout in seconds")
	cmd.Flags().IntVar(&cfg.QueueMaxsize, "queue-maxsize", cfg.QueueMaxsize, "stage queue capacity")
}

func buildPlan(cfg *config.Config, pf *planFlags) (*models.PlanningResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := tokenizer.New(tokenizer.DefaultScheme)
	if err != nil {
		return nil, err
	}
	return planner.BuildPlan(codec, planner.Params{
		KBDir:                  pf.kbDir,
		SourceIDs:              pf.sourceIDs,
		MaxChunks:              pf.maxChunks,
		ChunkSize:              cfg.ChunkSize,
		ChunkOverlap:           cfg.ChunkOverlap,
		FullDocThresholdTokens: cfg.FullDocThresholdTokens,
	})
}

func newPlanCmd() *cobra.Command {
	cfg := config.FromEnv()
	pf := &planFlags{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build the deterministic ingestion plan without touching any service",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := buildPlan(cfg, pf)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"generated_at_utc": time.Now().UTC().Format(time.RFC3339),
				"manifest_sha256":  plan.ManifestSHA256,
				"summary":          plan.Summary,
				"config": map[string]any{
					"chunk_size":         cfg.ChunkSize,
					"overlap":            cfg.ChunkOverlap,
					"full_doc_threshold": cfg.FullDocThresholdTokens,
					"llm_model":          cfg.LLMModel,
					"embedding_model":    cfg.EmbeddingModel,
				},
			})
		},
	}
	addPlanFlags(cmd, cfg, pf)
	return cmd
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	cfg := config.FromEnv()
	pf := &planFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan the corpus, create a run, and execute it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireRuntimeSecrets(); err != nil {
				return err
			}
			plan, err := buildPlan(cfg, pf)
			if err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), cfg, logger, func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				runID, doc, err := orch.RunNew(ctx, plan)
				if err != nil {
					if doc != nil {
						_ = printJSON(map[string]any{"run_id": runID, "status": doc})
					}
					return err
				}
				logger.Info("run finished", slog.String("run_id", runID), slog.String("status", string(doc.Run.Status)))
				return printJSON(map[string]any{
					"run_id":       runID,
					"plan_summary": plan.Summary,
					"status":       doc,
				})
			})
		},
	}
	addPlanFlags(cmd, cfg, pf)
	addRuntimeFlags(cmd, cfg)
	return cmd
}

func newResumeCmd(logger *slog.Logger) *cobra.Command {
	cfg := config.FromEnv()
	var runID string
	cmd := &cobra.Command{
		Use:   "resume --run-id R",
		Short: "Re-execute every incomplete task of an existing run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireRuntimeSecrets(); err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), cfg, logger, func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				doc, err := orch.Resume(ctx, runID, false)
				if err != nil {
					if doc != nil {
						_ = printJSON(doc)
					}
					return err
				}
				return printJSON(doc)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "id of the run to resume")
	_ = cmd.MarkFlagRequired("run-id")
	addRuntimeFlags(cmd, cfg)
	return cmd
}

func newRetryFailedCmd(logger *slog.Logger) *cobra.Command {
	cfg := config.FromEnv()
	var runID string
	cmd := &cobra.Command{
		Use:   "retry-failed --run-id R",
		Short: "Retry only the tasks whose next stage previously failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireRuntimeSecrets(); err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), cfg, logger, func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				doc, err := orch.Resume(ctx, runID, true)
				if err != nil {
					if doc != nil {
						_ = printJSON(doc)
					}
					return err
				}
				return printJSON(doc)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "id of the run to retry")
	_ = cmd.MarkFlagRequired("run-id")
	addRuntimeFlags(cmd, cfg)
	return cmd
}

func newStatusCmd() *cobra.Command {
	cfg := config.FromEnv()
	var runID string
	cmd := &cobra.Command{
		Use:   "status --run-id R",
		Short: "Print the full status document of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			ctx := cmd.Context()
			client, err := database.NewClient(ctx, cfg.NormalizedDatabaseURL())
			if err != nil {
				return err
			}
			defer client.Close()
			repo := repository.New(client.Pool())
			if err := repo.AssertSchemaReady(ctx); err != nil {
				return err
			}
			doc, err := repo.Status(ctx, runID)
			if err != nil {
				return err
			}
			return printJSON(doc)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "id of the run to inspect")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cfg := config.FromEnv()
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			if err := database.Migrate(cfg.NormalizedDatabaseURL()); err != nil {
				return err
			}
			slog.Info("migrations applied")
			return nil
		},
	}
}

// withOrchestrator wires the database, repository, and stage clients, runs fn,
// and tears the pool down afterwards.
func withOrchestrator(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	client, err := database.NewClient(ctx, cfg.NormalizedDatabaseURL())
	if err != nil {
		return err
	}
	defer client.Close()

	repo := repository.New(client.Pool())
	if err := repo.AssertSchemaReady(ctx); err != nil {
		return err
	}
	orch := orchestrator.New(repo, llm.NewClient(cfg), embed.NewClient(cfg), cfg, logger)
	return fn(ctx, orch)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
