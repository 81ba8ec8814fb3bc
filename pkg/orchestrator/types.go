// Package orchestrator executes ingest runs: it seeds the three stage queues
// from persisted task state, fans work out to bounded worker pools, and
// finalizes the run from the surviving task statuses. All coordination is
// in-process; the database holds the only durable state, so a killed process
// loses nothing but in-flight stage calls.
package orchestrator

import (
	"context"

	"github.com/ai-dpa/kb-pipeline/pkg/config"
	"github.com/ai-dpa/kb-pipeline/pkg/models"
	"github.com/ai-dpa/kb-pipeline/pkg/repository"
)

// Repository is the persistence surface the orchestrator drives. Implemented
// by repository.Repository; narrowed here so tests can substitute an
// in-memory store.
type Repository interface {
	CreateRunFromPlan(ctx context.Context, plan *models.PlanningResult, cfg *config.Config) (string, error)
	MarkRunStarted(ctx context.Context, runID string) error
	CancelRun(ctx context.Context, runID, reason string) error
	QueueSeed(ctx context.Context, runID string, failedOnly bool) (*models.QueueSeed, error)
	LoadTaskPayload(ctx context.Context, taskID string) (*models.TaskPayload, error)

	MarkLLMRunning(ctx context.Context, taskID string) error
	MarkEmbedRunning(ctx context.Context, taskID string) error
	MarkUpsertRunning(ctx context.Context, taskID string) error

	SaveLLMSuccess(ctx context.Context, taskID string, structuredJSON map[string]any, structuredText string, attemptsUsed int) error
	SaveEmbedSuccess(ctx context.Context, taskID string, embedding []float32, attemptsUsed int) error
	SaveUpsertSuccess(ctx context.Context, taskID, llmModel, embeddingModel string) error

	SaveLLMFailure(ctx context.Context, taskID, errMsg string, attemptsUsed int) error
	SaveEmbedFailure(ctx context.Context, taskID, errMsg string, attemptsUsed int) error
	SaveUpsertFailure(ctx context.Context, taskID, errMsg string) error

	FinalizeRun(ctx context.Context, runID string) (*repository.RunStatusDoc, error)
	Status(ctx context.Context, runID string) (*repository.RunStatusDoc, error)
	ProgressCountsBySource(ctx context.Context, runID string) (map[string]*models.SourceCounters, error)
}

// ExtractionClient runs the structured-extraction stage for one task.
type ExtractionClient interface {
	Extract(ctx context.Context, task models.TaskPayload) (*models.LLMResult, error)
}

// EmbeddingClient runs the embedding stage for one task.
type EmbeddingClient interface {
	Embed(ctx context.Context, task models.TaskPayload) (*models.EmbedResult, error)
}
