package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ai-dpa/kb-pipeline/pkg/models"
)

// maxLoggedErrorLen caps error text in structured log events.
const maxLoggedErrorLen = 500

// llmWorker drains the extraction queue. Each task is marked RUNNING, sent
// through the extraction client, persisted, and forwarded to the embed queue.
// On context cancellation the failure save is skipped so the stage stays
// RUNNING in the database and a later resume re-executes it.
func (o *Orchestrator) llmWorker(ctx context.Context, runID string, idx int, in <-chan string, out chan<- string) {
	for taskID := range in {
		if ctx.Err() != nil {
			continue
		}
		start := time.Now()
		task, err := o.beginStage(ctx, taskID, "llm", o.repo.MarkLLMRunning)
		if err != nil {
			o.failStage(ctx, runID, task, taskID, "llm", idx, start, err, func() error {
				return o.repo.SaveLLMFailure(ctx, taskID, err.Error(), 1)
			})
			continue
		}

		result, err := o.llm.Extract(ctx, *task)
		if err != nil {
			o.failStage(ctx, runID, task, taskID, "llm", idx, start, err, func() error {
				return o.repo.SaveLLMFailure(ctx, taskID, err.Error(), 1)
			})
			continue
		}
		if err := o.repo.SaveLLMSuccess(ctx, taskID, result.StructuredJSON, result.StructuredText, result.AttemptsUsed); err != nil {
			// A persistence fault is a stage failure like any other.
			o.failStage(ctx, runID, task, taskID, "llm", idx, start, err, func() error {
				return o.repo.SaveLLMFailure(ctx, taskID, err.Error(), 1)
			})
			continue
		}
		o.tracker.stageEnd(task.SourceID, "llm", true)
		o.logStage(runID, task, taskID, "llm", "succeeded", idx, start, result.AttemptsUsed-1, nil)

		select {
		case out <- taskID:
		case <-ctx.Done():
		}
	}
}

// embedWorker drains the embed queue and forwards to the upsert queue.
func (o *Orchestrator) embedWorker(ctx context.Context, runID string, idx int, in <-chan string, out chan<- string) {
	for taskID := range in {
		if ctx.Err() != nil {
			continue
		}
		start := time.Now()
		task, err := o.beginStage(ctx, taskID, "embed", o.repo.MarkEmbedRunning)
		if err != nil {
			o.failStage(ctx, runID, task, taskID, "embed", idx, start, err, func() error {
				return o.repo.SaveEmbedFailure(ctx, taskID, err.Error(), 1)
			})
			continue
		}

		result, err := o.embed.Embed(ctx, *task)
		if err != nil {
			o.failStage(ctx, runID, task, taskID, "embed", idx, start, err, func() error {
				return o.repo.SaveEmbedFailure(ctx, taskID, err.Error(), 1)
			})
			continue
		}
		if err := o.repo.SaveEmbedSuccess(ctx, taskID, result.Embedding, result.AttemptsUsed); err != nil {
			o.failStage(ctx, runID, task, taskID, "embed", idx, start, err, func() error {
				return o.repo.SaveEmbedFailure(ctx, taskID, err.Error(), 1)
			})
			continue
		}
		o.tracker.stageEnd(task.SourceID, "embed", true)
		o.logStage(runID, task, taskID, "embed", "succeeded", idx, start, result.AttemptsUsed-1, nil)

		select {
		case out <- taskID:
		case <-ctx.Done():
		}
	}
}

// upsertWorker drains the upsert queue. SaveUpsertSuccess performs the
// durable chunk write and task completion in one transaction.
func (o *Orchestrator) upsertWorker(ctx context.Context, runID string, idx int, in <-chan string) {
	for taskID := range in {
		if ctx.Err() != nil {
			continue
		}
		start := time.Now()
		task, err := o.beginStage(ctx, taskID, "upsert", o.repo.MarkUpsertRunning)
		if err != nil {
			o.failStage(ctx, runID, task, taskID, "upsert", idx, start, err, func() error {
				return o.repo.SaveUpsertFailure(ctx, taskID, err.Error())
			})
			continue
		}

		if err := o.repo.SaveUpsertSuccess(ctx, taskID, o.cfg.LLMModel, o.cfg.EmbeddingModel); err != nil {
			o.failStage(ctx, runID, task, taskID, "upsert", idx, start, err, func() error {
				return o.repo.SaveUpsertFailure(ctx, taskID, err.Error())
			})
			continue
		}
		o.tracker.stageEnd(task.SourceID, "upsert", true)
		o.logStage(runID, task, taskID, "upsert", "succeeded", idx, start, 0, nil)
	}
}

// beginStage marks the stage RUNNING and loads the task payload.
func (o *Orchestrator) beginStage(ctx context.Context, taskID, stage string, mark func(context.Context, string) error) (*models.TaskPayload, error) {
	if err := mark(ctx, taskID); err != nil {
		return nil, err
	}
	task, err := o.repo.LoadTaskPayload(ctx, taskID)
	if err != nil {
		return nil, err
	}
	o.tracker.stageStart(task.SourceID, stage)
	return task, nil
}

// failStage records a stage failure. When the context is already cancelled the
// save is skipped on purpose: the stage remains RUNNING in the database, which
// resume treats as interrupted rather than failed.
func (o *Orchestrator) failStage(ctx context.Context, runID string, task *models.TaskPayload, taskID, stage string, idx int, start time.Time, cause error, save func() error) {
	if task != nil {
		o.tracker.stageEnd(task.SourceID, stage, false)
	}
	if ctx.Err() != nil {
		o.logStage(runID, task, taskID, stage, "interrupted", idx, start, 0, cause)
		return
	}
	if save != nil {
		if err := save(); err != nil {
			o.logger.Error("failed to persist stage failure",
				slog.String("task_id", taskID),
				slog.String("stage", stage),
				slog.String("error", truncate(err.Error(), maxLoggedErrorLen)))
		}
	}
	o.logStage(runID, task, taskID, stage, "failed", idx, start, 0, cause)
}

// logStage emits the per-stage structured event. trace_id ties the three
// stage events of one task together.
func (o *Orchestrator) logStage(runID string, task *models.TaskPayload, taskID, stage, status string, idx int, start time.Time, retryCount int, cause error) {
	if retryCount < 0 {
		retryCount = 0
	}
	attrs := []any{
		slog.String("run_id", runID),
		slog.String("stage", stage),
		slog.String("status", status),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		slog.Int("retry_count", retryCount),
		slog.Int("worker_idx", idx),
		slog.String("trace_id", runID+":"+taskID+":"+stage),
	}
	if task != nil {
		attrs = append(attrs,
			slog.String("source_id", task.SourceID),
			slog.Int("chunk_index", task.ChunkIndex),
			slog.Int("chunk_count", task.ChunkCount),
		)
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", truncate(cause.Error(), maxLoggedErrorLen)))
	}
	if status == "failed" {
		o.logger.Error("kb_pipeline.chunk_stage", attrs...)
		return
	}
	o.logger.Info("kb_pipeline.chunk_stage", attrs...)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
