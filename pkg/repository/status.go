package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ai-dpa/kb-pipeline/pkg/models"
)

// maxFailureSamples caps the failure excerpt list in a status document.
const maxFailureSamples = 20

// RunRow mirrors one kb_ingest_runs row, including the frozen run config.
type RunRow struct {
	ID                string           `json:"id"`
	Status            models.RunStatus `json:"status"`
	KBManifestSHA256  string           `json:"kb_manifest_sha256"`
	ChunkSize         int              `json:"chunk_size"`
	ChunkOverlap      int              `json:"chunk_overlap"`
	FullDocThreshold  int              `json:"full_doc_threshold"`
	LLMModel          string           `json:"llm_model"`
	EmbeddingModel    string           `json:"embedding_model"`
	LLMConcurrency    int              `json:"llm_concurrency"`
	EmbedConcurrency  int              `json:"embed_concurrency"`
	UpsertConcurrency int              `json:"upsert_concurrency"`
	RequestRetries    int              `json:"request_retries"`
	TotalChunks       int              `json:"total_chunks"`
	CompletedChunks   int              `json:"completed_chunks"`
	FailedChunks      int              `json:"failed_chunks"`
	CreatedAt         time.Time        `json:"created_at"`
	StartedAt         *time.Time       `json:"started_at"`
	CompletedAt       *time.Time       `json:"completed_at"`
	ErrorSummary      map[string]any   `json:"error_summary"`
}

// StageCounts is the status histogram of one stage across a run's tasks.
// PendingReady counts PENDING tasks whose predecessor stage already
// succeeded, i.e. work the stage could pick up right now.
type StageCounts struct {
	Pending      int `json:"pending"`
	PendingReady int `json:"pending_ready"`
	Running      int `json:"running"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
}

// TaskCounts aggregates every task of a run by final and per-stage status.
type TaskCounts struct {
	Total     int         `json:"total"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Pending   int         `json:"pending"`
	LLM       StageCounts `json:"llm"`
	Embed     StageCounts `json:"embed"`
	Upsert    StageCounts `json:"upsert"`
}

// FailureSample is one failed task with its stage errors, for diagnostics.
type FailureSample struct {
	TaskID      string  `json:"task_id"`
	SourceID    string  `json:"source_id"`
	ChunkIndex  int     `json:"chunk_index"`
	LLMError    *string `json:"llm_error"`
	EmbedError  *string `json:"embed_error"`
	UpsertError *string `json:"upsert_error"`
}

// RunStatusDoc is the full status document rendered by the status command.
type RunStatusDoc struct {
	Run            RunRow          `json:"run"`
	Tasks          TaskCounts      `json:"tasks"`
	FailureSamples []FailureSample `json:"failure_samples"`
}

// Status loads the run row, task histograms, and up to maxFailureSamples
// failed-task excerpts.
func (r *Repository) Status(ctx context.Context, runID string) (*RunStatusDoc, error) {
	run, err := r.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	counts, err := r.taskCounts(ctx, runID)
	if err != nil {
		return nil, err
	}
	samples, err := r.failureSamples(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunStatusDoc{Run: *run, Tasks: *counts, FailureSamples: samples}, nil
}

// FinalizeRun recomputes the run's aggregate counters from its tasks, derives
// the terminal run status, and persists both together with a per-stage failure
// summary. Returns the resulting status document.
func (r *Repository) FinalizeRun(ctx context.Context, runID string) (*RunStatusDoc, error) {
	var total, completed, failed, pending, llmFailed, embedFailed, upsertFailed int
	err := r.pool.QueryRow(ctx, `
		SELECT
		  COUNT(*),
		  COUNT(*) FILTER (WHERE final_status = 'COMPLETED'),
		  COUNT(*) FILTER (WHERE final_status = 'FAILED'),
		  COUNT(*) FILTER (WHERE final_status NOT IN ('COMPLETED', 'FAILED')),
		  COUNT(*) FILTER (WHERE llm_status = 'FAILED'),
		  COUNT(*) FILTER (WHERE embed_status = 'FAILED'),
		  COUNT(*) FILTER (WHERE upsert_status = 'FAILED')
		FROM kb_ingest_tasks
		WHERE run_id = $1`, runID).Scan(
		&total, &completed, &failed, &pending, &llmFailed, &embedFailed, &upsertFailed)
	if err != nil {
		return nil, fmt.Errorf("counting tasks for finalize: %w", err)
	}

	status := deriveRunStatus(total, completed, failed, pending)
	summary := map[string]any{
		"llm_failed":    llmFailed,
		"embed_failed":  embedFailed,
		"upsert_failed": upsertFailed,
	}
	summaryRaw, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encoding error summary: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE kb_ingest_runs
		SET status = $2,
		    completed_chunks = $3,
		    failed_chunks = $4,
		    completed_at = CASE WHEN $2 IN ('COMPLETED', 'PARTIAL_FAILURE', 'FAILED') THEN now() ELSE completed_at END,
		    error_summary = $5::jsonb
		WHERE id = $1`, runID, string(status), completed, failed, summaryRaw)
	if err != nil {
		return nil, fmt.Errorf("finalizing run: %w", err)
	}
	return r.Status(ctx, runID)
}

// deriveRunStatus maps aggregate task counts onto the terminal run status.
// CANCELLED is never derived here; cancellation is recorded directly by
// CancelRun before finalization is skipped.
func deriveRunStatus(total, completed, failed, pending int) models.RunStatus {
	switch {
	case total > 0 && completed == total:
		return models.RunCompleted
	case completed > 0 && failed > 0:
		return models.RunPartialFailure
	case total > 0 && failed == total:
		return models.RunFailed
	case completed > 0 && pending > 0:
		return models.RunPartialFailure
	case failed > 0:
		return models.RunFailed
	default:
		return models.RunRunning
	}
}

func (r *Repository) loadRun(ctx context.Context, runID string) (*RunRow, error) {
	var (
		run        RunRow
		status     string
		summaryRaw []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, status, kb_manifest_sha256, chunk_size, chunk_overlap, full_doc_threshold,
		       llm_model, embedding_model, llm_concurrency, embed_concurrency, upsert_concurrency,
		       request_retries, total_chunks, completed_chunks, failed_chunks,
		       created_at, started_at, completed_at, error_summary
		FROM kb_ingest_runs
		WHERE id = $1`, runID).Scan(
		&run.ID, &status, &run.KBManifestSHA256, &run.ChunkSize, &run.ChunkOverlap, &run.FullDocThreshold,
		&run.LLMModel, &run.EmbeddingModel, &run.LLMConcurrency, &run.EmbedConcurrency, &run.UpsertConcurrency,
		&run.RequestRetries, &run.TotalChunks, &run.CompletedChunks, &run.FailedChunks,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt, &summaryRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	run.Status = models.RunStatus(status)
	if summaryRaw != nil {
		if err := json.Unmarshal(summaryRaw, &run.ErrorSummary); err != nil {
			return nil, fmt.Errorf("decoding error summary: %w", err)
		}
	}
	return &run, nil
}

func (r *Repository) taskCounts(ctx context.Context, runID string) (*TaskCounts, error) {
	var c TaskCounts
	err := r.pool.QueryRow(ctx, `
		SELECT
		  COUNT(*),
		  COUNT(*) FILTER (WHERE final_status = 'COMPLETED'),
		  COUNT(*) FILTER (WHERE final_status = 'FAILED'),
		  COUNT(*) FILTER (WHERE final_status NOT IN ('COMPLETED', 'FAILED')),
		  COUNT(*) FILTER (WHERE llm_status = 'PENDING'),
		  COUNT(*) FILTER (WHERE llm_status = 'RUNNING'),
		  COUNT(*) FILTER (WHERE llm_status = 'SUCCEEDED'),
		  COUNT(*) FILTER (WHERE llm_status = 'FAILED'),
		  COUNT(*) FILTER (WHERE embed_status = 'PENDING'),
		  COUNT(*) FILTER (WHERE embed_status = 'PENDING' AND llm_status = 'SUCCEEDED'),
		  COUNT(*) FILTER (WHERE embed_status = 'RUNNING'),
		  COUNT(*) FILTER (WHERE embed_status = 'SUCCEEDED'),
		  COUNT(*) FILTER (WHERE embed_status = 'FAILED'),
		  COUNT(*) FILTER (WHERE upsert_status = 'PENDING'),
		  COUNT(*) FILTER (WHERE upsert_status = 'PENDING' AND embed_status = 'SUCCEEDED'),
		  COUNT(*) FILTER (WHERE upsert_status = 'RUNNING'),
		  COUNT(*) FILTER (WHERE upsert_status = 'SUCCEEDED'),
		  COUNT(*) FILTER (WHERE upsert_status = 'FAILED')
		FROM kb_ingest_tasks
		WHERE run_id = $1`, runID).Scan(
		&c.Total, &c.Completed, &c.Failed, &c.Pending,
		&c.LLM.Pending, &c.LLM.Running, &c.LLM.Succeeded, &c.LLM.Failed,
		&c.Embed.Pending, &c.Embed.PendingReady, &c.Embed.Running, &c.Embed.Succeeded, &c.Embed.Failed,
		&c.Upsert.Pending, &c.Upsert.PendingReady, &c.Upsert.Running, &c.Upsert.Succeeded, &c.Upsert.Failed)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	// The first stage has no predecessor: every pending task is ready.
	c.LLM.PendingReady = c.LLM.Pending
	return &c, nil
}

func (r *Repository) failureSamples(ctx context.Context, runID string) ([]FailureSample, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, source_id, chunk_index, llm_error, embed_error, upsert_error
		FROM kb_ingest_tasks
		WHERE run_id = $1 AND final_status = 'FAILED'
		ORDER BY source_id, chunk_index
		LIMIT $2`, runID, maxFailureSamples)
	if err != nil {
		return nil, fmt.Errorf("loading failure samples: %w", err)
	}
	defer rows.Close()

	samples := []FailureSample{}
	for rows.Next() {
		var s FailureSample
		if err := rows.Scan(&s.TaskID, &s.SourceID, &s.ChunkIndex, &s.LLMError, &s.EmbedError, &s.UpsertError); err != nil {
			return nil, fmt.Errorf("scanning failure sample: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failure samples: %w", err)
	}
	return samples, nil
}
