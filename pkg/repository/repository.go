// Package repository persists runs, sources, and tasks in PostgreSQL and owns
// every state transition of the per-chunk stage machines. Each stage update is
// a single UPDATE filtered by primary key and committed immediately; the only
// multi-statement transactions are run creation and the final chunk upsert.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/ai-dpa/kb-pipeline/pkg/config"
	"github.com/ai-dpa/kb-pipeline/pkg/embed"
	"github.com/ai-dpa/kb-pipeline/pkg/models"
)

// maxStoredErrorLen caps the persisted stage error text.
const maxStoredErrorLen = 2000

// Sentinel errors for repository operations.
var (
	// ErrSchemaNotReady indicates the kb_* tables have not been migrated yet.
	ErrSchemaNotReady = errors.New("kb_* tables are missing; run `kb-pipeline migrate` first")

	// ErrRunNotFound indicates the run id does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrTaskNotFound indicates the task id does not exist.
	ErrTaskNotFound = errors.New("task not found")
)

// Stage identifies one of the three task stages. The values double as the
// column-name prefixes in kb_ingest_tasks.
type Stage string

// Stage identifiers.
const (
	StageLLM    Stage = "llm"
	StageEmbed  Stage = "embed"
	StageUpsert Stage = "upsert"
)

func (s Stage) valid() bool {
	return s == StageLLM || s == StageEmbed || s == StageUpsert
}

// Repository is the persistence layer of the ingestion pipeline.
type Repository struct {
	pool *pgxpool.Pool
}

// New builds a Repository over an open connection pool.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// AssertSchemaReady fails fast with ErrSchemaNotReady when the ingestion
// tables are absent.
func (r *Repository) AssertSchemaReady(ctx context.Context) error {
	var reg *string
	err := r.pool.QueryRow(ctx, "SELECT to_regclass('public.kb_ingest_runs')::text").Scan(&reg)
	if err != nil {
		return fmt.Errorf("checking schema: %w", err)
	}
	if reg == nil {
		return ErrSchemaNotReady
	}
	return nil
}

// CreateRunFromPlan inserts the run row with frozen config, upserts every
// planned source, and inserts all tasks with PENDING stage statuses. The
// whole operation is one transaction: all-or-nothing.
func (r *Repository) CreateRunFromPlan(ctx context.Context, plan *models.PlanningResult, cfg *config.Config) (string, error) {
	runID := uuid.NewString()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO kb_ingest_runs (
		  id, status, kb_manifest_sha256, chunk_size, chunk_overlap, full_doc_threshold,
		  llm_model, embedding_model, llm_concurrency, embed_concurrency, upsert_concurrency,
		  request_retries, total_chunks
		) VALUES ($1, 'PENDING', $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		runID, plan.ManifestSHA256, cfg.ChunkSize, cfg.ChunkOverlap, cfg.FullDocThresholdTokens,
		cfg.LLMModel, cfg.EmbeddingModel, cfg.LLMConcurrency, cfg.EmbedConcurrency,
		cfg.UpsertConcurrency, cfg.RequestRetries, len(plan.Tasks),
	)
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}

	for _, src := range plan.Sources {
		_, err = tx.Exec(ctx, `
			INSERT INTO kb_sources (
			  source_id, title, authority, source_kind, source_url, local_txt_path, local_md_path,
			  content_sha256, char_count, token_count, active
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true)
			ON CONFLICT (source_id) DO UPDATE SET
			  title = EXCLUDED.title,
			  authority = EXCLUDED.authority,
			  source_kind = EXCLUDED.source_kind,
			  source_url = EXCLUDED.source_url,
			  local_txt_path = EXCLUDED.local_txt_path,
			  local_md_path = EXCLUDED.local_md_path,
			  content_sha256 = EXCLUDED.content_sha256,
			  char_count = EXCLUDED.char_count,
			  token_count = EXCLUDED.token_count,
			  active = true,
			  updated_at = now()`,
			src.SourceID, src.Title, src.Authority, src.SourceKind, src.SourceURL,
			src.LocalTxtPath, src.LocalMdPath, src.ContentSHA256, src.CharCount, src.TokenCount,
		)
		if err != nil {
			return "", fmt.Errorf("upserting source %s: %w", src.SourceID, err)
		}
	}

	for _, task := range plan.Tasks {
		_, err = tx.Exec(ctx, `
			INSERT INTO kb_ingest_tasks (
			  id, run_id, source_id, chunk_index, chunk_count, raw_text, raw_text_sha256,
			  chunk_token_count, doc_token_count, context_mode, context_window_start, context_window_end,
			  context_text, llm_status, embed_status, upsert_status, final_status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			          'PENDING', 'PENDING', 'PENDING', 'PENDING')`,
			uuid.NewString(), runID, task.SourceID, task.ChunkIndex, task.ChunkCount,
			task.RawText, task.RawTextSHA256, task.ChunkTokenCount, task.DocTokenCount,
			string(task.ContextMode), task.ContextWindowStart, task.ContextWindowEnd, task.ContextText,
		)
		if err != nil {
			return "", fmt.Errorf("inserting task %s[%d]: %w", task.SourceID, task.ChunkIndex, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing run creation: %w", err)
	}
	return runID, nil
}

// MarkRunStarted sets the run RUNNING, keeping the first started_at.
func (r *Repository) MarkRunStarted(ctx context.Context, runID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE kb_ingest_runs
		SET status = 'RUNNING', started_at = COALESCE(started_at, now())
		WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("marking run started: %w", err)
	}
	return nil
}

// CancelRun marks the run CANCELLED and records the reason.
func (r *Repository) CancelRun(ctx context.Context, runID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE kb_ingest_runs
		SET status = 'CANCELLED', completed_at = now(),
		    error_summary = jsonb_build_object('reason', $2::text)
		WHERE id = $1`, runID, reason)
	if err != nil {
		return fmt.Errorf("cancelling run: %w", err)
	}
	return nil
}

// QueueSeed reads all tasks of the run ordered by (source_id, chunk_index)
// and routes each incomplete task to the queue of its earliest non-SUCCEEDED
// stage. With failedOnly, only stages currently FAILED are routed; PENDING and
// RUNNING tasks are left for a later resume.
func (r *Repository) QueueSeed(ctx context.Context, runID string, failedOnly bool) (*models.QueueSeed, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, final_status, llm_status, embed_status, upsert_status
		FROM kb_ingest_tasks
		WHERE run_id = $1
		ORDER BY source_id, chunk_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading seed rows: %w", err)
	}
	defer rows.Close()

	var states []taskStageState
	for rows.Next() {
		var s taskStageState
		if err := rows.Scan(&s.ID, &s.Final, &s.LLM, &s.Embed, &s.Upsert); err != nil {
			return nil, fmt.Errorf("scanning seed row: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating seed rows: %w", err)
	}
	return partitionSeed(states, failedOnly), nil
}

// LoadTaskPayload materializes the full task state joined with its source
// metadata.
func (r *Repository) LoadTaskPayload(ctx context.Context, taskID string) (*models.TaskPayload, error) {
	var (
		t              models.TaskPayload
		contextMode    string
		structuredJSON []byte
		structuredText *string
		embedding      *pgvector.Vector
	)
	err := r.pool.QueryRow(ctx, `
		SELECT
		  t.id::text, t.run_id::text, t.source_id, s.title, s.source_url,
		  t.chunk_index, t.chunk_count, t.raw_text, t.raw_text_sha256,
		  t.chunk_token_count, t.doc_token_count, t.context_mode,
		  t.context_window_start, t.context_window_end, t.context_text,
		  t.structured_json, t.structured_text, t.embedding
		FROM kb_ingest_tasks t
		JOIN kb_sources s ON s.source_id = t.source_id
		WHERE t.id = $1`, taskID).Scan(
		&t.TaskID, &t.RunID, &t.SourceID, &t.SourceTitle, &t.SourceURL,
		&t.ChunkIndex, &t.ChunkCount, &t.RawText, &t.RawTextSHA256,
		&t.ChunkTokenCount, &t.DocTokenCount, &contextMode,
		&t.ContextWindowStart, &t.ContextWindowEnd, &t.ContextText,
		&structuredJSON, &structuredText, &embedding,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	t.ContextMode = models.ContextMode(contextMode)
	if structuredJSON != nil {
		if err := json.Unmarshal(structuredJSON, &t.StructuredJSON); err != nil {
			return nil, fmt.Errorf("decoding structured_json for task %s: %w", taskID, err)
		}
	}
	if structuredText != nil {
		t.StructuredText = *structuredText
	}
	if embedding != nil {
		t.Embedding = embedding.Slice()
	}
	return &t, nil
}

// MarkLLMRunning marks the extraction stage RUNNING and clears its error.
func (r *Repository) MarkLLMRunning(ctx context.Context, taskID string) error {
	return r.markStageRunning(ctx, taskID, StageLLM)
}

// MarkEmbedRunning marks the embedding stage RUNNING and clears its error.
func (r *Repository) MarkEmbedRunning(ctx context.Context, taskID string) error {
	return r.markStageRunning(ctx, taskID, StageEmbed)
}

// MarkUpsertRunning marks the upsert stage RUNNING and clears its error.
func (r *Repository) MarkUpsertRunning(ctx context.Context, taskID string) error {
	return r.markStageRunning(ctx, taskID, StageUpsert)
}

func (r *Repository) markStageRunning(ctx context.Context, taskID string, stage Stage) error {
	if !stage.valid() {
		return fmt.Errorf("unknown stage %q", stage)
	}
	// Stage picks validated column prefixes; values still bind as parameters.
	query := fmt.Sprintf(`
		UPDATE kb_ingest_tasks
		SET %[1]s_status = 'RUNNING',
		    %[1]s_started_at = now(),
		    %[1]s_error = NULL,
		    updated_at = now()
		WHERE id = $1`, stage)
	if _, err := r.pool.Exec(ctx, query, taskID); err != nil {
		return fmt.Errorf("marking %s running: %w", stage, err)
	}
	return nil
}

// SaveLLMSuccess stores the structured outputs and marks the extraction stage
// SUCCEEDED. Downstream stages stay PENDING unless already SUCCEEDED;
// final_status only completes once the upsert has succeeded.
func (r *Repository) SaveLLMSuccess(ctx context.Context, taskID string, structuredJSON map[string]any, structuredText string, attemptsUsed int) error {
	raw, err := json.Marshal(structuredJSON)
	if err != nil {
		return fmt.Errorf("encoding structured_json: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE kb_ingest_tasks
		SET llm_status = 'SUCCEEDED',
		    llm_retry_count = $2,
		    llm_completed_at = now(),
		    structured_json = $3::jsonb,
		    structured_text = $4,
		    embed_status = CASE WHEN embed_status = 'SUCCEEDED' THEN embed_status ELSE 'PENDING' END,
		    upsert_status = CASE WHEN upsert_status = 'SUCCEEDED' THEN upsert_status ELSE 'PENDING' END,
		    final_status = CASE WHEN upsert_status = 'SUCCEEDED' THEN 'COMPLETED' ELSE 'PENDING' END,
		    updated_at = now()
		WHERE id = $1`,
		taskID, retryCount(attemptsUsed), raw, structuredText)
	if err != nil {
		return fmt.Errorf("saving llm success: %w", err)
	}
	return nil
}

// SaveEmbedSuccess stores the embedding vector and marks the stage SUCCEEDED.
func (r *Repository) SaveEmbedSuccess(ctx context.Context, taskID string, embedding []float32, attemptsUsed int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE kb_ingest_tasks
		SET embed_status = 'SUCCEEDED',
		    embed_retry_count = $2,
		    embed_completed_at = now(),
		    embedding_dim = $3,
		    embedding = $4,
		    upsert_status = CASE WHEN upsert_status = 'SUCCEEDED' THEN upsert_status ELSE 'PENDING' END,
		    final_status = CASE WHEN upsert_status = 'SUCCEEDED' THEN 'COMPLETED' ELSE 'PENDING' END,
		    updated_at = now()
		WHERE id = $1`,
		taskID, retryCount(attemptsUsed), len(embedding), pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("saving embed success: %w", err)
	}
	return nil
}

// SaveUpsertSuccess writes the durable kb_chunks row and completes the task.
// Both writes share one transaction so a crash never leaves a visible chunk
// without task completion, or the reverse.
func (r *Repository) SaveUpsertSuccess(ctx context.Context, taskID, llmModel, embeddingModel string) error {
	task, err := r.LoadTaskPayload(ctx, taskID)
	if err != nil {
		return err
	}
	if task.StructuredJSON == nil || task.Embedding == nil {
		return fmt.Errorf("task %s missing structured_json or embedding for upsert", taskID)
	}
	combined, err := embed.CombinedText(*task)
	if err != nil {
		return err
	}
	structuredRaw, err := json.Marshal(task.StructuredJSON)
	if err != nil {
		return fmt.Errorf("encoding structured_json: %w", err)
	}
	structuredText := task.StructuredText
	if structuredText == "" {
		structuredText = string(structuredRaw)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting upsert transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO kb_chunks (
		  source_id, source_title, source_url, chunk_index, chunk_count, chunk_token_count, doc_token_count,
		  context_mode, context_window_start, context_window_end, raw_text, structured_json, structured_text,
		  combined_text, raw_text_sha256, llm_model, embedding_model, embedding
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (source_id, chunk_index) DO UPDATE SET
		  source_title = EXCLUDED.source_title,
		  source_url = EXCLUDED.source_url,
		  chunk_count = EXCLUDED.chunk_count,
		  chunk_token_count = EXCLUDED.chunk_token_count,
		  doc_token_count = EXCLUDED.doc_token_count,
		  context_mode = EXCLUDED.context_mode,
		  context_window_start = EXCLUDED.context_window_start,
		  context_window_end = EXCLUDED.context_window_end,
		  raw_text = EXCLUDED.raw_text,
		  structured_json = EXCLUDED.structured_json,
		  structured_text = EXCLUDED.structured_text,
		  combined_text = EXCLUDED.combined_text,
		  raw_text_sha256 = EXCLUDED.raw_text_sha256,
		  llm_model = EXCLUDED.llm_model,
		  embedding_model = EXCLUDED.embedding_model,
		  embedding = EXCLUDED.embedding,
		  updated_at = now()`,
		task.SourceID, task.SourceTitle, task.SourceURL, task.ChunkIndex, task.ChunkCount,
		task.ChunkTokenCount, task.DocTokenCount, string(task.ContextMode),
		task.ContextWindowStart, task.ContextWindowEnd, task.RawText, structuredRaw,
		structuredText, combined, task.RawTextSHA256, llmModel, embeddingModel,
		pgvector.NewVector(task.Embedding),
	)
	if err != nil {
		return fmt.Errorf("upserting chunk %s[%d]: %w", task.SourceID, task.ChunkIndex, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE kb_ingest_tasks
		SET upsert_status = 'SUCCEEDED',
		    upsert_completed_at = now(),
		    final_status = 'COMPLETED',
		    updated_at = now()
		WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("completing task %s: %w", taskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}
	return nil
}

// SaveLLMFailure records an extraction stage failure.
func (r *Repository) SaveLLMFailure(ctx context.Context, taskID, errMsg string, attemptsUsed int) error {
	return r.saveStageFailure(ctx, taskID, StageLLM, errMsg, attemptsUsed)
}

// SaveEmbedFailure records an embedding stage failure.
func (r *Repository) SaveEmbedFailure(ctx context.Context, taskID, errMsg string, attemptsUsed int) error {
	return r.saveStageFailure(ctx, taskID, StageEmbed, errMsg, attemptsUsed)
}

// SaveUpsertFailure records an upsert stage failure.
func (r *Repository) SaveUpsertFailure(ctx context.Context, taskID, errMsg string) error {
	return r.saveStageFailure(ctx, taskID, StageUpsert, errMsg, 1)
}

// saveStageFailure marks the stage FAILED with a truncated error. Any stage
// failure is terminal for the task's final_status; a later resume re-queues
// the FAILED stage and can move the task forward again.
func (r *Repository) saveStageFailure(ctx context.Context, taskID string, stage Stage, errMsg string, attemptsUsed int) error {
	if !stage.valid() {
		return fmt.Errorf("unknown stage %q", stage)
	}
	if len(errMsg) > maxStoredErrorLen {
		errMsg = errMsg[:maxStoredErrorLen]
	}
	query := fmt.Sprintf(`
		UPDATE kb_ingest_tasks
		SET %[1]s_status = 'FAILED',
		    %[1]s_retry_count = $2,
		    %[1]s_error = $3,
		    %[1]s_completed_at = now(),
		    final_status = 'FAILED',
		    updated_at = now()
		WHERE id = $1`, stage)
	if stage == StageUpsert {
		// kb_ingest_tasks has no upsert_retry_count column.
		query = `
		UPDATE kb_ingest_tasks
		SET upsert_status = 'FAILED',
		    upsert_error = $3,
		    upsert_completed_at = now(),
		    final_status = 'FAILED',
		    updated_at = now()
		WHERE id = $1 AND $2::int >= 0`
	}
	if _, err := r.pool.Exec(ctx, query, taskID, retryCount(attemptsUsed), errMsg); err != nil {
		return fmt.Errorf("saving %s failure: %w", stage, err)
	}
	return nil
}

// ProgressCountsBySource returns per-source stage counters, used to seed the
// in-memory progress map.
func (r *Repository) ProgressCountsBySource(ctx context.Context, runID string) (map[string]*models.SourceCounters, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT
		  source_id,
		  COUNT(*) AS total_chunks,
		  COUNT(*) FILTER (WHERE llm_status = 'RUNNING') AS llm_running,
		  COUNT(*) FILTER (WHERE llm_status = 'SUCCEEDED') AS llm_succeeded,
		  COUNT(*) FILTER (WHERE llm_status = 'FAILED') AS llm_failed,
		  COUNT(*) FILTER (WHERE embed_status = 'RUNNING') AS embed_running,
		  COUNT(*) FILTER (WHERE embed_status = 'SUCCEEDED') AS embed_succeeded,
		  COUNT(*) FILTER (WHERE embed_status = 'FAILED') AS embed_failed,
		  COUNT(*) FILTER (WHERE upsert_status = 'RUNNING') AS upsert_running,
		  COUNT(*) FILTER (WHERE upsert_status = 'SUCCEEDED') AS upsert_succeeded,
		  COUNT(*) FILTER (WHERE upsert_status = 'FAILED') AS upsert_failed
		FROM kb_ingest_tasks
		WHERE run_id = $1
		GROUP BY source_id
		ORDER BY source_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading progress counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.SourceCounters)
	for rows.Next() {
		var sourceID string
		c := &models.SourceCounters{}
		if err := rows.Scan(
			&sourceID, &c.TotalChunks,
			&c.LLMRunning, &c.LLMSucceeded, &c.LLMFailed,
			&c.EmbedRunning, &c.EmbedSucceeded, &c.EmbedFailed,
			&c.UpsertRunning, &c.UpsertSucceeded, &c.UpsertFailed,
		); err != nil {
			return nil, fmt.Errorf("scanning progress row: %w", err)
		}
		out[sourceID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating progress rows: %w", err)
	}
	return out, nil
}

// retryCount converts an attempt total into a retry counter, clamped at 0.
func retryCount(attemptsUsed int) int {
	if attemptsUsed <= 1 {
		return 0
	}
	return attemptsUsed - 1
}
