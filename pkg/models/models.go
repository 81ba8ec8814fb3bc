// Package models defines the shared data types of the KB ingestion pipeline:
// plan artifacts, task payloads, stage results, and the status enums persisted
// in the kb_* tables.
package models

// StageStatus is the lifecycle state of a single pipeline stage on a task.
type StageStatus string

// Stage status values.
const (
	StagePending   StageStatus = "PENDING"
	StageRunning   StageStatus = "RUNNING"
	StageSucceeded StageStatus = "SUCCEEDED"
	StageFailed    StageStatus = "FAILED"
)

// FinalStatus is the aggregate verdict of a task, derived from stage statuses.
type FinalStatus string

// Final status values.
const (
	FinalPending   FinalStatus = "PENDING"
	FinalCompleted FinalStatus = "COMPLETED"
	FinalFailed    FinalStatus = "FAILED"
)

// RunStatus is the lifecycle state of an ingest run.
type RunStatus string

// Run status values. A run terminates in one of COMPLETED, PARTIAL_FAILURE,
// FAILED, or CANCELLED.
const (
	RunPending        RunStatus = "PENDING"
	RunRunning        RunStatus = "RUNNING"
	RunPartialFailure RunStatus = "PARTIAL_FAILURE"
	RunFailed         RunStatus = "FAILED"
	RunCompleted      RunStatus = "COMPLETED"
	RunCancelled      RunStatus = "CANCELLED"
)

// ContextMode selects how much surrounding text accompanies a chunk into the
// extraction stage.
type ContextMode string

// Context modes.
const (
	ContextFullDoc           ContextMode = "FULL_DOC"
	ContextSurroundingChunks ContextMode = "SURROUNDING_CHUNKS"
)

// EmbeddingDim is the fixed dimensionality of the embedding vector column.
const EmbeddingDim = 1536

// SourcePlan describes one corpus document as planned for ingestion.
type SourcePlan struct {
	SourceID      string `json:"source_id"`
	Title         string `json:"title"`
	Authority     string `json:"authority"`
	SourceKind    string `json:"source_kind"`
	SourceURL     string `json:"source_url"`
	LocalTxtPath  string `json:"local_txt_path"`
	LocalMdPath   string `json:"local_md_path"`
	ContentSHA256 string `json:"content_sha256"`
	CharCount     int    `json:"char_count"`
	TokenCount    int    `json:"token_count"`
}

// ChunkTaskPlan is the planned unit of work for one chunk of one source.
type ChunkTaskPlan struct {
	SourceID           string      `json:"source_id"`
	ChunkIndex         int         `json:"chunk_index"`
	ChunkCount         int         `json:"chunk_count"`
	RawText            string      `json:"raw_text"`
	RawTextSHA256      string      `json:"raw_text_sha256"`
	ChunkTokenCount    int         `json:"chunk_token_count"`
	DocTokenCount      int         `json:"doc_token_count"`
	ContextMode        ContextMode `json:"context_mode"`
	ContextWindowStart int         `json:"context_window_start"`
	ContextWindowEnd   int         `json:"context_window_end"`
	ContextText        string      `json:"context_text"`
}

// SourceSummary aggregates planning counters for one source.
type SourceSummary struct {
	Chunks            int                 `json:"chunks"`
	DocTokens         int                 `json:"doc_tokens"`
	ContextModeCounts map[ContextMode]int `json:"context_mode_counts"`
}

// PlanSummary is the human-facing roll-up of a planning pass.
type PlanSummary struct {
	Sources          int                       `json:"sources"`
	Chunks           int                       `json:"chunks"`
	ChunkSize        int                       `json:"chunk_size"`
	Overlap          int                       `json:"overlap"`
	FullDocThreshold int                       `json:"full_doc_threshold"`
	TokenizerScheme  string                    `json:"tokenizer_scheme"`
	BySource         map[string]*SourceSummary `json:"by_source"`
}

// PlanningResult is the complete output of the planner. Planning is pure and
// deterministic: the same manifest bytes and config produce an identical
// result, including every per-task sha256.
type PlanningResult struct {
	ManifestSHA256 string          `json:"manifest_sha256"`
	Sources        []SourcePlan    `json:"sources"`
	Tasks          []ChunkTaskPlan `json:"tasks"`
	Summary        PlanSummary     `json:"summary"`
}

// TaskPayload is the full materialized state of one task as loaded from the
// repository for stage execution.
type TaskPayload struct {
	TaskID             string         `json:"task_id"`
	RunID              string         `json:"run_id"`
	SourceID           string         `json:"source_id"`
	SourceTitle        string         `json:"source_title"`
	SourceURL          string         `json:"source_url"`
	ChunkIndex         int            `json:"chunk_index"`
	ChunkCount         int            `json:"chunk_count"`
	RawText            string         `json:"raw_text"`
	RawTextSHA256      string         `json:"raw_text_sha256"`
	ChunkTokenCount    int            `json:"chunk_token_count"`
	DocTokenCount      int            `json:"doc_token_count"`
	ContextMode        ContextMode    `json:"context_mode"`
	ContextWindowStart int            `json:"context_window_start"`
	ContextWindowEnd   int            `json:"context_window_end"`
	ContextText        string         `json:"context_text"`
	StructuredJSON     map[string]any `json:"structured_json,omitempty"`
	StructuredText     string         `json:"structured_text,omitempty"`
	Embedding          []float32      `json:"embedding,omitempty"`
}

// QueueSeed partitions a run's incomplete tasks by the earliest stage that
// still needs to execute.
type QueueSeed struct {
	LLMTaskIDs    []string
	EmbedTaskIDs  []string
	UpsertTaskIDs []string
}

// LLMResult is the outcome of a successful extraction stage call.
type LLMResult struct {
	TaskID         string
	StructuredJSON map[string]any
	StructuredText string
	AttemptsUsed   int
}

// EmbedResult is the outcome of a successful embedding stage call.
type EmbedResult struct {
	TaskID       string
	Embedding    []float32
	EmbeddingDim int
	AttemptsUsed int
}

// SourceCounters tracks per-source stage progress for one run. The orchestrator
// seeds these from the repository and mutates them under its progress lock.
type SourceCounters struct {
	TotalChunks     int `json:"total_chunks"`
	LLMRunning      int `json:"llm_running"`
	LLMSucceeded    int `json:"llm_succeeded"`
	LLMFailed       int `json:"llm_failed"`
	EmbedRunning    int `json:"embed_running"`
	EmbedSucceeded  int `json:"embed_succeeded"`
	EmbedFailed     int `json:"embed_failed"`
	UpsertRunning   int `json:"upsert_running"`
	UpsertSucceeded int `json:"upsert_succeeded"`
	UpsertFailed    int `json:"upsert_failed"`
}
