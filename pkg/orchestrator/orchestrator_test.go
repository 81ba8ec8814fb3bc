package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-dpa/kb-pipeline/pkg/config"
	"github.com/ai-dpa/kb-pipeline/pkg/models"
	"github.com/ai-dpa/kb-pipeline/pkg/repository"
)

// fakeTask mirrors one kb_ingest_tasks row in memory.
type fakeTask struct {
	payload     models.TaskPayload
	llm         models.StageStatus
	embed       models.StageStatus
	upsert      models.StageStatus
	final       models.FinalStatus
	transitions []string
	chunkSaved  bool
}

// fakeRepo is an in-memory Repository with the same stage-machine semantics
// as the PostgreSQL implementation.
type fakeRepo struct {
	mu           sync.Mutex
	tasks        map[string]*fakeTask
	order        []string
	runStarted   bool
	finalized    bool
	cancelled    bool
	cancelReason string

	// Success saves for these task ids fail, simulating a persistence fault.
	failSaveLLM   map[string]bool
	failSaveEmbed map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tasks: make(map[string]*fakeTask)}
}

func (f *fakeRepo) CreateRunFromPlan(ctx context.Context, plan *models.PlanningResult, cfg *config.Config) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range plan.Tasks {
		id := fmt.Sprintf("%s:%d", t.SourceID, t.ChunkIndex)
		f.tasks[id] = &fakeTask{
			payload: models.TaskPayload{
				TaskID:     id,
				RunID:      "run-1",
				SourceID:   t.SourceID,
				ChunkIndex: t.ChunkIndex,
				ChunkCount: t.ChunkCount,
				RawText:    t.RawText,
			},
			llm:    models.StagePending,
			embed:  models.StagePending,
			upsert: models.StagePending,
			final:  models.FinalPending,
		}
		f.order = append(f.order, id)
	}
	return "run-1", nil
}

func (f *fakeRepo) MarkRunStarted(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runStarted = true
	return nil
}

func (f *fakeRepo) CancelRun(ctx context.Context, runID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	f.cancelReason = reason
	return nil
}

func (f *fakeRepo) QueueSeed(ctx context.Context, runID string, failedOnly bool) (*models.QueueSeed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seed := &models.QueueSeed{}
	for _, id := range f.order {
		t := f.tasks[id]
		if t.final == models.FinalCompleted {
			continue
		}
		switch {
		case t.llm != models.StageSucceeded:
			if !failedOnly || t.llm == models.StageFailed {
				seed.LLMTaskIDs = append(seed.LLMTaskIDs, id)
			}
		case t.embed != models.StageSucceeded:
			if !failedOnly || t.embed == models.StageFailed {
				seed.EmbedTaskIDs = append(seed.EmbedTaskIDs, id)
			}
		default:
			if !failedOnly || t.upsert == models.StageFailed {
				seed.UpsertTaskIDs = append(seed.UpsertTaskIDs, id)
			}
		}
	}
	return seed, nil
}

func (f *fakeRepo) LoadTaskPayload(ctx context.Context, taskID string) (*models.TaskPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	payload := t.payload
	return &payload, nil
}

func (f *fakeRepo) markRunning(taskID string, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	switch stage {
	case "llm":
		t.llm = models.StageRunning
	case "embed":
		t.embed = models.StageRunning
	case "upsert":
		t.upsert = models.StageRunning
	}
	t.transitions = append(t.transitions, stage+":running")
	return nil
}

func (f *fakeRepo) MarkLLMRunning(ctx context.Context, taskID string) error {
	return f.markRunning(taskID, "llm")
}

func (f *fakeRepo) MarkEmbedRunning(ctx context.Context, taskID string) error {
	return f.markRunning(taskID, "embed")
}

func (f *fakeRepo) MarkUpsertRunning(ctx context.Context, taskID string) error {
	return f.markRunning(taskID, "upsert")
}

func (f *fakeRepo) SaveLLMSuccess(ctx context.Context, taskID string, structuredJSON map[string]any, structuredText string, attemptsUsed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaveLLM[taskID] {
		return fmt.Errorf("connection reset while saving %s", taskID)
	}
	t := f.tasks[taskID]
	t.llm = models.StageSucceeded
	t.payload.StructuredJSON = structuredJSON
	t.payload.StructuredText = structuredText
	t.transitions = append(t.transitions, "llm:succeeded")
	return nil
}

func (f *fakeRepo) SaveEmbedSuccess(ctx context.Context, taskID string, embedding []float32, attemptsUsed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaveEmbed[taskID] {
		return fmt.Errorf("connection reset while saving %s", taskID)
	}
	t := f.tasks[taskID]
	t.embed = models.StageSucceeded
	t.payload.Embedding = embedding
	t.transitions = append(t.transitions, "embed:succeeded")
	return nil
}

func (f *fakeRepo) SaveUpsertSuccess(ctx context.Context, taskID, llmModel, embeddingModel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	if t.payload.StructuredJSON == nil || t.payload.Embedding == nil {
		return fmt.Errorf("task %s not ready for upsert", taskID)
	}
	t.upsert = models.StageSucceeded
	t.final = models.FinalCompleted
	t.chunkSaved = true
	t.transitions = append(t.transitions, "upsert:succeeded")
	return nil
}

func (f *fakeRepo) saveFailure(taskID, stage, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	switch stage {
	case "llm":
		t.llm = models.StageFailed
	case "embed":
		t.embed = models.StageFailed
	case "upsert":
		t.upsert = models.StageFailed
	}
	t.final = models.FinalFailed
	t.transitions = append(t.transitions, stage+":failed")
	return nil
}

func (f *fakeRepo) SaveLLMFailure(ctx context.Context, taskID, errMsg string, attemptsUsed int) error {
	return f.saveFailure(taskID, "llm", errMsg)
}

func (f *fakeRepo) SaveEmbedFailure(ctx context.Context, taskID, errMsg string, attemptsUsed int) error {
	return f.saveFailure(taskID, "embed", errMsg)
}

func (f *fakeRepo) SaveUpsertFailure(ctx context.Context, taskID, errMsg string) error {
	return f.saveFailure(taskID, "upsert", errMsg)
}

func (f *fakeRepo) FinalizeRun(ctx context.Context, runID string) (*repository.RunStatusDoc, error) {
	f.mu.Lock()
	f.finalized = true
	f.mu.Unlock()
	return f.Status(ctx, runID)
}

func (f *fakeRepo) Status(ctx context.Context, runID string) (*repository.RunStatusDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &repository.RunStatusDoc{}
	doc.Run.ID = runID
	for _, t := range f.tasks {
		doc.Tasks.Total++
		switch t.final {
		case models.FinalCompleted:
			doc.Tasks.Completed++
		case models.FinalFailed:
			doc.Tasks.Failed++
		default:
			doc.Tasks.Pending++
		}
	}
	switch {
	case f.cancelled:
		doc.Run.Status = models.RunCancelled
	case doc.Tasks.Total > 0 && doc.Tasks.Completed == doc.Tasks.Total:
		doc.Run.Status = models.RunCompleted
	case doc.Tasks.Completed > 0 && doc.Tasks.Failed > 0:
		doc.Run.Status = models.RunPartialFailure
	case doc.Tasks.Total > 0 && doc.Tasks.Failed == doc.Tasks.Total:
		doc.Run.Status = models.RunFailed
	case doc.Tasks.Failed > 0:
		doc.Run.Status = models.RunFailed
	default:
		doc.Run.Status = models.RunRunning
	}
	return doc, nil
}

func (f *fakeRepo) ProgressCountsBySource(ctx context.Context, runID string) (map[string]*models.SourceCounters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*models.SourceCounters)
	for _, t := range f.tasks {
		c, ok := out[t.payload.SourceID]
		if !ok {
			c = &models.SourceCounters{}
			out[t.payload.SourceID] = c
		}
		c.TotalChunks++
	}
	return out, nil
}

// stubExtractor succeeds unless the task id is in failFor.
type stubExtractor struct {
	mu      sync.Mutex
	calls   int
	failFor map[string]bool
}

func (s *stubExtractor) Extract(ctx context.Context, task models.TaskPayload) (*models.LLMResult, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failFor[task.TaskID]
	s.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("extraction refused for %s", task.TaskID)
	}
	return &models.LLMResult{
		TaskID:         task.TaskID,
		StructuredJSON: map[string]any{"short_description": "d", "article_no": "Art. 1"},
		StructuredText: `{"article_no":"Art. 1"}`,
		AttemptsUsed:   1,
	}, nil
}

type stubEmbedder struct {
	mu      sync.Mutex
	calls   int
	failFor map[string]bool
}

func (s *stubEmbedder) Embed(ctx context.Context, task models.TaskPayload) (*models.EmbedResult, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failFor[task.TaskID]
	s.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("embedding refused for %s", task.TaskID)
	}
	return &models.EmbedResult{
		TaskID:       task.TaskID,
		Embedding:    []float32{0.1, 0.2, 0.3},
		EmbeddingDim: 3,
		AttemptsUsed: 1,
	}, nil
}

func testPlan(sources map[string]int) *models.PlanningResult {
	plan := &models.PlanningResult{ManifestSHA256: "abc"}
	ids := make([]string, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := sources[id]
		for i := 0; i < n; i++ {
			plan.Tasks = append(plan.Tasks, models.ChunkTaskPlan{
				SourceID:   id,
				ChunkIndex: i,
				ChunkCount: n,
				RawText:    fmt.Sprintf("%s chunk %d", id, i),
			})
		}
	}
	return plan
}

func testOrchestrator(repo Repository, ext ExtractionClient, emb EmbeddingClient) *Orchestrator {
	return testOrchestratorWithConfig(repo, ext, emb, &config.Config{
		LLMModel:                 "test/model",
		EmbeddingModel:           "test-embed",
		LLMConcurrency:           2,
		EmbedConcurrency:         2,
		UpsertConcurrency:        2,
		QueueMaxsize:             4,
		ProgressHeartbeatSeconds: 60,
	})
}

func testOrchestratorWithConfig(repo Repository, ext ExtractionClient, emb EmbeddingClient, cfg *config.Config) *Orchestrator {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	o := New(repo, ext, emb, cfg, logger)
	o.SetOutput(&bytes.Buffer{})
	return o
}

func TestRunNewCompletesAllTasks(t *testing.T) {
	repo := newFakeRepo()
	ext := &stubExtractor{}
	emb := &stubEmbedder{}
	orch := testOrchestrator(repo, ext, emb)

	runID, doc, err := orch.RunNew(context.Background(), testPlan(map[string]int{"gdpr": 3, "nis2": 2}))
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, models.RunCompleted, doc.Run.Status)
	assert.Equal(t, 5, doc.Tasks.Total)
	assert.Equal(t, 5, doc.Tasks.Completed)
	assert.True(t, repo.runStarted)
	assert.True(t, repo.finalized)
	assert.False(t, repo.cancelled)

	for id, task := range repo.tasks {
		assert.Equal(t, models.FinalCompleted, task.final, "task %s", id)
		assert.True(t, task.chunkSaved, "task %s", id)
	}
	assert.Equal(t, 5, ext.calls)
	assert.Equal(t, 5, emb.calls)
}

func TestStageOrderIsMonotonic(t *testing.T) {
	repo := newFakeRepo()
	orch := testOrchestrator(repo, &stubExtractor{}, &stubEmbedder{})

	_, _, err := orch.RunNew(context.Background(), testPlan(map[string]int{"gdpr": 4}))
	require.NoError(t, err)

	want := []string{
		"llm:running", "llm:succeeded",
		"embed:running", "embed:succeeded",
		"upsert:running", "upsert:succeeded",
	}
	for id, task := range repo.tasks {
		assert.Equal(t, want, task.transitions, "task %s", id)
	}
}

func TestFailureIsolation(t *testing.T) {
	repo := newFakeRepo()
	ext := &stubExtractor{failFor: map[string]bool{"gdpr:1": true}}
	emb := &stubEmbedder{failFor: map[string]bool{"nis2:0": true}}
	orch := testOrchestrator(repo, ext, emb)

	_, doc, err := orch.RunNew(context.Background(), testPlan(map[string]int{"gdpr": 3, "nis2": 2}))
	require.NoError(t, err)

	assert.Equal(t, models.RunPartialFailure, doc.Run.Status)
	assert.Equal(t, 3, doc.Tasks.Completed)
	assert.Equal(t, 2, doc.Tasks.Failed)

	assert.Equal(t, models.StageFailed, repo.tasks["gdpr:1"].llm)
	assert.Equal(t, models.FinalFailed, repo.tasks["gdpr:1"].final)
	// A failed extraction never reaches the embed stage.
	assert.Equal(t, models.StagePending, repo.tasks["gdpr:1"].embed)

	assert.Equal(t, models.StageSucceeded, repo.tasks["nis2:0"].llm)
	assert.Equal(t, models.StageFailed, repo.tasks["nis2:0"].embed)
	assert.Equal(t, models.StagePending, repo.tasks["nis2:0"].upsert)

	for _, id := range []string{"gdpr:0", "gdpr:2", "nis2:1"} {
		assert.Equal(t, models.FinalCompleted, repo.tasks[id].final, "task %s", id)
	}
}

func TestResumeCompletedRunIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	ext := &stubExtractor{}
	emb := &stubEmbedder{}
	orch := testOrchestrator(repo, ext, emb)

	_, _, err := orch.RunNew(context.Background(), testPlan(map[string]int{"gdpr": 3}))
	require.NoError(t, err)
	extCalls, embCalls := ext.calls, emb.calls

	doc, err := orch.Resume(context.Background(), "run-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, doc.Run.Status)
	assert.Equal(t, extCalls, ext.calls)
	assert.Equal(t, embCalls, emb.calls)
}

func TestRetryFailedReprocessesOnlyFailures(t *testing.T) {
	repo := newFakeRepo()
	ext := &stubExtractor{failFor: map[string]bool{"gdpr:1": true}}
	emb := &stubEmbedder{}
	orch := testOrchestrator(repo, ext, emb)

	_, doc, err := orch.RunNew(context.Background(), testPlan(map[string]int{"gdpr": 3}))
	require.NoError(t, err)
	assert.Equal(t, models.RunPartialFailure, doc.Run.Status)

	// The underlying fault clears; retry only the failed task.
	ext.mu.Lock()
	ext.failFor = nil
	ext.mu.Unlock()
	extCalls := ext.calls

	doc, err = orch.Resume(context.Background(), "run-1", true)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, doc.Run.Status)
	assert.Equal(t, 3, doc.Tasks.Completed)
	assert.Equal(t, extCalls+1, ext.calls)
}

func TestPersistenceFailureMarksStageFailed(t *testing.T) {
	repo := newFakeRepo()
	repo.failSaveLLM = map[string]bool{"gdpr:1": true}
	repo.failSaveEmbed = map[string]bool{"gdpr:2": true}
	orch := testOrchestrator(repo, &stubExtractor{}, &stubEmbedder{})

	_, doc, err := orch.RunNew(context.Background(), testPlan(map[string]int{"gdpr": 3}))
	require.NoError(t, err)

	// A failed save is a stage failure, never a silently stuck RUNNING task.
	assert.Equal(t, models.StageFailed, repo.tasks["gdpr:1"].llm)
	assert.Equal(t, models.FinalFailed, repo.tasks["gdpr:1"].final)
	assert.Equal(t, models.StageFailed, repo.tasks["gdpr:2"].embed)
	assert.Equal(t, models.FinalFailed, repo.tasks["gdpr:2"].final)
	assert.Equal(t, models.FinalCompleted, repo.tasks["gdpr:0"].final)

	assert.Equal(t, models.RunPartialFailure, doc.Run.Status)
	assert.Equal(t, 1, doc.Tasks.Completed)
	assert.Equal(t, 2, doc.Tasks.Failed)
	assert.Equal(t, 0, doc.Tasks.Pending)
}

func TestZeroConcurrencyStillDrains(t *testing.T) {
	repo := newFakeRepo()
	orch := testOrchestratorWithConfig(repo, &stubExtractor{}, &stubEmbedder{}, &config.Config{
		LLMModel:                 "test/model",
		EmbeddingModel:           "test-embed",
		LLMConcurrency:           0,
		EmbedConcurrency:         0,
		UpsertConcurrency:        0,
		QueueMaxsize:             4,
		ProgressHeartbeatSeconds: 60,
	})

	// More seeds than the queue capacity: without at least one worker per
	// stage the seeding side would block forever.
	_, doc, err := orch.RunNew(context.Background(), testPlan(map[string]int{"gdpr": 6}))
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, doc.Run.Status)
	assert.Equal(t, 6, doc.Tasks.Completed)
}

func TestCancelledRunRecordsCancellation(t *testing.T) {
	repo := newFakeRepo()
	ext := &stubExtractor{}
	emb := &stubEmbedder{}
	orch := testOrchestrator(repo, ext, emb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := orch.RunNew(ctx, testPlan(map[string]int{"gdpr": 2}))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, repo.cancelled)
	assert.Equal(t, "Interrupted during run execution", repo.cancelReason)
	assert.False(t, repo.finalized)

	// Interrupted tasks keep their pre-cancellation state for resume.
	for id, task := range repo.tasks {
		assert.NotEqual(t, models.FinalFailed, task.final, "task %s", id)
	}
}
