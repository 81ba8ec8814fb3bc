package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ai-dpa/kb-pipeline/pkg/config"
	"github.com/ai-dpa/kb-pipeline/pkg/models"
	"github.com/ai-dpa/kb-pipeline/pkg/repository"
)

// minUpsertQueueCap keeps the tail queue large enough that upstream stages
// rarely block on the cheap database stage.
const minUpsertQueueCap = 256

// minHeartbeatInterval floors the progress heartbeat period.
const minHeartbeatInterval = 2 * time.Second

// Orchestrator coordinates one ingest run at a time.
type Orchestrator struct {
	repo    Repository
	llm     ExtractionClient
	embed   EmbeddingClient
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	tracker *progressTracker
}

// New builds an Orchestrator. Progress lines go to os.Stdout.
func New(repo Repository, llm ExtractionClient, embed EmbeddingClient, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{repo: repo, llm: llm, embed: embed, cfg: cfg, logger: logger, out: os.Stdout}
}

// SetOutput redirects progress lines, used by tests.
func (o *Orchestrator) SetOutput(w io.Writer) {
	o.out = w
}

// RunNew creates a run from the plan and executes it to completion.
func (o *Orchestrator) RunNew(ctx context.Context, plan *models.PlanningResult) (string, *repository.RunStatusDoc, error) {
	runID, err := o.repo.CreateRunFromPlan(ctx, plan, o.cfg)
	if err != nil {
		return "", nil, err
	}
	doc, err := o.executeRun(ctx, runID, false, "Interrupted during run execution")
	return runID, doc, err
}

// Resume re-executes the incomplete tasks of an existing run. With failedOnly
// only tasks whose next stage is FAILED are retried; interrupted and pending
// tasks are left alone.
func (o *Orchestrator) Resume(ctx context.Context, runID string, failedOnly bool) (*repository.RunStatusDoc, error) {
	return o.executeRun(ctx, runID, failedOnly, "Interrupted by user")
}

// executeRun drives one run: seed the queues from persisted state, run the
// three worker pools, drain stage by stage, then finalize. The drain order
// closes each queue only after every producer into it has exited, so no send
// ever hits a closed channel.
func (o *Orchestrator) executeRun(ctx context.Context, runID string, failedOnly bool, cancelReason string) (*repository.RunStatusDoc, error) {
	if err := o.repo.MarkRunStarted(ctx, runID); err != nil {
		return nil, err
	}
	seed, err := o.repo.QueueSeed(ctx, runID, failedOnly)
	if err != nil {
		return nil, err
	}
	counters, err := o.repo.ProgressCountsBySource(ctx, runID)
	if err != nil {
		return nil, err
	}
	o.tracker = newProgressTracker(runID, counters, o.out)
	o.tracker.printInit()

	llmCh := make(chan string, o.cfg.QueueMaxsize)
	embedCh := make(chan string, o.cfg.QueueMaxsize)
	upsertCap := o.cfg.QueueMaxsize
	if upsertCap < minUpsertQueueCap {
		upsertCap = minUpsertQueueCap
	}
	upsertCh := make(chan string, upsertCap)

	var llmWg, embedWg, upsertWg sync.WaitGroup
	for i := 0; i < poolSize(o.cfg.LLMConcurrency); i++ {
		llmWg.Add(1)
		go func(idx int) {
			defer llmWg.Done()
			o.llmWorker(ctx, runID, idx, llmCh, embedCh)
		}(i)
	}
	for i := 0; i < poolSize(o.cfg.EmbedConcurrency); i++ {
		embedWg.Add(1)
		go func(idx int) {
			defer embedWg.Done()
			o.embedWorker(ctx, runID, idx, embedCh, upsertCh)
		}(i)
	}
	for i := 0; i < poolSize(o.cfg.UpsertConcurrency); i++ {
		upsertWg.Add(1)
		go func(idx int) {
			defer upsertWg.Done()
			o.upsertWorker(ctx, runID, idx, upsertCh)
		}(i)
	}

	stopMonitor := o.startMonitor()

	// Tasks resuming at a later stage are seeded directly into that stage's
	// queue; workers are already consuming, so seeding cannot deadlock.
	o.seedQueue(ctx, upsertCh, seed.UpsertTaskIDs)
	o.seedQueue(ctx, embedCh, seed.EmbedTaskIDs)
	o.seedQueue(ctx, llmCh, seed.LLMTaskIDs)

	close(llmCh)
	llmWg.Wait()
	close(embedCh)
	embedWg.Wait()
	close(upsertCh)
	upsertWg.Wait()
	stopMonitor()

	if ctx.Err() != nil {
		// Cancellation bypasses finalization: the status rule can never
		// produce CANCELLED, so it is recorded directly.
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.repo.CancelRun(cancelCtx, runID, cancelReason); err != nil {
			return nil, fmt.Errorf("recording cancellation: %w", err)
		}
		doc, err := o.repo.Status(cancelCtx, runID)
		if err != nil {
			return nil, err
		}
		return doc, ctx.Err()
	}
	return o.repo.FinalizeRun(ctx, runID)
}

// poolSize floors a configured concurrency at one worker. Zero workers on any
// stage would leave seeded queues without a consumer and stall the drain.
func poolSize(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// seedQueue pushes task ids into a stage queue, giving up on cancellation.
func (o *Orchestrator) seedQueue(ctx context.Context, ch chan<- string, taskIDs []string) {
	for _, id := range taskIDs {
		select {
		case ch <- id:
		case <-ctx.Done():
			return
		}
	}
}

// startMonitor runs the heartbeat printer until the returned stop function is
// called.
func (o *Orchestrator) startMonitor() func() {
	interval := time.Duration(o.cfg.ProgressHeartbeatSeconds) * time.Second
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	stopCh := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.tracker.heartbeat()
			case <-stopCh:
				return
			}
		}
	}()
	return func() {
		once.Do(func() { close(stopCh) })
		wg.Wait()
	}
}
