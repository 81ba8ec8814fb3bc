package orchestrator

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ai-dpa/kb-pipeline/pkg/models"
)

// progressTracker keeps per-source stage counters for one run and renders the
// human-facing progress lines. Workers mutate it concurrently; everything is
// guarded by one mutex since updates are cheap compared to stage calls.
type progressTracker struct {
	mu       sync.Mutex
	runID    string
	bySource map[string]*models.SourceCounters
	out      io.Writer
}

func newProgressTracker(runID string, counters map[string]*models.SourceCounters, out io.Writer) *progressTracker {
	if counters == nil {
		counters = make(map[string]*models.SourceCounters)
	}
	// Stale RUNNING marks from an interrupted process are not in flight here.
	for _, c := range counters {
		c.LLMRunning, c.EmbedRunning, c.UpsertRunning = 0, 0, 0
	}
	return &progressTracker{runID: runID, bySource: counters, out: out}
}

// printInit emits the run header with totals.
func (p *progressTracker) printInit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, c := range p.bySource {
		total += c.TotalChunks
	}
	fmt.Fprintf(p.out, "[progress][init] run=%s sources=%d chunks=%d\n", p.runID, len(p.bySource), total)
}

// stageStart bumps the running counter of the stage for the task's source.
func (p *progressTracker) stageStart(sourceID string, stage string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.counters(sourceID)
	switch stage {
	case "llm":
		c.LLMRunning++
	case "embed":
		c.EmbedRunning++
	case "upsert":
		c.UpsertRunning++
	}
	fmt.Fprintf(p.out, "[progress][%s-start] run=%s source=%s in_flight=%d\n",
		stage, p.runID, sourceID, c.LLMRunning+c.EmbedRunning+c.UpsertRunning)
}

// stageEnd moves a running task into succeeded or failed and prints the
// source's progress line.
func (p *progressTracker) stageEnd(sourceID string, stage string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.counters(sourceID)
	switch stage {
	case "llm":
		c.LLMRunning = clampDec(c.LLMRunning)
		if ok {
			c.LLMSucceeded++
		} else {
			c.LLMFailed++
		}
	case "embed":
		c.EmbedRunning = clampDec(c.EmbedRunning)
		if ok {
			c.EmbedSucceeded++
		} else {
			c.EmbedFailed++
		}
	case "upsert":
		c.UpsertRunning = clampDec(c.UpsertRunning)
		if ok {
			c.UpsertSucceeded++
		} else {
			c.UpsertFailed++
		}
	}
	p.printSourceLocked(stage, sourceID, c)
}

// heartbeat prints one line per source with in-flight counts, in stable order.
func (p *progressTracker) heartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.bySource))
	for id := range p.bySource {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := p.bySource[id]
		inFlight := c.LLMRunning + c.EmbedRunning + c.UpsertRunning
		resolved := c.UpsertSucceeded + c.LLMFailed + c.EmbedFailed + c.UpsertFailed
		activity := inFlight + resolved + c.LLMSucceeded + c.EmbedSucceeded
		// Only sources with some activity and chunks still unresolved.
		if activity == 0 || resolved >= c.TotalChunks {
			continue
		}
		fmt.Fprintf(p.out,
			"[progress][heartbeat] run=%s source=%s llm=%d/%d embed=%d/%d upsert=%d/%d in_flight=%d failed=%d\n",
			p.runID, id,
			c.LLMSucceeded, c.TotalChunks,
			c.EmbedSucceeded, c.TotalChunks,
			c.UpsertSucceeded, c.TotalChunks,
			c.LLMRunning+c.EmbedRunning+c.UpsertRunning,
			c.LLMFailed+c.EmbedFailed+c.UpsertFailed,
		)
	}
}

func (p *progressTracker) printSourceLocked(stage, sourceID string, c *models.SourceCounters) {
	fmt.Fprintf(p.out,
		"[progress][%s] run=%s source=%s llm=%d/%d embed=%d/%d upsert=%d/%d failed=%d\n",
		stage, p.runID, sourceID,
		c.LLMSucceeded, c.TotalChunks,
		c.EmbedSucceeded, c.TotalChunks,
		c.UpsertSucceeded, c.TotalChunks,
		c.LLMFailed+c.EmbedFailed+c.UpsertFailed,
	)
}

func (p *progressTracker) counters(sourceID string) *models.SourceCounters {
	c, ok := p.bySource[sourceID]
	if !ok {
		c = &models.SourceCounters{}
		p.bySource[sourceID] = c
	}
	return c
}

// clampDec decrements without going negative. Resume seeds counters from the
// database, where a previously interrupted stage may already be RUNNING.
func clampDec(n int) int {
	if n <= 0 {
		return 0
	}
	return n - 1
}
