package repository

import "github.com/ai-dpa/kb-pipeline/pkg/models"

// taskStageState is the minimal stage snapshot used to route a task when
// seeding queues for a run or resume.
type taskStageState struct {
	ID     string
	Final  string
	LLM    string
	Embed  string
	Upsert string
}

// partitionSeed routes each incomplete task to the queue of its earliest
// non-SUCCEEDED stage. COMPLETED tasks are never re-queued; with failedOnly
// a task is routed only when that earliest stage is FAILED. RUNNING counts as
// incomplete: a stage interrupted mid-flight is re-executed on resume.
func partitionSeed(states []taskStageState, failedOnly bool) *models.QueueSeed {
	seed := &models.QueueSeed{}
	for _, s := range states {
		if s.Final == string(models.FinalCompleted) {
			continue
		}
		var stageStatus string
		var queue *[]string
		switch {
		case s.LLM != string(models.StageSucceeded):
			stageStatus, queue = s.LLM, &seed.LLMTaskIDs
		case s.Embed != string(models.StageSucceeded):
			stageStatus, queue = s.Embed, &seed.EmbedTaskIDs
		case s.Upsert != string(models.StageSucceeded):
			stageStatus, queue = s.Upsert, &seed.UpsertTaskIDs
		default:
			// All stages SUCCEEDED but final_status not COMPLETED: finish
			// the task by replaying the upsert.
			stageStatus, queue = s.Upsert, &seed.UpsertTaskIDs
			if failedOnly {
				continue
			}
			*queue = append(*queue, s.ID)
			continue
		}
		if failedOnly && stageStatus != string(models.StageFailed) {
			continue
		}
		*queue = append(*queue, s.ID)
	}
	return seed
}
