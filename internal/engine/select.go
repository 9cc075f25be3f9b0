package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"fixpoint/internal/agent"
	"fixpoint/internal/task"
)

// selectBatch claims up to limit fresh tasks, most urgent first. Tasks
// whose fingerprint sits inside the dedup window are passed over, as
// are tasks lost to a concurrent claim.
func (e *Engine) selectBatch(ctx context.Context, limit int) ([]task.Task, error) {
	pending, err := e.source.List(ctx)
	if err != nil {
		return nil, err
	}

	var batch []task.Task
	for _, t := range pending {
		if len(batch) >= limit {
			break
		}
		if e.hist.RecentlyAttempted(t.Fingerprint, e.cfg.Engine.DedupWindow) {
			e.log.Debug("skipping recently attempted task",
				zap.String("task", t.ID),
				zap.String("fingerprint", t.Fingerprint[:12]))
			continue
		}
		if err := e.source.Claim(ctx, t); err != nil {
			e.log.Debug("task claimed elsewhere", zap.String("task", t.ID), zap.Error(err))
			continue
		}
		batch = append(batch, t)
	}
	return batch, nil
}

// releaseBatch hands claimed tasks back untouched. Used when a cycle is
// abandoned for reasons the tasks are not to blame for.
func (e *Engine) releaseBatch(ctx context.Context, tasks []task.Task) {
	for _, t := range tasks {
		if err := e.source.Release(ctx, t); err != nil {
			e.log.Warn("releasing task", zap.String("task", t.ID), zap.Error(err))
		}
	}
}

// failBatch charges every task in the batch one failure.
func (e *Engine) failBatch(ctx context.Context, tasks []task.Task, retryable bool) {
	for _, t := range tasks {
		if err := e.source.Fail(ctx, t, retryable); err != nil {
			e.log.Warn("failing task", zap.String("task", t.ID), zap.Error(err))
		}
		e.metrics.RecordTask(t.Source, "failed")
	}
}

// completeBatch retires every task in the batch as done.
func (e *Engine) completeBatch(ctx context.Context, tasks []task.Task) {
	for _, t := range tasks {
		if err := e.source.Complete(ctx, t); err != nil {
			e.log.Warn("completing task", zap.String("task", t.ID), zap.Error(err))
		}
		e.metrics.RecordTask(t.Source, "done")
	}
}

// estimateBatchCost prices the batch before dispatch so the budget gate
// can refuse work the trailing hour cannot absorb.
func estimateBatchCost(tasks []task.Task, model string) float64 {
	descs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		descs = append(descs, t.Description)
	}
	return agent.EstimateCost(strings.Join(descs, "\n\n"), model)
}

func taskIDs(tasks []task.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

func fingerprints(tasks []task.Task) []string {
	fps := make([]string, 0, len(tasks))
	for _, t := range tasks {
		fps = append(fps, t.Fingerprint)
	}
	return fps
}

func sources(tasks []task.Task) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tasks {
		if !seen[t.Source] {
			seen[t.Source] = true
			out = append(out, t.Source)
		}
	}
	return out
}
