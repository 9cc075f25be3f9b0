package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fixpoint/internal/config"
	"fixpoint/internal/gitrepo"
	"fixpoint/internal/history"
	"fixpoint/internal/notify"
	"fixpoint/internal/task"
	"fixpoint/internal/telemetry"
)

// Coordinator fans a batch out to isolated worker sessions, one task
// per session, then folds the validated results back into the main
// branch one at a time. Workers never touch the main checkout; the
// coordinator is the only place a merge happens.
type Coordinator struct {
	engine *Engine
	cfg    config.ParallelConfig

	active atomic.Int32
}

func newCoordinator(e *Engine, cfg config.ParallelConfig) *Coordinator {
	return &Coordinator{engine: e, cfg: cfg}
}

// workerReport is everything a finished session hands to the merge
// phase. A report with end.kind == attemptValidated still owns its
// worktree and branch; every other report has nothing left to merge.
type workerReport struct {
	worker int
	label  string
	t      task.Task

	branch string
	path   string
	repo   *gitrepo.Manager
	status *StatusWriter

	end      attemptEnd
	cost     float64
	attempts int
	pipeline string
	checks   string
	phases   []telemetry.Phase

	started   time.Time
	completed time.Time
}

// runBatch replaces the single-threaded snapshot/execute/commit path
// when parallel mode is on. It records one history entry per worker,
// never one for the cycle itself.
func (co *Coordinator) runBatch(c *cycle) CycleResult {
	e := co.engine

	// SNAPSHOT of main; every worker branches off this commit.
	c.phase(PhaseSnapshot)
	base, err := c.repo.Snapshot(c.ctx)
	if err != nil {
		return c.halt(err)
	}
	c.snapshot = base
	if err := e.overlay.Backup(); err != nil {
		c.log.Warn("source backup failed, abandoning cycle", zap.Error(err))
		e.releaseBatch(c.cleanupCtx, c.batch)
		return CycleResult{Idle: true, Err: err}
	}
	// Sessions from a crashed run leave stale worktree registrations.
	if err := c.repo.PruneWorktrees(c.cleanupCtx); err != nil {
		c.log.Warn("pruning stale worktrees", zap.Error(err))
	}

	// EXECUTE across the pool.
	c.phase(PhaseExecute)
	reports := co.executeAll(c)

	for _, r := range reports {
		c.cost += r.cost
	}
	c.st.CostUSD = c.cost

	if c.parent.Err() != nil {
		co.abandonAll(c, reports)
		return CycleResult{Err: c.parent.Err()}
	}
	for _, r := range reports {
		if r.end.kind == attemptFault {
			co.abandonAll(c, reports)
			return c.halt(r.end.err)
		}
	}

	// MERGE, strictly one worker at a time.
	merged, halted := co.mergePhase(c, reports)
	if halted != nil {
		return *halted
	}
	if c.parent.Err() != nil {
		return CycleResult{Err: c.parent.Err()}
	}

	outcome := history.OutcomeRolledBack
	metricOutcome := "rolled_back"
	if merged > 0 {
		outcome = history.OutcomeCommitted
		metricOutcome = "committed"
	}
	c.finishMetrics(metricOutcome)
	c.log.Info("parallel cycle finished",
		zap.Int("tasks", len(c.batch)),
		zap.Int("merged", merged),
		zap.Float64("cost_usd", c.cost))
	return CycleResult{Outcome: outcome, Recorded: true}
}

// executeAll runs one session per task, at most cfg.Workers at a time.
// Session indices double as worker ids and as the final merge tie-break.
func (co *Coordinator) executeAll(c *cycle) []*workerReport {
	reports := make([]*workerReport, len(c.batch))
	sem := make(chan struct{}, max(1, co.cfg.Workers))
	var wg sync.WaitGroup

	for i, t := range c.batch {
		wg.Add(1)
		go func(id int, t task.Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			reports[id-1] = co.runWorker(c, id, t)
		}(i+1, t)
	}
	wg.Wait()
	co.engine.metrics.SetActiveWorkers(0)
	return reports
}

// runWorker owns one session: worktree off the snapshot, the same
// execute/validate attempt loop the single-threaded path uses, then a
// commit on the session branch. The main branch is never touched here.
func (co *Coordinator) runWorker(c *cycle, id int, t task.Task) *workerReport {
	e := co.engine
	label := fmt.Sprintf("worker-%d", id)
	log := c.log.With(zap.String("worker", label))
	rep := &workerReport{worker: id, label: label, t: t, started: e.now()}

	e.metrics.SetActiveWorkers(int(co.active.Add(1)))
	defer func() {
		e.metrics.SetActiveWorkers(int(co.active.Add(-1)))
		rep.completed = e.now()
	}()

	if c.ctx.Err() != nil {
		rep.end = attemptEnd{kind: attemptTimeout}
		if c.parent.Err() != nil {
			rep.end = attemptEnd{kind: attemptShutdown}
		}
		return rep
	}

	branch := fmt.Sprintf("%s/%d-w%d", co.cfg.BranchPrefix, c.start.Unix(), id)
	path := filepath.Join(co.cfg.WorktreeDir, fmt.Sprintf("w%d-%d", id, c.start.Unix()))
	log.Info("session acquired", zap.String("branch", branch), zap.String("task", t.ID))
	if err := c.repo.CreateWorktree(c.ctx, path, branch, c.snapshot); err != nil {
		rep.end = attemptEnd{kind: attemptFault, err: err}
		return rep
	}
	rep.branch = branch
	rep.path = path
	rep.repo = c.repo.ForWorktree(path)
	rep.status = NewStatusWriter(WorkerStatusPath(e.cfg.Paths.StateDir, id), log)

	wc := &cycle{
		engine:     e,
		log:        log,
		ctx:        c.ctx,
		cleanupCtx: c.cleanupCtx,
		parent:     c.parent,
		start:      rep.started,
		repo:       rep.repo,
		status:     rep.status,
		worker:     label,
		st: &Status{
			State:     "running",
			CycleID:   c.st.CycleID,
			Worker:    label,
			StartedAt: rep.started.UTC(),
			Tasks:     taskInfos([]task.Task{t}),
			BatchSize: 1,
		},
		batch:    []task.Task{t},
		snapshot: c.snapshot,
	}
	rep.end = wc.attemptLoop()
	rep.cost = wc.cost
	rep.attempts = wc.attempt
	rep.pipeline = wc.pipeline
	rep.checks = wc.checks
	wc.closePhase(e.now())
	rep.phases = wc.phases

	if rep.end.kind == attemptValidated {
		if _, err := rep.repo.Commit(c.ctx, commitMessage([]task.Task{t}, wc.pipeline)); err != nil {
			rep.end = attemptEnd{kind: attemptFault, err: err}
		}
	}
	log.Info("session reporting",
		zap.Int("attempts", rep.attempts),
		zap.Float64("cost_usd", rep.cost),
		zap.Bool("validated", rep.end.kind == attemptValidated))
	return rep
}

// mergePhase folds validated sessions into main one at a time, in a
// deterministic order: task priority, then completion time, then worker
// id. Before each merge after the first, the session branch is replayed
// onto the advanced tip and re-validated there; a session that no
// longer applies or no longer passes is requeued, never forced. A
// non-nil halted result means the repository can no longer be trusted.
func (co *Coordinator) mergePhase(c *cycle, reports []*workerReport) (merged int, halted *CycleResult) {
	e := co.engine

	var ready []*workerReport
	for _, r := range reports {
		switch r.end.kind {
		case attemptValidated:
			ready = append(ready, r)
		default:
			co.failWorker(c, r)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.t.Priority != b.t.Priority {
			return a.t.Priority < b.t.Priority
		}
		if !a.completed.Equal(b.completed) {
			return a.completed.Before(b.completed)
		}
		return a.worker < b.worker
	})

	c.phase(PhaseCommit)
	tipMoved := false
	for i, r := range ready {
		if c.parent.Err() != nil {
			// Shutdown mid-merge: the rest go back unclaimed.
			for _, rest := range ready[i:] {
				e.releaseBatch(c.cleanupCtx, []task.Task{rest.t})
				co.releaseSession(c, rest)
			}
			return merged, nil
		}

		if tipMoved {
			if err := r.repo.RebaseOntoMain(c.ctx); err != nil {
				co.requeueWorker(c, r, "branch no longer applies: "+err.Error())
				continue
			}
			revalidate := e.validator.Run(c.ctx, r.repo.Dir())
			if !revalidate.Passed {
				co.requeueWorker(c, r, "re-validation against advanced tip failed: "+revalidate.Summary())
				continue
			}
		}

		if err := c.repo.MergeBranch(c.ctx, r.branch, co.cfg.MergeStrategy); err != nil {
			if errors.Is(err, gitrepo.ErrMergeConflict) {
				co.requeueWorker(c, r, err.Error())
				continue
			}
			// The branch itself is gone or unreadable; stop trusting
			// the repository.
			for _, rest := range ready[i:] {
				e.releaseBatch(c.cleanupCtx, []task.Task{rest.t})
				co.releaseSession(c, rest)
			}
			res := c.halt(err)
			return merged, &res
		}
		tipMoved = true
		merged++

		sha, shaErr := c.repo.RevParse(c.ctx, "HEAD")
		if shaErr != nil {
			c.log.Warn("reading merged commit hash", zap.Error(shaErr))
		}
		if e.cfg.Target.PushAfterCommit {
			if err := c.repo.Push(c.ctx); err != nil {
				c.log.Warn("push failed, commit is local only", zap.Error(err))
			}
		}
		e.completeBatch(c.cleanupCtx, []task.Task{r.t})

		rec := co.workerRecord(c, r, history.OutcomeCommitted)
		rec.Commit = sha
		rec.Detail = r.checks
		c.record(rec)
		co.exportWorkerSpan(c, r, "committed")
		e.notify.Send(notify.EventCommit, commitTitle([]task.Task{r.t}),
			fmt.Sprintf("%s via %s, $%.2f", sha[:min(8, len(sha))], r.label, r.cost))
		c.log.Info("worker merged",
			zap.String("worker", r.label),
			zap.String("commit", sha),
			zap.String("task", r.t.ID))
		co.releaseSession(c, r)
	}
	return merged, nil
}

// failWorker settles a session that never produced a validated change.
// Faults never reach here; runBatch halts on those before the merge.
func (co *Coordinator) failWorker(c *cycle, r *workerReport) {
	e := co.engine
	defer co.releaseSession(c, r)

	switch r.end.kind {
	case attemptShutdown:
		e.releaseBatch(c.cleanupCtx, []task.Task{r.t})
		return
	case attemptTimeout:
		r.end.reason = "cycle timeout exceeded"
	}

	e.failBatch(c.cleanupCtx, []task.Task{r.t}, true)
	rec := co.workerRecord(c, r, history.OutcomeRolledBack)
	rec.Detail = r.end.reason
	c.record(rec)
	co.exportWorkerSpan(c, r, "rolled_back")
	e.notify.Send(notify.EventRollback, commitTitle([]task.Task{r.t}), r.end.reason)
	c.log.Info("worker failed",
		zap.String("worker", r.label),
		zap.String("task", r.t.ID),
		zap.String("reason", r.end.reason))
}

// requeueWorker discards a validated session the merge rejected. The
// task goes back uncharged so a later cycle can pick it up against the
// new tip; only a task that keeps bouncing gets charged a real failure.
func (co *Coordinator) requeueWorker(c *cycle, r *workerReport, reason string) {
	e := co.engine
	defer co.releaseSession(c, r)
	e.metrics.RecordMergeConflict()

	requeues := e.hist.RequeueCount(r.t.Fingerprint, e.cfg.Engine.DedupWindow)
	if co.cfg.MaxMergeRetries > 0 && requeues >= co.cfg.MaxMergeRetries {
		e.failBatch(c.cleanupCtx, []task.Task{r.t}, true)
		rec := co.workerRecord(c, r, history.OutcomeRolledBack)
		rec.Detail = reason + " (requeue limit reached)"
		c.record(rec)
		co.exportWorkerSpan(c, r, "rolled_back")
		c.log.Warn("worker requeue limit reached, charging failure",
			zap.String("worker", r.label),
			zap.String("task", r.t.ID),
			zap.Int("requeues", requeues))
		return
	}

	e.releaseBatch(c.cleanupCtx, []task.Task{r.t})
	e.metrics.RecordTask(r.t.Source, "requeued")
	rec := co.workerRecord(c, r, history.OutcomeRolledBack)
	rec.Requeued = true
	rec.Detail = reason
	c.record(rec)
	co.exportWorkerSpan(c, r, "requeued")
	c.log.Info("worker requeued",
		zap.String("worker", r.label),
		zap.String("task", r.t.ID),
		zap.String("reason", reason))
}

// abandonAll settles every session after a shutdown or fault without
// writing records. Claims are released uncharged.
func (co *Coordinator) abandonAll(c *cycle, reports []*workerReport) {
	for _, r := range reports {
		co.engine.releaseBatch(c.cleanupCtx, []task.Task{r.t})
		co.releaseSession(c, r)
	}
}

// releaseSession destroys the session's worktree and branch. Nothing
// from an unmerged session survives this.
func (co *Coordinator) releaseSession(c *cycle, r *workerReport) {
	if r.status != nil {
		r.status.Clear()
		r.status = nil
	}
	if r.path == "" {
		return
	}
	ctx, cancel := context.WithTimeout(c.cleanupCtx, co.cfg.CleanupTimeout)
	defer cancel()
	if err := c.repo.RemoveWorktree(ctx, r.path); err != nil {
		c.log.Warn("removing worktree", zap.String("path", r.path), zap.Error(err))
		if err := os.RemoveAll(r.path); err != nil {
			c.log.Warn("deleting worktree dir", zap.String("path", r.path), zap.Error(err))
		}
		if err := c.repo.PruneWorktrees(ctx); err != nil {
			c.log.Warn("pruning worktrees", zap.Error(err))
		}
	}
	if err := c.repo.DeleteBranch(ctx, r.branch); err != nil {
		c.log.Warn("deleting session branch", zap.String("branch", r.branch), zap.Error(err))
	}
	r.path = ""
	c.log.Debug("session released", zap.String("worker", r.label))
}

// exportWorkerSpan ships a settled session to the tracer. The outcome
// is the session's final fate, which only the merge phase knows.
func (co *Coordinator) exportWorkerSpan(c *cycle, r *workerReport, outcome string) {
	e := co.engine
	if e.tracer == nil {
		return
	}
	e.tracer.ExportCycle(c.cleanupCtx, telemetry.CycleSpan{
		ID:        c.st.CycleID,
		Worker:    r.label,
		Outcome:   outcome,
		CostUSD:   r.cost,
		Retries:   max(0, r.attempts-1),
		BatchSize: 1,
		Pipeline:  r.pipeline,
		Start:     r.started,
		End:       r.completed,
		Phases:    r.phases,
	})
}

func (co *Coordinator) workerRecord(c *cycle, r *workerReport, outcome history.Outcome) history.Record {
	return history.Record{
		Outcome:      outcome,
		Snapshot:     c.snapshot,
		TaskIDs:      []string{r.t.ID},
		Fingerprints: []string{r.t.Fingerprint},
		Sources:      []string{r.t.Source},
		BatchSize:    1,
		Retries:      max(0, r.attempts-1),
		CostUSD:      r.cost,
		DurationSecs: r.completed.Sub(r.started).Seconds(),
		Worker:       r.label,
		Pipeline:     r.pipeline,
	}
}
