package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fixpoint/internal/agent"
	"fixpoint/internal/config"
	"fixpoint/internal/gitrepo"
	"fixpoint/internal/history"
	"fixpoint/internal/metrics"
	"fixpoint/internal/notify"
	"fixpoint/internal/safety"
	"fixpoint/internal/task"
	"fixpoint/internal/telemetry"
	"fixpoint/internal/validate"
)

// Deps bundles the engine's collaborators. Notifier, Metrics, Overlay,
// Tracer and Wake are optional.
type Deps struct {
	Repo      *gitrepo.Manager
	Gate      *safety.Gate
	Source    task.Source
	History   *history.Store
	Executor  Executor
	Validator *validate.Validator
	Status    *StatusWriter
	Notifier  *notify.Notifier
	Metrics   *metrics.Metrics
	Overlay   *Overlay
	Tracer    *telemetry.Exporter
	Wake      <-chan struct{}
	Output    io.Writer // defaults to os.Stdout
	Log       *zap.Logger
}

// Engine drives transactional cycles against the target repository.
// Each cycle either commits validated work or leaves the tree exactly
// as the snapshot had it; the only exception is a git fault, which
// halts the loop with the tree preserved for inspection.
type Engine struct {
	cfg       *config.Config
	log       *zap.Logger
	repo      *gitrepo.Manager
	gate      *safety.Gate
	source    task.Source
	hist      *history.Store
	exec      Executor
	validator *validate.Validator
	status    *StatusWriter
	notify    *notify.Notifier
	metrics   *metrics.Metrics
	overlay   *Overlay
	tracer    *telemetry.Exporter
	wake      <-chan struct{}
	out       io.Writer

	// coord, when set, takes over the execute phase and fans the batch
	// out to worker sessions.
	coord *Coordinator

	now func() time.Time
}

// New builds an engine from its dependencies. Parallel mode attaches
// the coordinator, which takes over everything from snapshot to merge.
func New(cfg *config.Config, d Deps) *Engine {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	out := d.Output
	if out == nil {
		out = os.Stdout
	}
	e := &Engine{
		cfg:       cfg,
		log:       log,
		repo:      d.Repo,
		gate:      d.Gate,
		source:    d.Source,
		hist:      d.History,
		exec:      d.Executor,
		validator: d.Validator,
		status:    d.Status,
		notify:    d.Notifier,
		metrics:   d.Metrics,
		overlay:   d.Overlay,
		tracer:    d.Tracer,
		wake:      d.Wake,
		out:       out,
		now:       time.Now,
	}
	if cfg.Parallel.Enabled {
		e.coord = newCoordinator(e, cfg.Parallel)
	}
	return e
}

// CycleResult reports how one cycle ended.
type CycleResult struct {
	// Outcome is meaningful only when Recorded is set.
	Outcome  history.Outcome
	Recorded bool
	// Idle signals the loop to wait before the next cycle.
	Idle bool
	// Halt stops the loop; Err carries the fault.
	Halt bool
	Err  error
}

// Run executes cycles until the context is cancelled or a fault halts
// the loop. The process lock is held for the duration.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.gate.AcquireLock(); err != nil {
		return err
	}
	defer e.gate.ReleaseLock()

	e.log.Info("loop started",
		zap.String("repo", e.cfg.Target.RepoPath),
		zap.String("branch", e.cfg.Target.MainBranch),
		zap.String("executor", e.exec.Name()),
		zap.Bool("parallel", e.coord != nil))

	for {
		if ctx.Err() != nil {
			e.log.Info("loop stopped")
			return nil
		}
		res := e.RunCycle(ctx)
		if res.Halt {
			e.log.Error("loop halted", zap.Error(res.Err))
			return res.Err
		}
		if res.Idle {
			if !e.waitIdle(ctx) {
				e.log.Info("loop stopped")
				return nil
			}
		}
	}
}

// RunOnce acquires the lock, executes a single cycle and releases. An
// idle poll is not an error; a halt is.
func (e *Engine) RunOnce(ctx context.Context) error {
	if err := e.gate.AcquireLock(); err != nil {
		return err
	}
	defer e.gate.ReleaseLock()

	res := e.RunCycle(ctx)
	if res.Halt {
		e.log.Error("cycle halted", zap.Error(res.Err))
		return res.Err
	}
	if res.Recorded {
		e.log.Info("cycle finished", zap.String("outcome", res.Outcome.String()))
	} else {
		e.log.Info("nothing to do")
	}
	return nil
}

// waitIdle sleeps out the loop interval, returning early on a task
// source wake-up. Returns false when the context ended.
func (e *Engine) waitIdle(ctx context.Context) bool {
	timer := time.NewTimer(e.cfg.Engine.LoopInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.wake:
		e.log.Debug("woken by task source")
		return true
	case <-timer.C:
		return true
	}
}

// RunCycle executes one transactional cycle.
func (e *Engine) RunCycle(parent context.Context) CycleResult {
	start := e.now()
	cycleID := uuid.NewString()
	log := e.log.With(zap.String("cycle", cycleID[:8]))

	ctx, cancel := context.WithTimeout(parent, e.cfg.Engine.CycleTimeout)
	defer cancel()
	// cleanupCtx survives cycle timeout and shutdown so rollbacks and
	// releases still run; the git layer enforces its own op timeouts.
	cleanupCtx := context.WithoutCancel(ctx)

	st := Status{State: "running", CycleID: cycleID, StartedAt: start.UTC()}
	clearStatus := true
	defer func() {
		if clearStatus {
			e.status.Clear()
		}
	}()

	c := &cycle{
		engine:     e,
		log:        log,
		ctx:        ctx,
		cleanupCtx: cleanupCtx,
		parent:     parent,
		start:      start,
		repo:       e.repo,
		status:     e.status,
		st:         &st,
	}
	res := c.run()
	if res.Halt {
		st.State = "halted"
		st.Phase = PhaseHalted
		e.status.Write(st)
		clearStatus = false
	}
	e.exportCycleSpan(c, res)
	return res
}

// exportCycleSpan ships the finished cycle to the tracer. Idle polls
// that never selected a task are not worth a span.
func (e *Engine) exportCycleSpan(c *cycle, res CycleResult) {
	if e.tracer == nil {
		return
	}
	if !res.Recorded && len(c.batch) == 0 {
		return
	}
	outcome := "abandoned"
	if res.Recorded {
		outcome = res.Outcome.String()
	}
	end := e.now()
	c.closePhase(end)
	e.tracer.ExportCycle(c.cleanupCtx, telemetry.CycleSpan{
		ID:        c.st.CycleID,
		Outcome:   outcome,
		CostUSD:   c.cost,
		Retries:   max(0, c.attempt-1),
		BatchSize: len(c.batch),
		Pipeline:  c.pipeline,
		Start:     c.start,
		End:       end,
		Phases:    c.phases,
	})
}

// cycle carries one RunCycle invocation's state between phases. Worker
// sessions build their own cycle values bound to a worktree, which is
// why repo, status and worker live here rather than on the engine.
type cycle struct {
	engine     *Engine
	log        *zap.Logger
	ctx        context.Context
	cleanupCtx context.Context
	parent     context.Context
	start      time.Time
	repo       *gitrepo.Manager
	status     *StatusWriter
	worker     string
	st         *Status

	batch    []task.Task
	snapshot string
	cost     float64
	attempt  int
	pipeline string
	// checks summarizes the passing validation run for the record.
	checks string
	// phases times the cycle's phase transitions for trace export.
	phases []telemetry.Phase
}

func (c *cycle) run() CycleResult {
	e := c.engine

	// SAFETY_CHECK
	c.phase(PhaseSafetyCheck)
	if err := e.gate.PreFlight(); err != nil {
		return c.safetyRefused(err)
	}

	// TASK_SELECT
	c.phase(PhaseTaskSelect)
	limit := e.hist.BatchSize(e.cfg.Engine.Batch)
	e.metrics.SetBatchSize(limit)
	batch, err := e.selectBatch(c.ctx, limit)
	if err != nil {
		c.log.Warn("task source failed, skipping cycle", zap.Error(err))
		c.record(history.Record{Outcome: history.OutcomeSkipped, Detail: err.Error()})
		return CycleResult{Outcome: history.OutcomeSkipped, Recorded: true, Idle: true, Err: err}
	}
	if len(batch) == 0 {
		c.log.Debug("no tasks pending")
		return CycleResult{Idle: true}
	}
	c.batch = batch
	c.st.Tasks = taskInfos(batch)
	c.st.BatchSize = len(batch)

	if est := estimateBatchCost(batch, e.cfg.Agent.Model); !e.gate.AllowsCost(est) {
		c.log.Warn("predicted cost exceeds the remaining hourly budget",
			zap.Float64("estimate_usd", est))
		e.notify.Send(notify.EventSafety, "budget refusal",
			fmt.Sprintf("predicted $%.2f does not fit the trailing-hour budget", est))
		e.releaseBatch(c.cleanupCtx, batch)
		return CycleResult{Idle: true}
	}

	if e.coord != nil {
		return e.coord.runBatch(c)
	}

	// SNAPSHOT
	c.phase(PhaseSnapshot)
	snapshot, err := c.repo.Snapshot(c.ctx)
	if err != nil {
		return c.halt(err)
	}
	c.snapshot = snapshot
	if err := e.overlay.Backup(); err != nil {
		c.log.Warn("source backup failed, abandoning cycle", zap.Error(err))
		e.releaseBatch(c.cleanupCtx, batch)
		return CycleResult{Idle: true, Err: err}
	}

	// EXECUTE then VALIDATE, retrying from the snapshot while the
	// attempt budget lasts.
	switch end := c.attemptLoop(); end.kind {
	case attemptValidated:
	case attemptExhausted:
		return c.rollbackAndRecord(end.reason)
	case attemptTimeout:
		c.log.Warn("cycle timeout expired")
		return c.rollbackAndRecord("cycle timeout exceeded")
	case attemptShutdown:
		return c.abandonForShutdown()
	case attemptFault:
		return c.halt(end.err)
	}

	// COMMIT
	c.phase(PhaseCommit)
	sha, err := c.repo.Commit(c.ctx, commitMessage(c.batch, c.pipeline))
	if err != nil {
		return c.halt(err)
	}
	if e.cfg.Target.PushAfterCommit {
		if err := c.repo.Push(c.ctx); err != nil {
			c.log.Warn("push failed, commit is local only", zap.Error(err))
		}
	}
	e.completeBatch(c.cleanupCtx, c.batch)

	// RECORD
	c.phase(PhaseRecord)
	rec := c.baseRecord(history.OutcomeCommitted)
	rec.Commit = sha
	rec.Detail = c.checks
	c.record(rec)
	c.finishMetrics("committed")
	e.notify.Send(notify.EventCommit, commitTitle(c.batch),
		fmt.Sprintf("%s, $%.2f, %d attempt(s)", sha[:min(8, len(sha))], c.cost, c.attempt))
	c.log.Info("cycle committed",
		zap.String("commit", sha),
		zap.Int("tasks", len(c.batch)),
		zap.Int("attempts", c.attempt),
		zap.Float64("cost_usd", c.cost))
	return CycleResult{Outcome: history.OutcomeCommitted, Recorded: true}
}

// attemptKind says how the attempt loop ended.
type attemptKind int

const (
	// attemptValidated means the tree holds validated changes.
	attemptValidated attemptKind = iota
	// attemptExhausted means the budget ran out; reason explains the
	// final failure.
	attemptExhausted
	// attemptTimeout means the cycle deadline expired mid-attempt.
	attemptTimeout
	// attemptShutdown means the process is stopping.
	attemptShutdown
	// attemptFault means a git primitive failed; err carries it.
	attemptFault
)

type attemptEnd struct {
	kind   attemptKind
	reason string
	err    error
}

// attemptLoop runs EXECUTE and VALIDATE against c.repo until validation
// passes, the attempt budget runs out, or a fault ends the attempt.
// Between attempts the tree is reset to the snapshot and the failure
// output is carried into the next prompt.
func (c *cycle) attemptLoop() attemptEnd {
	e := c.engine
	maxAttempts := e.cfg.Engine.MaxValidationRetries
	failureContext := ""

	for c.attempt = 1; ; c.attempt++ {
		c.st.Attempt = c.attempt
		c.st.MaxAttempts = maxAttempts

		// EXECUTE
		c.phase(PhaseExecute)
		out, execErr := e.exec.Execute(c.ctx, ExecInput{
			Dir:            c.repo.Dir(),
			Repo:           c.repo,
			Tasks:          c.batch,
			FailureContext: failureContext,
			Attempt:        c.attempt,
			MaxAttempts:    maxAttempts,
			OnStage: func(stage string) {
				c.st.Stage = stage
				c.status.Write(*c.st)
			},
		})
		if out != nil {
			c.cost += out.CostUSD
			if label := out.StageLabel(); label != "" {
				c.pipeline = label
			}
		}
		c.st.Stage = ""
		c.st.CostUSD = c.cost

		if c.parent.Err() != nil {
			return attemptEnd{kind: attemptShutdown}
		}
		if c.ctx.Err() != nil {
			return attemptEnd{kind: attemptTimeout}
		}

		if execErr != nil {
			c.log.Warn("execution failed",
				zap.Int("attempt", c.attempt),
				zap.Error(execErr))
			if c.attempt >= maxAttempts {
				return attemptEnd{kind: attemptExhausted, reason: "execution failed: " + execErr.Error()}
			}
			failureContext = execFailureContext(execErr)
			if err := c.retryRollback(); err != nil {
				return attemptEnd{kind: attemptFault, err: err}
			}
			continue
		}

		// VALIDATE
		c.phase(PhaseValidate)
		verdict := c.validateTree()
		if verdict.halt != nil {
			return attemptEnd{kind: attemptFault, err: verdict.halt}
		}
		if verdict.passed {
			c.checks = verdict.summary
			return attemptEnd{kind: attemptValidated}
		}

		c.log.Info("validation rejected the change",
			zap.Int("attempt", c.attempt),
			zap.String("reason", verdict.summary))
		if c.attempt >= maxAttempts {
			return attemptEnd{kind: attemptExhausted, reason: verdict.summary}
		}
		failureContext = verdict.context
		if err := c.retryRollback(); err != nil {
			return attemptEnd{kind: attemptFault, err: err}
		}
	}
}

// treeVerdict is the outcome of the validation phase for one attempt.
type treeVerdict struct {
	passed  bool
	summary string
	context string
	halt    error
}

// validateTree applies the cheap gates and then the configured checks.
func (c *cycle) validateTree() treeVerdict {
	e := c.engine

	changed, err := c.repo.ChangedFiles(c.ctx)
	if err != nil {
		return treeVerdict{halt: err}
	}
	if len(changed) == 0 {
		return treeVerdict{
			summary: "no changes produced",
			context: "the previous attempt changed no files; the task still needs doing",
		}
	}
	if hit := validate.ProtectedPathHit(changed, e.cfg.Safety.ProtectedPaths); hit != "" {
		return treeVerdict{
			summary: "protected path touched: " + hit,
			context: fmt.Sprintf("the previous attempt modified the protected path %q; solve the task without touching it", hit),
		}
	}
	if limit := e.cfg.Safety.MaxChangedFiles; limit > 0 && len(changed) > limit {
		return treeVerdict{
			summary: fmt.Sprintf("%d files changed, limit is %d", len(changed), limit),
			context: fmt.Sprintf("the previous attempt changed %d files but at most %d are allowed; make a more focused change", len(changed), limit),
		}
	}
	if err := e.overlay.CheckSyntax(c.repo.Dir(), changed); err != nil {
		return treeVerdict{
			summary: "syntax gate: " + err.Error(),
			context: "the previous attempt left a file that does not parse:\n" + err.Error(),
		}
	}

	result := e.validator.Run(c.ctx, c.repo.Dir())
	if !result.Passed {
		return treeVerdict{summary: result.Summary(), context: result.FailureContext()}
	}
	return treeVerdict{passed: true, summary: result.Summary()}
}

// retryRollback restores the snapshot between attempts.
func (c *cycle) retryRollback() error {
	c.phase(PhaseRetry)
	return c.repo.Rollback(c.cleanupCtx, c.snapshot)
}

// rollbackAndRecord ends an exhausted cycle: restore the snapshot,
// charge the tasks a failure, and append the rolled_back record.
func (c *cycle) rollbackAndRecord(detail string) CycleResult {
	e := c.engine
	c.phase(PhaseRollback)
	if err := c.repo.Rollback(c.cleanupCtx, c.snapshot); err != nil {
		return c.halt(err)
	}
	e.failBatch(c.cleanupCtx, c.batch, true)

	rec := c.baseRecord(history.OutcomeRolledBack)
	rec.Detail = detail
	c.record(rec)
	c.finishMetrics("rolled_back")
	e.notify.Send(notify.EventRollback, commitTitle(c.batch), detail)
	c.log.Info("cycle rolled back",
		zap.Int("attempts", c.attempt),
		zap.Float64("cost_usd", c.cost),
		zap.String("reason", detail))
	return CycleResult{Outcome: history.OutcomeRolledBack, Recorded: true}
}

// safetyRefused handles a PreFlight rejection. A breaker trip halts
// with a record; every other violation just skips the cycle.
func (c *cycle) safetyRefused(err error) CycleResult {
	e := c.engine
	var v *safety.Violation
	if errors.As(err, &v) && v.Breaker {
		c.log.Error("circuit breaker open", zap.String("reason", v.Reason))
		rec := c.baseRecord(history.OutcomeHalted)
		rec.Detail = err.Error()
		c.record(rec)
		e.notify.Send(notify.EventHalt, "circuit breaker open", v.Reason)
		c.finishMetrics("halted")
		return CycleResult{Outcome: history.OutcomeHalted, Recorded: true, Halt: true, Err: err}
	}
	c.log.Warn("safety gate refused the cycle", zap.Error(err))
	if v != nil {
		e.notify.Send(notify.EventSafety, v.Check+" violation", v.Reason)
	}
	return CycleResult{Idle: true, Err: err}
}

// halt ends the loop on a git fault. The tree is left untouched for
// inspection and the claimed tasks are released uncharged.
func (c *cycle) halt(err error) CycleResult {
	e := c.engine
	c.log.Error("git fault, halting", zap.Error(err))
	e.releaseBatch(c.cleanupCtx, c.batch)

	rec := c.baseRecord(history.OutcomeHalted)
	rec.Detail = err.Error()
	c.record(rec)
	e.notify.Send(notify.EventHalt, "git fault", err.Error())
	c.finishMetrics("halted")
	return CycleResult{Outcome: history.OutcomeHalted, Recorded: true, Halt: true, Err: err}
}

// abandonForShutdown unwinds a cycle interrupted by process shutdown:
// the snapshot is restored and the tasks go back unclaimed, but no
// record is written since the cycle neither succeeded nor failed.
func (c *cycle) abandonForShutdown() CycleResult {
	e := c.engine
	c.log.Info("shutdown during cycle, restoring snapshot")
	if c.snapshot != "" {
		if err := c.repo.Rollback(c.cleanupCtx, c.snapshot); err != nil {
			c.log.Error("rollback during shutdown failed", zap.Error(err))
		}
	}
	e.releaseBatch(c.cleanupCtx, c.batch)
	return CycleResult{Err: c.parent.Err()}
}

func (c *cycle) phase(p Phase) {
	c.st.Phase = p
	c.status.Write(*c.st)
	now := c.engine.now()
	c.closePhase(now)
	c.phases = append(c.phases, telemetry.Phase{Name: p.String(), Start: now})
	c.log.Debug("phase", zap.String("phase", p.String()))
}

func (c *cycle) closePhase(t time.Time) {
	if n := len(c.phases); n > 0 && c.phases[n-1].End.IsZero() {
		c.phases[n-1].End = t
	}
}

func (c *cycle) baseRecord(outcome history.Outcome) history.Record {
	return history.Record{
		Outcome:      outcome,
		Snapshot:     c.snapshot,
		TaskIDs:      taskIDs(c.batch),
		Fingerprints: fingerprints(c.batch),
		Sources:      sources(c.batch),
		BatchSize:    len(c.batch),
		Retries:      max(0, c.attempt-1),
		CostUSD:      c.cost,
		DurationSecs: c.engine.now().Sub(c.start).Seconds(),
		Worker:       c.worker,
		Pipeline:     c.pipeline,
	}
}

func (c *cycle) record(rec history.Record) {
	if err := c.engine.hist.Append(rec); err != nil {
		// The in-memory view is already updated; only persistence
		// failed. The next successful append rewrites the file.
		c.log.Error("appending history record", zap.Error(err))
	}
	c.summarize(rec)
}

// summarize prints the operator-facing line for a settled cycle.
func (c *cycle) summarize(rec history.Record) {
	id := c.st.CycleID
	if len(id) > 8 {
		id = id[:8]
	}
	who := "cycle " + id
	if rec.Worker != "" {
		who += " " + rec.Worker
	}
	outcome := rec.Outcome.String()
	if rec.Requeued {
		outcome = "requeued"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", who, outcome)
	if rec.BatchSize > 0 {
		fmt.Fprintf(&b, ": %d task(s)", rec.BatchSize)
	}
	if rec.Retries > 0 {
		fmt.Fprintf(&b, ", %d retry(s)", rec.Retries)
	}
	if rec.CostUSD > 0 {
		fmt.Fprintf(&b, ", $%.2f", rec.CostUSD)
	}
	if rec.Outcome != history.OutcomeCommitted && rec.Detail != "" {
		fmt.Fprintf(&b, " (%s)", firstSentence(rec.Detail))
	}
	fmt.Fprintln(c.engine.out, b.String())
}

func (c *cycle) finishMetrics(outcome string) {
	e := c.engine
	e.metrics.RecordCycle(outcome, e.now().Sub(c.start), c.cost)
	e.metrics.SetConsecutiveFailures(e.hist.ConsecutiveFailures())
}

// execFailureContext turns an executor error into retry context.
func execFailureContext(err error) string {
	var execErr *agent.ExecError
	if errors.As(err, &execErr) {
		if execErr.TimedOut {
			return "the previous attempt timed out before the agent finished; prefer a smaller, faster change"
		}
		msg := "the previous attempt failed: " + execErr.Error()
		if execErr.Stderr != "" {
			stderr := execErr.Stderr
			if len(stderr) > 2000 {
				stderr = stderr[:2000] + "..."
			}
			msg += "\n" + stderr
		}
		return msg
	}
	return "the previous attempt failed: " + err.Error()
}

const commitSubjectLimit = 80

// commitMessage renders the cycle's commit: a bounded subject, a body
// listing the batch when there is more than one task, and the pipeline
// trailer.
func commitMessage(batch []task.Task, pipeline string) string {
	var b strings.Builder
	b.WriteString(commitTitle(batch))

	if len(batch) > 1 {
		b.WriteString("\n\n")
		for _, t := range batch {
			fmt.Fprintf(&b, "- %s: %s\n", t.ID, firstSentence(t.Description))
		}
	}
	if pipeline != "" {
		if len(batch) > 1 {
			b.WriteString("\nPipeline: " + pipeline + "\n")
		} else {
			b.WriteString("\n\nPipeline: " + pipeline + "\n")
		}
	}
	return b.String()
}

func commitTitle(batch []task.Task) string {
	if len(batch) > 1 {
		return fmt.Sprintf("[auto] batch(%d): %s", len(batch), strings.Join(sources(batch), ", "))
	}
	first := batch[0]
	subject := firstSentence(first.Description)
	prefix := fmt.Sprintf("[auto] %s: ", first.Source)
	if len(prefix)+len(subject) > commitSubjectLimit {
		subject = subject[:max(0, commitSubjectLimit-len(prefix)-3)] + "..."
	}
	return prefix + subject
}

// firstSentence collapses a task description to its leading line.
func firstSentence(desc string) string {
	desc = strings.TrimSpace(desc)
	if i := strings.IndexByte(desc, '\n'); i >= 0 {
		desc = strings.TrimSpace(desc[:i])
	}
	return desc
}
