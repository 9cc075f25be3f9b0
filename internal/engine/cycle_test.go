package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fixpoint/internal/config"
	"fixpoint/internal/gitrepo"
	"fixpoint/internal/history"
	"fixpoint/internal/safety"
	"fixpoint/internal/task"
	"fixpoint/internal/validate"
)

// --- Test helpers ---

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// initRepo creates a git repository with one seed commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mustGit(t, dir, "init", "-q", "-b", "main")
	mustGit(t, dir, "config", "user.email", "loop@example.com")
	mustGit(t, dir, "config", "user.name", "loop")
	mustGit(t, dir, "config", "commit.gpgsign", "false")
	writeFile(t, dir, "README.md", "seed\n")
	mustGit(t, dir, "add", "-A")
	mustGit(t, dir, "commit", "-q", "-m", "seed")
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// fakeSource hands out a fixed task list and records lifecycle calls.
type fakeSource struct {
	mu        sync.Mutex
	tasks     []task.Task
	listErr   error
	claimed   []string
	released  []string
	completed []string
	failed    []string
}

func makeTask(id, desc string, priority int) task.Task {
	return task.Task{
		ID:          id,
		Description: desc,
		Source:      "test",
		Priority:    priority,
		Fingerprint: task.Fingerprint(desc, ""),
	}
}

func (s *fakeSource) Name() string { return "test" }

func (s *fakeSource) List(ctx context.Context) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]task.Task(nil), s.tasks...), nil
}

func (s *fakeSource) Claim(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = append(s.claimed, t.ID)
	return nil
}

func (s *fakeSource) Release(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, t.ID)
	return nil
}

func (s *fakeSource) Complete(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, t.ID)
	return nil
}

func (s *fakeSource) Fail(ctx context.Context, t task.Task, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, t.ID)
	return nil
}

// fakeExec runs a function instead of the agent CLI.
type fakeExec struct {
	fn func(ctx context.Context, in ExecInput) (*ExecOutcome, error)
}

func (f *fakeExec) Name() string { return "fake" }

func (f *fakeExec) Execute(ctx context.Context, in ExecInput) (*ExecOutcome, error) {
	return f.fn(ctx, in)
}

// writeExec returns an executor that writes files into the tree and
// reports a fixed cost.
func writeExec(cost float64, files map[string]string) *fakeExec {
	return &fakeExec{fn: func(ctx context.Context, in ExecInput) (*ExecOutcome, error) {
		for name, content := range files {
			path := filepath.Join(in.Dir, name)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, err
			}
		}
		return &ExecOutcome{CostUSD: cost, Summary: "done"}, nil
	}}
}

type harness struct {
	t        *testing.T
	repoDir  string
	stateDir string
	cfg      *config.Config
	source   *fakeSource
	hist     *history.Store
	eng      *Engine
	out      *bytes.Buffer
}

// passCheck always succeeds; fileCheck passes once the named file exists.
func passCheck() []config.CheckConfig {
	return []config.CheckConfig{{Name: "ok", Command: "true", Timeout: time.Minute}}
}

func fileCheck(name string) []config.CheckConfig {
	return []config.CheckConfig{{Name: "file-exists", Command: "test -f " + name, Timeout: time.Minute}}
}

func testConfig(repoDir, stateDir string) *config.Config {
	return &config.Config{
		Target: config.TargetConfig{RepoPath: repoDir, MainBranch: "main", Remote: "origin"},
		Agent:  config.AgentConfig{Command: "unused", Model: "sonnet", Timeout: time.Minute},
		Engine: config.EngineConfig{
			LoopInterval:         10 * time.Millisecond,
			CycleTimeout:         time.Minute,
			MaxValidationRetries: 2,
			DedupWindow:          50,
			HistoryCap:           100,
			Batch:                config.BatchConfig{Initial: 1, Min: 1, Max: 3, Window: 10, Grow: 1, Shrink: 1},
		},
		Safety: config.SafetyConfig{
			LockPath:               filepath.Join(stateDir, "loop.lock"),
			LockStaleAfter:         time.Hour,
			MinDiskMB:              1,
			MinMemoryMB:            1,
			MaxCyclesPerHour:       10000,
			MaxCostPerHourUSD:      1000,
			MaxConsecutiveFailures: 50,
			BreakerResetFile:       filepath.Join(stateDir, "breaker.reset"),
			MaxChangedFiles:        20,
		},
		Paths:    config.PathsConfig{BaseDir: stateDir, StateDir: stateDir, HistoryFile: filepath.Join(stateDir, "history.json")},
		Parallel: config.ParallelConfig{Workers: 2, WorktreeDir: filepath.Join(stateDir, "worktrees"), BranchPrefix: "fixpoint", MergeStrategy: "rebase", MaxMergeRetries: 2, CleanupTimeout: time.Minute},
	}
}

// newHarness wires a real engine against a throwaway repository. The
// gate copies its config at construction, so anything in cfg.Safety has
// to be set through a tweak rather than after the fact.
func newHarness(t *testing.T, source *fakeSource, exec Executor, checks []config.CheckConfig, tweaks ...func(*config.Config)) *harness {
	t.Helper()
	repoDir := initRepo(t)
	stateDir := t.TempDir()
	cfg := testConfig(repoDir, stateDir)
	cfg.Checks = checks
	for _, tweak := range tweaks {
		tweak(cfg)
	}

	log := zap.NewNop()
	hist, err := history.Open(cfg.Paths.HistoryFile, cfg.Engine.HistoryCap, log)
	require.NoError(t, err)
	repo, err := gitrepo.New(repoDir, "main", "origin", log)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	eng := New(cfg, Deps{
		Repo:      repo,
		Gate:      safety.New(cfg.Safety, repoDir, hist, log),
		Source:    source,
		History:   hist,
		Executor:  exec,
		Validator: validate.New(checks, log),
		Status:    NewStatusWriter(StatusPath(stateDir), log),
		Output:    out,
		Log:       log,
	})
	return &harness{t: t, repoDir: repoDir, stateDir: stateDir, cfg: cfg, source: source, hist: hist, eng: eng, out: out}
}

func (h *harness) lastRecord() history.Record {
	recs := h.hist.Records()
	require.NotEmpty(h.t, recs)
	return recs[len(recs)-1]
}

// --- Cycle tests ---

func TestCycleCommitsValidatedWork(t *testing.T) {
	source := &fakeSource{tasks: []task.Task{makeTask("t-1", "add feature", 1)}}
	h := newHarness(t, source, writeExec(0.25, map[string]string{"feature.go": "package x\n"}), passCheck())

	res := h.eng.RunCycle(context.Background())
	require.False(t, res.Halt)
	require.True(t, res.Recorded)
	require.Equal(t, history.OutcomeCommitted, res.Outcome)

	subject := mustGit(t, h.repoDir, "log", "-1", "--format=%s")
	require.Equal(t, "[auto] test: add feature", subject)
	require.Empty(t, mustGit(t, h.repoDir, "status", "--porcelain"))

	rec := h.lastRecord()
	require.Equal(t, history.OutcomeCommitted, rec.Outcome)
	require.Equal(t, []string{"t-1"}, rec.TaskIDs)
	require.Equal(t, 0, rec.Retries)
	require.InDelta(t, 0.25, rec.CostUSD, 1e-9)
	require.Equal(t, mustGit(t, h.repoDir, "rev-parse", "HEAD"), rec.Commit)

	require.Equal(t, []string{"t-1"}, source.claimed)
	require.Equal(t, []string{"t-1"}, source.completed)
	require.Empty(t, source.failed)
	require.Contains(t, h.out.String(), "committed: 1 task(s), $0.25")

	_, err := os.Stat(StatusPath(h.stateDir))
	require.True(t, os.IsNotExist(err))
}

func TestCycleRetriesWithFailureContext(t *testing.T) {
	source := &fakeSource{tasks: []task.Task{makeTask("t-1", "fix the build", 1)}}
	var contexts []string
	var sawStaleFile bool
	exec := &fakeExec{fn: func(ctx context.Context, in ExecInput) (*ExecOutcome, error) {
		contexts = append(contexts, in.FailureContext)
		if in.Attempt == 1 {
			writeFile(t, in.Dir, "bad.txt", "wrong\n")
			return &ExecOutcome{CostUSD: 0.1}, nil
		}
		if _, err := os.Stat(filepath.Join(in.Dir, "bad.txt")); err == nil {
			sawStaleFile = true
		}
		writeFile(t, in.Dir, "good.txt", "right\n")
		return &ExecOutcome{CostUSD: 0.1}, nil
	}}
	h := newHarness(t, source, exec, fileCheck("good.txt"))

	res := h.eng.RunCycle(context.Background())
	require.Equal(t, history.OutcomeCommitted, res.Outcome)

	require.Len(t, contexts, 2)
	require.Empty(t, contexts[0])
	require.Contains(t, contexts[1], `check "file-exists" failed`)
	require.False(t, sawStaleFile, "attempt 2 must start from the snapshot")

	rec := h.lastRecord()
	require.Equal(t, 1, rec.Retries)
	require.InDelta(t, 0.2, rec.CostUSD, 1e-9)
}

func TestCycleRollsBackAfterExhaustion(t *testing.T) {
	source := &fakeSource{tasks: []task.Task{makeTask("t-1", "hopeless", 1)}}
	h := newHarness(t, source, writeExec(0.1, map[string]string{"bad.txt": "junk\n"}), fileCheck("never.txt"))

	res := h.eng.RunCycle(context.Background())
	require.False(t, res.Halt)
	require.Equal(t, history.OutcomeRolledBack, res.Outcome)

	require.Empty(t, mustGit(t, h.repoDir, "status", "--porcelain"))
	require.Equal(t, "seed", mustGit(t, h.repoDir, "log", "-1", "--format=%s"))

	rec := h.lastRecord()
	require.Equal(t, history.OutcomeRolledBack, rec.Outcome)
	require.Equal(t, 1, rec.Retries)
	require.Contains(t, rec.Detail, "file-exists: FAIL")
	require.Equal(t, []string{"t-1"}, source.failed)
	require.Empty(t, source.completed)
}

func TestCycleTreatsNoChangesAsFailure(t *testing.T) {
	source := &fakeSource{tasks: []task.Task{makeTask("t-1", "do nothing", 1)}}
	var contexts []string
	exec := &fakeExec{fn: func(ctx context.Context, in ExecInput) (*ExecOutcome, error) {
		contexts = append(contexts, in.FailureContext)
		return &ExecOutcome{CostUSD: 0.05}, nil
	}}
	h := newHarness(t, source, exec, passCheck())

	res := h.eng.RunCycle(context.Background())
	require.Equal(t, history.OutcomeRolledBack, res.Outcome)
	require.Len(t, contexts, 2)
	require.Contains(t, contexts[1], "changed no files")
	require.Equal(t, "no changes produced", h.lastRecord().Detail)
}

func TestCycleRejectsProtectedPaths(t *testing.T) {
	source := &fakeSource{tasks: []task.Task{makeTask("t-1", "touch ci", 1)}}
	h := newHarness(t, source, writeExec(0.1, map[string]string{
		".github/ci.yml": "jobs: {}\n",
		"code.go":        "package x\n",
	}), passCheck(), func(cfg *config.Config) {
		cfg.Safety.ProtectedPaths = []string{".github/"}
		cfg.Engine.MaxValidationRetries = 1
	})

	res := h.eng.RunCycle(context.Background())
	require.Equal(t, history.OutcomeRolledBack, res.Outcome)
	require.Contains(t, h.lastRecord().Detail, "protected path touched")
	require.Empty(t, mustGit(t, h.repoDir, "status", "--porcelain"))
}

func TestCycleBoundsChangedFiles(t *testing.T) {
	source := &fakeSource{tasks: []task.Task{makeTask("t-1", "sprawl", 1)}}
	h := newHarness(t, source, writeExec(0.1, map[string]string{
		"a.txt": "a\n", "b.txt": "b\n", "c.txt": "c\n",
	}), passCheck(), func(cfg *config.Config) {
		cfg.Safety.MaxChangedFiles = 2
		cfg.Engine.MaxValidationRetries = 1
	})

	res := h.eng.RunCycle(context.Background())
	require.Equal(t, history.OutcomeRolledBack, res.Outcome)
	require.Contains(t, h.lastRecord().Detail, "limit is 2")
}

func TestCycleHaltsOnGitFault(t *testing.T) {
	source := &fakeSource{tasks: []task.Task{makeTask("t-1", "break git", 1)}}
	exec := &fakeExec{fn: func(ctx context.Context, in ExecInput) (*ExecOutcome, error) {
		// Destroying the repository makes the next git call fail.
		return &ExecOutcome{}, os.RemoveAll(filepath.Join(in.Dir, ".git"))
	}}
	h := newHarness(t, source, exec, passCheck())

	res := h.eng.RunCycle(context.Background())
	require.True(t, res.Halt)
	require.Error(t, res.Err)
	require.Equal(t, history.OutcomeHalted, res.Outcome)

	rec := h.lastRecord()
	require.Equal(t, history.OutcomeHalted, rec.Outcome)
	require.Equal(t, []string{"t-1"}, source.released, "claims must not leak on halt")

	st, err := ReadStatus(StatusPath(h.stateDir))
	require.NoError(t, err)
	require.Equal(t, "halted", st.State)
	require.Equal(t, PhaseHalted, st.Phase)
}

func TestCycleSkipsOnSourceError(t *testing.T) {
	source := &fakeSource{listErr: &task.SourceError{Source: "test", Err: errors.New("backend down")}}
	h := newHarness(t, source, writeExec(0, nil), passCheck())

	res := h.eng.RunCycle(context.Background())
	require.False(t, res.Halt)
	require.True(t, res.Idle)
	require.Equal(t, history.OutcomeSkipped, res.Outcome)
	require.Contains(t, h.lastRecord().Detail, "backend down")
}

func TestCycleIdlesWhenNoTasks(t *testing.T) {
	h := newHarness(t, &fakeSource{}, writeExec(0, nil), passCheck())

	res := h.eng.RunCycle(context.Background())
	require.True(t, res.Idle)
	require.False(t, res.Recorded)
	require.Equal(t, 0, h.hist.Len())
}

func TestCycleSkipsRecentlyAttemptedFingerprint(t *testing.T) {
	tk := makeTask("t-1", "same old idea", 1)
	source := &fakeSource{tasks: []task.Task{tk}}
	h := newHarness(t, source, writeExec(0, nil), passCheck())
	require.NoError(t, h.hist.Append(history.Record{
		Outcome:      history.OutcomeRolledBack,
		Fingerprints: []string{tk.Fingerprint},
	}))

	res := h.eng.RunCycle(context.Background())
	require.True(t, res.Idle)
	require.Empty(t, source.claimed)
}

func TestCycleBreakerTripHalts(t *testing.T) {
	source := &fakeSource{tasks: []task.Task{makeTask("t-1", "anything", 1)}}
	h := newHarness(t, source, writeExec(0, nil), passCheck(), func(cfg *config.Config) {
		cfg.Safety.MaxConsecutiveFailures = 2
	})
	require.NoError(t, h.hist.Append(history.Record{Outcome: history.OutcomeRolledBack}))
	require.NoError(t, h.hist.Append(history.Record{Outcome: history.OutcomeRolledBack}))

	res := h.eng.RunCycle(context.Background())
	require.True(t, res.Halt)
	require.Equal(t, history.OutcomeHalted, res.Outcome)

	var v *safety.Violation
	require.ErrorAs(t, res.Err, &v)
	require.True(t, v.Breaker)
	require.Empty(t, source.claimed, "breaker must trip before task selection")
}

func TestCycleRefusesOverBudgetBatch(t *testing.T) {
	source := &fakeSource{tasks: []task.Task{makeTask("t-1", strings.Repeat("expensive work ", 200), 1)}}
	h := newHarness(t, source, writeExec(0, nil), passCheck(), func(cfg *config.Config) {
		cfg.Safety.MaxCostPerHourUSD = 0.0001
	})

	res := h.eng.RunCycle(context.Background())
	require.True(t, res.Idle)
	require.False(t, res.Recorded)
	require.Equal(t, []string{"t-1"}, source.claimed)
	require.Equal(t, []string{"t-1"}, source.released)
	require.Equal(t, 0, h.hist.Len())
}

func TestCycleTimeoutRollsBack(t *testing.T) {
	source := &fakeSource{tasks: []task.Task{makeTask("t-1", "slow work", 1)}}
	exec := &fakeExec{fn: func(ctx context.Context, in ExecInput) (*ExecOutcome, error) {
		writeFile(t, in.Dir, "partial.txt", "half done\n")
		<-ctx.Done()
		return &ExecOutcome{CostUSD: 0.1}, nil
	}}
	h := newHarness(t, source, exec, passCheck(), func(cfg *config.Config) {
		cfg.Engine.CycleTimeout = 50 * time.Millisecond
	})

	res := h.eng.RunCycle(context.Background())
	require.False(t, res.Halt)
	require.Equal(t, history.OutcomeRolledBack, res.Outcome)
	require.Equal(t, "cycle timeout exceeded", h.lastRecord().Detail)
	require.Empty(t, mustGit(t, h.repoDir, "status", "--porcelain"))
	require.Equal(t, []string{"t-1"}, source.failed)
}

func TestCycleShutdownLeavesNoRecord(t *testing.T) {
	source := &fakeSource{tasks: []task.Task{makeTask("t-1", "interrupted", 1)}}
	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExec{fn: func(execCtx context.Context, in ExecInput) (*ExecOutcome, error) {
		writeFile(t, in.Dir, "partial.txt", "half done\n")
		cancel()
		return &ExecOutcome{CostUSD: 0.1}, nil
	}}
	h := newHarness(t, source, exec, passCheck())

	res := h.eng.RunCycle(ctx)
	require.False(t, res.Halt)
	require.False(t, res.Recorded)
	require.Equal(t, 0, h.hist.Len())
	require.Empty(t, mustGit(t, h.repoDir, "status", "--porcelain"))
	require.Equal(t, []string{"t-1"}, source.released)
	require.Empty(t, source.failed)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	h := newHarness(t, &fakeSource{}, writeExec(0, nil), passCheck())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.eng.Run(ctx))

	// The lock must have been released on the way out.
	require.NoError(t, h.eng.gate.AcquireLock())
	h.eng.gate.ReleaseLock()
}

func TestRunReturnsBreakerError(t *testing.T) {
	h := newHarness(t, &fakeSource{}, writeExec(0, nil), passCheck(), func(cfg *config.Config) {
		cfg.Safety.MaxConsecutiveFailures = 1
	})
	require.NoError(t, h.hist.Append(history.Record{Outcome: history.OutcomeRolledBack}))

	err := h.eng.Run(context.Background())
	var v *safety.Violation
	require.ErrorAs(t, err, &v)
	require.True(t, v.Breaker)
}

func TestWaitIdle(t *testing.T) {
	h := newHarness(t, &fakeSource{}, writeExec(0, nil), passCheck())

	// Interval elapses.
	require.True(t, h.eng.waitIdle(context.Background()))

	// Wake channel cuts the wait short.
	wake := make(chan struct{}, 1)
	h.eng.wake = wake
	h.cfg.Engine.LoopInterval = time.Hour
	wake <- struct{}{}
	require.True(t, h.eng.waitIdle(context.Background()))

	// Cancellation ends the wait.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, h.eng.waitIdle(ctx))
}

// --- Commit message tests ---

func TestCommitMessageSingleTask(t *testing.T) {
	batch := []task.Task{makeTask("t-1", "fix flaky scheduler test\nlong body here", 1)}
	msg := commitMessage(batch, "")
	require.Equal(t, "[auto] test: fix flaky scheduler test", msg)
}

func TestCommitMessageTruncatesSubject(t *testing.T) {
	batch := []task.Task{makeTask("t-1", strings.Repeat("very long description ", 20), 1)}
	msg := commitMessage(batch, "")
	subject := strings.SplitN(msg, "\n", 2)[0]
	require.LessOrEqual(t, len(subject), 80)
	require.True(t, strings.HasSuffix(subject, "..."))
}

func TestCommitMessageBatch(t *testing.T) {
	batch := []task.Task{
		makeTask("t-1", "first change", 1),
		makeTask("t-2", "second change", 2),
	}
	msg := commitMessage(batch, "planner+coder")
	lines := strings.Split(msg, "\n")
	require.Equal(t, "[auto] batch(2): test", lines[0])
	require.Contains(t, msg, "- t-1: first change")
	require.Contains(t, msg, "- t-2: second change")
	require.Contains(t, msg, "Pipeline: planner+coder")
}

func TestCommitMessagePipelineTrailerSingle(t *testing.T) {
	batch := []task.Task{makeTask("t-1", "one change", 1)}
	msg := commitMessage(batch, "coder+reviewer (revised)")
	require.Contains(t, msg, "[auto] test: one change")
	require.Contains(t, msg, "\n\nPipeline: coder+reviewer (revised)\n")
}
