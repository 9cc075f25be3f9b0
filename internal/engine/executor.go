package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"fixpoint/internal/agent"
	"fixpoint/internal/gitrepo"
	"fixpoint/internal/task"
)

// ExecInput is everything an executor needs to change a working tree.
type ExecInput struct {
	// Dir is the tree the changes land in; for workers this is the
	// session worktree, not the main checkout.
	Dir  string
	Repo *gitrepo.Manager

	Tasks []task.Task
	// FailureContext carries the previous attempt's validation
	// diagnostics into the next prompt.
	FailureContext string
	Attempt        int
	MaxAttempts    int

	// OnStage reports pipeline stage transitions for the status
	// artifact. May be nil.
	OnStage func(stage string)
}

func (in ExecInput) descriptions() []string {
	descs := make([]string, 0, len(in.Tasks))
	for _, t := range in.Tasks {
		descs = append(descs, t.Description)
	}
	return descs
}

func (in ExecInput) stage(name string) {
	if in.OnStage != nil {
		in.OnStage(name)
	}
}

// ExecOutcome summarizes one executor run. Cost accumulates even when
// the run fails; the budget window must see every dollar spent.
type ExecOutcome struct {
	CostUSD   float64
	Turns     int
	Summary   string
	Stages    []StageResult
	Revisions int
}

// Executor turns a claimed batch into working-tree changes. The engine
// owns snapshot, validation, commit, and rollback around it.
type Executor interface {
	Name() string
	// Execute runs the agent(s) in in.Dir. On failure the returned
	// outcome, when non-nil, still reports the cost spent so far.
	Execute(ctx context.Context, in ExecInput) (*ExecOutcome, error)
}

// SingleExecutor is the default mode: one agent invocation per attempt.
type SingleExecutor struct {
	runner    *agent.Runner
	protected []string
	log       *zap.Logger
}

// NewSingleExecutor builds the one-shot executor.
func NewSingleExecutor(runner *agent.Runner, protected []string, logger *zap.Logger) *SingleExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SingleExecutor{runner: runner, protected: protected, log: logger}
}

// Name implements Executor.
func (e *SingleExecutor) Name() string { return "single" }

// Execute implements Executor.
func (e *SingleExecutor) Execute(ctx context.Context, in ExecInput) (*ExecOutcome, error) {
	prompt := agent.Build(agent.PromptInput{
		Descriptions:   in.descriptions(),
		FailureContext: in.FailureContext,
		Attempt:        in.Attempt,
		MaxAttempts:    in.MaxAttempts,
		Protected:      e.protected,
	})

	res, err := e.runner.Invoke(ctx, in.Dir, prompt)
	out := &ExecOutcome{}
	if res != nil {
		out.CostUSD = res.CostUSD()
		out.Summary = summarize(res.Text())
		if res.Reply != nil {
			out.Turns = res.Reply.NumTurns
		}
	}
	if err != nil {
		return out, err
	}
	return out, nil
}

const summaryLimit = 500

// summarize trims an agent's closing message down to record size.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > summaryLimit {
		text = text[:summaryLimit] + "..."
	}
	return text
}
