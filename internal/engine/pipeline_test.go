package engine

import (
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fixpoint/internal/agent"
	"fixpoint/internal/config"
	"fixpoint/internal/task"
)

// scriptedAgent feeds Invoke a fixed sequence of shell scripts, one per
// call, and records the prompt each call carried.
type scriptedAgent struct {
	t       *testing.T
	mu      sync.Mutex
	scripts []string
	prompts []string
}

func (s *scriptedAgent) factory(ctx context.Context, dir, name string, args ...string) *exec.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.prompts)
	if idx >= len(s.scripts) {
		s.t.Fatalf("agent invoked %d times, only %d replies scripted", idx+1, len(s.scripts))
	}
	var prompt string
	if len(args) >= 2 && args[0] == "-p" {
		prompt = args[1]
	}
	s.prompts = append(s.prompts, prompt)
	cmd := exec.CommandContext(ctx, "sh", "-c", s.scripts[idx])
	cmd.Dir = dir
	cmd.WaitDelay = 200 * time.Millisecond
	return cmd
}

// say builds a script that prints a successful agent reply. Keep text
// free of single quotes; the script wraps the JSON in them. printf %s
// rather than echo, so escape sequences in the JSON survive shells
// whose echo expands them (dash).
func say(t *testing.T, text string, cost float64) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"type":           "result",
		"subtype":        "success",
		"is_error":       false,
		"result":         text,
		"total_cost_usd": cost,
		"num_turns":      2,
		"session_id":     "s-1",
	})
	require.NoError(t, err)
	return "printf '%s\\n' '" + string(b) + "'"
}

func newPipeline(t *testing.T, cfg config.PipelineConfig, sa *scriptedAgent) *PipelineExecutor {
	t.Helper()
	runner := agent.New(
		config.AgentConfig{Command: "agent", Model: "sonnet", Timeout: 30 * time.Second},
		zap.NewNop(),
		agent.WithCommandFactory(sa.factory),
	)
	return NewPipelineExecutor(runner, cfg, nil, zap.NewNop())
}

func stageNames(out *ExecOutcome) []string {
	names := make([]string, 0, len(out.Stages))
	for _, s := range out.Stages {
		names = append(names, s.Stage)
	}
	return names
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name    string
		review  string
		verdict Verdict
		notes   string
	}{
		{"approved", "Looks solid.\nVERDICT: APPROVED", VerdictApproved, ""},
		{"revise with trailing notes", "VERDICT: REVISE\nAdd a nil check in the parser.", VerdictRevise, "Add a nil check in the parser."},
		{"revise with leading notes only", "The error path swallows the cause.\nVERDICT: REVISE", VerdictRevise, "The error path swallows the cause."},
		{"last verdict wins", "VERDICT: REVISE\nreconsidered\nVERDICT: APPROVED", VerdictApproved, ""},
		{"case insensitive", "verdict: revise\nfix naming", VerdictRevise, "fix naming"},
		{"indented", "  VERDICT: REVISE  \nsplit the function", VerdictRevise, "split the function"},
		{"no verdict means approved", "I made the change you asked for.", VerdictApproved, ""},
		{"verdict mid-sentence ignored", "I would say VERDICT: REVISE if pressed.", VerdictApproved, ""},
		{"unknown word ignored", "VERDICT: REVISED", VerdictApproved, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, notes := parseVerdict(tc.review)
			assert.Equal(t, tc.verdict, verdict)
			assert.Equal(t, tc.notes, notes)
		})
	}
}

func TestPipelineRunsAllStages(t *testing.T) {
	sa := &scriptedAgent{t: t, scripts: []string{
		say(t, "1. Add the flag\n2. Thread it through", 0.10),
		say(t, "Implemented both steps.", 0.40),
		say(t, "Tests written and passing.", 0.20),
		say(t, "Clean change.\nVERDICT: APPROVED", 0.05),
	}}
	pipe := newPipeline(t, config.PipelineConfig{
		Enabled:      true,
		MaxRevisions: 2,
		Planner:      config.StageConfig{Enabled: true, Model: "haiku"},
		Tester:       config.StageConfig{Enabled: true},
		Reviewer:     config.StageConfig{Enabled: true, Model: "opus"},
	}, sa)

	var seen []string
	out, err := pipe.Execute(context.Background(), ExecInput{
		Dir:         t.TempDir(),
		Tasks:       []task.Task{makeTask("t-1", "add a verbose flag", 1)},
		Attempt:     1,
		MaxAttempts: 3,
		OnStage:     func(stage string) { seen = append(seen, stage) },
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"planner", "coder", "tester", "reviewer"}, stageNames(out))
	assert.Equal(t, []string{"planner", "coder", "tester", "reviewer"}, seen)
	assert.Equal(t, "approved", out.Stages[3].Verdict)
	assert.Zero(t, out.Revisions)
	assert.InDelta(t, 0.75, out.CostUSD, 1e-9)
	assert.Equal(t, 8, out.Turns)
	assert.Equal(t, "planner+coder+tester+reviewer", out.StageLabel())

	require.Len(t, sa.prompts, 4)
	assert.Contains(t, sa.prompts[1], "1. Add the flag", "the coder must receive the plan")
	assert.Equal(t, "haiku", out.Stages[0].Model)
	assert.Equal(t, "opus", out.Stages[3].Model)
}

func TestPipelineReviseLoopFeedsNotesBack(t *testing.T) {
	sa := &scriptedAgent{t: t, scripts: []string{
		say(t, "First pass done.", 0.30),
		say(t, "VERDICT: REVISE\nThe new helper leaks the file handle.", 0.05),
		say(t, "Closed the handle with a defer.", 0.25),
		say(t, "VERDICT: APPROVED", 0.05),
	}}
	pipe := newPipeline(t, config.PipelineConfig{
		Enabled:      true,
		MaxRevisions: 2,
		Reviewer:     config.StageConfig{Enabled: true},
	}, sa)

	out, err := pipe.Execute(context.Background(), ExecInput{
		Dir:         t.TempDir(),
		Tasks:       []task.Task{makeTask("t-1", "extract a helper", 1)},
		Attempt:     1,
		MaxAttempts: 3,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"coder", "reviewer", "coder", "reviewer"}, stageNames(out))
	assert.Equal(t, 1, out.Revisions)
	assert.Equal(t, "revise", out.Stages[1].Verdict)
	assert.Equal(t, "approved", out.Stages[3].Verdict)
	assert.Equal(t, "coder+reviewer (revised)", out.StageLabel())

	require.Len(t, sa.prompts, 4)
	assert.Contains(t, sa.prompts[2], "leaks the file handle",
		"the second coder pass must see the reviewer's notes")
	assert.NotContains(t, sa.prompts[0], "leaks the file handle")
	assert.InDelta(t, 0.65, out.CostUSD, 1e-9)
}

func TestPipelineRevisionBudgetHandsOffToValidation(t *testing.T) {
	sa := &scriptedAgent{t: t, scripts: []string{
		say(t, "Change made.", 0.30),
		say(t, "VERDICT: REVISE\nStill not convinced.", 0.05),
	}}
	pipe := newPipeline(t, config.PipelineConfig{
		Enabled:      true,
		MaxRevisions: 0,
		Reviewer:     config.StageConfig{Enabled: true},
	}, sa)

	out, err := pipe.Execute(context.Background(), ExecInput{
		Dir:         t.TempDir(),
		Tasks:       []task.Task{makeTask("t-1", "rename things", 1)},
		Attempt:     1,
		MaxAttempts: 3,
	})

	// An exhausted revision budget is not an error; the tree goes to
	// validation as it stands.
	require.NoError(t, err)
	assert.Equal(t, []string{"coder", "reviewer"}, stageNames(out))
	assert.Equal(t, "revise", out.Stages[1].Verdict)
	assert.Equal(t, 1, out.Revisions)
	assert.Equal(t, "coder+reviewer (revised)", out.StageLabel())
}

func TestPipelineCoderOnly(t *testing.T) {
	sa := &scriptedAgent{t: t, scripts: []string{
		say(t, "Done in one pass.", 0.50),
	}}
	pipe := newPipeline(t, config.PipelineConfig{Enabled: true, MaxRevisions: 2}, sa)

	out, err := pipe.Execute(context.Background(), ExecInput{
		Dir:         t.TempDir(),
		Tasks:       []task.Task{makeTask("t-1", "tidy imports", 1)},
		Attempt:     1,
		MaxAttempts: 3,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"coder"}, stageNames(out))
	assert.Equal(t, "coder", out.StageLabel())
	assert.Equal(t, "Done in one pass.", out.Summary)
}

func TestPipelineStageFailureKeepsCost(t *testing.T) {
	sa := &scriptedAgent{t: t, scripts: []string{
		say(t, "Plan ready.", 0.30),
		`echo "agent exploded" >&2; exit 3`,
	}}
	pipe := newPipeline(t, config.PipelineConfig{
		Enabled:      true,
		MaxRevisions: 2,
		Planner:      config.StageConfig{Enabled: true},
	}, sa)

	out, err := pipe.Execute(context.Background(), ExecInput{
		Dir:         t.TempDir(),
		Tasks:       []task.Task{makeTask("t-1", "port the cache", 1)},
		Attempt:     1,
		MaxAttempts: 3,
	})

	require.Error(t, err)
	var execErr *agent.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Stderr, "agent exploded")

	require.NotNil(t, out, "a failed stage still reports what was spent")
	assert.Equal(t, []string{"planner", "coder"}, stageNames(out))
	assert.InDelta(t, 0.30, out.CostUSD, 1e-9)
}

func TestStageLabelEmpty(t *testing.T) {
	assert.Empty(t, (*ExecOutcome)(nil).StageLabel())
	assert.Empty(t, (&ExecOutcome{}).StageLabel())
}
