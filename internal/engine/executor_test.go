package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fixpoint/internal/agent"
	"fixpoint/internal/config"
	"fixpoint/internal/task"
)

func TestSingleExecutorRunsOneInvocation(t *testing.T) {
	sa := &scriptedAgent{t: t, scripts: []string{
		say(t, "Renamed the receiver and fixed the doc comment.", 0.42),
	}}
	runner := agent.New(
		config.AgentConfig{Command: "agent", Model: "sonnet", Timeout: 30 * time.Second},
		zap.NewNop(),
		agent.WithCommandFactory(sa.factory),
	)
	single := NewSingleExecutor(runner, []string{".github/"}, zap.NewNop())

	out, err := single.Execute(context.Background(), ExecInput{
		Dir:            t.TempDir(),
		Tasks:          []task.Task{makeTask("t-1", "rename the receiver", 1)},
		FailureContext: `check "vet" failed:` + "\nexit status 1",
		Attempt:        2,
		MaxAttempts:    3,
	})

	require.NoError(t, err)
	assert.Equal(t, "single", single.Name())
	assert.InDelta(t, 0.42, out.CostUSD, 1e-9)
	assert.Equal(t, 2, out.Turns)
	assert.Equal(t, "Renamed the receiver and fixed the doc comment.", out.Summary)
	assert.Empty(t, out.Stages)

	require.Len(t, sa.prompts, 1)
	prompt := sa.prompts[0]
	assert.Contains(t, prompt, "rename the receiver")
	assert.Contains(t, prompt, ".github/")
	assert.Contains(t, prompt, `check "vet" failed`)
	assert.Contains(t, prompt, "attempt 2 of 3")
}

func TestSingleExecutorReportsCostOnFailure(t *testing.T) {
	sa := &scriptedAgent{t: t, scripts: []string{
		`echo "out of quota" >&2; exit 2`,
	}}
	runner := agent.New(
		config.AgentConfig{Command: "agent", Model: "sonnet", Timeout: 30 * time.Second},
		zap.NewNop(),
		agent.WithCommandFactory(sa.factory),
	)
	single := NewSingleExecutor(runner, nil, zap.NewNop())

	out, err := single.Execute(context.Background(), ExecInput{
		Dir:         t.TempDir(),
		Tasks:       []task.Task{makeTask("t-1", "anything", 1)},
		Attempt:     1,
		MaxAttempts: 3,
	})

	require.Error(t, err)
	var execErr *agent.ExecError
	require.ErrorAs(t, err, &execErr)
	require.NotNil(t, out)
	assert.Zero(t, out.CostUSD, "a run that died before replying has no parsed cost")
}

func TestSummarizeCapsLongText(t *testing.T) {
	long := make([]byte, summaryLimit+100)
	for i := range long {
		long[i] = 'a'
	}
	got := summarize("  " + string(long) + "  ")
	assert.Len(t, got, summaryLimit+3)

	assert.Equal(t, "short", summarize(" short \n"))
}
