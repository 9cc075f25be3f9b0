package validate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fixpoint/internal/config"
)

func check(name, command string, timeout time.Duration) config.CheckConfig {
	return config.CheckConfig{Name: name, Command: command, Timeout: timeout}
}

func TestRunAllPass(t *testing.T) {
	v := New([]config.CheckConfig{
		check("build", "true", time.Minute),
		check("test", "echo ok", time.Minute),
	}, zap.NewNop())

	result := v.Run(context.Background(), t.TempDir())

	require.True(t, result.Passed)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, "build: PASS; test: PASS", result.Summary())
	assert.Empty(t, result.FailureContext())
}

func TestRunShortCircuits(t *testing.T) {
	v := New([]config.CheckConfig{
		check("build", "echo broken >&2; exit 1", time.Minute),
		check("test", "true", time.Minute),
	}, zap.NewNop())

	result := v.Run(context.Background(), t.TempDir())

	require.False(t, result.Passed)
	require.Len(t, result.Steps, 1, "second check must not run after a failure")
	assert.Equal(t, "build: FAIL", result.Summary())
	assert.Contains(t, result.FailureContext(), `check "build" failed`)
	assert.Contains(t, result.FailureContext(), "broken")
}

func TestRunTimeoutIsFailure(t *testing.T) {
	v := New([]config.CheckConfig{
		check("slow", "sleep 5", 50*time.Millisecond),
	}, zap.NewNop())

	result := v.Run(context.Background(), t.TempDir())

	require.False(t, result.Passed)
	require.Len(t, result.Steps, 1)
	assert.True(t, result.Steps[0].TimedOut)
	assert.Equal(t, "slow: TIMEOUT", result.Summary())
	assert.Contains(t, result.FailureContext(), "timed out")
}

func TestRunUsesWorkingDir(t *testing.T) {
	dir := t.TempDir()
	v := New([]config.CheckConfig{
		check("pwd", `test "$(pwd)" = "`+dir+`"`, time.Minute),
	}, zap.NewNop())

	result := v.Run(context.Background(), dir)
	assert.True(t, result.Passed)
}

func TestTruncateTailKeepsEnd(t *testing.T) {
	long := strings.Repeat("x", failureContextLimit) + "the verdict"
	got := truncateTail(long, failureContextLimit)

	assert.True(t, strings.HasPrefix(got, "[truncated]\n"))
	assert.True(t, strings.HasSuffix(got, "the verdict"))
	assert.LessOrEqual(t, len(got), failureContextLimit+len("[truncated]\n"))
}

func TestProtectedPathHit(t *testing.T) {
	patterns := []string{".git/", "secrets/", "*.pem", "go.sum"}

	assert.Equal(t, ".git/config", ProtectedPathHit([]string{"main.go", ".git/config"}, patterns))
	assert.Equal(t, "secrets/api.txt", ProtectedPathHit([]string{"secrets/api.txt"}, patterns))
	assert.Equal(t, "certs/server.pem", ProtectedPathHit([]string{"certs/server.pem"}, patterns))
	assert.Equal(t, "go.sum", ProtectedPathHit([]string{"go.sum"}, patterns))
	assert.Empty(t, ProtectedPathHit([]string{"main.go", "internal/a/b.go"}, patterns))
	assert.Empty(t, ProtectedPathHit(nil, patterns))
}
