package safety

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fixpoint/internal/config"
	"fixpoint/internal/history"
)

func testGate(t *testing.T, cfg config.SafetyConfig) (*Gate, *history.Store) {
	t.Helper()
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.json"), 1000, zap.NewNop())
	require.NoError(t, err)

	g := New(cfg, t.TempDir(), hist, zap.NewNop())
	g.diskFree = func(string) (uint64, error) { return 100 << 30, nil }
	g.memAvailable = func() (uint64, bool, error) { return 8 << 30, true, nil }
	return g, hist
}

func baseCfg() config.SafetyConfig {
	return config.SafetyConfig{
		LockStaleAfter:         24 * time.Hour,
		MinDiskMB:              500,
		MinMemoryMB:            256,
		MaxCyclesPerHour:       30,
		MaxCostPerHourUSD:      10,
		MaxConsecutiveFailures: 5,
	}
}

func appendN(t *testing.T, hist *history.Store, n int, rec history.Record) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, hist.Append(rec))
	}
}

func TestPreFlightPassesClean(t *testing.T) {
	g, _ := testGate(t, baseCfg())
	require.NoError(t, g.PreFlight())
}

func TestBreakerTripsExactlyAtThreshold(t *testing.T) {
	g, hist := testGate(t, baseCfg())

	appendN(t, hist, 4, history.Record{Outcome: history.OutcomeRolledBack})
	require.NoError(t, g.PreFlight(), "one under the limit still runs")

	require.NoError(t, hist.Append(history.Record{Outcome: history.OutcomeRolledBack}))
	err := g.PreFlight()
	require.Error(t, err)

	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "failures", v.Check)
	assert.True(t, v.Breaker, "breaker violations must halt, not skip")
}

func TestDiskViolation(t *testing.T) {
	g, _ := testGate(t, baseCfg())
	g.diskFree = func(string) (uint64, error) { return 100 << 20, nil }

	var v *Violation
	require.ErrorAs(t, g.PreFlight(), &v)
	assert.Equal(t, "disk", v.Check)
	assert.False(t, v.Breaker)
}

func TestMemoryViolationAndSkip(t *testing.T) {
	g, _ := testGate(t, baseCfg())
	g.memAvailable = func() (uint64, bool, error) { return 64 << 20, true, nil }

	var v *Violation
	require.ErrorAs(t, g.PreFlight(), &v)
	assert.Equal(t, "memory", v.Check)

	// Platforms without the probe skip the check entirely.
	g.memAvailable = func() (uint64, bool, error) { return 0, false, nil }
	require.NoError(t, g.PreFlight())
}

func TestRateLimitCountsExecutedCycles(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxCyclesPerHour = 3
	g, hist := testGate(t, cfg)

	appendN(t, hist, 2, history.Record{Outcome: history.OutcomeCommitted})
	appendN(t, hist, 5, history.Record{Outcome: history.OutcomeSkipped})
	require.NoError(t, g.PreFlight(), "skipped cycles do not consume the budget")

	require.NoError(t, hist.Append(history.Record{Outcome: history.OutcomeRolledBack}))
	var v *Violation
	require.ErrorAs(t, g.PreFlight(), &v)
	assert.Equal(t, "rate", v.Check)
}

func TestCostLimit(t *testing.T) {
	g, hist := testGate(t, baseCfg())

	require.NoError(t, hist.Append(history.Record{Outcome: history.OutcomeCommitted, CostUSD: 10.5}))
	var v *Violation
	require.ErrorAs(t, g.PreFlight(), &v)
	assert.Equal(t, "cost", v.Check)
}

func TestAllowsCostKeepsGuardMargin(t *testing.T) {
	g, hist := testGate(t, baseCfg())
	require.NoError(t, hist.Append(history.Record{Outcome: history.OutcomeCommitted, CostUSD: 8}))

	assert.True(t, g.AllowsCost(0.9), "8.9 fits under the 9.0 guard")
	assert.False(t, g.AllowsCost(1.5), "9.5 would breach the guard")
}

func TestBreakerResetFileConsumed(t *testing.T) {
	cfg := baseCfg()
	resetFile := filepath.Join(t.TempDir(), "breaker.reset")
	cfg.BreakerResetFile = resetFile
	g, hist := testGate(t, cfg)

	appendN(t, hist, 5, history.Record{Outcome: history.OutcomeRolledBack})
	require.NoError(t, os.WriteFile(resetFile, nil, 0o644))

	require.NoError(t, g.PreFlight(), "reset file clears the chain before the breaker check")
	assert.NoFileExists(t, resetFile, "reset is single-use")
	assert.Equal(t, 0, hist.ConsecutiveFailures())
}
