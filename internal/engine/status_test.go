package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fixpoint/internal/task"
)

func TestStatusWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "current_cycle.json")
	w := NewStatusWriter(path, zap.NewNop())

	before := time.Now().UTC()
	w.Write(Status{
		State:       "running",
		CycleID:     "c-1",
		Phase:       PhaseValidate,
		Stage:       "reviewer",
		StartedAt:   before,
		Tasks:       []TaskInfo{{ID: "t-1", Description: "tighten the parser"}},
		BatchSize:   1,
		Attempt:     2,
		MaxAttempts: 3,
		CostUSD:     0.37,
	})

	st, err := ReadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, "c-1", st.CycleID)
	assert.Equal(t, PhaseValidate, st.Phase)
	assert.Equal(t, "reviewer", st.Stage)
	assert.Equal(t, 2, st.Attempt)
	assert.InDelta(t, 0.37, st.CostUSD, 1e-9)
	require.Len(t, st.Tasks, 1)
	assert.Equal(t, "t-1", st.Tasks[0].ID)
	assert.False(t, st.UpdatedAt.Before(before), "Write must stamp UpdatedAt")
}

func TestStatusWriterOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "current_cycle.json")
	w := NewStatusWriter(path, zap.NewNop())

	w.Write(Status{State: "running", CycleID: "c-1", Phase: PhaseExecute})
	w.Write(Status{State: "running", CycleID: "c-1", Phase: PhaseCommit})

	st, err := ReadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommit, st.Phase)
}

func TestStatusWriterClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "current_cycle.json")
	w := NewStatusWriter(path, zap.NewNop())
	w.Write(Status{State: "running"})

	w.Clear()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Clearing an absent artifact is not an error.
	w.Clear()
}

func TestStatusWriterNilSafe(t *testing.T) {
	var w *StatusWriter
	w.Write(Status{State: "running"})
	w.Clear()
}

func TestReadStatusRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "current_cycle.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := ReadStatus(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status artifact")
}

func TestStatusPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("state", "current_cycle.json"), StatusPath("state"))
	assert.Equal(t, filepath.Join("state", "current_cycle_worker_3.json"), WorkerStatusPath("state", 3))
}

func TestTaskInfosTruncatesDescriptions(t *testing.T) {
	long := strings.Repeat("x", statusDescriptionLimit+40)
	infos := taskInfos([]task.Task{
		makeTask("t-1", "short", 1),
		makeTask("t-2", long, 1),
	})

	require.Len(t, infos, 2)
	assert.Equal(t, "short", infos[0].Description)
	assert.Len(t, infos[1].Description, statusDescriptionLimit+3)
	assert.True(t, strings.HasSuffix(infos[1].Description, "..."))
}

func TestPhaseRejectsUnknownLabel(t *testing.T) {
	var p Phase
	err := p.UnmarshalJSON([]byte(`"launch"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launch")
}
