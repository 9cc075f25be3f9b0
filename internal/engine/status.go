package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"fixpoint/internal/jsonutil"
	"fixpoint/internal/task"
)

// Status is the live cycle state written for external observers. The
// fixdash TUI polls it; nothing in the loop reads it back.
type Status struct {
	State       string     `json:"state"` // "running" or "halted"
	CycleID     string     `json:"cycle_id"`
	Worker      string     `json:"worker,omitempty"`
	Phase       Phase      `json:"phase"`
	Stage       string     `json:"stage,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Tasks       []TaskInfo `json:"tasks,omitempty"`
	BatchSize   int        `json:"batch_size,omitempty"`
	Attempt     int        `json:"attempt,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
	CostUSD     float64    `json:"cost_usd"`
}

// TaskInfo is the slice of a task worth showing on a dashboard.
type TaskInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

const statusDescriptionLimit = 160

func taskInfos(tasks []task.Task) []TaskInfo {
	infos := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		desc := t.Description
		if len(desc) > statusDescriptionLimit {
			desc = desc[:statusDescriptionLimit] + "..."
		}
		infos = append(infos, TaskInfo{ID: t.ID, Description: desc})
	}
	return infos
}

// StatusPath is the main loop's status artifact inside the state dir.
func StatusPath(stateDir string) string {
	return filepath.Join(stateDir, "current_cycle.json")
}

// WorkerStatusPath is a worker session's status artifact.
func WorkerStatusPath(stateDir string, worker int) string {
	return filepath.Join(stateDir, fmt.Sprintf("current_cycle_worker_%d.json", worker))
}

// StatusWriter maintains one status artifact. Writes are atomic and
// best effort; a failed write never fails the cycle.
type StatusWriter struct {
	path string
	log  *zap.Logger
}

// NewStatusWriter builds a writer for the artifact at path.
func NewStatusWriter(path string, logger *zap.Logger) *StatusWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusWriter{path: path, log: logger}
}

// Write replaces the artifact with st, stamping UpdatedAt.
func (w *StatusWriter) Write(st Status) {
	if w == nil {
		return
	}
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		w.log.Warn("marshaling status", zap.Error(err))
		return
	}
	if err := jsonutil.WriteAtomic(w.path, data, 0o644); err != nil {
		w.log.Warn("writing status artifact", zap.Error(err))
	}
}

// Clear removes the artifact at cycle end.
func (w *StatusWriter) Clear() {
	if w == nil {
		return
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		w.log.Warn("clearing status artifact", zap.Error(err))
	}
}

// ReadStatus loads a status artifact, for observers.
func ReadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := jsonutil.UnmarshalWithContext(data, "status artifact", &st); err != nil {
		return nil, err
	}
	return &st, nil
}
