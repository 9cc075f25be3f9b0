package dashboard

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	git "github.com/go-git/go-git/v5"

	"fixpoint/internal/config"
	"fixpoint/internal/engine"
	"fixpoint/internal/history"
	"fixpoint/internal/jsonutil"
)

// statsWindow is the trailing window the stats panel aggregates over.
const statsWindow = 24 * time.Hour

// lockInfo mirrors the loop's lock file. The dashboard reads artifacts,
// it never locks anything itself.
type lockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// snapshot is one poll of the loop's on-disk state. Missing artifacts
// are normal, the loop may be idle or not running at all, so absent
// parts stay nil rather than erroring the poll.
type snapshot struct {
	taken   time.Time
	lock    *lockInfo
	status  *engine.Status
	workers []engine.Status
	records []history.Record
	stats   history.Stats
	branch  string
	head    string
}

// collect gathers everything one refresh needs.
func collect(cfg *config.Config) snapshot {
	snap := snapshot{taken: time.Now()}

	if data, err := os.ReadFile(cfg.Safety.LockPath); err == nil {
		var li lockInfo
		if jsonutil.UnmarshalWithContext(data, "lock file", &li) == nil && li.PID > 0 {
			snap.lock = &li
		}
	}

	if st, err := engine.ReadStatus(engine.StatusPath(cfg.Paths.StateDir)); err == nil {
		snap.status = st
	}
	snap.workers = collectWorkers(cfg.Paths.StateDir)

	if records, err := history.ReadFile(cfg.Paths.HistoryFile); err == nil {
		snap.records = records
		snap.stats = history.ComputeStats(records, statsWindow)
	}

	snap.branch, snap.head = repoHead(cfg.Target.RepoPath)
	return snap
}

// collectWorkers reads every per-worker status artifact in the state
// dir, ordered by worker label.
func collectWorkers(stateDir string) []engine.Status {
	matches, err := filepath.Glob(filepath.Join(stateDir, "current_cycle_worker_*.json"))
	if err != nil {
		return nil
	}
	var workers []engine.Status
	for _, path := range matches {
		st, err := engine.ReadStatus(path)
		if err != nil {
			continue
		}
		workers = append(workers, *st)
	}
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].Worker < workers[j].Worker
	})
	return workers
}

// repoHead reads the target's current branch and short commit hash.
func repoHead(repoPath string) (branch, head string) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", ""
	}
	ref, err := repo.Head()
	if err != nil {
		return "", ""
	}
	hash := ref.Hash().String()
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return ref.Name().Short(), hash
}
