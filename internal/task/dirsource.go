package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"fixpoint/internal/config"
)

const (
	claimedSuffix   = ".claimed"
	defaultPriority = 100
	doneDir         = "done"
	failedDir       = "failed"
	cleanupEvery    = time.Hour
)

// DirSource reads tasks from a directory of .md and .txt files. A numeric
// filename prefix sets the priority ("1-fix-races.md" outranks
// "20-docs.md"). Claiming renames the file so concurrent workers never
// pick the same task twice; finished tasks move to done/ or failed/.
type DirSource struct {
	dir          string
	maxFileBytes int64
	maxFailures  int
	retention    time.Duration
	log          *zap.Logger

	mu          sync.Mutex
	failures    map[string]int
	lastCleanup time.Time
}

// NewDirSource creates the task directory layout if needed.
func NewDirSource(cfg config.TasksConfig, logger *zap.Logger) (*DirSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, d := range []string{cfg.Dir, filepath.Join(cfg.Dir, doneDir), filepath.Join(cfg.Dir, failedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating task directory: %w", err)
		}
	}
	return &DirSource{
		dir:          cfg.Dir,
		maxFileBytes: cfg.MaxFileBytes,
		maxFailures:  cfg.MaxFailures,
		retention:    cfg.DoneRetention,
		log:          logger,
		failures:     make(map[string]int),
	}, nil
}

func (s *DirSource) Name() string { return "tasks" }

// List returns every unclaimed task file, priority then name order.
func (s *DirSource) List(ctx context.Context) ([]Task, error) {
	s.maybeCleanup()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &SourceError{Source: s.Name(), Err: err}
	}

	var tasks []Task
	for _, entry := range entries {
		if entry.IsDir() || !isTaskFile(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(s.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			// Claimed or removed between ReadDir and ReadFile.
			continue
		}
		tasks = append(tasks, s.taskFromFile(entry.Name(), path, raw))
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func (s *DirSource) taskFromFile(name, path string, raw []byte) Task {
	desc := sanitize(raw, s.maxFileBytes)
	if desc == "" {
		desc = descriptionFromName(name)
	}
	id := strings.TrimSuffix(name, filepath.Ext(name))
	return Task{
		ID:          id,
		Description: desc,
		Source:      s.Name(),
		Priority:    parsePriority(name),
		Fingerprint: Fingerprint(desc, s.Name()),
		SourceFile:  path,
	}
}

// Claim renames the task file out of the listing. Losing the rename race
// means another worker owns the task.
func (s *DirSource) Claim(_ context.Context, t Task) error {
	if t.SourceFile == "" {
		return nil
	}
	if err := os.Rename(t.SourceFile, t.SourceFile+claimedSuffix); err != nil {
		return &SourceError{Source: s.Name(), Err: fmt.Errorf("claiming %s: %w", t.ID, err)}
	}
	return nil
}

// Release puts a claimed task back without touching its failure count.
func (s *DirSource) Release(_ context.Context, t Task) error {
	if t.SourceFile == "" {
		return nil
	}
	err := os.Rename(t.SourceFile+claimedSuffix, t.SourceFile)
	if err != nil && !os.IsNotExist(err) {
		return &SourceError{Source: s.Name(), Err: fmt.Errorf("releasing %s: %w", t.ID, err)}
	}
	return nil
}

// Complete moves the claimed file into done/ and clears its failure count.
func (s *DirSource) Complete(_ context.Context, t Task) error {
	if t.SourceFile == "" {
		return nil
	}
	s.mu.Lock()
	delete(s.failures, filepath.Base(t.SourceFile))
	s.mu.Unlock()
	return s.retire(t, doneDir)
}

// Fail restores a retryable task to the queue until it has failed
// maxFailures times, then parks it in failed/. Non-retryable tasks go to
// failed/ immediately.
func (s *DirSource) Fail(_ context.Context, t Task, retryable bool) error {
	if t.SourceFile == "" {
		return nil
	}
	name := filepath.Base(t.SourceFile)

	s.mu.Lock()
	s.failures[name]++
	count := s.failures[name]
	s.mu.Unlock()

	if !retryable || count >= s.maxFailures {
		s.log.Warn("task retired after failures",
			zap.String("task", t.ID), zap.Int("failures", count))
		return s.retire(t, failedDir)
	}
	if err := os.Rename(t.SourceFile+claimedSuffix, t.SourceFile); err != nil {
		return &SourceError{Source: s.Name(), Err: fmt.Errorf("requeueing %s: %w", t.ID, err)}
	}
	return nil
}

func (s *DirSource) retire(t Task, sub string) error {
	src := t.SourceFile + claimedSuffix
	if _, err := os.Stat(src); err != nil {
		// Retired before the claim rename happened.
		src = t.SourceFile
	}
	if err := moveUnique(src, filepath.Join(s.dir, sub), filepath.Base(t.SourceFile)); err != nil {
		return &SourceError{Source: s.Name(), Err: fmt.Errorf("retiring %s: %w", t.ID, err)}
	}
	return nil
}

// moveUnique renames src into dir under name, suffixing a counter when
// the name is already taken.
func moveUnique(src, dir, name string) error {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	dst := filepath.Join(dir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		dst = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}
	return os.Rename(src, dst)
}

// maybeCleanup drops done/ and failed/ entries older than the retention
// window, at most once per hour.
func (s *DirSource) maybeCleanup() {
	s.mu.Lock()
	due := time.Since(s.lastCleanup) >= cleanupEvery
	if due {
		s.lastCleanup = time.Now()
	}
	s.mu.Unlock()
	if !due || s.retention <= 0 {
		return
	}

	cutoff := time.Now().Add(-s.retention)
	for _, sub := range []string{doneDir, failedDir} {
		entries, err := os.ReadDir(filepath.Join(s.dir, sub))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || info.IsDir() {
				continue
			}
			if info.ModTime().Before(cutoff) {
				_ = os.Remove(filepath.Join(s.dir, sub, entry.Name()))
			}
		}
	}
}

func isTaskFile(name string) bool {
	if strings.HasSuffix(name, claimedSuffix) || strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".md" || ext == ".txt"
}

func parsePriority(name string) int {
	i := 0
	for i < len(name) && name[i] >= '0' && name[i] <= '9' {
		i++
	}
	if i == 0 {
		return defaultPriority
	}
	p, err := strconv.Atoi(name[:i])
	if err != nil {
		return defaultPriority
	}
	return p
}

// sanitize strips control characters and caps the size so a task file
// cannot smuggle terminal escapes or flood the agent prompt.
func sanitize(raw []byte, max int64) string {
	if max > 0 && int64(len(raw)) > max {
		raw = raw[:max]
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range string(raw) {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func descriptionFromName(name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	stem = strings.TrimLeft(stem, "0123456789")
	stem = strings.Trim(stem, "-_")
	stem = strings.NewReplacer("-", " ", "_", " ").Replace(stem)
	if stem == "" {
		return name
	}
	return stem
}
