package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fixpoint/internal/config"
	"fixpoint/internal/jsonutil"
)

const writeAttempts = 5

// Store is the append-only record of every cycle. Derived state is read
// from memory; the file is persistence, reloaded on start.
type Store struct {
	path string
	cap  int
	log  *zap.Logger

	mu      sync.Mutex
	records []Record
}

type historyFile struct {
	Records []Record `json:"records"`
}

// Open loads the history at path, creating it on first use. A corrupt
// file is moved aside and recovery is attempted from the newest
// parseable write attempt before starting fresh; an unreadable history
// never blocks the loop.
func Open(path string, capacity int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: path, cap: capacity, log: logger}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("reading history: %w", err)
	}

	var hf historyFile
	if err := jsonutil.UnmarshalWithContext(data, "history file", &hf); err != nil {
		s.recover(err)
		return s, nil
	}
	s.records = hf.Records
	return s, nil
}

// ReadFile loads the records at path without opening a store. Observers
// use it: a missing file is an empty history, and a corrupt one is an
// error here rather than a recovery, since only the owning process may
// move files aside.
func ReadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	var hf historyFile
	if err := jsonutil.UnmarshalWithContext(data, "history file", &hf); err != nil {
		return nil, err
	}
	return hf.Records, nil
}

// recover moves the corrupt file aside and salvages the newest parseable
// leftover temp file, if any.
func (s *Store) recover(cause error) {
	corrupt := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, corrupt); err != nil {
		s.log.Error("history corrupt and could not be moved aside",
			zap.Error(cause), zap.NamedError("rename_error", err))
		return
	}
	s.log.Error("history corrupt, moved aside",
		zap.String("backup", corrupt), zap.Error(cause))

	matches, err := filepath.Glob(s.path + ".tmp-*")
	if err != nil || len(matches) == 0 {
		return
	}
	sort.Slice(matches, func(i, j int) bool {
		fi, errI := os.Stat(matches[i])
		fj, errJ := os.Stat(matches[j])
		if errI != nil || errJ != nil {
			return matches[i] > matches[j]
		}
		return fi.ModTime().After(fj.ModTime())
	})
	for _, candidate := range matches {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var hf historyFile
		if json.Unmarshal(data, &hf) == nil {
			s.records = hf.Records
			s.log.Warn("history recovered from interrupted write",
				zap.String("from", candidate), zap.Int("records", len(hf.Records)))
			return
		}
	}
}

// Append stores one record, assigning an id and timestamp when absent,
// prunes to capacity and persists. The in-memory view is updated even
// when the disk write fails, so derived safety state never regresses.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.records = append(s.records, rec)
	if s.cap > 0 && len(s.records) > s.cap {
		tail := make([]Record, s.cap)
		copy(tail, s.records[len(s.records)-s.cap:])
		s.records = tail
	}
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(historyFile{Records: s.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	var lastErr error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 3
		}
		if lastErr = jsonutil.WriteAtomic(s.path, data, 0o644); lastErr == nil {
			return nil
		}
	}
	s.log.Error("history write failed", zap.Error(lastErr))
	return fmt.Errorf("persisting history: %w", lastErr)
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns a copy of every record, oldest first.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(n int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.records) {
		n = len(s.records)
	}
	out := make([]Record, 0, n)
	for i := len(s.records) - 1; i >= len(s.records)-n; i-- {
		out = append(out, s.records[i])
	}
	return out
}

// RecentlyAttempted reports whether the fingerprint appears in the last
// window records. Requeued records do not count; their task must remain
// selectable.
func (s *Store) RecentlyAttempted(fingerprint string, window int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.records) - window
	if start < 0 {
		start = 0
	}
	for i := len(s.records) - 1; i >= start; i-- {
		rec := s.records[i]
		if rec.Requeued {
			continue
		}
		for _, fp := range rec.Fingerprints {
			if fp == fingerprint {
				return true
			}
		}
	}
	return false
}

// RequeueCount counts merge-requeued records naming the fingerprint
// within the last window records. The coordinator uses it to stop a
// task that keeps conflicting from bouncing forever.
func (s *Store) RequeueCount(fingerprint string, window int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.records) - window
	if start < 0 {
		start = 0
	}
	count := 0
	for i := len(s.records) - 1; i >= start; i-- {
		rec := s.records[i]
		if !rec.Requeued {
			continue
		}
		for _, fp := range rec.Fingerprints {
			if fp == fingerprint {
				count++
				break
			}
		}
	}
	return count
}

// ExecutedSince counts agent-running cycles recorded at or after t.
func (s *Store) ExecutedSince(t time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.records {
		if rec.executed() && !rec.Timestamp.Before(t) {
			count++
		}
	}
	return count
}

// CostSince sums recorded cost at or after t.
func (s *Store) CostSince(t time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for _, rec := range s.records {
		if !rec.Timestamp.Before(t) {
			total += rec.CostUSD
		}
	}
	return total
}

// ConsecutiveFailures derives the failure chain from the newest records:
// rollbacks extend it, a commit or reset marker ends it, everything else
// is neutral. Deriving instead of counting makes the breaker survive
// restarts.
func (s *Store) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		switch {
		case rec.Outcome == OutcomeCommitted || rec.Outcome == OutcomeReset:
			return count
		case rec.Outcome == OutcomeRolledBack && !rec.Requeued:
			count++
		}
	}
	return count
}

// ResetFailures appends the marker that clears the failure chain.
func (s *Store) ResetFailures(reason string) error {
	return s.Append(Record{Outcome: OutcomeReset, Detail: reason})
}

// BatchSize replays the trailing executed records through the adaptive
// rule: grow on commit, shrink on rollback, clamp to the configured
// bounds. Replaying history instead of keeping a counter makes the size
// restart-safe.
func (s *Store) BatchSize(cfg config.BatchConfig) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replay []Record
	for i := len(s.records) - 1; i >= 0 && len(replay) < cfg.Window; i-- {
		rec := s.records[i]
		if rec.executed() && !rec.Requeued {
			replay = append(replay, rec)
		}
	}

	size := cfg.Initial
	for i := len(replay) - 1; i >= 0; i-- {
		if replay[i].Outcome == OutcomeCommitted {
			size += cfg.Grow
		} else {
			size -= cfg.Shrink
		}
		if size < cfg.Min {
			size = cfg.Min
		}
		if size > cfg.Max {
			size = cfg.Max
		}
	}
	return size
}
