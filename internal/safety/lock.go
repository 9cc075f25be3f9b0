package safety

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"fixpoint/internal/jsonutil"
)

// lockRecord is the JSON body of the lock file.
type lockRecord struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a single-process guard backed by an atomically created file.
// There is no release on crash; instead the next run reclaims the lock
// when its holder is dead or the record is older than staleAfter.
type Lock struct {
	path       string
	staleAfter time.Duration
	log        *zap.Logger

	// pidAlive reports whether a pid exists; replaced in tests.
	pidAlive func(pid int) bool
}

// NewLock returns an unacquired lock at path.
func NewLock(path string, staleAfter time.Duration, logger *zap.Logger) *Lock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lock{
		path:       path,
		staleAfter: staleAfter,
		log:        logger,
		pidAlive:   pidAlive,
	}
}

// Acquire takes the lock or returns a Violation describing the holder.
// A stale lock is reclaimed: the record is removed and creation retried,
// so two racing reclaimers still end with a single holder.
func (l *Lock) Acquire() error {
	for attempt := 0; attempt < 2; attempt++ {
		err := l.create()
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("creating lock %s: %w", l.path, err)
		}

		holder, readErr := l.read()
		if readErr == nil && !l.stale(holder) {
			return &Violation{
				Check: "lock",
				Reason: fmt.Sprintf("another run holds the lock (pid %d since %s)",
					holder.PID, holder.StartedAt.Format(time.RFC3339)),
			}
		}
		if readErr != nil {
			l.log.Warn("unreadable lock treated as stale", zap.Error(readErr))
		} else {
			l.log.Warn("reclaiming stale lock",
				zap.Int("pid", holder.PID), zap.Time("started_at", holder.StartedAt))
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale lock: %w", err)
		}
	}
	return &Violation{Check: "lock", Reason: "lost the lock reclaim race"}
}

func (l *Lock) create() error {
	hostname, _ := os.Hostname()
	data, err := json.Marshal(lockRecord{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		return err
	}
	return f.Close()
}

func (l *Lock) read() (lockRecord, error) {
	var rec lockRecord
	data, err := os.ReadFile(l.path)
	if err != nil {
		return rec, err
	}
	if err := jsonutil.UnmarshalWithContext(data, "lock file", &rec); err != nil {
		return rec, err
	}
	if rec.PID <= 0 {
		return rec, fmt.Errorf("lock file has no pid")
	}
	return rec, nil
}

// stale reports whether the holder can be ignored. The pid probe only
// means something on the host that took the lock; across hosts the age
// threshold decides alone.
func (l *Lock) stale(rec lockRecord) bool {
	if time.Since(rec.StartedAt) > l.staleAfter {
		return true
	}
	hostname, _ := os.Hostname()
	if rec.Hostname != "" && rec.Hostname != hostname {
		return false
	}
	return !l.pidAlive(rec.PID)
}

// Release drops the lock if this process still holds it. Safe to call
// without a prior successful Acquire.
func (l *Lock) Release() {
	rec, err := l.read()
	if err != nil {
		return
	}
	if rec.PID != os.Getpid() {
		l.log.Warn("not releasing lock held by another pid", zap.Int("pid", rec.PID))
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.log.Warn("releasing lock", zap.Error(err))
	}
}

// pidAlive probes with signal 0. EPERM still means the process exists.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
