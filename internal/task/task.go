// Package task defines units of work and the sources that supply them.
package task

import (
	"context"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Task is one unit of work. A task is immutable once created and is
// consumed by a single cycle attempt; only a merge rejection puts it back.
type Task struct {
	ID          string
	Description string
	Source      string
	// Priority orders selection and merge-back; lower is more urgent.
	Priority    int
	Fingerprint string
	// SourceFile is the originating file for directory tasks, empty
	// otherwise.
	SourceFile string
}

// Fingerprint hashes the normalized description together with its scope.
// Two tasks asking for the same thing in the same scope collide, which is
// exactly what the selection dedup wants.
func Fingerprint(description, scope string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(description)), " ")
	h := blake3.New()
	h.Write([]byte(norm))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Source supplies tasks and tracks their lifecycle. Implementations must
// tolerate concurrent Claim calls from the worker pool.
type Source interface {
	Name() string
	// List returns pending tasks, most urgent first.
	List(ctx context.Context) ([]Task, error)
	// Claim takes a task out of the pending set.
	Claim(ctx context.Context, t Task) error
	// Release undoes a claim without charging the task a failure. Used
	// when a cycle is abandoned before the task itself can be blamed,
	// such as a merge requeue or a budget refusal.
	Release(ctx context.Context, t Task) error
	// Complete retires a committed task.
	Complete(ctx context.Context, t Task) error
	// Fail releases a claimed task. Retryable failures requeue it until
	// the source's failure cap, others retire it immediately.
	Fail(ctx context.Context, t Task, retryable bool) error
}

// SourceError marks a task source fault. The engine skips the cycle and
// keeps running; nothing about the repository is suspect.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("task source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
