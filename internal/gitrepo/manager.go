// Package gitrepo wraps the git operations the cycle engine depends on.
// Every failure here is fatal to the loop; callers never retry git.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	opTimeout     = 2 * time.Minute
	commitTimeout = 5 * time.Minute
	// Git truncates commit messages around this size; longer bodies are
	// cut before handing them over.
	maxMessageBytes = 65536
)

// GitError wraps a failed git invocation with its captured output.
type GitError struct {
	Op     string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("git %s: %s", e.Op, e.Output)
	}
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

type runFunc func(ctx context.Context, dir string, args ...string) (string, error)

// Manager runs git against one working tree. For worker worktrees, derive
// a bound manager with ForWorktree.
type Manager struct {
	dir        string
	mainBranch string
	remote     string
	log        *zap.Logger

	run runFunc
}

// New returns a manager for the working tree at dir. The tree may be the
// main repository or a linked worktree.
func New(dir, mainBranch, remote string, logger *zap.Logger) (*Manager, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dir:        dir,
		mainBranch: mainBranch,
		remote:     remote,
		log:        logger,
		run:        runGit,
	}, nil
}

// ForWorktree returns a manager bound to a linked worktree, sharing this
// manager's configuration.
func (m *Manager) ForWorktree(path string) *Manager {
	return &Manager{
		dir:        path,
		mainBranch: m.mainBranch,
		remote:     m.remote,
		log:        m.log.With(zap.String("worktree", filepath.Base(path))),
		run:        m.run,
	}
}

// Dir returns the working tree this manager operates on.
func (m *Manager) Dir() string { return m.dir }

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", &GitError{Op: strings.Join(args, " "), Output: msg, Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (m *Manager) git(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.run(ctx, m.dir, args...)
}

// Snapshot returns the commit hash of HEAD. It is captured before any
// mutation and is the only rollback target for the cycle.
func (m *Manager) Snapshot(ctx context.Context) (string, error) {
	return m.git(ctx, opTimeout, "rev-parse", "HEAD")
}

// Rollback discards every change since the snapshot: tracked files are
// reset byte for byte and untracked files are removed.
func (m *Manager) Rollback(ctx context.Context, snapshot string) error {
	if _, err := m.git(ctx, opTimeout, "reset", "--hard", snapshot); err != nil {
		return err
	}
	if _, err := m.git(ctx, opTimeout, "clean", "-fd"); err != nil {
		return err
	}
	m.log.Info("rolled back", zap.String("snapshot", short(snapshot)))
	return nil
}

// ChangedFiles returns staged, unstaged and untracked paths relative to
// the tree root, deduplicated, in git's reporting order.
func (m *Manager) ChangedFiles(ctx context.Context) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	for _, args := range [][]string{
		{"diff", "--cached", "--name-only"},
		{"diff", "--name-only"},
		{"ls-files", "--others", "--exclude-standard"},
	} {
		out, err := m.git(ctx, opTimeout, args...)
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || seen[line] {
				continue
			}
			seen[line] = true
			files = append(files, line)
		}
	}
	return files, nil
}

// HasChanges reports whether the working tree differs from HEAD.
func (m *Manager) HasChanges(ctx context.Context) (bool, error) {
	files, err := m.ChangedFiles(ctx)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// Commit stages everything and commits with the given message, returning
// the new commit hash.
func (m *Manager) Commit(ctx context.Context, message string) (string, error) {
	if len(message) > maxMessageBytes {
		message = message[:maxMessageBytes]
	}
	if _, err := m.git(ctx, commitTimeout, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := m.git(ctx, commitTimeout, "commit", "-m", message); err != nil {
		return "", err
	}
	hash, err := m.git(ctx, opTimeout, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	m.log.Info("committed", zap.String("commit", short(hash)))
	return hash, nil
}

// Push publishes the main branch to the configured remote.
func (m *Manager) Push(ctx context.Context) error {
	_, err := m.git(ctx, commitTimeout, "push", m.remote, m.mainBranch)
	return err
}

// CurrentBranch returns the branch checked out in this tree.
func (m *Manager) CurrentBranch(ctx context.Context) (string, error) {
	return m.git(ctx, opTimeout, "rev-parse", "--abbrev-ref", "HEAD")
}

// RevParse resolves a ref to a commit hash.
func (m *Manager) RevParse(ctx context.Context, ref string) (string, error) {
	return m.git(ctx, opTimeout, "rev-parse", ref)
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
