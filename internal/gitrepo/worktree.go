package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// CreateWorktree adds a linked worktree at path on a new branch cut from
// base. Hooks are disabled inside the worktree so agent activity cannot
// trigger them. Worker branches are always fresh, so the branch must not
// already exist.
func (m *Manager) CreateWorktree(ctx context.Context, path, branch, base string) error {
	// Empty dir for core.hooksPath to disable hooks
	emptyHooksDir, err := os.MkdirTemp("", "fixpoint-nohooks")
	if err != nil {
		return fmt.Errorf("create temp hooks dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(emptyHooksDir) }()

	args := []string{
		"-c", "core.hooksPath=" + emptyHooksDir,
		"worktree", "add", "-b", branch, path, base,
	}
	if _, err := m.git(ctx, opTimeout, args...); err != nil {
		return err
	}
	m.log.Info("worktree created", zap.String("path", path), zap.String("branch", branch))
	return nil
}

// RemoveWorktree removes a linked worktree. A worktree that is already
// gone counts as removed.
func (m *Manager) RemoveWorktree(ctx context.Context, path string) error {
	_, err := m.git(ctx, opTimeout, "worktree", "remove", path, "--force")
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) &&
			(strings.Contains(gitErr.Output, "not a working tree") ||
				strings.Contains(gitErr.Output, "No such file")) {
			return nil
		}
		return err
	}
	return nil
}

// PruneWorktrees drops stale worktree bookkeeping left behind by removed
// directories.
func (m *Manager) PruneWorktrees(ctx context.Context) error {
	_, err := m.git(ctx, opTimeout, "worktree", "prune")
	return err
}

// DeleteBranch force-deletes a local branch after its worktree is gone.
func (m *Manager) DeleteBranch(ctx context.Context, branch string) error {
	_, err := m.git(ctx, opTimeout, "branch", "-D", branch)
	return err
}
