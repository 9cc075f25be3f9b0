package gitrepo

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrMergeConflict marks a merge or rebase the repository rejected.
// The branch is left as it was; the caller decides whether to requeue.
var ErrMergeConflict = errors.New("merge conflict")

// MergeBranch lands branch onto the checked-out main branch using the
// given strategy. Any merge failure is reported as ErrMergeConflict after
// the tree is restored, so the loop never sits on a half-finished merge.
//
// Strategies:
//   - "ff":     fast-forward only
//   - "merge":  merge commit, no fast-forward
//   - "rebase": caller rebases the branch first (RebaseOntoMain), then
//     this fast-forwards
func (m *Manager) MergeBranch(ctx context.Context, branch, strategy string) error {
	if _, err := m.git(ctx, opTimeout, "rev-parse", "--verify", branch); err != nil {
		return err
	}

	var args []string
	switch strategy {
	case "merge":
		args = []string{"merge", "--no-ff", "--no-edit", branch}
	case "ff", "rebase":
		args = []string{"merge", "--ff-only", branch}
	default:
		return fmt.Errorf("unknown merge strategy %q", strategy)
	}

	if _, err := m.git(ctx, opTimeout, args...); err != nil {
		_, _ = m.git(ctx, opTimeout, "merge", "--abort")
		var gitErr *GitError
		if errors.As(err, &gitErr) {
			return fmt.Errorf("%w: merging %s: %s", ErrMergeConflict, branch, gitErr.Output)
		}
		return fmt.Errorf("%w: merging %s: %v", ErrMergeConflict, branch, err)
	}
	m.log.Info("merged", zap.String("branch", branch), zap.String("strategy", strategy))
	return nil
}

// RebaseOntoMain replays the worktree's branch on top of the main branch.
// Run on a worktree-bound manager so the main checkout never moves. A
// failed rebase is aborted and reported as ErrMergeConflict.
func (m *Manager) RebaseOntoMain(ctx context.Context) error {
	if _, err := m.git(ctx, commitTimeout, "rebase", m.mainBranch); err != nil {
		_, _ = m.git(ctx, opTimeout, "rebase", "--abort")
		var gitErr *GitError
		if errors.As(err, &gitErr) {
			return fmt.Errorf("%w: rebasing onto %s: %s", ErrMergeConflict, m.mainBranch, gitErr.Output)
		}
		return fmt.Errorf("%w: rebasing onto %s: %v", ErrMergeConflict, m.mainBranch, err)
	}
	return nil
}
