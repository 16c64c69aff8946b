// Package gitutil keeps shallow working copies of upstream repositories in
// sync for the git-backed crawlers.
package gitutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/quay/zlog"
)

// Operation timeouts. Clones move whole repositories; pulls only deltas.
const (
	CloneTimeout = 180 * time.Second
	PullTimeout  = 120 * time.Second
)

// Sync makes dir an up-to-date shallow (depth 1, single branch) checkout
// of the given repository. An existing checkout is pulled; a pull failure
// wipes the directory so this call, and every later one, falls back to a
// fresh clone.
func Sync(ctx context.Context, dir, url, branch string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/gitutil/Sync", "repo", url)

	if _, err := os.Stat(dir); err == nil {
		err := pull(ctx, dir)
		if err == nil {
			return nil
		}
		zlog.Warn(ctx).Err(err).Str("dir", dir).Msg("pull failed, wiping working copy")
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove stale checkout: %w", err)
		}
	}
	return clone(ctx, dir, url, branch)
}

func clone(ctx context.Context, dir, url, branch string) error {
	ctx, cancel := context.WithTimeout(ctx, CloneTimeout)
	defer cancel()
	zlog.Info(ctx).Str("dir", dir).Str("branch", branch).Msg("cloning repository")

	opts := git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if _, err := git.PlainCloneContext(ctx, dir, false, &opts); err != nil {
		// A half-finished clone would poison the next run.
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			zlog.Warn(ctx).Err(rmErr).Str("dir", dir).Msg("failed to remove partial clone")
		}
		return fmt.Errorf("failed to clone %q: %w", url, err)
	}
	return nil
}

func pull(ctx context.Context, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, PullTimeout)
	defer cancel()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("failed to open checkout: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{SingleBranch: true})
	switch {
	case err == nil:
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		zlog.Debug(ctx).Str("dir", dir).Msg("already up to date")
	default:
		return fmt.Errorf("failed to pull: %w", err)
	}
	return nil
}
