// Package vcs reads source-control state of a project's local checkout.
package vcs

import (
	"github.com/go-git/go-git/v5"
	"github.com/pkg/errors"
)

// Revision returns the HEAD commit hash of the repository containing path and
// whether its working tree has no pending changes.
func Revision(path string) (string, bool, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to open repository at %s", path)
	}

	head, err := repo.Head()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to resolve HEAD")
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to open worktree")
	}
	status, err := wt.Status()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to read worktree status")
	}

	return head.Hash().String(), status.IsClean(), nil
}

// RunInfo is written next to a run's artifacts when the source was clean.
type RunInfo struct {
	GitHash string `json:"gitHash"`
}
