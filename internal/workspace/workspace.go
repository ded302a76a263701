// Package workspace manages the ephemeral directories PR runs execute
// in: scoped temp-dir acquisition and shallow clones of the PR head.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// CloneError carries the stderr of a failed git clone.
type CloneError struct {
	Branch string
	Stderr string
	Err    error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("cloning branch %s: %s", e.Branch, e.Stderr)
}

func (e *CloneError) Unwrap() error {
	return e.Err
}

// With creates a fresh temp directory, invokes fn with its path, and
// removes the directory on every exit path.
func With(fn func(dir string) error) error {
	dir, err := os.MkdirTemp("", "sadguard-*")
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("failed to remove workspace", "dir", dir, "error", err)
		}
	}()
	return fn(dir)
}

// CloneBranch performs a shallow single-branch clone of branch from
// repoURL into dest. The URL may embed an access token.
func CloneBranch(ctx context.Context, repoURL, branch, dest string) error {
	cmd := exec.CommandContext(ctx, "git", "clone",
		"--depth", "1",
		"--single-branch",
		"--branch", branch,
		repoURL, dest)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &CloneError{
			Branch: branch,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return nil
}
