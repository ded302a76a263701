package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithCreatesAndRemovesDir(t *testing.T) {
	var captured string
	err := With(func(dir string) error {
		captured = dir
		info, statErr := os.Stat(dir)
		require.NoError(t, statErr)
		assert.True(t, info.IsDir())
		return nil
	})
	require.NoError(t, err)

	_, err = os.Stat(captured)
	assert.True(t, os.IsNotExist(err))
}

func TestWithRemovesDirOnError(t *testing.T) {
	var captured string
	wantErr := errors.New("boom")
	err := With(func(dir string) error {
		captured = dir
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	_, statErr := os.Stat(captured)
	assert.True(t, os.IsNotExist(statErr))
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}
}

// initTestRepo creates a local git repo with one commit on branch "main".
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('ok')\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestCloneBranch(t *testing.T) {
	requireGit(t)
	src := initTestRepo(t)
	dest := filepath.Join(t.TempDir(), "clone")

	err := CloneBranch(context.Background(), src, "main", dest)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dest, "app.py"))
	assert.NoError(t, err)
}

func TestCloneBranchMissingBranch(t *testing.T) {
	requireGit(t)
	src := initTestRepo(t)
	dest := filepath.Join(t.TempDir(), "clone")

	err := CloneBranch(context.Background(), src, "no-such-branch", dest)
	require.Error(t, err)

	var cloneErr *CloneError
	require.ErrorAs(t, err, &cloneErr)
	assert.Equal(t, "no-such-branch", cloneErr.Branch)
	assert.NotEmpty(t, cloneErr.Stderr)
}
