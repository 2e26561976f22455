package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/ralph-tui/ralph/core"
	"github.com/stretchr/testify/require"
)

// initRepo creates a throwaway git repository with one commit, for tests
// that exercise real worktree add/remove against the git binary.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestPoolAcquireCreatesWorktreeAndBranch(t *testing.T) {
	repo := initRepo(t)
	pool, err := New(repo)
	require.NoError(t, err)

	task := core.Task{ID: "task-1"}
	info, err := pool.Acquire("worker-1", task)
	require.NoError(t, err)

	assert := require.New(t)
	assert.DirExists(info.Path)
	assert.Equal("ralph/task-1", info.Branch)
	assert.True(info.Active)

	t.Cleanup(func() { pool.CleanupAll() })
}

func TestPoolReleaseRemovesWorktree(t *testing.T) {
	repo := initRepo(t)
	pool, err := New(repo)
	require.NoError(t, err)

	info, err := pool.Acquire("worker-1", core.Task{ID: "task-1"})
	require.NoError(t, err)

	require.NoError(t, pool.Release("worker-1", false))

	_, ok := pool.Get("worker-1")
	require.False(t, ok)
	_, statErr := os.Stat(info.Path)
	require.True(t, os.IsNotExist(statErr))
}

func TestPoolIsDirtyReflectsWorktreeState(t *testing.T) {
	repo := initRepo(t)
	pool, err := New(repo)
	require.NoError(t, err)

	info, err := pool.Acquire("worker-1", core.Task{ID: "task-1"})
	require.NoError(t, err)
	t.Cleanup(func() { pool.CleanupAll() })

	dirty, err := pool.IsDirty("worker-1")
	require.NoError(t, err)
	require.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "new.txt"), []byte("x"), 0o644))

	dirty, err = pool.IsDirty("worker-1")
	require.NoError(t, err)
	require.True(t, dirty)
}

func TestPoolAcquireUsesWorkerPrefixedDirectoryName(t *testing.T) {
	repo := initRepo(t)
	pool, err := New(repo)
	require.NoError(t, err)
	t.Cleanup(func() { pool.CleanupAll() })

	info, err := pool.Acquire("w1", core.Task{ID: "task-1"})
	require.NoError(t, err)
	require.Equal(t, "worker-w1", filepath.Base(info.Path))
}

func TestPoolAcquireRefusesAboveMaxWorktrees(t *testing.T) {
	repo := initRepo(t)
	pool, err := New(repo)
	require.NoError(t, err)
	t.Cleanup(func() { pool.CleanupAll() })

	pool.SetMaxWorktrees(1)

	_, err = pool.Acquire("worker-1", core.Task{ID: "task-1"})
	require.NoError(t, err)

	_, err = pool.Acquire("worker-2", core.Task{ID: "task-2"})
	require.Error(t, err)
}

func TestPoolCleanupAllHandlesEmptyPool(t *testing.T) {
	repo := initRepo(t)
	pool, err := New(repo)
	require.NoError(t, err)

	errs := pool.CleanupAll()
	require.Empty(t, errs)
}
