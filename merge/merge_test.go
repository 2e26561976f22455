package merge

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ralph-tui/ralph/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return string(out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func initRepoWithBranch(t *testing.T) (repoDir string) {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "master")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	writeFile(t, dir, "README.md", "base\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	runGit(t, dir, "branch", "feature")
	return dir
}

func TestEngineFastForwardMerge(t *testing.T) {
	repo := initRepoWithBranch(t)
	runGit(t, repo, "checkout", "-q", "feature")
	writeFile(t, repo, "feature.txt", "new\n")
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-q", "-m", "feature work")
	runGit(t, repo, "checkout", "-q", "master")

	e := New(repo)
	e.Enqueue("feature", "merge feature", "task-1")

	op, err := e.ProcessNext()
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, core.MergeSucceeded, op.Status)
	assert.Equal(t, core.StrategyFastForward, op.Strategy)
	assert.False(t, op.HadConflicts)
	assert.NotEmpty(t, op.PreMergeTag)
}

func TestEngineMergeCommitWhenDiverged(t *testing.T) {
	repo := initRepoWithBranch(t)

	runGit(t, repo, "checkout", "-q", "feature")
	writeFile(t, repo, "feature.txt", "from feature\n")
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-q", "-m", "feature work")

	runGit(t, repo, "checkout", "-q", "master")
	writeFile(t, repo, "host.txt", "from host\n")
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-q", "-m", "host work")

	e := New(repo)
	e.Enqueue("feature", "merge feature", "task-1")

	op, err := e.ProcessNext()
	require.NoError(t, err)
	assert.Equal(t, core.MergeSucceeded, op.Status)
	assert.Equal(t, core.StrategyMergeCommit, op.Strategy)
}

func TestEngineConflictRollsBackToPreMergeTag(t *testing.T) {
	repo := initRepoWithBranch(t)

	runGit(t, repo, "checkout", "-q", "feature")
	writeFile(t, repo, "README.md", "feature version\n")
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-q", "-m", "feature edits README")

	runGit(t, repo, "checkout", "-q", "master")
	writeFile(t, repo, "README.md", "host version\n")
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-q", "-m", "host edits README")

	preConflictHead := runGit(t, repo, "rev-parse", "HEAD")

	e := New(repo)
	e.Enqueue("feature", "merge feature", "task-1")

	op, err := e.ProcessNext()
	require.NoError(t, err)
	assert.Equal(t, core.MergeConflicted, op.Status)
	assert.True(t, op.HadConflicts)
	assert.NotEmpty(t, op.FilesChanged)

	postHead := runGit(t, repo, "rev-parse", "HEAD")
	assert.Equal(t, preConflictHead, postHead)
}

func TestEngineProcessAllDrainsQueue(t *testing.T) {
	repo := initRepoWithBranch(t)
	runGit(t, repo, "checkout", "-q", "feature")
	writeFile(t, repo, "f.txt", "x\n")
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-q", "-m", "work")
	runGit(t, repo, "checkout", "-q", "master")

	e := New(repo)
	e.Enqueue("feature", "merge feature", "task-1")

	results := e.ProcessAll()
	require.Len(t, results, 1)
	assert.Empty(t, e.Pending())
}

func TestRollbackSessionFailsWithoutBackup(t *testing.T) {
	repo := initRepoWithBranch(t)
	e := New(repo)
	err := e.RollbackSession()
	require.Error(t, err)
}

func TestRollbackSessionRestoresPreSessionHead(t *testing.T) {
	repo := initRepoWithBranch(t)
	e := New(repo)

	sessionHead := runGit(t, repo, "rev-parse", "HEAD")
	tag, err := e.CreateSessionBackup("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "ralph-session/sess-1", tag)

	// A merge lands on the host branch after the session backup.
	runGit(t, repo, "checkout", "-q", "feature")
	writeFile(t, repo, "t1.txt", "t1\n")
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-q", "-m", "t1 work")
	runGit(t, repo, "checkout", "-q", "master")
	e.Enqueue("feature", "merge t1", "t1")
	op1, err := e.ProcessNext()
	require.NoError(t, err)
	require.Equal(t, core.MergeSucceeded, op1.Status)

	require.NoError(t, e.RollbackSession())

	postHead := runGit(t, repo, "rev-parse", "HEAD")
	assert.Equal(t, sessionHead, postHead)
}

func TestRollbackMergeByIDNotFound(t *testing.T) {
	repo := initRepoWithBranch(t)
	e := New(repo)
	err := e.RollbackMerge("nonexistent-op-id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRollbackMergeByIDResetsToPreMergeTag(t *testing.T) {
	repo := initRepoWithBranch(t)
	e := New(repo)

	preMergeHead := runGit(t, repo, "rev-parse", "HEAD")

	runGit(t, repo, "checkout", "-q", "feature")
	writeFile(t, repo, "t1.txt", "t1\n")
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-q", "-m", "t1 work")
	runGit(t, repo, "checkout", "-q", "master")

	op := e.Enqueue("feature", "merge t1", "t1")
	processed, err := e.ProcessNext()
	require.NoError(t, err)
	require.Equal(t, core.MergeSucceeded, processed.Status)
	require.NotEqual(t, preMergeHead, runGit(t, repo, "rev-parse", "HEAD"))

	require.NoError(t, e.RollbackMerge(op.ID))
	assert.Equal(t, preMergeHead, runGit(t, repo, "rev-parse", "HEAD"))
}

func TestCleanupTagsRemovesSessionAndPreMergeTags(t *testing.T) {
	repo := initRepoWithBranch(t)
	e := New(repo)

	_, err := e.CreateSessionBackup("sess-1")
	require.NoError(t, err)

	runGit(t, repo, "checkout", "-q", "feature")
	writeFile(t, repo, "t1.txt", "t1\n")
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-q", "-m", "t1 work")
	runGit(t, repo, "checkout", "-q", "master")

	op := e.Enqueue("feature", "merge t1", "t1")
	_, err = e.ProcessNext()
	require.NoError(t, err)

	errs := e.CleanupTags()
	assert.Empty(t, errs)

	tags := runGit(t, repo, "tag", "-l")
	assert.NotContains(t, tags, "ralph-session/sess-1")
	assert.NotContains(t, tags, op.PreMergeTag)
}

func TestPreMergeTagUsesSanitizedTaskID(t *testing.T) {
	repo := initRepoWithBranch(t)
	e := New(repo)
	e.Enqueue("feature", "merge", "task/with spaces")
	runGit(t, repo, "checkout", "-q", "feature")
	writeFile(t, repo, "x.txt", "x\n")
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-q", "-m", "work")
	runGit(t, repo, "checkout", "-q", "master")

	processed, err := e.ProcessNext()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(processed.PreMergeTag, "ralph-premerge/task_with_spaces/"))
}
