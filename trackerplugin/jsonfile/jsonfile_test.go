package jsonfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ralph-tui/ralph/core"
	"github.com/ralph-tui/ralph/trackerplugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeOnMissingFileStartsEmpty(t *testing.T) {
	tr := New()
	path := filepath.Join(t.TempDir(), "tasks.json")

	require.NoError(t, tr.Initialize(trackerplugin.InitOptions{FilePath: path}))

	tasks, err := tr.GetTasks(trackerplugin.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestLoadParsesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"epicId": "epic-1",
		"tasks": [
			{"id": "t1", "title": "First", "status": "open", "priority": 1},
			{"id": "t2", "title": "Second", "status": "completed", "priority": 2}
		]
	}`), 0o644))

	tr := New()
	require.NoError(t, tr.Initialize(trackerplugin.InitOptions{FilePath: path}))

	tasks, err := tr.GetTasks(trackerplugin.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, core.TaskID("t1"), tasks[0].ID)

	epics, err := tr.GetEpics()
	require.NoError(t, err)
	require.Len(t, epics, 1)
	assert.Equal(t, "epic-1", epics[0].ID)
}

func TestGetTasksAppliesStatusFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tasks": [
		{"id": "t1", "status": "open"},
		{"id": "t2", "status": "completed"}
	]}`), 0o644))

	tr := New()
	require.NoError(t, tr.Initialize(trackerplugin.InitOptions{FilePath: path}))

	open, err := tr.GetTasks(trackerplugin.TaskFilter{Status: map[core.TaskStatus]struct{}{core.TaskOpen: {}}})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.TaskID("t1"), open[0].ID)
}

func TestUpdateTaskStatusPersistsToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tasks": [{"id": "t1", "status": "open"}]}`), 0o644))

	tr := New()
	require.NoError(t, tr.Initialize(trackerplugin.InitOptions{FilePath: path}))
	require.NoError(t, tr.UpdateTaskStatus("t1", core.TaskCompleted))

	tr2 := New()
	require.NoError(t, tr2.Initialize(trackerplugin.InitOptions{FilePath: path}))
	task, ok, err := tr2.GetTask("t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.TaskCompleted, task.Status)
}

func TestUpdateTaskStatusUnknownTaskErrors(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Initialize(trackerplugin.InitOptions{FilePath: filepath.Join(t.TempDir(), "tasks.json")}))

	err := tr.UpdateTaskStatus("ghost", core.TaskCompleted)
	assert.Error(t, err)
}

func TestDependsOnAndBlocksRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tasks": [
		{"id": "t1", "status": "open", "dependsOn": ["t0"], "blocks": ["t2"]}
	]}`), 0o644))

	tr := New()
	require.NoError(t, tr.Initialize(trackerplugin.InitOptions{FilePath: path}))

	task, ok, err := tr.GetTask("t1")
	require.NoError(t, err)
	require.True(t, ok)
	_, hasDep := task.DependsOn["t0"]
	assert.True(t, hasDep)
	_, hasBlock := task.Blocks["t2"]
	assert.True(t, hasBlock)
}
