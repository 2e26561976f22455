package sessionstore

import (
	"testing"

	"github.com/ralph-tui/ralph/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadMissingIsNotError(t *testing.T) {
	s := New(t.TempDir())

	state, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStoreCreateThenLoadRoundTrips(t *testing.T) {
	s := New(t.TempDir())

	created, err := s.Create(CreateMeta{
		AgentPlugin:   "cliagent",
		Model:         "sonnet",
		Tracker:       core.TrackerState{Plugin: "jsonfile", TotalTasks: 3},
		MaxIterations: 10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, core.SessionRunning, created.Status)

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, created.SessionID, loaded.SessionID)
	assert.Equal(t, created.AgentPlugin, loaded.AgentPlugin)
	assert.Equal(t, created.Tracker, loaded.Tracker)
}

func TestStoreSaveIsAtomicAndUpdatesTimestamp(t *testing.T) {
	s := New(t.TempDir())
	created, err := s.Create(CreateMeta{AgentPlugin: "cliagent", MaxIterations: 5})
	require.NoError(t, err)

	firstUpdate := created.UpdatedAt
	created.CurrentIteration = 2
	require.NoError(t, s.Save(created))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.CurrentIteration)
	assert.True(t, !loaded.UpdatedAt.Before(firstUpdate))
}

func TestStoreDeleteRemovesFile(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Create(CreateMeta{AgentPlugin: "cliagent"})
	require.NoError(t, err)

	require.NoError(t, s.Delete())

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Deleting again is a no-op, not an error.
	require.NoError(t, s.Delete())
}
