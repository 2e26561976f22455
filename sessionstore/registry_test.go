package sessionstore

import (
	"path/filepath"
	"testing"

	"github.com/ralph-tui/ralph/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryUpsertAndList(t *testing.T) {
	reg := NewRegistryAt(filepath.Join(t.TempDir(), "sessions.json"))

	require.NoError(t, reg.Upsert(core.RegisteredSession{
		SessionID: "s1",
		Cwd:       "/home/user/project-a",
		Alias:     "project-a",
	}))
	require.NoError(t, reg.Upsert(core.RegisteredSession{
		SessionID: "s2",
		Cwd:       "/home/user/project-b",
	}))

	sessions, err := reg.List()
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestRegistryUpsertOverwritesExistingEntry(t *testing.T) {
	reg := NewRegistryAt(filepath.Join(t.TempDir(), "sessions.json"))

	require.NoError(t, reg.Upsert(core.RegisteredSession{SessionID: "s1", Port: 7000}))
	require.NoError(t, reg.Upsert(core.RegisteredSession{SessionID: "s1", Port: 7001}))

	sessions, err := reg.List()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 7001, sessions[0].Port)
}

func TestRegistryRemove(t *testing.T) {
	reg := NewRegistryAt(filepath.Join(t.TempDir(), "sessions.json"))

	require.NoError(t, reg.Upsert(core.RegisteredSession{SessionID: "s1"}))
	require.NoError(t, reg.Remove("s1"))

	sessions, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// Removing an absent entry is a no-op.
	require.NoError(t, reg.Remove("s1"))
}

func TestRegistryListOnMissingFileIsEmpty(t *testing.T) {
	reg := NewRegistryAt(filepath.Join(t.TempDir(), "sessions.json"))

	sessions, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
