package sessionstore

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/ralph-tui/ralph/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLockThenCheckLock(t *testing.T) {
	s := New(t.TempDir())

	res := s.AcquireLock("session-1", AcquireLockOptions{})
	require.NoError(t, res.Err)
	assert.True(t, res.Acquired)

	status, err := s.CheckLock()
	require.NoError(t, err)
	assert.True(t, status.IsLocked)
	assert.False(t, status.IsStale)
	assert.Equal(t, os.Getpid(), status.Lock.PID)
}

func TestAcquireLockConflictsWithLiveHolder(t *testing.T) {
	s := New(t.TempDir())

	res := s.AcquireLock("session-1", AcquireLockOptions{})
	require.NoError(t, res.Err)

	res2 := s.AcquireLock("session-2", AcquireLockOptions{})
	assert.False(t, res2.Acquired)
	require.Error(t, res2.Err)
	var conflict *core.LockConflictError
	assert.ErrorAs(t, res2.Err, &conflict)
	assert.Equal(t, os.Getpid(), res2.ExistingPID)
}

func TestAcquireLockForceBreaksLiveLock(t *testing.T) {
	s := New(t.TempDir())

	res := s.AcquireLock("session-1", AcquireLockOptions{})
	require.NoError(t, res.Err)

	res2 := s.AcquireLock("session-2", AcquireLockOptions{Force: true})
	require.NoError(t, res2.Err)
	assert.True(t, res2.Acquired)
}

func TestReleaseLockThenReacquire(t *testing.T) {
	s := New(t.TempDir())

	require.True(t, s.AcquireLock("session-1", AcquireLockOptions{}).Acquired)
	require.NoError(t, s.ReleaseLock())

	status, err := s.CheckLock()
	require.NoError(t, err)
	assert.False(t, status.IsLocked)

	res := s.AcquireLock("session-2", AcquireLockOptions{})
	assert.True(t, res.Acquired)
}

func TestDetectAndRecoverStaleSessionClearsActiveTasks(t *testing.T) {
	s := New(t.TempDir())

	state, err := s.Create(CreateMeta{AgentPlugin: "cliagent"})
	require.NoError(t, err)
	state.ActiveTaskIDs = []core.TaskID{"t1", "t2"}
	require.NoError(t, s.Save(state))

	// Simulate a lock owned by a PID that can never be alive.
	lock := core.SessionLock{PID: 999999, SessionID: state.SessionID, Host: hostname()}
	data, err := json.Marshal(lock)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.lockPath(), data, 0o644))

	result, err := s.DetectAndRecoverStaleSession()
	require.NoError(t, err)
	assert.True(t, result.WasStale)
	assert.Equal(t, 2, result.ClearedTaskCount)

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, core.SessionInterrupted, loaded.Status)
	assert.Empty(t, loaded.ActiveTaskIDs)

	status, err := s.CheckLock()
	require.NoError(t, err)
	assert.False(t, status.IsLocked)
}

func TestDetectAndRecoverStaleSessionNoopWhenNotStale(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Create(CreateMeta{AgentPlugin: "cliagent"})
	require.NoError(t, err)
	require.True(t, s.AcquireLock("session-1", AcquireLockOptions{}).Acquired)

	result, err := s.DetectAndRecoverStaleSession()
	require.NoError(t, err)
	assert.False(t, result.WasStale)
}
