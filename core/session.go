package core

import "time"

// SessionStatus is the persisted lifecycle status of one engine/orchestration
// session. Only "paused", "running", and "interrupted" are resumable;
// "completed" and "failed" are terminal.
type SessionStatus string

const (
	SessionRunning     SessionStatus = "running"
	SessionPaused      SessionStatus = "paused"
	SessionInterrupted SessionStatus = "interrupted"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
)

// Resumable reports whether a session in status s can be resumed.
func (s SessionStatus) Resumable() bool {
	switch s {
	case SessionRunning, SessionPaused, SessionInterrupted:
		return true
	default:
		return false
	}
}

// TrackerState captures just enough about the tracker backing a session to
// report totals and reattach without re-running plugin discovery logic
// that belongs to the CLI layer.
type TrackerState struct {
	Plugin     string
	TotalTasks int
	EpicID     string
	PRDPath    string
}

// PersistedSessionState is the on-disk representation of one session,
// written atomically to .ralph-tui/session.json.
type PersistedSessionState struct {
	SessionID    string
	Status       SessionStatus
	AgentPlugin  string
	Model        string
	Tracker      TrackerState
	MaxIterations int
	StartedAt    time.Time
	UpdatedAt    time.Time

	CompletedTaskIDs []TaskID
	CurrentIteration int
	ActiveTaskIDs    []TaskID

	IsPaused bool
	PausedAt *time.Time

	SubagentPanelVisible bool
}

// SessionLock is the content of .ralph-tui/session.lock.
type SessionLock struct {
	PID        int
	SessionID  string
	Host       string
	AcquiredAt time.Time
}

// RegisteredSession is one entry of the cross-project session registry at
// {user-config-dir}/ralph-tui/sessions.json.
type RegisteredSession struct {
	SessionID string
	Cwd       string
	Alias     string
	Host      string
	Port      int
	LastSeen  time.Time
}
