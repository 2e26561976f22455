package core

import (
	"errors"
	"fmt"
)

// invariantError is returned by EngineState.Validate and friends when a
// data-model invariant from spec §3/§8 is violated. Production code should
// never see one; it indicates a bug in the engine or parallel executor.
type invariantError struct {
	msg string
}

func (e *invariantError) Error() string { return "invariant violated: " + e.msg }

// ErrInvariant wraps msg as an invariant-violation error.
func ErrInvariant(msg string) error { return &invariantError{msg: msg} }

// TrackerError wraps a failure talking to a TrackerPlugin. The engine
// retries once, then degrades to a warning and continues on the last
// successful snapshot (spec §7).
type TrackerError struct {
	Op  string
	Err error
}

func (e *TrackerError) Error() string { return fmt.Sprintf("tracker %s: %v", e.Op, e.Err) }
func (e *TrackerError) Unwrap() error { return e.Err }

// AgentSpawnError indicates the agent subprocess could not be started.
type AgentSpawnError struct {
	Plugin string
	Err    error
}

func (e *AgentSpawnError) Error() string {
	return fmt.Sprintf("agent %s: spawn failed: %v", e.Plugin, e.Err)
}
func (e *AgentSpawnError) Unwrap() error { return e.Err }

// AgentRuntimeError indicates the agent subprocess exited non-zero for a
// reason other than an explicit interrupt.
type AgentRuntimeError struct {
	Plugin   string
	ExitCode int
	Err      error
}

func (e *AgentRuntimeError) Error() string {
	return fmt.Sprintf("agent %s: exit %d: %v", e.Plugin, e.ExitCode, e.Err)
}
func (e *AgentRuntimeError) Unwrap() error { return e.Err }

// ErrAgentInterrupted marks an iteration that was stopped mid-flight by an
// explicit Engine.Stop(); it is never retried.
var ErrAgentInterrupted = errors.New("agent execution interrupted")

// RateLimitedError indicates a single agent reported (or was inferred to
// be under) a rate limit.
type RateLimitedError struct {
	Plugin string
}

func (e *RateLimitedError) Error() string { return fmt.Sprintf("agent %s: rate limited", e.Plugin) }

// ErrAllAgentsLimited is returned when the primary and every configured
// fallback are all rate limited.
var ErrAllAgentsLimited = errors.New("all configured agents are rate limited")

// PersistenceError wraps a session-save or log-write failure. Per spec §7
// these are logged and suppressed: they never abort the iteration loop.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// LockConflictError is returned by the session store when a lock is held
// by a live process and force was not requested.
type LockConflictError struct {
	HolderPID int
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("session lock held by pid %d", e.HolderPID)
}

// WorktreeCreationError wraps a failure to create or prepare a worktree.
type WorktreeCreationError struct {
	WorkerID string
	Err      error
}

func (e *WorktreeCreationError) Error() string {
	return fmt.Sprintf("worktree for worker %s: %v", e.WorkerID, e.Err)
}
func (e *WorktreeCreationError) Unwrap() error { return e.Err }

// DiskSpaceError is returned when the worktree pool refuses to allocate a
// new worktree because free disk space is below the configured minimum.
type DiskSpaceError struct {
	FreeBytes int64
	MinBytes  int64
}

func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space: %d free bytes, need at least %d", e.FreeBytes, e.MinBytes)
}

// MergeConflictError indicates a merge attempt produced a conflict; the
// merge engine has already rolled the host branch back to the pre-merge
// tag by the time this is returned.
type MergeConflictError struct {
	SourceBranch string
	Files        []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict integrating %s: %d file(s)", e.SourceBranch, len(e.Files))
}

// ConfigValidationError is returned by the remote server's push_config
// handler when the pushed content fails to parse or validate.
type ConfigValidationError struct {
	Reason string
}

func (e *ConfigValidationError) Error() string { return "invalid config: " + e.Reason }

// AuthError is returned by the remote server for any authentication or
// authorization failure; the connection is closed after it is sent.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth error: " + e.Reason }
