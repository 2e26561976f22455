package sessionstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ralph-tui/ralph/core"
)

const lockFileName = "session.lock"

func (s *Store) lockPath() string { return filepath.Join(s.dir(), lockFileName) }

// AcquireLockOptions tunes how AcquireLock handles a conflicting lock.
type AcquireLockOptions struct {
	// Force breaks a lock even if its owning process is still alive.
	Force bool
	// NonInteractive fails instead of leaving the ambiguous case (lock
	// present, liveness unclear) for a human to resolve interactively.
	NonInteractive bool
}

// AcquireResult is the outcome of AcquireLock.
type AcquireResult struct {
	Acquired    bool
	ExistingPID int
	Err         error
}

// AcquireLock attempts to take the project's session lock for sessionID,
// using exclusive-create so two processes racing on the same project
// cannot both believe they hold it.
func (s *Store) AcquireLock(sessionID string, opts AcquireLockOptions) AcquireResult {
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return AcquireResult{Err: &core.PersistenceError{Op: "mkdir lock dir", Err: err}}
	}

	status, err := s.CheckLock()
	if err != nil {
		return AcquireResult{Err: err}
	}

	if status.IsLocked && !status.IsStale {
		if opts.Force {
			if err := s.ReleaseLock(); err != nil {
				return AcquireResult{Err: err}
			}
		} else if opts.NonInteractive {
			return AcquireResult{ExistingPID: status.Lock.PID, Err: &core.LockConflictError{HolderPID: status.Lock.PID}}
		} else {
			return AcquireResult{ExistingPID: status.Lock.PID, Err: &core.LockConflictError{HolderPID: status.Lock.PID}}
		}
	} else if status.IsLocked && status.IsStale {
		// Stale locks can always be reclaimed — their owner is gone.
		if err := s.ReleaseLock(); err != nil {
			return AcquireResult{Err: err}
		}
	}

	lock := core.SessionLock{
		PID:        os.Getpid(),
		SessionID:  sessionID,
		Host:       hostname(),
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(lock)
	if err != nil {
		return AcquireResult{Err: &core.PersistenceError{Op: "marshal lock", Err: err}}
	}

	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			// Lost a race against another process between CheckLock and
			// here; report it as a conflict rather than clobbering.
			existing, _ := s.CheckLock()
			pid := 0
			if existing != nil && existing.Lock != nil {
				pid = existing.Lock.PID
			}
			return AcquireResult{ExistingPID: pid, Err: &core.LockConflictError{HolderPID: pid}}
		}
		return AcquireResult{Err: &core.PersistenceError{Op: "create lock file", Err: err}}
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return AcquireResult{Err: &core.PersistenceError{Op: "write lock file", Err: err}}
	}

	return AcquireResult{Acquired: true}
}

// ReleaseLock removes the lock file unconditionally. Callers must only
// call this while holding the lock, or during stale recovery.
func (s *Store) ReleaseLock() error {
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		return &core.PersistenceError{Op: "release lock", Err: err}
	}
	return nil
}

// LockStatus is the result of CheckLock.
type LockStatus struct {
	IsLocked bool
	IsStale  bool
	Lock     *core.SessionLock
}

// CheckLock reads the lock file, if present, and determines whether its
// owning PID is still alive on this host. A lock referencing a PID on a
// different host is conservatively treated as live (the core only ever
// reasons about a single host, per spec §1's non-goals).
func (s *Store) CheckLock() (*LockStatus, error) {
	data, err := os.ReadFile(s.lockPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &LockStatus{}, nil
		}
		return nil, &core.PersistenceError{Op: "read lock", Err: err}
	}

	var lock core.SessionLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, &core.PersistenceError{Op: "unmarshal lock", Err: err}
	}

	stale := lock.Host == hostname() && !processAlive(lock.PID)
	return &LockStatus{IsLocked: true, IsStale: stale, Lock: &lock}, nil
}

// StaleRecoveryResult is the outcome of DetectAndRecoverStaleSession.
type StaleRecoveryResult struct {
	WasStale         bool
	ClearedTaskCount int
}

// DetectAndRecoverStaleSession is the only way ActiveTaskIDs may shrink
// without an explicit iteration event: if the persisted session is
// "running" but the lock's owning process is gone, it is reclassified as
// "interrupted" and its active tasks are cleared. The caller (engine
// initialization) is responsible for resetting those tasks back to open
// in the tracker.
func (s *Store) DetectAndRecoverStaleSession() (StaleRecoveryResult, error) {
	status, err := s.CheckLock()
	if err != nil {
		return StaleRecoveryResult{}, err
	}
	if !status.IsLocked || !status.IsStale {
		return StaleRecoveryResult{}, nil
	}

	state, err := s.Load()
	if err != nil {
		return StaleRecoveryResult{}, err
	}
	if state == nil || state.Status != core.SessionRunning {
		return StaleRecoveryResult{}, nil
	}

	cleared := len(state.ActiveTaskIDs)
	state.Status = core.SessionInterrupted
	state.ActiveTaskIDs = nil

	if err := s.Save(state); err != nil {
		return StaleRecoveryResult{}, err
	}
	if err := s.ReleaseLock(); err != nil {
		return StaleRecoveryResult{}, err
	}

	return StaleRecoveryResult{WasStale: true, ClearedTaskCount: cleared}, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
