// Package sessionstore is the session store (component D): atomic JSON
// persistence of per-project session state, a PID-based lock file, a
// cross-project session registry, and stale-session detection.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ralph-tui/ralph/core"
)

// Dir is the on-disk directory (relative to the project root) holding
// session.json, session.lock, and the iteration logs (spec §6).
const Dir = ".ralph-tui"

const sessionFileName = "session.json"

// Store persists one project's session state to .ralph-tui/session.json.
type Store struct {
	projectDir string
}

// New returns a Store rooted at projectDir.
func New(projectDir string) *Store {
	return &Store{projectDir: projectDir}
}

func (s *Store) dir() string  { return filepath.Join(s.projectDir, Dir) }
func (s *Store) path() string { return filepath.Join(s.dir(), sessionFileName) }

// CreateMeta is the caller-supplied information needed to start a new
// session; everything else is derived.
type CreateMeta struct {
	AgentPlugin   string
	Model         string
	Tracker       core.TrackerState
	MaxIterations int
}

// Create initializes a brand-new PersistedSessionState and writes it to
// disk. It does not check for an existing session — callers check Load
// first per the resume-vs-fresh-start decision in the CLI layer.
func (s *Store) Create(meta CreateMeta) (*core.PersistedSessionState, error) {
	now := time.Now().UTC()
	state := &core.PersistedSessionState{
		SessionID:        uuid.NewString(),
		Status:           core.SessionRunning,
		AgentPlugin:      meta.AgentPlugin,
		Model:            meta.Model,
		Tracker:          meta.Tracker,
		MaxIterations:    meta.MaxIterations,
		StartedAt:        now,
		UpdatedAt:        now,
		CompletedTaskIDs: []core.TaskID{},
		ActiveTaskIDs:    []core.TaskID{},
	}
	if err := s.Save(state); err != nil {
		return nil, err
	}
	return state, nil
}

// Load reads the persisted session state, if any. A missing file is not
// an error: both return values are nil.
func (s *Store) Load() (*core.PersistedSessionState, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &core.PersistenceError{Op: "load session", Err: err}
	}

	var state core.PersistedSessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &core.PersistenceError{Op: "unmarshal session", Err: err}
	}
	return &state, nil
}

// Save writes state atomically: to a .tmp sibling, fsync'd, then renamed
// over the target path, so a crash mid-write never corrupts session.json.
func (s *Store) Save(state *core.PersistedSessionState) error {
	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return &core.PersistenceError{Op: "marshal session", Err: err}
	}

	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return &core.PersistenceError{Op: "mkdir session dir", Err: err}
	}

	if err := atomicWriteFile(s.path(), data, 0o644); err != nil {
		return &core.PersistenceError{Op: "save session", Err: err}
	}
	return nil
}

// Delete removes the session file, e.g. on normal completion per S1.
func (s *Store) Delete() error {
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return &core.PersistenceError{Op: "delete session", Err: err}
	}
	return nil
}

// atomicWriteFile writes data to a temp file in the same directory as
// path, fsyncs it, and renames it over path. Renaming within the same
// filesystem is atomic, so readers never observe a partial write.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if err = os.Chmod(tmpPath, perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
