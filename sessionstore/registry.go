package sessionstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ralph-tui/ralph/core"
)

// Registry is the process-user-global index of resumable sessions across
// project directories, at {user-config-dir}/ralph-tui/sessions.json. It
// exists so a viewer process can list resumable sessions without walking
// the filesystem.
type Registry struct {
	mu   sync.Mutex
	path string
}

// NewRegistry opens the registry file at its standard OS location.
func NewRegistry() (*Registry, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, &core.PersistenceError{Op: "locate user config dir", Err: err}
	}
	dir := filepath.Join(configDir, "ralph-tui")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &core.PersistenceError{Op: "mkdir registry dir", Err: err}
	}
	return &Registry{path: filepath.Join(dir, "sessions.json")}, nil
}

// NewRegistryAt opens a registry at an explicit path, for tests.
func NewRegistryAt(path string) *Registry {
	return &Registry{path: path}
}

func (r *Registry) load() (map[string]core.RegisteredSession, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]core.RegisteredSession{}, nil
		}
		return nil, &core.PersistenceError{Op: "load registry", Err: err}
	}
	entries := map[string]core.RegisteredSession{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &core.PersistenceError{Op: "unmarshal registry", Err: err}
	}
	return entries, nil
}

func (r *Registry) save(entries map[string]core.RegisteredSession) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return &core.PersistenceError{Op: "marshal registry", Err: err}
	}
	if err := atomicWriteFile(r.path, data, 0o644); err != nil {
		return &core.PersistenceError{Op: "save registry", Err: err}
	}
	return nil
}

// Upsert records or updates one session's registry entry.
func (r *Registry) Upsert(session core.RegisteredSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return err
	}
	entries[session.SessionID] = session
	return r.save(entries)
}

// Remove deletes a session's registry entry, e.g. on normal completion.
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := entries[sessionID]; !ok {
		return nil
	}
	delete(entries, sessionID)
	return r.save(entries)
}

// List returns every registered session, in no particular order.
func (r *Registry) List() ([]core.RegisteredSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]core.RegisteredSession, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	return out, nil
}
