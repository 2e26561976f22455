package remote

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const registryFileName = "sessions.json"

// RegistryEntry is one resumable session as recorded in the cross-project
// registry (spec.md §6: "Process-user-global file mapping sessionId →
// {cwd, alias, host, port, lastSeen, …}").
type RegistryEntry struct {
	SessionID string    `json:"sessionId"`
	Cwd       string    `json:"cwd"`
	Alias     string    `json:"alias,omitempty"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Registry is the process-user-global map of resumable sessions across
// directories, persisted to {user-config-dir}/ralph-tui/sessions.json.
type Registry struct {
	mu   sync.Mutex
	path string
}

// OpenRegistry returns a Registry backed by the user's config directory.
func OpenRegistry() (*Registry, error) {
	dir, err := func() (string, error) {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("resolve user config dir: %w", err)
		}
		d := filepath.Join(base, "ralph-tui")
		if err := os.MkdirAll(d, 0o700); err != nil {
			return "", fmt.Errorf("create registry dir: %w", err)
		}
		return d, nil
	}()
	if err != nil {
		return nil, err
	}
	return &Registry{path: filepath.Join(dir, registryFileName)}, nil
}

// Upsert records or refreshes entry, keyed by SessionID.
func (r *Registry) Upsert(entry RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.loadLocked()
	if err != nil {
		return err
	}
	entry.LastSeen = time.Now().UTC()
	entries[entry.SessionID] = entry
	return r.saveLocked(entries)
}

// Remove drops sessionID from the registry, called on normal exit.
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.loadLocked()
	if err != nil {
		return err
	}
	delete(entries, sessionID)
	return r.saveLocked(entries)
}

// List returns every registered session, most-recently-seen first.
func (r *Registry) List() ([]RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.loadLocked()
	if err != nil {
		return nil, err
	}

	out := make([]RegistryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastSeen.After(out[j-1].LastSeen); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (r *Registry) loadLocked() (map[string]RegistryEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]RegistryEntry{}, nil
		}
		return nil, fmt.Errorf("read session registry: %w", err)
	}
	var entries map[string]RegistryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse session registry: %w", err)
	}
	if entries == nil {
		entries = map[string]RegistryEntry{}
	}
	return entries, nil
}

func (r *Registry) saveLocked(entries map[string]RegistryEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session registry: %w", err)
	}
	return atomicWriteFile(r.path, data, 0o644)
}
