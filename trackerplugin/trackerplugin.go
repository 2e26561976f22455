// Package trackerplugin defines the TrackerPlugin contract (component B):
// the boundary between the execution engine and whatever task backlog is
// actually configured (a JSON file, an issue tracker, a PRD parser). The
// concrete tracker backends beyond the reference JSON-file implementation
// are out of scope, per spec.md §1.
package trackerplugin

import (
	"errors"

	"github.com/ralph-tui/ralph/core"
)

// ErrUnsupported is returned by a tracker's optional methods (GetEpics,
// SetEpicID, SetFilePath) when the backend has no notion of the concept.
var ErrUnsupported = errors.New("tracker: operation not supported by this backend")

// InitOptions is what the engine gives a tracker before first use.
type InitOptions struct {
	FilePath string
	EpicID   string
}

// TaskFilter narrows GetTasks to a subset of statuses; a nil/empty set
// means "all statuses."
type TaskFilter struct {
	Status map[core.TaskStatus]struct{}
}

// Epic groups a set of tasks under one planning unit, for trackers that
// support it.
type Epic struct {
	ID    string
	Title string
}

// Plugin is the contract every tracker backend implements. GetEpics,
// SetEpicID, and SetFilePath are optional per spec.md §6 — a tracker that
// doesn't support epics or file-backed configuration can return
// ErrUnsupported.
type Plugin interface {
	Initialize(opts InitOptions) error
	GetTasks(filter TaskFilter) ([]core.Task, error)
	GetTask(id core.TaskID) (core.Task, bool, error)
	UpdateTaskStatus(id core.TaskID, status core.TaskStatus) error

	GetEpics() ([]Epic, error)
	SetEpicID(id string) error
	SetFilePath(path string) error
}
