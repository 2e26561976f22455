package parallel

import (
	"sync"

	"github.com/ralph-tui/ralph/core"
	"github.com/ralph-tui/ralph/trackerplugin"
)

// mutexTracker wraps a TrackerPlugin with a single mutex so that every
// worker's engine can share one tracker instance inside a parallel group
// without racing a backend that isn't safe for concurrent writes (spec.md
// §4.6/§5: "the tracker is the only shared mutable resource inside a
// group and is serialized by a mutex").
type mutexTracker struct {
	mu    sync.Mutex
	inner trackerplugin.Plugin
}

func newMutexTracker(inner trackerplugin.Plugin) *mutexTracker {
	return &mutexTracker{inner: inner}
}

func (t *mutexTracker) Initialize(opts trackerplugin.InitOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.Initialize(opts)
}

func (t *mutexTracker) GetTasks(filter trackerplugin.TaskFilter) ([]core.Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.GetTasks(filter)
}

func (t *mutexTracker) GetTask(id core.TaskID) (core.Task, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.GetTask(id)
}

func (t *mutexTracker) UpdateTaskStatus(id core.TaskID, status core.TaskStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.UpdateTaskStatus(id, status)
}

func (t *mutexTracker) GetEpics() ([]trackerplugin.Epic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.GetEpics()
}

func (t *mutexTracker) SetEpicID(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.SetEpicID(id)
}

func (t *mutexTracker) SetFilePath(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner.SetFilePath(path)
}
