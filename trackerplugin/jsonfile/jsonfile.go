// Package jsonfile is the reference TrackerPlugin implementation
// (component P): a JSON-file-backed task list, matching the "JSON PRD
// file" backend named in spec.md §1. It is grounded on the
// load/mutate/save-a-JSON-task-list idiom of ralphio's plan.Manager
// (other_examples/…ralphio…orchestrator.go.go), adapted to the
// TrackerPlugin contract and the Task schema of spec.md §3.
package jsonfile

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ralph-tui/ralph/core"
	"github.com/ralph-tui/ralph/trackerplugin"
)

type taskRecord struct {
	ID          core.TaskID       `json:"id"`
	Title       string            `json:"title"`
	Status      core.TaskStatus   `json:"status"`
	Priority    int               `json:"priority"`
	Description string            `json:"description,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
	Type        string            `json:"type,omitempty"`
	Assignee    string            `json:"assignee,omitempty"`
	ParentID    core.TaskID       `json:"parentId,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	DependsOn   []core.TaskID     `json:"dependsOn,omitempty"`
	Blocks      []core.TaskID     `json:"blocks,omitempty"`
}

type fileFormat struct {
	EpicID string       `json:"epicId,omitempty"`
	Tasks  []taskRecord `json:"tasks"`
}

// Tracker is a JSON-file-backed TrackerPlugin. It holds the whole task
// list in memory between calls and rewrites the file on every mutation.
type Tracker struct {
	mu      sync.Mutex
	path    string
	epicID  string
	tasks   map[core.TaskID]taskRecord
	taskOrd []core.TaskID
}

var _ trackerplugin.Plugin = (*Tracker)(nil)

// New returns an uninitialized Tracker; call Initialize before use.
func New() *Tracker {
	return &Tracker{tasks: map[core.TaskID]taskRecord{}}
}

func (t *Tracker) Initialize(opts trackerplugin.InitOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.path = opts.FilePath
	t.epicID = opts.EpicID

	return t.load()
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.tasks = map[core.TaskID]taskRecord{}
			t.taskOrd = nil
			return nil
		}
		return fmt.Errorf("read tasks file: %w", err)
	}

	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse tasks file: %w", err)
	}

	if doc.EpicID != "" {
		t.epicID = doc.EpicID
	}
	t.tasks = make(map[core.TaskID]taskRecord, len(doc.Tasks))
	t.taskOrd = make([]core.TaskID, 0, len(doc.Tasks))
	for _, rec := range doc.Tasks {
		t.tasks[rec.ID] = rec
		t.taskOrd = append(t.taskOrd, rec.ID)
	}
	return nil
}

func (t *Tracker) save() error {
	doc := fileFormat{EpicID: t.epicID}
	for _, id := range t.taskOrd {
		doc.Tasks = append(doc.Tasks, t.tasks[id])
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks file: %w", err)
	}
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		return fmt.Errorf("write tasks file: %w", err)
	}
	return nil
}

func toTask(rec taskRecord) core.Task {
	task := core.Task{
		ID:          rec.ID,
		Title:       rec.Title,
		Status:      rec.Status,
		Priority:    rec.Priority,
		Description: rec.Description,
		Labels:      rec.Labels,
		Type:        rec.Type,
		Assignee:    rec.Assignee,
		ParentID:    rec.ParentID,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		Metadata:    rec.Metadata,
	}
	if len(rec.DependsOn) > 0 {
		task.DependsOn = make(map[core.TaskID]struct{}, len(rec.DependsOn))
		for _, dep := range rec.DependsOn {
			task.DependsOn[dep] = struct{}{}
		}
	}
	if len(rec.Blocks) > 0 {
		task.Blocks = make(map[core.TaskID]struct{}, len(rec.Blocks))
		for _, b := range rec.Blocks {
			task.Blocks[b] = struct{}{}
		}
	}
	return task
}

func (t *Tracker) GetTasks(filter trackerplugin.TaskFilter) ([]core.Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]core.Task, 0, len(t.taskOrd))
	for _, id := range t.taskOrd {
		rec := t.tasks[id]
		if len(filter.Status) > 0 {
			if _, ok := filter.Status[rec.Status]; !ok {
				continue
			}
		}
		out = append(out, toTask(rec))
	}
	return out, nil
}

func (t *Tracker) GetTask(id core.TaskID) (core.Task, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.tasks[id]
	if !ok {
		return core.Task{}, false, nil
	}
	return toTask(rec), true, nil
}

func (t *Tracker) UpdateTaskStatus(id core.TaskID, status core.TaskStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.tasks[id]
	if !ok {
		return fmt.Errorf("jsonfile tracker: unknown task %s", id)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	t.tasks[id] = rec

	return t.save()
}

func (t *Tracker) GetEpics() ([]trackerplugin.Epic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epicID == "" {
		return nil, nil
	}
	return []trackerplugin.Epic{{ID: t.epicID, Title: t.epicID}}, nil
}

func (t *Tracker) SetEpicID(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epicID = id
	return t.save()
}

func (t *Tracker) SetFilePath(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.path = path
	return t.load()
}
