package parallel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ralph-tui/ralph/agentplugin"
	"github.com/ralph-tui/ralph/core"
	"github.com/ralph-tui/ralph/engine"
	"github.com/ralph-tui/ralph/logsink"
	"github.com/ralph-tui/ralph/merge"
	"github.com/ralph-tui/ralph/trackerplugin"
	"github.com/ralph-tui/ralph/worktree"
	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return string(out)
}

func initHostRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	return dir
}

// fakeTracker is an in-memory trackerplugin.Plugin, safe for concurrent
// use on its own (independent of mutexTracker) since the parallel tests
// verify mutexTracker's own serialization as a property of the executor.
type fakeTracker struct {
	mu    sync.Mutex
	tasks map[core.TaskID]core.Task
}

func newFakeTracker(tasks ...core.Task) *fakeTracker {
	f := &fakeTracker{tasks: map[core.TaskID]core.Task{}}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeTracker) Initialize(trackerplugin.InitOptions) error { return nil }

func (f *fakeTracker) GetTasks(trackerplugin.TaskFilter) ([]core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTracker) GetTask(id core.TaskID) (core.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t, ok, nil
}

func (f *fakeTracker) UpdateTaskStatus(id core.TaskID, status core.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("no such task %s", id)
	}
	t.Status = status
	f.tasks[id] = t
	return nil
}

func (f *fakeTracker) GetEpics() ([]trackerplugin.Epic, error) { return nil, trackerplugin.ErrUnsupported }
func (f *fakeTracker) SetEpicID(string) error                  { return trackerplugin.ErrUnsupported }
func (f *fakeTracker) SetFilePath(string) error                { return trackerplugin.ErrUnsupported }

// fakeHandle/fakeAgent mirror engine package's test fakes: Execute writes
// a worker-unique file into its worktree, commits it, marks the task
// completed, and returns immediately-successful Result.
type fakeHandle struct {
	result agentplugin.Result
	err    error
	done   chan struct{}
}

func (h *fakeHandle) ExecutionID() string { return "fake" }
func (h *fakeHandle) Wait() (agentplugin.Result, error) {
	<-h.done
	return h.result, h.err
}
func (h *fakeHandle) Interrupt() error { return nil }
func (h *fakeHandle) IsRunning() bool  { return false }

type fakeAgent struct {
	name         string
	worktreePath string
	tracker      *fakeTracker
	taskID       core.TaskID
}

func (a *fakeAgent) Initialize(context.Context, agentplugin.InitMeta) error { return nil }
func (a *fakeAgent) Detect(context.Context) (agentplugin.DetectResult, error) {
	return agentplugin.DetectResult{Available: true}, nil
}
func (a *fakeAgent) Preflight(context.Context, int64) (agentplugin.PreflightResult, error) {
	return agentplugin.PreflightResult{Success: true}, nil
}
func (a *fakeAgent) Execute(ctx context.Context, prompt string, files []string, opts agentplugin.ExecuteOptions) (agentplugin.Handle, error) {
	fileName := fmt.Sprintf("done-%s.txt", a.name)
	if err := os.WriteFile(filepath.Join(a.worktreePath, fileName), []byte("done\n"), 0o644); err != nil {
		return nil, err
	}
	runCmd(a.worktreePath, "add", fileName)
	runCmd(a.worktreePath, "commit", "-q", "-m", "ralph: "+fileName)

	_ = a.tracker.UpdateTaskStatus(a.taskID, core.TaskCompleted)

	h := &fakeHandle{result: agentplugin.Result{ExitCode: 0}, done: make(chan struct{})}
	close(h.done)
	return h, nil
}
func (a *fakeAgent) Interrupt(string) bool { return false }
func (a *fakeAgent) InterruptAll()         {}
func (a *fakeAgent) GetSandboxRequirements() agentplugin.SandboxRequirements {
	return agentplugin.SandboxRequirements{}
}

func runCmd(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	_ = cmd.Run()
}

func TestExecutorRunsIndependentTasksAndMerges(t *testing.T) {
	repo := initHostRepo(t)
	tracker := newFakeTracker(
		core.Task{ID: "T1", Title: "first", Status: core.TaskOpen},
		core.Task{ID: "T2", Title: "second", Status: core.TaskOpen},
	)

	pool, err := worktree.New(repo)
	require.NoError(t, err)
	t.Cleanup(func() { pool.CleanupAll() })

	bus := logsink.NewBus(64)
	mergeEngine := merge.New(repo)

	factory := func(workerID, worktreePath string) (engine.AgentBinding, []engine.AgentBinding, error) {
		parts := workerID
		taskID := core.TaskID("T1")
		if parts[len(parts)-1] == '1' {
			taskID = "T2"
		}
		agent := &fakeAgent{name: workerID, worktreePath: worktreePath, tracker: tracker, taskID: taskID}
		return engine.AgentBinding{Name: workerID, Plugin: agent}, nil, nil
	}

	exec := New(repo, tracker, pool, mergeEngine, bus, factory, Config{MaxWorkers: 2})

	var events []core.EventType
	var mu sync.Mutex
	exec.On(func(e core.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Type)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, exec.Execute(ctx))

	state := exec.GetState()
	require.Equal(t, core.ParallelCompleted, state.Status)
	require.Equal(t, 2, state.TasksSucceeded)
	require.Equal(t, 0, state.TasksFailed)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, events, core.EventMergeQueued)
	require.Contains(t, events, core.EventMergeCompleted)
	require.Contains(t, events, core.EventParallelCompleted)

	// Execute must have tagged a session backup through the merge engine
	// before running any group, so rolling the whole session back is
	// possible even after every merge has completed.
	require.NoError(t, mergeEngine.RollbackSession())
}

func TestExecutorStopBeforeNextGroup(t *testing.T) {
	repo := initHostRepo(t)

	task1 := core.Task{ID: "T1", Title: "first", Status: core.TaskOpen}
	task2 := core.Task{ID: "T2", Title: "second", Status: core.TaskOpen, DependsOn: map[core.TaskID]struct{}{"T1": {}}}
	tracker := newFakeTracker(task1, task2)

	pool, err := worktree.New(repo)
	require.NoError(t, err)
	t.Cleanup(func() { pool.CleanupAll() })

	bus := logsink.NewBus(64)
	mergeEngine := merge.New(repo)

	var execRef *Executor
	factory := func(workerID, worktreePath string) (engine.AgentBinding, []engine.AgentBinding, error) {
		agent := &fakeAgent{name: workerID, worktreePath: worktreePath, tracker: tracker, taskID: task1.ID}
		// Stop the orchestration as soon as the first group's only worker
		// starts executing, before group 2 (task2) can begin.
		go execRef.Stop()
		return engine.AgentBinding{Name: workerID, Plugin: agent}, nil, nil
	}

	execRef = New(repo, tracker, pool, mergeEngine, bus, factory, Config{MaxWorkers: 1})

	require.NoError(t, execRef.Execute(context.Background()))

	state := execRef.GetState()
	require.Equal(t, core.ParallelStopped, state.Status)

	live, _, err := tracker.GetTask(task2.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskOpen, live.Status, "the second group must never have started")
}
