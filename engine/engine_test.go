package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ralph-tui/ralph/agentplugin"
	"github.com/ralph-tui/ralph/core"
	"github.com/ralph-tui/ralph/logsink"
	"github.com/ralph-tui/ralph/sessionstore"
	"github.com/ralph-tui/ralph/trackerplugin"
	"github.com/stretchr/testify/require"
)

// fakeTracker is an in-memory TrackerPlugin.Plugin for engine tests.
type fakeTracker struct {
	mu    sync.Mutex
	tasks map[core.TaskID]core.Task
}

func newFakeTracker(tasks ...core.Task) *fakeTracker {
	t := &fakeTracker{tasks: map[core.TaskID]core.Task{}}
	for _, task := range tasks {
		t.tasks[task.ID] = task
	}
	return t
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

func (f *fakeTracker) GetEpics() ([]trackerplugin.Epic, error)  { return nil, trackerplugin.ErrUnsupported }
func (f *fakeTracker) SetEpicID(id string) error                { return trackerplugin.ErrUnsupported }
func (f *fakeTracker) SetFilePath(path string) error            { return trackerplugin.ErrUnsupported }

// fakeHandle is an agentplugin.Handle whose Wait() result and completion
// side effect (marking the task completed in a fakeTracker) are
// configured up front.
type fakeHandle struct {
	id          string
	done        chan struct{}
	interrupted chan struct{}
	once        sync.Once

	mu     sync.Mutex
	result agentplugin.Result
	err    error
}

func (h *fakeHandle) ExecutionID() string { return h.id }
func (h *fakeHandle) Wait() (agentplugin.Result, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}
func (h *fakeHandle) Interrupt() error {
	h.once.Do(func() { close(h.interrupted) })
	return nil
}
func (h *fakeHandle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// fakeAgent is an AgentPlugin whose onExecute callback runs in its own
// goroutine so Execute returns a live Handle immediately; onExecute may
// select on the interrupted channel to honor Engine.Stop's Interrupt()
// call, the way a real pty-backed execution would notice a signaled
// subprocess.
type fakeAgent struct {
	name string

	mu        sync.Mutex
	execCount int
	onExecute func(n int, interrupted <-chan struct{}) (agentplugin.Result, error)
}

func (a *fakeAgent) Initialize(context.Context, agentplugin.InitMeta) error { return nil }
func (a *fakeAgent) Detect(context.Context) (agentplugin.DetectResult, error) {
	return agentplugin.DetectResult{Available: true}, nil
}
func (a *fakeAgent) Preflight(context.Context, int64) (agentplugin.PreflightResult, error) {
	return agentplugin.PreflightResult{Success: true}, nil
}
func (a *fakeAgent) Execute(ctx context.Context, prompt string, files []string, opts agentplugin.ExecuteOptions) (agentplugin.Handle, error) {
	a.mu.Lock()
	a.execCount++
	n := a.execCount
	a.mu.Unlock()

	if opts.OnStdout != nil {
		opts.OnStdout("working on it\n")
	}

	h := &fakeHandle{
		id:          fmt.Sprintf("%s-%d", a.name, n),
		done:        make(chan struct{}),
		interrupted: make(chan struct{}),
	}
	go func() {
		result, err := a.onExecute(n, h.interrupted)
		if opts.OnStdout != nil && result.Stdout != "" {
			opts.OnStdout(result.Stdout)
		}
		h.mu.Lock()
		h.result, h.err = result, err
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}
func (a *fakeAgent) Interrupt(string) bool { return false }
func (a *fakeAgent) InterruptAll()         {}
func (a *fakeAgent) GetSandboxRequirements() agentplugin.SandboxRequirements {
	return agentplugin.SandboxRequirements{}
}

func newTestEngine(t *testing.T, tracker trackerplugin.Plugin, primary AgentBinding, cfg Config) *Engine {
	t.Helper()
	dir := t.TempDir()
	store := sessionstore.New(dir)
	bus := logsink.NewBus(64)
	eng := New(dir, "sess-1", primary, nil, store, bus, cfg)
	require.NoError(t, eng.Initialize(context.Background(), InitOptions{Tracker: tracker}))
	return eng
}

func succeedingAgent(name string, tracker *fakeTracker, taskID core.TaskID) *fakeAgent {
	return &fakeAgent{
		name: name,
		onExecute: func(n int, _ <-chan struct{}) (agentplugin.Result, error) {
			_ = tracker.UpdateTaskStatus(taskID, core.TaskCompleted)
			return agentplugin.Result{ExitCode: 0, Stdout: "model: test-model\ntokens: in=10 out=20\ndone"}, nil
		},
	}
}

func TestEngineSingleTaskSingleIteration(t *testing.T) {
	task := core.Task{ID: "T1", Title: "do thing", Status: core.TaskOpen}
	tracker := newFakeTracker(task)
	agent := succeedingAgent("primary", tracker, task.ID)

	eng := newTestEngine(t, tracker, AgentBinding{Name: "primary", Plugin: agent}, Config{})

	var events []core.EventType
	var mu sync.Mutex
	eng.On(func(e core.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Type)
	})

	err := eng.Start(context.Background())
	require.NoError(t, err)

	state := eng.GetState()
	require.Equal(t, core.EngineIdleComplete, state.Status)
	require.Equal(t, core.StopCompleted, state.StopReason)
	require.Equal(t, 1, state.TasksCompleted)
	require.Equal(t, "test-model", state.CurrentModel)
	require.Len(t, state.Iterations, 1)
	require.Equal(t, core.IterationSucceeded, state.Iterations[0].Status)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, events, core.EventTaskCompleted)
	require.Contains(t, events, core.EventAllComplete)
	require.Contains(t, events, core.EventAgentModel)
	require.Contains(t, events, core.EventAgentUsage)
}

func TestEngineNoTasksStopsImmediately(t *testing.T) {
	tracker := newFakeTracker()
	agent := &fakeAgent{name: "primary", onExecute: func(int, <-chan struct{}) (agentplugin.Result, error) {
		return agentplugin.Result{}, nil
	}}

	eng := newTestEngine(t, tracker, AgentBinding{Name: "primary", Plugin: agent}, Config{})
	require.NoError(t, eng.Start(context.Background()))

	state := eng.GetState()
	require.Equal(t, core.StopNoTasks, state.StopReason)
	require.Equal(t, 0, agent.execCount)
}

// TestEnginePauseResume checks that a pause requested before the loop
// starts takes effect once the first task is selected and activated
// (satisfying core.EngineState.Validate's requirement that a paused
// state still carry a CurrentTask), and that the agent never runs while
// paused.
func TestEnginePauseResume(t *testing.T) {
	task1 := core.Task{ID: "T1", Title: "first", Status: core.TaskOpen, Priority: 0}
	task2 := core.Task{ID: "T2", Title: "second", Status: core.TaskOpen, Priority: 1}
	tracker := newFakeTracker(task1, task2)

	agent := &fakeAgent{name: "primary"}
	agent.onExecute = func(n int, _ <-chan struct{}) (agentplugin.Result, error) {
		if n == 1 {
			_ = tracker.UpdateTaskStatus(task1.ID, core.TaskCompleted)
		} else {
			_ = tracker.UpdateTaskStatus(task2.ID, core.TaskCompleted)
		}
		return agentplugin.Result{ExitCode: 0}, nil
	}

	eng := newTestEngine(t, tracker, AgentBinding{Name: "primary", Plugin: agent}, Config{})
	eng.Pause()

	done := make(chan error, 1)
	go func() { done <- eng.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return eng.GetState().Status == core.EnginePaused
	}, 2*time.Second, 10*time.Millisecond)

	state := eng.GetState()
	require.NotNil(t, state.CurrentTask, "paused state must still carry the active task")
	require.Equal(t, core.TaskID("T1"), state.CurrentTask.ID)
	require.Equal(t, 0, agent.execCount, "agent must not run while paused")

	eng.Resume()

	require.NoError(t, <-done)
	final := eng.GetState()
	require.Equal(t, core.StopCompleted, final.StopReason)
	require.Equal(t, 2, final.TasksCompleted)
}

func TestEngineStopMidIteration(t *testing.T) {
	task := core.Task{ID: "T1", Title: "slow", Status: core.TaskOpen}
	tracker := newFakeTracker(task)

	started := make(chan struct{})
	agent := &fakeAgent{name: "primary"}
	agent.onExecute = func(n int, interrupted <-chan struct{}) (agentplugin.Result, error) {
		close(started)
		<-interrupted
		return agentplugin.Result{Interrupted: true}, nil
	}

	eng := newTestEngine(t, tracker, AgentBinding{Name: "primary", Plugin: agent}, Config{})

	done := make(chan error, 1)
	go func() { done <- eng.Start(context.Background()) }()

	<-started
	eng.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after Stop()")
	}

	state := eng.GetState()
	require.Equal(t, core.StopInterrupted, state.StopReason)
}

func TestEngineRateLimitFailover(t *testing.T) {
	task := core.Task{ID: "T1", Title: "needs fallback", Status: core.TaskOpen}
	tracker := newFakeTracker(task)

	primary := &fakeAgent{name: "primary"}
	primary.onExecute = func(int, <-chan struct{}) (agentplugin.Result, error) {
		return agentplugin.Result{ExitCode: 429, Stderr: "rate limit exceeded"}, nil
	}
	fallback := succeedingAgent("fallback", tracker, task.ID)

	cfg := Config{RateLimitCooldown: time.Hour}
	eng := newTestEngine(t, tracker, AgentBinding{Name: "primary", Plugin: primary}, cfg)
	eng.fallbacks = []AgentBinding{{Name: "fallback", Plugin: fallback}}

	var switched bool
	eng.On(func(e core.Event) {
		if e.Type == core.EventAgentSwitched {
			switched = true
		}
	})

	require.NoError(t, eng.Start(context.Background()))

	state := eng.GetState()
	require.Equal(t, core.StopCompleted, state.StopReason)
	require.True(t, switched, "must emit agent:switched when failing over to a fallback")
	require.Equal(t, 1, fallback.execCount)
}

func TestEngineAllAgentsLimitedStopsWithRateLimited(t *testing.T) {
	task := core.Task{ID: "T1", Title: "stuck", Status: core.TaskOpen}
	tracker := newFakeTracker(task)

	limited := func(int, <-chan struct{}) (agentplugin.Result, error) {
		return agentplugin.Result{ExitCode: 429}, nil
	}
	primary := &fakeAgent{name: "primary", onExecute: limited}
	fallback := &fakeAgent{name: "fallback", onExecute: limited}

	cfg := Config{RateLimitCooldown: time.Hour}
	eng := newTestEngine(t, tracker, AgentBinding{Name: "primary", Plugin: primary}, cfg)
	eng.fallbacks = []AgentBinding{{Name: "fallback", Plugin: fallback}}

	require.NoError(t, eng.Start(context.Background()))

	state := eng.GetState()
	require.Equal(t, core.StopRateLimited, state.StopReason)
}

func TestEngineMaxIterationsZeroIsUnbounded(t *testing.T) {
	task := core.Task{ID: "T1", Title: "repeat", Status: core.TaskOpen}
	tracker := newFakeTracker(task)

	agent := &fakeAgent{name: "primary"}
	agent.onExecute = func(n int, _ <-chan struct{}) (agentplugin.Result, error) {
		if n >= 3 {
			_ = tracker.UpdateTaskStatus(task.ID, core.TaskCompleted)
		}
		return agentplugin.Result{ExitCode: 0}, nil
	}

	eng := newTestEngine(t, tracker, AgentBinding{Name: "primary", Plugin: agent}, Config{MaxIterations: 0})
	require.NoError(t, eng.Start(context.Background()))

	state := eng.GetState()
	require.Equal(t, core.StopCompleted, state.StopReason)
	require.Equal(t, 3, state.CurrentIteration)
}

func TestEngineRemoveIterationsRefusesBelowCurrent(t *testing.T) {
	task := core.Task{ID: "T1", Title: "x", Status: core.TaskOpen}
	tracker := newFakeTracker(task)
	agent := &fakeAgent{name: "primary", onExecute: func(int, <-chan struct{}) (agentplugin.Result, error) {
		return agentplugin.Result{ExitCode: 0}, nil
	}}

	eng := newTestEngine(t, tracker, AgentBinding{Name: "primary", Plugin: agent}, Config{MaxIterations: 5})
	eng.mu.Lock()
	eng.state.CurrentIteration = 3
	eng.mu.Unlock()

	require.False(t, eng.RemoveIterations(3), "removing below the current iteration must be refused")
	require.True(t, eng.RemoveIterations(1))

	info := eng.GetIterationInfo()
	require.Equal(t, 4, info.MaxIterations)
}

func TestEngineResetTasksToOpen(t *testing.T) {
	task := core.Task{ID: "T1", Title: "stale", Status: core.TaskInProgress}
	tracker := newFakeTracker(task)
	agent := &fakeAgent{name: "primary", onExecute: func(int, <-chan struct{}) (agentplugin.Result, error) {
		return agentplugin.Result{ExitCode: 0}, nil
	}}

	dir := t.TempDir()
	store := sessionstore.New(dir)
	bus := logsink.NewBus(8)
	eng := New(dir, "sess-1", AgentBinding{Name: "primary", Plugin: agent}, nil, store, bus, Config{})

	require.NoError(t, eng.Initialize(context.Background(), InitOptions{
		Tracker:      tracker,
		StaleTaskIDs: []core.TaskID{task.ID},
	}))

	reset, _, err := tracker.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskOpen, reset.Status)
}

func TestEngineStartCalledTwiceErrors(t *testing.T) {
	tracker := newFakeTracker()
	agent := &fakeAgent{name: "primary", onExecute: func(int, <-chan struct{}) (agentplugin.Result, error) {
		return agentplugin.Result{}, nil
	}}
	eng := newTestEngine(t, tracker, AgentBinding{Name: "primary", Plugin: agent}, Config{})

	require.NoError(t, eng.Start(context.Background()))
	require.Error(t, eng.Start(context.Background()))
}

func TestDetectRateLimitHeuristic(t *testing.T) {
	require.True(t, detectRateLimit(agentplugin.Result{ExitCode: 429}))
	require.True(t, detectRateLimit(agentplugin.Result{ExitCode: 1, Stderr: "Error: Rate limit reached, retry later"}))
	require.False(t, detectRateLimit(agentplugin.Result{ExitCode: 1, Stderr: "some other failure"}))
}

func TestParseChunkMarkersTracksSubagents(t *testing.T) {
	tracker := newFakeTracker()
	agent := &fakeAgent{name: "primary", onExecute: func(int, <-chan struct{}) (agentplugin.Result, error) {
		return agentplugin.Result{}, nil
	}}
	eng := newTestEngine(t, tracker, AgentBinding{Name: "primary", Plugin: agent}, Config{})

	eng.parseChunkMarkers("subagent:start id=s1 label=researcher\nsome normal output\n")
	eng.parseChunkMarkers("subagent:end id=s1 status=succeeded\n")

	tree := eng.GetSubagentTree()
	require.Len(t, tree, 1)
	require.Equal(t, "s1", tree[0].ID)
	require.Equal(t, core.SubagentSucceeded, tree[0].Status)
}
