// Package parallel implements the parallel executor (component J): it
// fans a task backlog out across a dependency-respecting sequence of
// groups, running one worktree-isolated engine per task within a group,
// fanning results back in, and draining the merge engine after each
// group before the next one starts. It is grounded on the teacher's
// concurrency/orchestrator.go and concurrency/worker_pool.go idiom
// (worker state machine, sync.WaitGroup fan-out/fan-in), adapted from a
// generic priority job queue to the spec's fixed
// graph-group/worktree/engine/merge pipeline (spec.md §4.6).
package parallel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ralph-tui/ralph/core"
	"github.com/ralph-tui/ralph/engine"
	"github.com/ralph-tui/ralph/gitutil"
	"github.com/ralph-tui/ralph/graph"
	"github.com/ralph-tui/ralph/logsink"
	"github.com/ralph-tui/ralph/merge"
	"github.com/ralph-tui/ralph/trackerplugin"
	"github.com/ralph-tui/ralph/worktree"
)

// AgentFactory builds the primary and fallback agent bindings for one
// worker, scoped to its own worktree path. The caller (typically
// cmd/ralph) supplies this because each worker's agent plugin instance
// must be bound to its own working directory — sharing one plugin
// instance across workers the way a single-engine run does would mix up
// which worktree each subprocess runs in.
type AgentFactory func(workerID, worktreePath string) (primary engine.AgentBinding, fallbacks []engine.AgentBinding, err error)

// Config holds the parallel executor's tunables, set once at
// construction from orchestrate:start's request fields (spec.md §4.7).
type Config struct {
	MaxWorkers    int
	MaxIterations int
	TrackerKind   string
	// DirectMerge drains the merge queue as each worker finishes instead
	// of waiting for its whole group to finish; either way, merges never
	// overlap (spec.md §4.6's scheduling model) — this only changes how
	// promptly a successful worker's branch reaches the host branch.
	DirectMerge bool
}

// Executor runs one orchestration: execute() is called at most once per
// instance, matching Engine.Start's lifetime contract.
type Executor struct {
	id         string
	projectDir string
	cfg        Config

	tracker      *mutexTracker
	pool         *worktree.Pool
	mergeEngine  *merge.Engine
	mergeMu      sync.Mutex
	bus          *logsink.Bus
	agentFactory AgentFactory

	mu             sync.Mutex
	state          core.ParallelState
	pauseRequested bool
	stopRequested  bool
	resumeCh       chan struct{}
	stopSignal     chan struct{}
	stopOnce       sync.Once
	startedOnce    bool
	engines        map[string]*engine.Engine
}

// New returns an Executor for one orchestration run against tracker
// (wrapped in a mutex before being handed to any worker engine),
// rooted at projectDir, pooling worktrees from pool, integrating
// branches through mergeEngine, and publishing every worker engine's and
// the executor's own events to bus.
func New(projectDir string, tracker trackerplugin.Plugin, pool *worktree.Pool, mergeEngine *merge.Engine, bus *logsink.Bus, factory AgentFactory, cfg Config) *Executor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	return &Executor{
		id:           uuid.NewString(),
		projectDir:   projectDir,
		cfg:          cfg,
		tracker:      newMutexTracker(tracker),
		pool:         pool,
		mergeEngine:  mergeEngine,
		bus:          bus,
		agentFactory: factory,
		resumeCh:     make(chan struct{}),
		stopSignal:   make(chan struct{}),
		engines:      map[string]*engine.Engine{},
	}
}

// Execute runs the full group-by-group pipeline to completion, pause, or
// cancellation, and returns once the orchestration reaches a terminal
// state. It must be called at most once.
func (x *Executor) Execute(ctx context.Context) error {
	x.mu.Lock()
	if x.startedOnce {
		x.mu.Unlock()
		return fmt.Errorf("parallel: execute called more than once")
	}
	x.startedOnce = true
	now := time.Now().UTC()
	x.state = core.ParallelState{
		OrchestrationID: x.id,
		Status:          core.ParallelRunning,
		StartedAt:       &now,
		MaxWorkers:      x.cfg.MaxWorkers,
	}
	x.mu.Unlock()

	tasks, err := x.tracker.GetTasks(trackerplugin.TaskFilter{})
	if err != nil {
		return x.fail(&core.TrackerError{Op: "parallel fetch tasks", Err: err})
	}

	statusOf := func(id core.TaskID) (core.TaskStatus, bool) {
		for _, t := range tasks {
			if t.ID == id {
				return t.Status, true
			}
		}
		return "", false
	}
	analysis := graph.Analyze(tasks, statusOf)

	if _, err := x.mergeEngine.CreateSessionBackup(x.id); err != nil {
		x.emitWarning("tag session backup", err)
	}

	x.mu.Lock()
	x.state.TotalGroups = len(analysis.Groups)
	x.state.TotalTasks = analysis.ActionableTaskCount
	x.mu.Unlock()

	for _, group := range analysis.Groups {
		if stopped := x.waitIfPaused(ctx); stopped {
			return x.finish(core.ParallelStopped)
		}
		if x.isStopRequested() {
			return x.finish(core.ParallelStopped)
		}

		x.mu.Lock()
		x.state.CurrentGroup++
		x.mu.Unlock()

		results := x.runGroup(ctx, group)

		for _, r := range results {
			x.recordOutcome(r)
			if !x.cfg.DirectMerge && r.Success && r.CommitCount > 0 {
				x.enqueueMerge(r)
			}
			x.releaseWorktree(r)
		}

		x.drainMergeQueue()

		if x.isStopRequested() {
			return x.finish(core.ParallelStopped)
		}
	}

	return x.finish(core.ParallelCompleted)
}

// runGroup fans workers out across up to min(maxWorkers, len(group.Tasks))
// concurrent slots and fans their results back in (spec.md §4.6 step 2).
func (x *Executor) runGroup(ctx context.Context, group core.ParallelGroup) []core.WorkerResult {
	workerCount := x.cfg.MaxWorkers
	if len(group.Tasks) < workerCount {
		workerCount = len(group.Tasks)
	}
	if workerCount <= 0 {
		return nil
	}

	sem := make(chan struct{}, workerCount)
	var wg sync.WaitGroup
	results := make([]core.WorkerResult, len(group.Tasks))

	for i, task := range group.Tasks {
		if x.isStopRequested() {
			break
		}
		if stopped := x.waitIfPaused(ctx); stopped {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, task core.Task) {
			defer wg.Done()
			defer func() { <-sem }()

			workerID := fmt.Sprintf("%s-g%d-w%d", x.id, group.Depth, i)
			result := x.runWorker(ctx, workerID, task)

			// DirectMerge integrates a successful worker's branch as soon
			// as it finishes rather than waiting for the whole group;
			// recordOutcome/release still happen once, uniformly, after
			// fan-in below.
			if x.cfg.DirectMerge && result.Success && result.CommitCount > 0 {
				x.enqueueMerge(result)
				x.drainMergeQueue()
			}
			results[i] = result
		}(i, task)
	}
	wg.Wait()

	out := results[:0]
	for _, r := range results {
		if r.WorkerID != "" {
			out = append(out, r)
		}
	}
	return out
}

// runWorker acquires a worktree, builds a worker-mode engine pinned to
// task, drives it to completion, and reports the outcome.
func (x *Executor) runWorker(ctx context.Context, workerID string, task core.Task) core.WorkerResult {
	info, err := x.pool.Acquire(workerID, task)
	if err != nil {
		return core.WorkerResult{WorkerID: workerID, Task: task, Success: false, Error: err}
	}

	baseSHA, _ := gitutil.HeadSHA(info.Path)

	primary, fallbacks, err := x.agentFactory(workerID, info.Path)
	if err != nil {
		_ = x.pool.Release(workerID, false)
		return core.WorkerResult{WorkerID: workerID, Task: task, Error: err, WorktreePath: info.Path}
	}

	eng := engine.New(x.projectDir, workerID, primary, fallbacks, nil, x.bus, engine.Config{
		MaxIterations: x.cfg.MaxIterations,
		AutoCommit:    true,
		RepoDir:       info.Path,
		TrackerKind:   x.cfg.TrackerKind,
	})

	if err := eng.Initialize(ctx, engine.InitOptions{Tracker: x.tracker, ForcedTask: &task}); err != nil {
		_ = x.pool.Release(workerID, false)
		return core.WorkerResult{WorkerID: workerID, Task: task, Error: err, WorktreePath: info.Path}
	}

	x.registerWorker(workerID, task.ID, eng)
	defer x.unregisterWorker(workerID)

	startedAt := time.Now().UTC()
	runErr := eng.Start(ctx)
	duration := time.Since(startedAt)

	final, _, _ := x.tracker.GetTask(task.ID)
	state := eng.GetState()
	commitCount, _ := x.pool.CommitCount(workerID, baseSHA)

	result := core.WorkerResult{
		WorkerID:      workerID,
		Task:          task,
		Success:       runErr == nil && state.StopReason != core.StopError && state.StopReason != core.StopInterrupted,
		IterationsRun: state.CurrentIteration,
		TaskCompleted: final.Status == core.TaskCompleted,
		DurationMs:    duration.Milliseconds(),
		BranchName:    info.Branch,
		CommitCount:   commitCount,
		WorktreePath:  info.Path,
	}
	if runErr != nil {
		result.Error = runErr
	}
	return result
}

func (x *Executor) enqueueMerge(r core.WorkerResult) {
	op := x.mergeEngine.Enqueue(r.BranchName, fmt.Sprintf("ralph: merge %s (%s)", r.Task.ID, r.Task.Title), r.Task.ID)
	x.emit(core.EventMergeQueued, core.EventMergePayload{Operation: *op})
}

// drainMergeQueue processes every queued merge one at a time, serialized
// by mergeMu so a DirectMerge per-worker drain never overlaps a
// per-group drain (spec.md §5: "at most one version-control mutation is
// in flight against the host branch at a time").
func (x *Executor) drainMergeQueue() {
	x.mergeMu.Lock()
	defer x.mergeMu.Unlock()

	for {
		op, err := x.mergeEngine.ProcessNext()
		if err != nil {
			x.emitWarning("process merge queue", err)
			continue
		}
		if op == nil {
			return
		}
		switch op.Status {
		case core.MergeSucceeded:
			x.emit(core.EventMergeCompleted, core.EventMergePayload{Operation: *op, Files: op.FilesChanged})
		case core.MergeConflicted:
			x.emit(core.EventMergeConflictInGroup, core.EventMergePayload{Operation: *op, Files: op.FilesChanged})
		case core.MergeFailed:
			x.emit(core.EventMergeFailed, core.EventMergePayload{Operation: *op})
		}
	}
}

func (x *Executor) releaseWorktree(r core.WorkerResult) {
	if r.WorktreePath == "" {
		return
	}
	// Branches remain until session cleanup so rollback/diagnostics work
	// (spec.md §4.6 step 2e); only the checked-out working copy is freed.
	if err := x.pool.Release(r.WorkerID, true); err != nil {
		x.emitWarning("release worktree", err)
	}
}

func (x *Executor) recordOutcome(r core.WorkerResult) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if r.Success && r.TaskCompleted {
		x.state.TasksSucceeded++
	} else if !r.Success {
		x.state.TasksFailed++
	}
	status := core.WorkerSucceeded
	switch {
	case x.stopRequested:
		status = core.WorkerCancelled
	case !r.Success:
		status = core.WorkerFailed
	}
	for i := range x.state.Workers {
		if x.state.Workers[i].WorkerID == r.WorkerID {
			x.state.Workers[i].Status = status
			if r.Error != nil {
				x.state.Workers[i].Error = r.Error.Error()
			}
			return
		}
	}
}

// Pause calls engine.Pause on every worker currently running and
// prevents new workers (and new groups) from starting until Resume.
func (x *Executor) Pause() {
	x.mu.Lock()
	if x.state.Status == core.ParallelPausing || x.state.Status == core.ParallelPaused {
		x.mu.Unlock()
		return
	}
	x.pauseRequested = true
	if x.state.Status == core.ParallelRunning {
		x.state.Status = core.ParallelPausing
	}
	engines := x.activeEnginesLocked()
	x.mu.Unlock()

	for _, eng := range engines {
		eng.Pause()
	}
}

// Resume cancels a pending pause and wakes any group waiting to start.
func (x *Executor) Resume() {
	x.mu.Lock()
	if !x.pauseRequested && x.state.Status != core.ParallelPaused {
		x.mu.Unlock()
		return
	}
	wasPaused := x.state.Status == core.ParallelPaused
	x.pauseRequested = false
	if x.state.Status == core.ParallelPausing {
		x.state.Status = core.ParallelRunning
	}
	engines := x.activeEnginesLocked()
	if wasPaused {
		x.wakeLocked()
	}
	x.mu.Unlock()

	for _, eng := range engines {
		eng.Resume()
	}
}

// Stop interrupts every active worker's engine and makes Execute return
// with ParallelStopped at its next observation point.
func (x *Executor) Stop() {
	x.mu.Lock()
	if isTerminalParallel(x.state.Status) {
		x.mu.Unlock()
		return
	}
	wasPaused := x.state.Status == core.ParallelPaused
	x.stopRequested = true
	x.state.Status = core.ParallelStopping
	engines := x.activeEnginesLocked()
	if wasPaused {
		x.wakeLocked()
	}
	x.mu.Unlock()

	x.stopOnce.Do(func() { close(x.stopSignal) })

	for _, eng := range engines {
		eng.Stop()
	}
}

func (x *Executor) wakeLocked() {
	old := x.resumeCh
	x.resumeCh = make(chan struct{})
	close(old)
}

func (x *Executor) waitIfPaused(ctx context.Context) (stopped bool) {
	x.mu.Lock()
	if !x.pauseRequested {
		x.mu.Unlock()
		return false
	}
	x.state.Status = core.ParallelPaused
	resumeCh := x.resumeCh
	x.mu.Unlock()

	select {
	case <-resumeCh:
	case <-ctx.Done():
		return true
	case <-x.stopSignal:
		return true
	}

	x.mu.Lock()
	stop := x.stopRequested
	if !stop {
		x.state.Status = core.ParallelRunning
	}
	x.mu.Unlock()
	return stop
}

func (x *Executor) isStopRequested() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stopRequested
}

func (x *Executor) registerWorker(workerID string, taskID core.TaskID, eng *engine.Engine) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.engines[workerID] = eng
	x.state.Workers = append(x.state.Workers, core.WorkerSnapshot{
		WorkerID: workerID,
		TaskID:   taskID,
		Status:   core.WorkerRunning,
	})
}

func (x *Executor) unregisterWorker(workerID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.engines, workerID)
}

func (x *Executor) activeEnginesLocked() []*engine.Engine {
	out := make([]*engine.Engine, 0, len(x.engines))
	for _, eng := range x.engines {
		out = append(out, eng)
	}
	return out
}

// GetState returns a point-in-time, independently mutable snapshot.
func (x *Executor) GetState() core.ParallelState {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.state
	s.Workers = append([]core.WorkerSnapshot(nil), x.state.Workers...)
	return s
}

// On registers listener on the shared event bus and returns an
// unsubscribe function.
func (x *Executor) On(listener core.EventListener) (unsubscribe func()) {
	return x.bus.Subscribe(listener)
}

func (x *Executor) fail(err error) error {
	x.mu.Lock()
	x.state.Status = core.ParallelError
	x.state.Error = err.Error()
	completed := time.Now().UTC()
	x.state.CompletedAt = &completed
	x.mu.Unlock()
	return err
}

func (x *Executor) finish(status core.ParallelStatus) error {
	x.mu.Lock()
	x.state.Status = status
	completed := time.Now().UTC()
	x.state.CompletedAt = &completed
	totals := core.EventParallelCompletedPayload{
		OrchestrationID: x.id,
		TotalTasks:      x.state.TotalTasks,
		Succeeded:       x.state.TasksSucceeded,
		Failed:          x.state.TasksFailed,
	}
	if x.state.StartedAt != nil {
		totals.DurationMs = completed.Sub(*x.state.StartedAt).Milliseconds()
	}
	x.mu.Unlock()

	x.emit(core.EventParallelCompleted, totals)
	return nil
}

func (x *Executor) emit(t core.EventType, payload interface{}) {
	if x.bus == nil {
		return
	}
	x.bus.Publish(core.Event{Type: t, Timestamp: time.Now().UTC(), Payload: payload})
}

func (x *Executor) emitWarning(context string, err error) {
	x.emit(core.EventEngineWarning, core.EventWarningPayload{Message: context, Err: err})
}

func isTerminalParallel(s core.ParallelStatus) bool {
	switch s {
	case core.ParallelCompleted, core.ParallelStopped, core.ParallelError:
		return true
	default:
		return false
	}
}
