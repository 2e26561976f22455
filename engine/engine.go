// Package engine implements the execution engine (component F): the
// core iteration loop that selects a task, builds a prompt, runs the
// active agent plugin, streams its output, detects completion, and
// retries or aborts on failure. It is grounded on ralphio's
// Orchestrator.Run loop (other_examples/…ralphio…orchestrator.go.go) —
// a background goroutine driven by typed commands and publishing typed
// events — generalized from ralphio's fixed build/plan prompt files and
// single bundled adapter to the engine's AgentPlugin/TrackerPlugin
// contracts, multi-agent rate-limit failover, and subagent tracking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ralph-tui/ralph/agentplugin"
	"github.com/ralph-tui/ralph/core"
	"github.com/ralph-tui/ralph/gitutil"
	"github.com/ralph-tui/ralph/logsink"
	"github.com/ralph-tui/ralph/sessionstore"
	"github.com/ralph-tui/ralph/trackerplugin"
)

const defaultPreflightTimeoutMs = 5000

// AgentBinding names one configured agent plugin. Name is used in events
// (agent:switched, agent:recovery-attempted) and rate-limit bookkeeping.
type AgentBinding struct {
	Name   string
	Plugin agentplugin.Plugin
}

// Config holds the iteration loop's tunables that are not specific to
// one session (those live in InitOptions/CreateMeta instead).
type Config struct {
	MaxIterations int // 0 = unbounded

	MaxRetries        int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	RateLimitCooldown time.Duration

	AutoCommit bool
	// RepoDir is the working tree auto-commit runs in; defaults to
	// projectDir when empty (worker mode sets this to the worktree path).
	RepoDir string
	// ContinueOnIterationFailure makes a retry-exhausted iteration end
	// the iteration (status=failed) without stopping the loop, matching
	// the "continue" action of spec.md §4.2 step 7; the default, false,
	// is "abort".
	ContinueOnIterationFailure bool

	// TrackerKind selects the prompt template file under
	// .ralph-tui/prompts/{kind}.md.
	TrackerKind string
}

// InitOptions is what Initialize needs beyond what New already captured.
type InitOptions struct {
	// Tracker is required; the caller is responsible for having already
	// called Tracker.Initialize with the right file path/epic.
	Tracker trackerplugin.Plugin
	// ForcedTask puts the engine in worker mode: task selection always
	// returns this task (re-read from the tracker for its live status)
	// instead of consulting the tracker's open-task backlog.
	ForcedTask *core.Task
	// StaleTaskIDs are task IDs a prior DetectAndRecoverStaleSession call
	// cleared from activeTaskIds; Initialize resets each back to "open"
	// in the tracker (spec.md §4.1/§4.2, scenario S4).
	StaleTaskIDs []core.TaskID
}

// PromptPreview is the result of GeneratePromptPreview.
type PromptPreview struct {
	Success bool
	Prompt  string
	Source  string
	Error   string
}

// IterationInfo is a compact read of the engine's iteration counters.
type IterationInfo struct {
	CurrentIteration int
	MaxIterations    int
	TasksCompleted   int
	TotalTasks       int
}

type execOutcome int

const (
	outcomeSucceeded execOutcome = iota
	outcomeFailed
	outcomeAllLimited
	outcomeInterrupted
)

// iterationOutcome tells runLoop whether to keep looping and, if not,
// with which StopReason; taskCompleted tells it whether to keep
// iterating the same task or go back to task selection.
type iterationOutcome struct {
	stopReason    core.StopReason
	taskCompleted bool
}

type attemptResult struct {
	result      agentplugin.Result
	executionID string
	err         error
}

type agentChoice struct {
	binding AgentBinding
	reason  core.AgentSelectReason
}

// Engine is one execution engine instance, driving one tracker against
// one primary agent (with optional fallbacks) until a terminal stop
// condition. The zero value is not usable; construct with New.
type Engine struct {
	projectDir string
	sessionID  string
	cfg        Config

	primary   AgentBinding
	fallbacks []AgentBinding

	store *sessionstore.Store
	bus   *logsink.Bus
	prompt *promptBuilder

	mu         sync.Mutex
	tracker    trackerplugin.Plugin
	forcedTask *core.Task
	workerMode bool
	lastTasks  []core.Task

	state     core.EngineState
	persisted *core.PersistedSessionState

	rateLimits map[string]core.RateLimitState

	pauseRequested bool
	stopRequested  bool
	resumeCh       chan struct{}
	stopSignal     chan struct{}
	stopOnce       sync.Once

	currentHandle agentplugin.Handle
	startedOnce   bool

	subagents    []*core.SubagentNode
	subagentByID map[string]*core.SubagentNode
}

// New returns an Engine ready for Initialize. primary must be non-nil;
// fallbacks may be empty.
func New(projectDir, sessionID string, primary AgentBinding, fallbacks []AgentBinding, store *sessionstore.Store, bus *logsink.Bus, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = 60 * time.Second
	}

	return &Engine{
		projectDir:   projectDir,
		sessionID:    sessionID,
		cfg:          cfg,
		primary:      primary,
		fallbacks:    fallbacks,
		store:        store,
		bus:          bus,
		prompt:       newPromptBuilder(projectDir),
		rateLimits:   map[string]core.RateLimitState{},
		resumeCh:     make(chan struct{}),
		stopSignal:   make(chan struct{}),
		subagentByID: map[string]*core.SubagentNode{},
	}
}

// Initialize resolves the tracker and agent plugins, preflights the
// primary agent, fetches the task list once, and seeds totalTasks. In
// worker mode (opts.ForcedTask set) the engine never consults the
// tracker's backlog for selection.
func (e *Engine) Initialize(ctx context.Context, opts InitOptions) error {
	if opts.Tracker == nil {
		return fmt.Errorf("engine: initialize requires a tracker")
	}

	e.mu.Lock()
	e.tracker = opts.Tracker
	e.forcedTask = opts.ForcedTask
	e.workerMode = opts.ForcedTask != nil
	e.mu.Unlock()

	if err := e.primary.Plugin.Initialize(ctx, agentplugin.InitMeta{}); err != nil {
		return &core.AgentSpawnError{Plugin: e.primary.Name, Err: err}
	}
	if pre, err := e.primary.Plugin.Preflight(ctx, defaultPreflightTimeoutMs); err == nil && !pre.Success {
		e.emitWarning("primary agent preflight", errors.New(pre.Error))
	}
	for _, fb := range e.fallbacks {
		if err := fb.Plugin.Initialize(ctx, agentplugin.InitMeta{}); err != nil {
			e.emitWarning("fallback agent initialize", err)
		}
	}

	tasks, err := opts.Tracker.GetTasks(trackerplugin.TaskFilter{})
	if err != nil {
		return &core.TrackerError{Op: "initial fetch", Err: err}
	}

	e.mu.Lock()
	e.lastTasks = tasks
	e.state = core.EngineState{
		Status:         core.EngineIdle,
		MaxIterations:  e.cfg.MaxIterations,
		TotalTasks:     len(tasks),
		TasksCompleted: countCompleted(tasks),
	}
	e.mu.Unlock()

	if len(opts.StaleTaskIDs) > 0 {
		e.ResetTasksToOpen(opts.StaleTaskIDs)
	}

	if e.store != nil {
		persisted, err := e.store.Load()
		if err != nil {
			e.emitWarning("load persisted session", err)
		} else if persisted != nil {
			e.mu.Lock()
			e.persisted = persisted
			e.state.CurrentIteration = persisted.CurrentIteration
			e.mu.Unlock()
		}
	}

	return nil
}

// Start runs the iteration loop until a terminal stop condition and
// returns once it does. It must be called at most once per engine
// lifetime — a second call returns an error; use ContinueExecution to
// resume after a non-fatal stop. (Resolves the open question of
// spec.md §9 in favor of an explicit error over silent idempotency,
// matching the "at most once per lifetime" wording of §4.2.)
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.startedOnce {
		e.mu.Unlock()
		return fmt.Errorf("engine: start called more than once; use ContinueExecution")
	}
	e.startedOnce = true
	e.mu.Unlock()

	e.emit(core.EventEngineStarted, nil)
	return e.runLoop(ctx)
}

// ContinueExecution resumes the loop after stopped/idle-complete,
// provided currentIteration < maxIterations or maxIterations == 0.
func (e *Engine) ContinueExecution(ctx context.Context) error {
	e.mu.Lock()
	if !e.startedOnce {
		e.mu.Unlock()
		return fmt.Errorf("engine: continueExecution called before start")
	}
	if e.state.MaxIterations > 0 && e.state.CurrentIteration >= e.state.MaxIterations {
		e.mu.Unlock()
		return fmt.Errorf("engine: at max iterations; call AddIterations first")
	}
	e.state.Status = core.EngineSelecting
	e.state.StopReason = core.StopNone
	e.stopRequested = false
	e.mu.Unlock()

	return e.runLoop(ctx)
}

func (e *Engine) runLoop(ctx context.Context) error {
	for {
		if e.isStopRequested() {
			e.finish(core.StopInterrupted)
			return nil
		}

		task, ok := e.selectTask()
		if !ok {
			e.finish(core.StopNoTasks)
			return nil
		}

		e.activateTask(task)

		// One task may take several iterations to finish; keep driving
		// it until it completes, is no longer actionable, or a stop
		// condition fires, before returning to task selection.
		for {
			e.mu.Lock()
			if e.state.CurrentTask == nil && !e.stopRequested {
				clone := task.Clone()
				e.state.CurrentTask = &clone
				e.state.Status = core.EngineExecuting
			}
			e.mu.Unlock()

			// Pause is only honored once a task is active, so the engine
			// state always carries a CurrentTask while status is
			// paused/pausing (core.EngineState.Validate).
			if stopped := e.waitIfPaused(ctx); stopped {
				e.finish(core.StopInterrupted)
				return nil
			}
			if e.isStopRequested() {
				e.finish(core.StopInterrupted)
				return nil
			}

			outcome := e.runIteration(ctx, task)
			if outcome.stopReason != core.StopNone {
				e.finish(outcome.stopReason)
				return nil
			}

			e.mu.Lock()
			maxIter := e.state.MaxIterations
			curIter := e.state.CurrentIteration
			e.mu.Unlock()
			if maxIter > 0 && curIter >= maxIter {
				e.finish(core.StopMaxIter)
				return nil
			}

			if outcome.taskCompleted || !e.taskStillActionable(task.ID) {
				break
			}
		}

		if e.allTasksComplete() {
			e.emit(core.EventAllComplete, nil)
			e.finish(core.StopCompleted)
			return nil
		}
	}
}

// taskStillActionable re-reads task's live status and reports whether
// the engine should keep iterating on it, as opposed to returning to
// task selection because it finished, was cancelled, or became blocked
// out from under the engine (e.g. a dependency regressed via the
// remote control protocol).
func (e *Engine) taskStillActionable(id core.TaskID) bool {
	live, exists, err := e.tracker.GetTask(id)
	if err != nil {
		e.emitWarning("recheck task status", &core.TrackerError{Op: "recheck task", Err: err})
		return true
	}
	if !exists {
		return false
	}
	switch live.Status {
	case core.TaskCompleted, core.TaskCancelled, core.TaskBlocked:
		return false
	default:
		return true
	}
}

// Pause requests a pause at the next loop boundary. A second call while
// already pausing/paused is a no-op.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status == core.EnginePausing || e.state.Status == core.EnginePaused {
		return
	}
	e.pauseRequested = true
	if e.state.Status == core.EngineExecuting {
		e.state.Status = core.EnginePausing
	}
}

// Resume cancels a pending pause request, or wakes a paused loop.
func (e *Engine) Resume() {
	e.mu.Lock()
	if !e.pauseRequested && e.state.Status != core.EnginePaused {
		e.mu.Unlock()
		return
	}
	wasPaused := e.state.Status == core.EnginePaused
	e.pauseRequested = false
	if e.state.Status == core.EnginePausing {
		e.state.Status = core.EngineExecuting
	}
	if e.persisted != nil {
		e.persisted.IsPaused = false
		e.persisted.PausedAt = nil
	}
	if wasPaused {
		e.wakeLocked()
	}
	e.mu.Unlock()

	if wasPaused {
		e.persist()
		e.emit(core.EventEngineResumed, nil)
	}
}

// Stop interrupts the in-flight agent execution immediately (if any) and
// makes the loop exit with reason "interrupted" at its next observation
// point.
func (e *Engine) Stop() {
	e.mu.Lock()
	if isTerminalStatus(e.state.Status) {
		e.mu.Unlock()
		return
	}
	wasPaused := e.state.Status == core.EnginePaused
	e.stopRequested = true
	e.state.Status = core.EngineStopping
	handle := e.currentHandle
	if wasPaused {
		e.wakeLocked()
	}
	e.mu.Unlock()

	e.stopOnce.Do(func() { close(e.stopSignal) })

	if handle != nil {
		_ = handle.Interrupt()
	}
}

// wakeLocked closes the current resumeCh and installs a fresh one. Must
// be called with e.mu held, and only when a waiter is actually parked on
// the old channel (i.e. status was paused).
func (e *Engine) wakeLocked() {
	old := e.resumeCh
	e.resumeCh = make(chan struct{})
	close(old)
}

// AddIterations increases maxIterations by n and reports whether this
// makes the engine able to continue. An already-unbounded engine (max=0)
// is unaffected but the call is still acknowledged.
func (e *Engine) AddIterations(n int) bool {
	if n <= 0 {
		return false
	}
	e.mu.Lock()
	unbounded := e.state.MaxIterations == 0
	if !unbounded {
		e.state.MaxIterations += n
	}
	shouldContinue := unbounded || e.state.CurrentIteration < e.state.MaxIterations
	e.mu.Unlock()

	e.emit(core.EventEngineIterationsAdded, nil)
	return shouldContinue
}

// RemoveIterations decreases maxIterations by n, refusing to go below
// max(currentIteration, 1); an unbounded engine has nothing to remove.
func (e *Engine) RemoveIterations(n int) bool {
	if n <= 0 {
		return false
	}
	e.mu.Lock()
	if e.state.MaxIterations == 0 {
		e.mu.Unlock()
		return false
	}
	floor := e.state.CurrentIteration
	if floor < 1 {
		floor = 1
	}
	newMax := e.state.MaxIterations - n
	if newMax < floor {
		e.mu.Unlock()
		return false
	}
	e.state.MaxIterations = newMax
	e.mu.Unlock()

	e.emit(core.EventEngineIterationsRemoved, nil)
	return true
}

// RefreshTasks re-fetches the task list from the tracker and emits
// tasks:refreshed.
func (e *Engine) RefreshTasks() error {
	tasks, err := e.tracker.GetTasks(trackerplugin.TaskFilter{})
	if err != nil {
		return &core.TrackerError{Op: "refresh tasks", Err: err}
	}
	e.mu.Lock()
	e.lastTasks = tasks
	e.state.TotalTasks = len(tasks)
	e.state.TasksCompleted = countCompleted(tasks)
	e.mu.Unlock()
	e.emit(core.EventTasksRefreshed, nil)
	return nil
}

// GeneratePromptPreview runs the prompt builder for taskId without
// executing the agent.
func (e *Engine) GeneratePromptPreview(taskID core.TaskID) PromptPreview {
	task, ok, err := e.tracker.GetTask(taskID)
	if err != nil {
		return PromptPreview{Error: err.Error()}
	}
	if !ok {
		return PromptPreview{Error: fmt.Sprintf("unknown task %s", taskID)}
	}
	prompt, source := e.prompt.Build(e.cfg.TrackerKind, task, e.lastIterationSummary(taskID))
	return PromptPreview{Success: true, Prompt: prompt, Source: string(source)}
}

// GetState returns a point-in-time, independently mutable snapshot.
func (e *Engine) GetState() core.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cloneStateLocked()
}

// GetIterationInfo is a compact subset of GetState for viewers that only
// need the counters.
func (e *Engine) GetIterationInfo() IterationInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return IterationInfo{
		CurrentIteration: e.state.CurrentIteration,
		MaxIterations:    e.state.MaxIterations,
		TasksCompleted:   e.state.TasksCompleted,
		TotalTasks:       e.state.TotalTasks,
	}
}

// GetSubagentTree returns the root nodes discovered so far, in discovery
// order.
func (e *Engine) GetSubagentTree() []*core.SubagentNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*core.SubagentNode, len(e.subagents))
	copy(out, e.subagents)
	return out
}

// GetSubagentOutput returns the accumulated output of one subagent node.
func (e *Engine) GetSubagentOutput(id string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	node, ok := e.subagentByID[id]
	if !ok {
		return "", false
	}
	return node.Output, true
}

// GetSubagentDetails returns a copy of one subagent node's metadata.
func (e *Engine) GetSubagentDetails(id string) (core.SubagentNode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	node, ok := e.subagentByID[id]
	if !ok {
		return core.SubagentNode{}, false
	}
	return *node, true
}

// ResetTasksToOpen is a best-effort tracker status reset, used during
// graceful shutdown and (internally) during stale-session recovery.
func (e *Engine) ResetTasksToOpen(taskIDs []core.TaskID) int {
	count := 0
	for _, id := range taskIDs {
		if err := e.tracker.UpdateTaskStatus(id, core.TaskOpen); err != nil {
			e.emitWarning("reset task to open", &core.TrackerError{Op: "reset task", Err: err})
			continue
		}
		count++
	}
	return count
}

// On registers listener on the engine's event stream and returns an
// unsubscribe function.
func (e *Engine) On(listener core.EventListener) (unsubscribe func()) {
	return e.bus.Subscribe(listener)
}

// --- internal loop steps -----------------------------------------------

func (e *Engine) selectTask() (core.Task, bool) {
	e.mu.Lock()
	forced := e.forcedTask
	e.mu.Unlock()

	if forced != nil {
		current, ok, err := e.tracker.GetTask(forced.ID)
		if err != nil {
			e.emitWarning("select forced task", &core.TrackerError{Op: "get forced task", Err: err})
			return core.Task{}, false
		}
		if !ok || current.Status == core.TaskCompleted || current.Status == core.TaskCancelled {
			return core.Task{}, false
		}
		e.emit(core.EventTaskSelected, core.EventTaskActivatedPayload{Task: current})
		return current, true
	}

	tasks := e.fetchTasksWithRetry()
	task, ok := core.SelectNext(tasks)
	if !ok {
		return core.Task{}, false
	}
	e.emit(core.EventTaskSelected, core.EventTaskActivatedPayload{Task: task})
	return task, true
}

// fetchTasksWithRetry implements the TrackerError recovery policy of
// spec.md §7: one silent retry, then continue on the last successful
// snapshot.
func (e *Engine) fetchTasksWithRetry() []core.Task {
	tasks, err := e.tracker.GetTasks(trackerplugin.TaskFilter{})
	if err == nil {
		e.mu.Lock()
		e.lastTasks = tasks
		e.mu.Unlock()
		return tasks
	}

	tasks, err2 := e.tracker.GetTasks(trackerplugin.TaskFilter{})
	if err2 == nil {
		e.mu.Lock()
		e.lastTasks = tasks
		e.mu.Unlock()
		return tasks
	}

	e.emitWarning("fetch tasks", &core.TrackerError{Op: "select task", Err: err2})
	e.mu.Lock()
	snapshot := append([]core.Task(nil), e.lastTasks...)
	e.mu.Unlock()
	return snapshot
}

func (e *Engine) activateTask(task core.Task) {
	e.mu.Lock()
	clone := task.Clone()
	e.state.CurrentTask = &clone
	e.state.Status = core.EngineExecuting
	if e.persisted != nil {
		e.persisted.ActiveTaskIDs = appendUnique(e.persisted.ActiveTaskIDs, task.ID)
	}
	e.mu.Unlock()

	if err := e.tracker.UpdateTaskStatus(task.ID, core.TaskInProgress); err != nil {
		e.emitWarning("activate task", &core.TrackerError{Op: "activate task", Err: err})
	}
	e.persist()
	e.emit(core.EventTaskActivated, core.EventTaskActivatedPayload{Task: task})
}

func (e *Engine) runIteration(ctx context.Context, task core.Task) iterationOutcome {
	e.mu.Lock()
	e.state.CurrentIteration++
	iterNum := e.state.CurrentIteration
	e.state.CurrentOutput = ""
	e.state.CurrentStderr = ""
	e.mu.Unlock()

	if e.persisted != nil {
		e.mu.Lock()
		e.persisted.CurrentIteration = iterNum
		e.mu.Unlock()
		e.persist()
	}

	e.emit(core.EventIterationStarted, core.EventIterationPayload{Iteration: iterNum, TaskID: task.ID})

	startedAt := time.Now().UTC()
	prompt := e.buildPrompt(task)

	var iterLog *logsink.IterationLog
	if l, err := logsink.OpenIteration(e.projectDir, e.sessionID, iterNum, task.ID); err == nil {
		iterLog = l
	} else {
		e.emitWarning("open iteration log", err)
	}

	ar, outcome := e.executeWithPolicy(ctx, task, prompt, iterNum, iterLog)
	endedAt := time.Now().UTC()

	agentResult := core.AgentResult{
		ExecutionID: ar.executionID,
		ExitCode:    ar.result.ExitCode,
		Stdout:      ar.result.Stdout,
		Stderr:      ar.result.Stderr,
		Interrupted: ar.result.Interrupted || outcome == outcomeInterrupted,
		StartedAt:   startedAt,
		EndedAt:     endedAt,
		DurationMs:  endedAt.Sub(startedAt).Milliseconds(),
	}

	iterResult := core.IterationResult{
		Iteration:   iterNum,
		Task:        task.Clone(),
		AgentResult: agentResult,
		StartedAt:   startedAt,
		EndedAt:     endedAt,
		DurationMs:  agentResult.DurationMs,
	}

	switch outcome {
	case outcomeInterrupted:
		iterResult.Status = core.IterationFailed
		e.finalizeIteration(iterResult, iterLog)
		e.emit(core.EventIterationCompleted, core.EventIterationPayload{Iteration: iterNum, TaskID: task.ID, Result: &iterResult})
		return iterationOutcome{stopReason: core.StopInterrupted}

	case outcomeAllLimited:
		iterResult.Status = core.IterationFailed
		e.finalizeIteration(iterResult, iterLog)
		return iterationOutcome{stopReason: core.StopRateLimited}

	case outcomeFailed:
		iterResult.Status = core.IterationFailed
		e.finalizeIteration(iterResult, iterLog)
		e.emit(core.EventIterationFailed, core.EventIterationPayload{Iteration: iterNum, TaskID: task.ID, Result: &iterResult})
		if e.cfg.ContinueOnIterationFailure {
			return iterationOutcome{}
		}
		return iterationOutcome{stopReason: core.StopError}

	default:
		iterResult.Status = core.IterationSucceeded
		completed, commitSHA := e.detectCompletion(task)
		iterResult.TaskCompleted = completed
		iterResult.CommitSHA = commitSHA
		e.finalizeIteration(iterResult, iterLog)

		if completed {
			e.mu.Lock()
			e.state.TasksCompleted++
			if e.persisted != nil {
				e.persisted.CompletedTaskIDs = appendUnique(e.persisted.CompletedTaskIDs, task.ID)
				e.persisted.ActiveTaskIDs = removeID(e.persisted.ActiveTaskIDs, task.ID)
			}
			e.mu.Unlock()
			e.persist()
			e.emit(core.EventTaskCompleted, core.EventTaskActivatedPayload{Task: task})
		}

		e.emit(core.EventIterationCompleted, core.EventIterationPayload{Iteration: iterNum, TaskID: task.ID, TaskCompleted: completed, Result: &iterResult})
		return iterationOutcome{taskCompleted: completed}
	}
}

func (e *Engine) finalizeIteration(result core.IterationResult, iterLog *logsink.IterationLog) {
	e.mu.Lock()
	e.state.Iterations = append(e.state.Iterations, result)
	e.state.CurrentTask = nil
	e.state.Status = core.EngineSelecting
	e.state.ActiveAgent = nil
	e.mu.Unlock()

	if iterLog != nil {
		if err := iterLog.Finalize(result); err != nil {
			e.emitWarning("finalize iteration log", err)
		}
	}
	e.persist()
}

// executeWithPolicy runs one iteration's agent invocation(s): it fails
// over between primary and fallback agents on rate limiting (not
// counted against maxRetries), and applies exponential-backoff retries
// on genuine spawn/runtime failures (counted against maxRetries).
func (e *Engine) executeWithPolicy(ctx context.Context, task core.Task, prompt string, iterNum int, iterLog *logsink.IterationLog) (attemptResult, execOutcome) {
	backoff := e.cfg.InitialBackoff
	retries := 0
	var last attemptResult

	for {
		choice, ok := e.selectAgentForAttempt()
		if !ok {
			e.emit(core.EventAgentAllLimited, nil)
			return last, outcomeAllLimited
		}

		if choice.reason == core.AgentFallback {
			e.emit(core.EventAgentSwitched, core.EventAgentSwitchedPayload{Reason: "fallback", Plugin: choice.binding.Name, Success: true})
		}

		last = e.invoke(ctx, choice, prompt, iterLog)
		limited := detectRateLimit(last.result)

		if choice.reason == core.AgentRecovery {
			e.emit(core.EventAgentRecoveryAttempted, core.EventAgentSwitchedPayload{
				Reason:  "recovery",
				Plugin:  choice.binding.Name,
				Success: last.err == nil && !limited,
			})
		}

		if errors.Is(last.err, core.ErrAgentInterrupted) {
			return last, outcomeInterrupted
		}

		if limited {
			e.markLimited(choice.binding.Name)
			continue
		}

		if last.err == nil {
			e.clearLimited(choice.binding.Name)
			return last, outcomeSucceeded
		}

		retries++
		if retries > e.cfg.MaxRetries {
			return last, outcomeFailed
		}
		e.emit(core.EventIterationRetrying, core.EventIterationPayload{Iteration: iterNum, TaskID: task.ID})
		if !e.sleepBackoff(ctx, backoff) {
			return last, outcomeInterrupted
		}
		backoff = nextBackoff(backoff, e.cfg.BackoffMultiplier, e.cfg.MaxBackoff)
	}
}

func (e *Engine) selectAgentForAttempt() (agentChoice, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	primaryState := e.rateLimits[e.primary.Name]
	primaryLimited := primaryState.Limited && primaryState.RetryAfter.After(now)

	if !primaryLimited {
		reason := core.AgentPrimary
		if e.state.ActiveAgent != nil && e.state.ActiveAgent.Reason == core.AgentFallback {
			reason = core.AgentRecovery
		}
		return agentChoice{binding: e.primary, reason: reason}, true
	}

	for _, fb := range e.fallbacks {
		fbState := e.rateLimits[fb.Name]
		if !(fbState.Limited && fbState.RetryAfter.After(now)) {
			return agentChoice{binding: fb, reason: core.AgentFallback}, true
		}
	}
	return agentChoice{}, false
}

func (e *Engine) invoke(ctx context.Context, choice agentChoice, prompt string, iterLog *logsink.IterationLog) attemptResult {
	e.mu.Lock()
	e.state.ActiveAgent = &core.ActiveAgentState{Plugin: choice.binding.Name, Reason: choice.reason, Since: time.Now().UTC()}
	e.mu.Unlock()

	onChunk := func(stream string) func(string) {
		return func(chunk string) {
			e.mu.Lock()
			if stream == "stdout" {
				e.state.CurrentOutput += chunk
			} else {
				e.state.CurrentStderr += chunk
			}
			e.mu.Unlock()

			if iterLog != nil {
				_ = iterLog.WriteChunk(stream, chunk)
			}
			e.parseChunkMarkers(chunk)
			e.emit(core.EventAgentOutput, core.EventAgentOutputPayload{Chunk: chunk, Stream: stream})
		}
	}

	opts := agentplugin.ExecuteOptions{
		OnStdout: onChunk("stdout"),
		OnStderr: onChunk("stderr"),
	}

	handle, err := choice.binding.Plugin.Execute(ctx, prompt, nil, opts)
	if err != nil {
		return attemptResult{err: &core.AgentSpawnError{Plugin: choice.binding.Name, Err: err}}
	}
	executionID := handle.ExecutionID()

	e.mu.Lock()
	e.currentHandle = handle
	stopNow := e.stopRequested
	e.mu.Unlock()
	if stopNow {
		_ = handle.Interrupt()
	}

	result, waitErr := handle.Wait()

	e.mu.Lock()
	e.currentHandle = nil
	e.mu.Unlock()

	ar := attemptResult{result: result, executionID: executionID}
	switch {
	case result.Interrupted:
		ar.err = core.ErrAgentInterrupted
	case waitErr != nil:
		ar.err = &core.AgentRuntimeError{Plugin: choice.binding.Name, ExitCode: result.ExitCode, Err: waitErr}
	case result.ExitCode != 0:
		ar.err = &core.AgentRuntimeError{Plugin: choice.binding.Name, ExitCode: result.ExitCode, Err: fmt.Errorf("nonzero exit")}
	}
	return ar
}

func (e *Engine) markLimited(name string) {
	e.mu.Lock()
	e.rateLimits[name] = core.RateLimitState{Limited: true, RetryAfter: time.Now().UTC().Add(e.cfg.RateLimitCooldown)}
	e.state.RateLimitState = cloneRateLimits(e.rateLimits)
	e.mu.Unlock()
}

func (e *Engine) clearLimited(name string) {
	e.mu.Lock()
	delete(e.rateLimits, name)
	e.state.RateLimitState = cloneRateLimits(e.rateLimits)
	e.mu.Unlock()
}

// detectCompletion checks the tracker's view of task after one
// successful agent run and, for a task still in_progress with
// auto-commit enabled, creates a commit of any pending changes.
func (e *Engine) detectCompletion(task core.Task) (completed bool, commitSHA string) {
	updated, ok, err := e.tracker.GetTask(task.ID)
	if err != nil {
		e.emitWarning("completion check", &core.TrackerError{Op: "get task", Err: err})
		return false, ""
	}
	if !ok {
		return false, ""
	}
	if updated.Status == core.TaskCompleted {
		return true, ""
	}
	if updated.Status == core.TaskInProgress && e.cfg.AutoCommit {
		sha, err := e.autoCommit(task)
		if err != nil {
			e.emitWarning("auto-commit", err)
			return false, ""
		}
		if sha != "" {
			e.emit(core.EventTaskAutoCommitted, core.EventTaskAutoCommittedPayload{TaskID: task.ID, CommitSHA: sha})
		}
		return false, sha
	}
	return false, ""
}

func (e *Engine) autoCommit(task core.Task) (string, error) {
	dir := e.cfg.RepoDir
	if dir == "" {
		dir = e.projectDir
	}
	dirty, err := gitutil.IsDirty(dir)
	if err != nil || !dirty {
		return "", err
	}
	if _, err := gitutil.Run(dir, "add", "-A"); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("ralph: progress on %s", task.ID)
	if _, err := gitutil.Run(dir, "commit", "-m", msg); err != nil {
		return "", err
	}
	return gitutil.HeadSHA(dir)
}

func (e *Engine) allTasksComplete() bool {
	if e.workerMode {
		return false
	}
	tasks, err := e.tracker.GetTasks(trackerplugin.TaskFilter{})
	if err != nil || len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if t.Status != core.TaskCompleted && t.Status != core.TaskCancelled {
			return false
		}
	}
	return true
}

func (e *Engine) buildPrompt(task core.Task) string {
	prompt, _ := e.prompt.Build(e.cfg.TrackerKind, task, e.lastIterationSummary(task.ID))
	return prompt
}

func (e *Engine) lastIterationSummary(taskID core.TaskID) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	const maxLen = 2000
	for i := len(e.state.Iterations) - 1; i >= 0; i-- {
		it := e.state.Iterations[i]
		if it.Task.ID == taskID {
			out := it.AgentResult.Stdout
			if len(out) > maxLen {
				out = out[len(out)-maxLen:]
			}
			return out
		}
	}
	return ""
}

func (e *Engine) waitIfPaused(ctx context.Context) (stopped bool) {
	e.mu.Lock()
	if !e.pauseRequested {
		e.mu.Unlock()
		return false
	}
	e.state.Status = core.EnginePaused
	now := time.Now().UTC()
	if e.persisted != nil {
		e.persisted.IsPaused = true
		e.persisted.PausedAt = &now
	}
	resumeCh := e.resumeCh
	e.mu.Unlock()

	e.persist()
	e.emit(core.EventEnginePaused, nil)

	select {
	case <-resumeCh:
	case <-ctx.Done():
		return true
	case <-e.stopSignal:
		return true
	}

	e.mu.Lock()
	stop := e.stopRequested
	if !stop {
		e.state.Status = core.EngineSelecting
	}
	e.mu.Unlock()
	return stop
}

func (e *Engine) sleepBackoff(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-e.stopSignal:
		return false
	}
}

func (e *Engine) isStopRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopRequested
}

func (e *Engine) finish(reason core.StopReason) {
	e.mu.Lock()
	switch reason {
	case core.StopCompleted, core.StopNoTasks:
		e.state.Status = core.EngineIdleComplete
	case core.StopError:
		e.state.Status = core.EngineError
	default:
		e.state.Status = core.EngineStopped
	}
	e.state.StopReason = reason
	e.state.CurrentTask = nil
	if e.persisted != nil {
		e.persisted.Status = sessionStatusFor(reason)
	}
	e.mu.Unlock()

	e.persist()

	if e.store != nil && (reason == core.StopCompleted || reason == core.StopNoTasks) {
		if err := e.store.Delete(); err != nil {
			e.emitWarning("delete session on completion", err)
		}
	}

	e.emit(core.EventEngineStopped, core.EventEngineStoppedPayload{Reason: reason})
}

func (e *Engine) persist() {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	state := e.persisted
	e.mu.Unlock()
	if state == nil {
		return
	}
	if err := e.store.Save(state); err != nil {
		e.emitWarning("persist session", err)
	}
}

func (e *Engine) emit(t core.EventType, payload interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(core.Event{Type: t, Timestamp: time.Now().UTC(), Payload: payload})
}

func (e *Engine) emitWarning(context string, err error) {
	e.emit(core.EventEngineWarning, core.EventWarningPayload{Message: context, Err: err})
}

func (e *Engine) cloneStateLocked() core.EngineState {
	s := e.state
	if e.state.CurrentTask != nil {
		t := e.state.CurrentTask.Clone()
		s.CurrentTask = &t
	}
	s.Iterations = append([]core.IterationResult(nil), e.state.Iterations...)
	s.SubagentTree = append([]*core.SubagentNode(nil), e.state.SubagentTree...)
	if e.state.RateLimitState != nil {
		s.RateLimitState = cloneRateLimits(e.state.RateLimitState)
	}
	return s
}

// --- free helper functions ----------------------------------------------

func isTerminalStatus(s core.EngineStatus) bool {
	switch s {
	case core.EngineIdleComplete, core.EngineStopped, core.EngineError:
		return true
	default:
		return false
	}
}

func sessionStatusFor(reason core.StopReason) core.SessionStatus {
	switch reason {
	case core.StopCompleted, core.StopNoTasks:
		return core.SessionCompleted
	case core.StopInterrupted:
		return core.SessionInterrupted
	case core.StopError, core.StopRateLimited:
		return core.SessionFailed
	default:
		return core.SessionPaused
	}
}

func cloneRateLimits(m map[string]core.RateLimitState) map[string]core.RateLimitState {
	out := make(map[string]core.RateLimitState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func appendUnique(ids []core.TaskID, id core.TaskID) []core.TaskID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []core.TaskID, id core.TaskID) []core.TaskID {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func countCompleted(tasks []core.Task) int {
	n := 0
	for _, t := range tasks {
		if t.Status == core.TaskCompleted {
			n++
		}
	}
	return n
}

// rateLimitExitCode is the convention used by detectRateLimit below: an
// agent CLI that wants to report a rate limit without a distinguished
// structured signal exits with this code (HTTP 429's numeric value, easy
// to remember) or mentions "rate limit" in its output.
const rateLimitExitCode = 429

func detectRateLimit(result agentplugin.Result) bool {
	if result.ExitCode == rateLimitExitCode {
		return true
	}
	combined := strings.ToLower(result.Stdout + "\n" + result.Stderr)
	for _, marker := range []string{"rate limit", "rate_limited", "rate-limited"} {
		if strings.Contains(combined, marker) {
			return true
		}
	}
	return false
}

func nextBackoff(cur time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * multiplier)
	if max > 0 && next > max {
		next = max
	}
	return next
}
