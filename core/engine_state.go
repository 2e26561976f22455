package core

import "time"

// EngineStatus is the top-level state of one execution engine's loop.
type EngineStatus string

const (
	EngineIdle          EngineStatus = "idle"
	EngineSelecting     EngineStatus = "selecting"
	EngineExecuting     EngineStatus = "executing"
	EnginePausing       EngineStatus = "pausing"
	EnginePaused        EngineStatus = "paused"
	EngineStopping      EngineStatus = "stopping"
	EngineStopped       EngineStatus = "stopped"
	EngineIdleComplete  EngineStatus = "idle-complete"
	EngineError         EngineStatus = "error"
)

// StopReason records why the loop exited, carried on EngineState once the
// engine reaches a terminal status.
type StopReason string

const (
	StopNone        StopReason = ""
	StopNoTasks     StopReason = "no_tasks"
	StopMaxIter     StopReason = "max_iterations"
	StopCompleted   StopReason = "completed"
	StopInterrupted StopReason = "interrupted"
	StopRateLimited StopReason = "rate_limited"
	StopError       StopReason = "error"
)

// SubagentStatus is the lifecycle of one node in the subagent tree.
type SubagentStatus string

const (
	SubagentRunning   SubagentStatus = "running"
	SubagentSucceeded SubagentStatus = "succeeded"
	SubagentFailed    SubagentStatus = "failed"
)

// SubagentNode is one subordinate agent invocation discovered by parsing
// the primary agent's output stream for launch/completion markers.
type SubagentNode struct {
	ID        string
	ParentID  string
	Label     string
	Status    SubagentStatus
	StartedAt time.Time
	EndedAt   time.Time
	Output    string
	Children  []*SubagentNode
}

// EngineState is the read-only snapshot returned by Engine.GetState. It is
// the sole channel through which a viewer observes engine progress outside
// of the event stream.
type EngineState struct {
	Status          EngineStatus
	StopReason      StopReason
	CurrentIteration int
	MaxIterations    int // 0 means unbounded

	CurrentTask *Task
	TotalTasks  int
	TasksCompleted int

	Iterations []IterationResult

	StartedAt *time.Time

	CurrentOutput string
	CurrentStderr string

	ActiveAgent    *ActiveAgentState
	RateLimitState map[string]RateLimitState
	CurrentModel   string

	SubagentTree []*SubagentNode
}

// Validate checks the invariants spec.md §3 places on EngineState. It is
// used by tests and may be called defensively after any mutation.
func (s *EngineState) Validate() error {
	if s.TasksCompleted > s.TotalTasks {
		return ErrInvariant("tasksCompleted exceeds totalTasks")
	}
	currentTaskExpected := s.Status == EngineExecuting || s.Status == EnginePaused || s.Status == EnginePausing
	if currentTaskExpected && s.CurrentTask == nil {
		return ErrInvariant("currentTask must be set while executing/pausing/paused")
	}
	if !currentTaskExpected && s.Status != EngineStopping && s.CurrentTask != nil {
		// stopping may still carry the in-flight task; everything else must not.
		return ErrInvariant("currentTask must be nil outside an active iteration")
	}
	if s.MaxIterations > 0 && isTerminal(s.Status) && s.CurrentIteration > s.MaxIterations {
		return ErrInvariant("currentIteration exceeds maxIterations at a terminal state")
	}
	for i, it := range s.Iterations {
		if it.Iteration != i+1 {
			return ErrInvariant("iterations[i].iteration must equal i+1")
		}
	}
	return nil
}

func isTerminal(s EngineStatus) bool {
	switch s {
	case EngineIdleComplete, EngineStopped, EngineError:
		return true
	default:
		return false
	}
}
