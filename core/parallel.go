package core

import "time"

// ParallelStatus is the top-level state of one parallel-executor
// orchestration run.
type ParallelStatus string

const (
	ParallelIdle      ParallelStatus = "idle"
	ParallelRunning   ParallelStatus = "running"
	ParallelPausing   ParallelStatus = "pausing"
	ParallelPaused    ParallelStatus = "paused"
	ParallelStopping  ParallelStatus = "stopping"
	ParallelStopped   ParallelStatus = "stopped"
	ParallelCompleted ParallelStatus = "completed"
	ParallelError     ParallelStatus = "error"
)

// WorkerStatus is the lifecycle of one worker inside a running group.
type WorkerStatus string

const (
	WorkerPending   WorkerStatus = "pending"
	WorkerRunning   WorkerStatus = "running"
	WorkerSucceeded WorkerStatus = "succeeded"
	WorkerFailed    WorkerStatus = "failed"
	WorkerCancelled WorkerStatus = "cancelled"
)

// WorkerSnapshot is the point-in-time view of one worker exposed by
// ParallelState.Workers.
type WorkerSnapshot struct {
	WorkerID string
	TaskID   TaskID
	Status   WorkerStatus
	Error    string
}

// ParallelState is the read-only snapshot returned by the parallel
// executor's GetState, mirroring EngineState's role for a single engine.
type ParallelState struct {
	OrchestrationID string
	Status          ParallelStatus

	TotalGroups     int
	CurrentGroup    int
	TotalTasks      int
	TasksSucceeded  int
	TasksFailed     int
	MaxWorkers      int

	Workers []WorkerSnapshot

	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
}

// Validate checks the invariants analogous to EngineState.Validate: group
// and task counters must stay within their totals.
func (s *ParallelState) Validate() error {
	if s.CurrentGroup > s.TotalGroups {
		return ErrInvariant("currentGroup exceeds totalGroups")
	}
	if s.TasksSucceeded+s.TasksFailed > s.TotalTasks {
		return ErrInvariant("tasksSucceeded+tasksFailed exceeds totalTasks")
	}
	return nil
}
