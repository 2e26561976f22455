package core

import "time"

// EventType names one kind of event on the engine, merge, or parallel
// event streams (spec §4.2, §4.5, §4.6).
type EventType string

const (
	EventEngineStarted         EventType = "engine:started"
	EventEnginePaused          EventType = "engine:paused"
	EventEngineResumed         EventType = "engine:resumed"
	EventEngineStopped         EventType = "engine:stopped"
	EventEngineWarning         EventType = "engine:warning"
	EventEngineIterationsAdded EventType = "engine:iterations-added"
	EventEngineIterationsRemoved EventType = "engine:iterations-removed"

	EventTaskSelected      EventType = "task:selected"
	EventTaskActivated     EventType = "task:activated"
	EventTaskCompleted     EventType = "task:completed"
	EventTaskAutoCommitted EventType = "task:auto-committed"

	EventIterationStarted   EventType = "iteration:started"
	EventIterationCompleted EventType = "iteration:completed"
	EventIterationFailed    EventType = "iteration:failed"
	EventIterationRetrying  EventType = "iteration:retrying"
	EventIterationSkipped   EventType = "iteration:skipped"

	EventAgentOutput             EventType = "agent:output"
	EventAgentUsage              EventType = "agent:usage"
	EventAgentModel              EventType = "agent:model"
	EventAgentSwitched           EventType = "agent:switched"
	EventAgentAllLimited         EventType = "agent:all-limited"
	EventAgentRecoveryAttempted  EventType = "agent:recovery-attempted"

	EventTasksRefreshed EventType = "tasks:refreshed"
	EventAllComplete    EventType = "all:complete"

	EventMergeQueued      EventType = "merge:queued"
	EventMergeStarted     EventType = "merge:started"
	EventMergeCompleted   EventType = "merge:completed"
	EventMergeFailed      EventType = "merge:failed"
	EventConflictDetected EventType = "conflict:detected"

	EventParallelCompleted EventType = "parallel:completed"
	EventMergeConflictInGroup EventType = "merge:conflict"
)

// Event is one entry on an engine's or orchestrator's totally-ordered event
// stream. Payload is one of the Event*Payload types below, chosen by Type.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// EventListener receives events synchronously, in emission order. A
// listener must not block and must not panic — callers isolate panics so
// one bad listener cannot take down the engine loop.
type EventListener func(Event)

// EventTaskActivatedPayload accompanies EventTaskSelected/EventTaskActivated.
type EventTaskActivatedPayload struct {
	Task Task
}

// EventIterationPayload accompanies iteration:* events.
type EventIterationPayload struct {
	Iteration     int
	TaskID        TaskID
	TaskCompleted bool
	Result        *IterationResult
}

// EventAgentOutputPayload accompanies agent:output.
type EventAgentOutputPayload struct {
	ExecutionID string
	Chunk       string
	Stream      string // "stdout" | "stderr"
}

// EventAgentSwitchedPayload accompanies agent:switched and
// agent:recovery-attempted.
type EventAgentSwitchedPayload struct {
	Reason  string
	Plugin  string
	Success bool
}

// EventTaskAutoCommittedPayload accompanies task:auto-committed.
type EventTaskAutoCommittedPayload struct {
	TaskID    TaskID
	CommitSHA string
}

// EventWarningPayload accompanies engine:warning.
type EventWarningPayload struct {
	Message string
	Err     error
}

// EventEngineStoppedPayload accompanies engine:stopped.
type EventEngineStoppedPayload struct {
	Reason StopReason
}

// EventAgentModelPayload accompanies agent:model.
type EventAgentModelPayload struct {
	Model string
}

// EventAgentUsagePayload accompanies agent:usage.
type EventAgentUsagePayload struct {
	Usage TokenUsageSummary
}

// EventMergePayload accompanies merge:* and conflict:detected.
type EventMergePayload struct {
	Operation MergeOperation
	Files     []string
}

// EventParallelCompletedPayload accompanies parallel:completed.
type EventParallelCompletedPayload struct {
	OrchestrationID string
	TotalTasks      int
	Succeeded       int
	Failed          int
	DurationMs      int64
}
