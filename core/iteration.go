package core

import "time"

// IterationStatus is the terminal (or in-flight) status of one iteration.
type IterationStatus string

const (
	IterationRunning  IterationStatus = "running"
	IterationSucceeded IterationStatus = "succeeded"
	IterationFailed   IterationStatus = "failed"
	IterationRetrying IterationStatus = "retrying"
	IterationSkipped  IterationStatus = "skipped"
)

// AgentResult is the raw outcome of one agent subprocess invocation.
type AgentResult struct {
	ExecutionID string
	ExitCode    int
	Stdout      string
	Stderr      string
	Interrupted bool
	StartedAt   time.Time
	EndedAt     time.Time
	DurationMs  int64
}

// TokenUsageSummary normalizes an agent's self-reported token accounting.
// TotalTokens falls back to InputTokens+OutputTokens when the agent
// reports a zero total.
type TokenUsageSummary struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64

	ContextWindowTokens     int64
	RemainingContextTokens  int64
	RemainingContextPercent float64
	HasContextWindow        bool

	Events int64
}

// Normalize fixes up TotalTokens when the agent under-reports it.
func (u *TokenUsageSummary) Normalize() {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
}

// IterationResult is one entry of an engine's append-only iteration log.
// Once a terminal Status is set, a result is never mutated again.
type IterationResult struct {
	Iteration     int
	Task          Task
	AgentResult   AgentResult
	StartedAt     time.Time
	EndedAt       time.Time
	DurationMs    int64
	Status        IterationStatus
	TaskCompleted bool
	Usage         *TokenUsageSummary
	CommitSHA     string
}
