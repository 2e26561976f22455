package core

import "time"

// MergeStrategy is how a merge operation integrated its source branch.
type MergeStrategy string

const (
	StrategyFastForward MergeStrategy = "fast-forward"
	StrategyMergeCommit MergeStrategy = "merge-commit"
)

// MergeStatus is the lifecycle of one queued merge operation.
type MergeStatus string

const (
	MergeQueued     MergeStatus = "queued"
	MergeInProgress MergeStatus = "in_progress"
	MergeSucceeded  MergeStatus = "succeeded"
	MergeConflicted MergeStatus = "conflicted"
	MergeFailed     MergeStatus = "failed"
)

// MergeOperation is one entry of the merge engine's serial FIFO queue.
type MergeOperation struct {
	ID            string
	TaskID        TaskID
	SourceBranch  string
	CommitMessage string
	QueuedAt      time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Status        MergeStatus
	PreMergeTag   string
	Strategy      MergeStrategy
	CommitSHA     string
	HadConflicts  bool
	FilesChanged  []string
	Error         string
}
