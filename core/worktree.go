package core

import "time"

// WorktreeInfo describes one isolated working copy owned by the worktree
// pool. Path is always a sibling of the project directory, never nested
// inside it (spec §4.3) — agent CLIs walk upward looking for a version
// control marker to find the project root, and a nested worktree would
// confuse that walk.
type WorktreeInfo struct {
	ID        string
	Path      string
	Branch    string
	WorkerID  string
	TaskID    TaskID
	Active    bool
	Dirty     bool
	CreatedAt time.Time
}

// WorkerConfig pins one worker-mode engine to a pre-assigned task inside a
// specific worktree.
type WorkerConfig struct {
	ID           string
	WorktreePath string
	BranchName   string
	Task         Task
}

// WorkerResult is the outcome the parallel executor gathers from one
// worker's engine run.
type WorkerResult struct {
	WorkerID      string
	Task          Task
	Success       bool
	IterationsRun int
	TaskCompleted bool
	DurationMs    int64
	BranchName    string
	CommitCount   int
	WorktreePath  string
	Error         error
}
