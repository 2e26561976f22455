package core

// ParallelGroup is one depth level of the task dependency graph: every
// task in it is actionable once every earlier group has completed, and
// tasks within a group carry no dependency edges between them.
type ParallelGroup struct {
	Depth       int
	Tasks       []Task // sorted by Priority ascending
	MaxPriority int
}

// TaskGraphAnalysis is the result of analyzing a task list's dependency
// edges with Kahn's algorithm.
type TaskGraphAnalysis struct {
	Nodes               map[TaskID]Task
	Groups              []ParallelGroup
	CyclicTaskIDs       []TaskID
	ActionableTaskCount int
	MaxParallelism      int
	// RecommendParallel is true when there are at least 3 actionable
	// tasks, at most half of all considered tasks are cyclic, and at
	// least one group has 2 or more tasks in it.
	RecommendParallel bool
}

// ParallelismRecommendation is RecommendParallelism's verdict: how many
// workers to run, how confident the heuristic is, and why.
type ParallelismRecommendation struct {
	RecommendedWorkers int
	Confidence         string // "low" | "medium" | "high"
	Reason             string
}
