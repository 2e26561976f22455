// Package graph is the task dependency graph analyzer (component H): it
// groups a task list into dependency-respecting parallel execution waves
// using Kahn's algorithm, the same approach the wave/orchestrator idiom
// in the retrieval pack's Conductor example uses to turn a DependencyGraph
// into a sequence of WaveExecutor runs.
package graph

import (
	"sort"
	"strings"

	"github.com/ralph-tui/ralph/core"
)

// MinActionableForParallel is the smallest actionable-task count at which
// RecommendParallel considers parallel execution worthwhile.
const MinActionableForParallel = 3

// MaxCyclicRatioForParallel is the largest share of considered tasks
// (actionable + cyclic) that may be stuck in a cycle before parallel
// execution is no longer recommended.
const MaxCyclicRatioForParallel = 0.5

// MinGroupSizeForParallel is the smallest width a single group must reach
// for parallel execution to be worth the per-worktree setup cost.
const MinGroupSizeForParallel = 2

// Analyze computes waves for tasks by repeatedly peeling off the subset
// whose dependencies are already satisfied (Kahn's algorithm). Tasks
// whose dependencies can never be satisfied — because they are part of a
// cycle, or depend on a task that is — are reported in CyclicTaskIDs
// instead of appearing in any group. Dependencies on task IDs that are not
// in tasks are ignored (see dependenciesSatisfied).
func Analyze(tasks []core.Task, statusOf func(core.TaskID) (core.TaskStatus, bool)) core.TaskGraphAnalysis {
	nodes := make(map[core.TaskID]core.Task, len(tasks))
	for _, t := range tasks {
		nodes[t.ID] = t
	}

	remaining := make(map[core.TaskID]core.Task, len(tasks))
	for id, t := range nodes {
		remaining[id] = t
	}

	done := map[core.TaskID]struct{}{}
	for id, t := range nodes {
		if status, ok := statusOf(id); ok && status == core.TaskCompleted {
			done[id] = struct{}{}
			delete(remaining, id)
		}
		_ = t
	}

	var groups []core.ParallelGroup
	depth := 0
	actionableCount := 0
	maxParallelism := 0

	for len(remaining) > 0 {
		var ready []core.Task
		for id, t := range remaining {
			if dependenciesSatisfied(t, done, nodes) {
				ready = append(ready, t)
				_ = id
			}
		}

		if len(ready) == 0 {
			// Nothing in `remaining` has its dependencies satisfied: every
			// task left is part of a cycle, or depends on a task that is.
			break
		}

		sort.Slice(ready, func(i, j int) bool { return ready[i].Priority < ready[j].Priority })

		maxPriority := ready[0].Priority
		for _, t := range ready {
			if t.Priority > maxPriority {
				maxPriority = t.Priority
			}
		}

		groups = append(groups, core.ParallelGroup{
			Depth:       depth,
			Tasks:       ready,
			MaxPriority: maxPriority,
		})

		if len(ready) > maxParallelism {
			maxParallelism = len(ready)
		}
		actionableCount += len(ready)

		for _, t := range ready {
			done[t.ID] = struct{}{}
			delete(remaining, t.ID)
		}
		depth++
	}

	var cyclic []core.TaskID
	for id := range remaining {
		cyclic = append(cyclic, id)
	}
	sort.Slice(cyclic, func(i, j int) bool { return cyclic[i] < cyclic[j] })

	considered := actionableCount + len(cyclic)
	cyclicRatio := 0.0
	if considered > 0 {
		cyclicRatio = float64(len(cyclic)) / float64(considered)
	}
	widestGroup := 0
	for _, g := range groups {
		if len(g.Tasks) > widestGroup {
			widestGroup = len(g.Tasks)
		}
	}

	return core.TaskGraphAnalysis{
		Nodes:               nodes,
		Groups:              groups,
		CyclicTaskIDs:       cyclic,
		ActionableTaskCount: actionableCount,
		MaxParallelism:      maxParallelism,
		RecommendParallel: actionableCount >= MinActionableForParallel &&
			cyclicRatio <= MaxCyclicRatioForParallel &&
			widestGroup >= MinGroupSizeForParallel,
	}
}

// dependenciesSatisfied reports whether every dependency of t is either
// already done, or refers to a task ID that isn't in the graph at all (an
// external dependency the tracker doesn't know about, which we don't
// block on).
func dependenciesSatisfied(t core.Task, done map[core.TaskID]struct{}, nodes map[core.TaskID]core.Task) bool {
	for dep := range t.DependsOn {
		if _, ok := nodes[dep]; !ok {
			continue
		}
		if _, isDone := done[dep]; !isDone {
			return false
		}
	}
	return true
}

// ShouldRunParallel surfaces analysis.RecommendParallel, computed by
// Analyze from actionable count, cyclic ratio, and widest group. It is
// advisory: ralph orchestrate logs it, and nothing gates execution on it.
func ShouldRunParallel(analysis core.TaskGraphAnalysis) bool {
	return analysis.RecommendParallel
}

// RecommendParallelism inspects tasks' Type/Labels (for refactor-like and
// test-like classification) and Metadata["affectedFiles"] (a
// comma-separated file list, for shared-file overlap) to pick a worker
// count no larger than defaultMax:
//
//   - >50% refactor-like: min(2, defaultMax), high confidence — narrow
//     tasks are likely to touch overlapping code and merge-conflict.
//   - >50% test-like: defaultMax, high confidence — test tasks rarely
//     conflict with each other.
//   - >30% of tasks share at least one affected file: round(defaultMax*0.5),
//     medium confidence.
//   - 25-50% refactor-like: round(defaultMax*0.75), medium confidence.
//   - otherwise: defaultMax, low confidence.
//
// Checks are evaluated in that order; the first that matches wins.
func RecommendParallelism(tasks []core.Task, analysis core.TaskGraphAnalysis, defaultMax int) core.ParallelismRecommendation {
	_ = analysis // graph shape is already folded into ShouldRunParallel; this only reads task metadata
	if len(tasks) == 0 || defaultMax <= 0 {
		return core.ParallelismRecommendation{RecommendedWorkers: defaultMax, Confidence: "low", Reason: "no tasks to analyze"}
	}

	total := len(tasks)
	refactorLike, testLike := 0, 0
	fileCounts := map[string]int{}
	for _, t := range tasks {
		if isRefactorLike(t) {
			refactorLike++
		}
		if isTestLike(t) {
			testLike++
		}
		for _, f := range affectedFiles(t) {
			fileCounts[f]++
		}
	}

	refactorRatio := float64(refactorLike) / float64(total)
	testRatio := float64(testLike) / float64(total)

	sharedFile := false
	for _, n := range fileCounts {
		if n >= 2 && float64(n)/float64(total) > 0.3 {
			sharedFile = true
			break
		}
	}

	switch {
	case refactorRatio > 0.5:
		workers := 2
		if defaultMax < workers {
			workers = defaultMax
		}
		return core.ParallelismRecommendation{
			RecommendedWorkers: workers,
			Confidence:         "high",
			Reason:             "most tasks are refactor-like; narrowing worker count to limit merge conflicts",
		}
	case testRatio > 0.5:
		return core.ParallelismRecommendation{
			RecommendedWorkers: defaultMax,
			Confidence:         "high",
			Reason:             "most tasks are test-like; keeping the default worker count",
		}
	case sharedFile:
		return core.ParallelismRecommendation{
			RecommendedWorkers: roundHalfAwayFromZero(float64(defaultMax) * 0.5),
			Confidence:         "medium",
			Reason:             "over 30% of tasks touch a shared file; reducing workers to limit merge contention",
		}
	case refactorRatio >= 0.25:
		return core.ParallelismRecommendation{
			RecommendedWorkers: roundHalfAwayFromZero(float64(defaultMax) * 0.75),
			Confidence:         "medium",
			Reason:             "a quarter to half of tasks are refactor-like; shifting down from the default",
		}
	default:
		return core.ParallelismRecommendation{
			RecommendedWorkers: defaultMax,
			Confidence:         "low",
			Reason:             "no strong signal in task metadata; keeping the default worker count",
		}
	}
}

func isRefactorLike(t core.Task) bool {
	return strings.EqualFold(t.Type, "refactor") || hasLabel(t, "refactor")
}

func isTestLike(t core.Task) bool {
	return strings.EqualFold(t.Type, "test") || hasLabel(t, "test")
}

func hasLabel(t core.Task, label string) bool {
	for _, l := range t.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// affectedFiles reads the comma-separated file list a tracker backend may
// record under the "affectedFiles" metadata key.
func affectedFiles(t core.Task) []string {
	raw, ok := t.Metadata["affectedFiles"]
	if !ok || raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	files := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			files = append(files, p)
		}
	}
	return files
}

func roundHalfAwayFromZero(v float64) int {
	if v < 0 {
		return -roundHalfAwayFromZero(-v)
	}
	return int(v + 0.5)
}
