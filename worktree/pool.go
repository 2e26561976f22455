// Package worktree is the worktree pool (component G): it places one git
// worktree per parallel worker at a fixed sibling location, creates and
// tears them down, and refuses to hand one out when the host is low on
// disk space.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ralph-tui/ralph/core"
	"github.com/ralph-tui/ralph/gitutil"
	"github.com/shirou/gopsutil/v3/disk"
)

// MinFreeBytes is the minimum free space on the worktree filesystem
// required to hand out a new worktree (spec §4.3 edge case: refuse
// rather than create a worktree that can't hold a checkout).
const MinFreeBytes = 200 * 1024 * 1024

// DefaultMaxWorktrees caps how many worktrees Acquire will hand out
// concurrently absent an explicit SetMaxWorktrees call (spec.md §4.3).
const DefaultMaxWorktrees = 8

// Pool owns every worktree created for one project's parallel run. It is
// safe for concurrent use: the parallel executor acquires/releases from
// multiple goroutines.
type Pool struct {
	mu           sync.Mutex
	projectDir   string
	repoRoot     string
	worktrees    map[string]*core.WorktreeInfo
	maxWorktrees int
}

// New returns a Pool rooted at projectDir. projectDir must be inside a
// git repository.
func New(projectDir string) (*Pool, error) {
	root, err := gitutil.RepoRoot(projectDir)
	if err != nil {
		return nil, fmt.Errorf("worktree pool: %w", err)
	}
	return &Pool{
		projectDir:   projectDir,
		repoRoot:     root,
		worktrees:    map[string]*core.WorktreeInfo{},
		maxWorktrees: DefaultMaxWorktrees,
	}, nil
}

// SetMaxWorktrees overrides the active-worktree cap Acquire enforces,
// typically set to the orchestration's configured worker count. Values
// <= 0 are ignored, leaving the existing cap in place.
func (p *Pool) SetMaxWorktrees(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.maxWorktrees = n
	p.mu.Unlock()
}

// baseDir is where every worker's worktree lives: a sibling of the
// project directory, namespaced by its basename, so two clones of the
// same repo name on the same machine don't collide.
func (p *Pool) baseDir() string {
	parent := filepath.Dir(p.repoRoot)
	return filepath.Join(parent, ".ralph-worktrees", filepath.Base(p.repoRoot))
}

// Acquire creates a new worktree and branch for workerID/taskID, checked
// out from the repository's current HEAD.
func (p *Pool) Acquire(workerID string, task core.Task) (*core.WorktreeInfo, error) {
	p.mu.Lock()
	active := len(p.worktrees)
	max := p.maxWorktrees
	p.mu.Unlock()
	if max > 0 && active >= max {
		return nil, &core.WorktreeCreationError{WorkerID: workerID, Err: fmt.Errorf("active worktree count %d has reached maxWorktrees %d", active, max)}
	}

	if err := checkDiskSpace(p.baseDir()); err != nil {
		return nil, &core.WorktreeCreationError{WorkerID: workerID, Err: err}
	}

	branch := fmt.Sprintf("ralph/%s", gitutil.SanitizeBranchName(string(task.ID)))
	path := filepath.Join(p.baseDir(), fmt.Sprintf("worker-%s", workerID))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &core.WorktreeCreationError{WorkerID: workerID, Err: err}
	}
	// Best-effort cleanup of a stale entry left by a previous crashed run.
	_, _ = gitutil.Run(p.repoRoot, "worktree", "remove", "-f", path)

	if _, err := gitutil.Run(p.repoRoot, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		return nil, &core.WorktreeCreationError{WorkerID: workerID, Err: err}
	}

	info := &core.WorktreeInfo{
		ID:        workerID,
		Path:      path,
		Branch:    branch,
		WorkerID:  workerID,
		TaskID:    task.ID,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	p.mu.Lock()
	p.worktrees[workerID] = info
	p.mu.Unlock()

	return info, nil
}

// Release removes a worker's worktree. If keepBranch is false, the
// branch is also deleted — used once a worker's commits have been merged
// and the branch no longer needs to survive.
func (p *Pool) Release(workerID string, keepBranch bool) error {
	p.mu.Lock()
	info, ok := p.worktrees[workerID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := gitutil.Run(p.repoRoot, "worktree", "remove", "-f", info.Path); err != nil {
		return fmt.Errorf("release worktree %s: %w", workerID, err)
	}

	if !keepBranch {
		if _, err := gitutil.Run(p.repoRoot, "branch", "-D", info.Branch); err != nil {
			return fmt.Errorf("delete branch %s: %w", info.Branch, err)
		}
	}

	p.mu.Lock()
	delete(p.worktrees, workerID)
	p.mu.Unlock()

	return nil
}

// CleanupAll releases every worktree this pool knows about, continuing
// past individual failures so one stuck worktree doesn't block the rest.
func (p *Pool) CleanupAll() []error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.worktrees))
	for id := range p.worktrees {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := p.Release(id, true); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := gitutil.Run(p.repoRoot, "worktree", "prune"); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// IsDirty reports whether a worker's worktree has uncommitted changes.
func (p *Pool) IsDirty(workerID string) (bool, error) {
	info, ok := p.Get(workerID)
	if !ok {
		return false, fmt.Errorf("unknown worktree %s", workerID)
	}
	dirty, err := gitutil.IsDirty(info.Path)
	if err != nil {
		return false, err
	}
	info.Dirty = dirty
	return dirty, nil
}

// CommitCount returns how many commits the worker's branch has made past
// baseSHA.
func (p *Pool) CommitCount(workerID, baseSHA string) (int, error) {
	info, ok := p.Get(workerID)
	if !ok {
		return 0, fmt.Errorf("unknown worktree %s", workerID)
	}
	return gitutil.CommitCount(info.Path, baseSHA)
}

// Get returns the worktree info for workerID, if the pool holds one.
func (p *Pool) Get(workerID string) (*core.WorktreeInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.worktrees[workerID]
	return info, ok
}

// All returns every active worktree, for status reporting.
func (p *Pool) All() []*core.WorktreeInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*core.WorktreeInfo, 0, len(p.worktrees))
	for _, info := range p.worktrees {
		out = append(out, info)
	}
	return out
}

// checkDiskSpace refuses to hand out a worktree when the target
// filesystem is critically low on space, rather than fail mid-checkout.
func checkDiskSpace(path string) error {
	// disk.Usage requires an existing path; walk up to the nearest
	// existing ancestor if the worktree base directory hasn't been
	// created yet.
	probe := path
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	free, err := diskFreeBytes(probe)
	if err != nil {
		// Best-effort: an unreadable filesystem stat shouldn't block
		// worktree creation outright.
		return nil
	}
	if free < MinFreeBytes {
		return &core.DiskSpaceError{FreeBytes: int64(free), MinBytes: MinFreeBytes}
	}
	return nil
}

// diskFreeBytes reads free space via gopsutil's cross-platform API first;
// when that returns zero/invalid (some container filesystems misreport
// through it), it falls back to a raw statfs query (spec.md §4.3: "falls
// back to a secondary disk-free query if the first yields zero/invalid").
func diskFreeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err == nil && (usage.Free != 0 || usage.Total != 0) {
		return usage.Free, nil
	}
	return statfsFreeBytes(path)
}

func statfsFreeBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
