// Package merge is the merge engine (component I): a serial FIFO queue
// that integrates worker branches back onto the host's main branch, one
// at a time, preferring a fast-forward and falling back to a merge
// commit, tagging the pre-merge HEAD so a conflicted merge can be rolled
// back cleanly.
package merge

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ralph-tui/ralph/core"
	"github.com/ralph-tui/ralph/gitutil"
)

// backupPrefix and sessionPrefix name the two kinds of tags the engine
// places on the host branch (spec.md §6): backupPrefix before each
// individual merge, sessionPrefix once per session before any merge
// runs.
const (
	backupPrefix  = "ralph-premerge"
	sessionPrefix = "ralph-session"
)

// Engine owns the merge queue for one repository's host working
// directory — the directory the main session runs in, distinct from the
// worker worktrees whose branches it integrates.
type Engine struct {
	mu         sync.Mutex
	hostDir    string
	queue      []*core.MergeOperation
	history    []*core.MergeOperation
	sessionTag string
}

// New returns a merge Engine operating against the repository checked
// out at hostDir.
func New(hostDir string) *Engine {
	return &Engine{hostDir: hostDir}
}

// CreateSessionBackup tags the host branch's current HEAD as this
// session's start, so RollbackSession can later restore to this exact
// point regardless of how many merges ran in between (spec.md §4.5).
// Call once, before the first Enqueue of a session.
func (e *Engine) CreateSessionBackup(sessionID string) (string, error) {
	sha, err := gitutil.HeadSHA(e.hostDir)
	if err != nil {
		return "", fmt.Errorf("read host HEAD: %w", err)
	}
	tag := fmt.Sprintf("%s/%s", sessionPrefix, sanitizeTagComponent(sessionID))
	if _, err := gitutil.Run(e.hostDir, "tag", tag, sha); err != nil {
		return "", fmt.Errorf("create session backup tag: %w", err)
	}

	e.mu.Lock()
	e.sessionTag = tag
	e.mu.Unlock()
	return tag, nil
}

// Enqueue adds a branch to the back of the merge queue, associated with
// the task whose worker produced it (folded into the pre-merge tag name).
func (e *Engine) Enqueue(sourceBranch, commitMessage string, taskID core.TaskID) *core.MergeOperation {
	op := &core.MergeOperation{
		ID:            uuid.NewString(),
		TaskID:        taskID,
		SourceBranch:  sourceBranch,
		CommitMessage: commitMessage,
		QueuedAt:      time.Now().UTC(),
		Status:        core.MergeQueued,
	}

	e.mu.Lock()
	e.queue = append(e.queue, op)
	e.history = append(e.history, op)
	e.mu.Unlock()

	return op
}

// ProcessNext pops and executes the head of the queue. It returns
// (nil, nil) when the queue is empty.
func (e *Engine) ProcessNext() (*core.MergeOperation, error) {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return nil, nil
	}
	op := e.queue[0]
	e.queue = e.queue[1:]
	e.mu.Unlock()

	e.run(op)
	return op, nil
}

// ProcessAll drains the entire queue, continuing past individual merge
// failures so a conflict in one branch doesn't block the rest.
func (e *Engine) ProcessAll() []*core.MergeOperation {
	var results []*core.MergeOperation
	for {
		op, err := e.ProcessNext()
		if err != nil || op == nil {
			break
		}
		results = append(results, op)
	}
	return results
}

// Pending returns the operations still waiting to run, in queue order.
func (e *Engine) Pending() []*core.MergeOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*core.MergeOperation, len(e.queue))
	copy(out, e.queue)
	return out
}

func (e *Engine) run(op *core.MergeOperation) {
	now := time.Now().UTC()
	op.StartedAt = &now
	op.Status = core.MergeInProgress

	baseSHA, err := gitutil.HeadSHA(e.hostDir)
	if err != nil {
		e.fail(op, fmt.Errorf("read host HEAD: %w", err))
		return
	}

	tag := e.preMergeTag(op)
	if _, err := gitutil.Run(e.hostDir, "tag", tag, baseSHA); err != nil {
		e.fail(op, fmt.Errorf("create pre-merge tag: %w", err))
		return
	}
	op.PreMergeTag = tag

	isAncestor, err := gitutil.IsAncestor(e.hostDir, baseSHA, op.SourceBranch)
	if err != nil {
		e.fail(op, fmt.Errorf("check ancestry: %w", err))
		return
	}

	var mergeErr error
	if isAncestor {
		op.Strategy = core.StrategyFastForward
		_, mergeErr = gitutil.Run(e.hostDir, "merge", "--ff-only", op.SourceBranch)
	} else {
		op.Strategy = core.StrategyMergeCommit
		_, mergeErr = gitutil.Run(e.hostDir, "merge", "--no-ff", "-m", op.CommitMessage, op.SourceBranch)
	}

	if mergeErr != nil {
		op.HadConflicts = true
		files, _ := gitutil.Run(e.hostDir, "diff", "--name-only", "--diff-filter=U")
		op.FilesChanged = splitLines(files)
		if rollbackErr := e.rollbackToTag(op.PreMergeTag); rollbackErr != nil {
			op.Error = fmt.Sprintf("merge conflict (rollback also failed: %v): %v", rollbackErr, mergeErr)
		} else {
			op.Error = mergeErr.Error()
		}
		op.Status = core.MergeConflicted
		completed := time.Now().UTC()
		op.CompletedAt = &completed
		return
	}

	sha, err := gitutil.HeadSHA(e.hostDir)
	if err != nil {
		e.fail(op, fmt.Errorf("read merged HEAD: %w", err))
		return
	}
	op.CommitSHA = sha

	files, err := gitutil.ChangedFiles(e.hostDir, baseSHA)
	if err == nil {
		op.FilesChanged = files
	}

	op.Status = core.MergeSucceeded
	completed := time.Now().UTC()
	op.CompletedAt = &completed
}

// RollbackMerge resets the host branch back to opID's pre-merge tag. It
// fails with a "not found" error if opID was never enqueued on this
// engine (spec.md §4.5).
func (e *Engine) RollbackMerge(opID string) error {
	e.mu.Lock()
	var op *core.MergeOperation
	for _, h := range e.history {
		if h.ID == opID {
			op = h
			break
		}
	}
	e.mu.Unlock()

	if op == nil {
		return fmt.Errorf("merge operation %q not found", opID)
	}
	return e.rollbackToTag(op.PreMergeTag)
}

// RollbackSession resets the host branch to the session-start tag placed
// by CreateSessionBackup, undoing every merge run since — including ones
// whose own pre-merge tag has already been consumed or cleaned up. It
// fails when no session-start tag exists (spec.md §4.5).
func (e *Engine) RollbackSession() error {
	e.mu.Lock()
	tag := e.sessionTag
	e.mu.Unlock()

	if tag == "" {
		return fmt.Errorf("merge: no session-start tag; call CreateSessionBackup first")
	}
	return e.rollbackToTag(tag)
}

// rollbackToTag resets the host branch back to tag, aborting any merge
// still in progress first.
func (e *Engine) rollbackToTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("merge: no tag to roll back to")
	}
	if _, err := gitutil.Run(e.hostDir, "merge", "--abort"); err != nil {
		// merge --abort fails if there's no merge in progress (e.g. the
		// fast-forward path never started one) — that's fine, fall
		// through to the hard reset.
		_ = err
	}
	if _, err := gitutil.Run(e.hostDir, "reset", "--hard", tag); err != nil {
		return fmt.Errorf("reset to %s: %w", tag, err)
	}
	return nil
}

// CleanupTags deletes every tag the engine has placed for this session —
// the session-start tag and every operation's pre-merge tag — called
// once a session completes normally and rollback is no longer possible
// or desired.
func (e *Engine) CleanupTags() []error {
	e.mu.Lock()
	tags := make([]string, 0, len(e.history)+1)
	for _, op := range e.history {
		if op.PreMergeTag != "" {
			tags = append(tags, op.PreMergeTag)
		}
	}
	if e.sessionTag != "" {
		tags = append(tags, e.sessionTag)
	}
	e.mu.Unlock()

	var errs []error
	for _, tag := range tags {
		if _, err := gitutil.Run(e.hostDir, "tag", "-d", tag); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (e *Engine) fail(op *core.MergeOperation, err error) {
	op.Status = core.MergeFailed
	op.Error = err.Error()
	completed := time.Now().UTC()
	op.CompletedAt = &completed
}

// preMergeTag names the pre-merge backup tag {backupPrefix}/{sanitized
// taskId}/{timestamp} per spec.md §6. Tasks enqueued without a TaskID
// (none expected in practice, since every merge originates from a
// worker's completed task) fall back to the operation's own ID.
func (e *Engine) preMergeTag(op *core.MergeOperation) string {
	id := string(op.TaskID)
	if id == "" {
		id = op.ID
	}
	return fmt.Sprintf("%s/%s/%d", backupPrefix, sanitizeTagComponent(id), time.Now().UTC().UnixNano())
}

// sanitizeTagComponent restricts s to characters git allows in a ref
// component, matching the allowlist logsink and remote use for
// filesystem-safe names.
func sanitizeTagComponent(s string) string {
	if s == "" {
		return "task"
	}
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
