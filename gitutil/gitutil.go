// Package gitutil wraps the git binary and go-git plumbing operations
// shared by worktree and merge: running git subcommands scoped to a
// directory, sanitizing branch names, and answering simple repository
// questions that don't need a full git.Repository.
package gitutil

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Run executes git with args inside dir (via -C) and returns combined
// stdout+stderr, trimmed. Every other package in this module that shells
// out to git goes through this one chokepoint.
func Run(dir string, args ...string) (string, error) {
	baseArgs := []string{}
	if dir != "" {
		baseArgs = append(baseArgs, "-C", dir)
	}
	cmd := exec.Command("git", append(baseArgs, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s (%w)", strings.Join(args, " "), string(output), err)
	}
	return strings.TrimSpace(string(output)), nil
}

var (
	nonBranchChars = regexp.MustCompile(`[^a-z0-9\-_/.]+`)
	repeatedDashes = regexp.MustCompile(`-+`)
)

// SanitizeBranchName transforms an arbitrary string (a task title or ID)
// into a string git will accept as a branch name.
func SanitizeBranchName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	s = nonBranchChars.ReplaceAllString(s, "")
	s = repeatedDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-/.")
	s = strings.TrimSuffix(s, "/")
	s = strings.ReplaceAll(s, "..", "-")
	if len(s) > 100 {
		s = s[:100]
	}
	if s == "" {
		s = "task"
	}
	return s
}

// IsRepo reports whether path is inside a git repository.
func IsRepo(path string) bool {
	for {
		if _, err := git.PlainOpen(path); err == nil {
			return true
		}
		parent := filepath.Dir(path)
		if parent == path {
			return false
		}
		path = parent
	}
}

// RepoRoot walks upward from path to find the enclosing repository root.
func RepoRoot(path string) (string, error) {
	current := path
	for {
		if IsRepo(current) {
			out, err := Run(current, "rev-parse", "--show-toplevel")
			if err != nil {
				return "", err
			}
			return out, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", fmt.Errorf("no git repository found above %s", path)
}

// IsDirty reports whether dir (a worktree path) has uncommitted changes.
func IsDirty(dir string) (bool, error) {
	out, err := Run(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(out) > 0, nil
}

// CommitCount returns the number of commits reachable from HEAD in dir
// that are not reachable from baseSHA.
func CommitCount(dir, baseSHA string) (int, error) {
	out, err := Run(dir, "rev-list", "--count", baseSHA+"..HEAD")
	if err != nil {
		return 0, err
	}
	var count int
	if _, scanErr := fmt.Sscanf(out, "%d", &count); scanErr != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", out, scanErr)
	}
	return count, nil
}

// HeadSHA returns the current HEAD commit hash in dir.
func HeadSHA(dir string) (string, error) {
	return Run(dir, "rev-parse", "HEAD")
}

// IsAncestor reports whether ancestorSHA is an ancestor of descendantSHA
// in the repository rooted at dir — used to decide fast-forward
// eligibility before a merge.
func IsAncestor(dir, ancestorSHA, descendantSHA string) (bool, error) {
	cmd := exec.Command("git", "-C", dir, "merge-base", "--is-ancestor", ancestorSHA, descendantSHA)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base --is-ancestor: %w", err)
}

// ChangedFiles returns the files that differ between baseSHA and HEAD in
// dir, via name-only diff.
func ChangedFiles(dir, baseSHA string) ([]string, error) {
	out, err := Run(dir, "diff", "--name-only", baseSHA, "HEAD")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
