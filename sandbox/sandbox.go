// Package sandbox defines the Sandbox wrapper contract (component Q) and
// two implementations: a no-op passthrough, and a bubblewrap (bwrap)
// argv-building variant. Real sandboxing is out of scope per spec.md §1
// ("consumed as a command-wrapper interface") — these exist so the
// engine and agent plugins can be wired and exercised end to end without
// requiring a real sandbox binary.
package sandbox

import (
	"os/exec"

	"github.com/ralph-tui/ralph/agentplugin"
)

// Sandbox wraps an agent command's argv to constrain what it can reach,
// given the requirements the agent plugin reports.
type Sandbox interface {
	// Wrap returns the argv to actually execute: either the original
	// command unchanged (Passthrough) or a sandboxed invocation of it.
	Wrap(name string, args []string, reqs agentplugin.SandboxRequirements) (wrappedName string, wrappedArgs []string)
}

// Passthrough runs the command directly with no sandboxing at all.
type Passthrough struct{}

func (Passthrough) Wrap(name string, args []string, _ agentplugin.SandboxRequirements) (string, []string) {
	return name, args
}

// Bubblewrap builds a bwrap(1) invocation that binds the reported auth,
// binary, and runtime paths read-only (or read-write for runtime paths,
// which agents use as scratch/cache space) and shares or drops network
// namespace access per RequiresNetwork.
type Bubblewrap struct {
	// BinaryPath is the path to the bwrap executable; defaults to "bwrap"
	// on PATH when empty.
	BinaryPath string
}

func (b Bubblewrap) Wrap(name string, args []string, reqs agentplugin.SandboxRequirements) (string, []string) {
	bin := b.BinaryPath
	if bin == "" {
		bin = "bwrap"
	}

	wrapped := []string{
		"--unshare-all",
		"--die-with-parent",
		"--proc", "/proc",
		"--dev", "/dev",
	}

	if reqs.RequiresNetwork {
		wrapped = append(wrapped, "--share-net")
	}
	for _, p := range reqs.AuthPaths {
		wrapped = append(wrapped, "--ro-bind", p, p)
	}
	for _, p := range reqs.BinaryPaths {
		wrapped = append(wrapped, "--ro-bind", p, p)
	}
	for _, p := range reqs.RuntimePaths {
		wrapped = append(wrapped, "--bind", p, p)
	}

	wrapped = append(wrapped, name)
	wrapped = append(wrapped, args...)

	return bin, wrapped
}

// Available reports whether the bwrap binary can be found on PATH.
func (b Bubblewrap) Available() bool {
	bin := b.BinaryPath
	if bin == "" {
		bin = "bwrap"
	}
	_, err := exec.LookPath(bin)
	return err == nil
}
