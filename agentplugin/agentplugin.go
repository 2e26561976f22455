// Package agentplugin defines the AgentPlugin contract (component A): the
// boundary between the execution engine and whatever coding-agent CLI is
// actually configured. The engine only ever talks to this interface; the
// concrete agent CLIs are out of scope, per spec.md §1.
package agentplugin

import "context"

// InitMeta is what the engine gives a plugin before first use.
type InitMeta struct {
	Model   string
	Variant string
	Config  map[string]string
}

// DetectResult reports whether the agent's underlying binary is present
// and runnable at all, before any real invocation is attempted.
type DetectResult struct {
	Available bool
	Reason    string
}

// PreflightResult is a quick, cheap sanity check (e.g. "can the binary
// print its version") run once at engine initialization.
type PreflightResult struct {
	Success    bool
	DurationMs int64
	Error      string
	Suggestion string
}

// ExecuteOptions configures one agent invocation.
type ExecuteOptions struct {
	Model    string
	Variant  string
	OnStdout func(chunk string)
	OnStderr func(chunk string)
}

// Handle is returned immediately by Execute; Wait blocks for completion.
type Handle interface {
	ExecutionID() string
	Wait() (Result, error)
	Interrupt() error
	IsRunning() bool
}

// Result is the terminal outcome of one agent execution.
type Result struct {
	ExitCode    int
	Stdout      string
	Stderr      string
	Interrupted bool
	DurationMs  int64
}

// SandboxRequirements tells the sandbox wrapper what the agent's
// subprocess needs to reach: credential paths, extra binaries on PATH,
// runtime directories, and whether outbound network access is required.
type SandboxRequirements struct {
	AuthPaths       []string
	BinaryPaths     []string
	RuntimePaths    []string
	RequiresNetwork bool
}

// Plugin is the contract every agent CLI adapter implements.
type Plugin interface {
	// Initialize prepares the plugin for use with meta — called once per
	// engine initialization, never mid-run.
	Initialize(ctx context.Context, meta InitMeta) error

	// Detect reports whether the underlying binary/runtime is present.
	Detect(ctx context.Context) (DetectResult, error)

	// Preflight runs a cheap sanity invocation with the given timeout.
	Preflight(ctx context.Context, timeout int64) (PreflightResult, error)

	// Execute launches the agent against prompt (and optionally a set of
	// file paths for context) and returns immediately with a Handle.
	Execute(ctx context.Context, prompt string, files []string, opts ExecuteOptions) (Handle, error)

	// Interrupt stops the named in-flight execution, returning whether an
	// execution with that ID was found and signaled.
	Interrupt(executionID string) bool

	// InterruptAll stops every in-flight execution this plugin owns.
	InterruptAll()

	// GetSandboxRequirements reports what the sandbox wrapper must expose
	// to this plugin's subprocess.
	GetSandboxRequirements() SandboxRequirements
}
