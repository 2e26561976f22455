// Package cliagent is the reference AgentPlugin implementation
// (component O): it shells out to an arbitrary configured CLI command
// under a pty and streams its output back to the engine. It generalizes
// the teacher's ptyFactory/cmd.Executor dependency-injection idiom (used
// there for a tmux-multiplexed, human-attached pane) to a headless,
// unattended execution with no multiplexer and no attach/detach
// lifecycle.
package cliagent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/ralph-tui/ralph/agentplugin"
)

// PtyFactory creates the pseudo-terminal a command runs under. Injectable
// so tests can stub it out without spawning a real pty.
type PtyFactory func(cmd *exec.Cmd) (*os.File, error)

func defaultPtyFactory(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}

// CommandBuilder builds the argv for one execution, given the prompt and
// context files. Each concrete agent CLI has its own flag conventions;
// the caller supplies this rather than cliagent hard-coding one.
type CommandBuilder func(prompt string, files []string, opts agentplugin.ExecuteOptions) (name string, args []string)

// Plugin is a generic pty-backed AgentPlugin. It does not know anything
// about any specific agent CLI's protocol: CommandBuilder supplies the
// argv, and completion is purely "the subprocess exited."
type Plugin struct {
	name           string
	commandBuilder CommandBuilder
	ptyFactory     PtyFactory
	workDir        string

	mu         sync.Mutex
	executions map[string]*handle
	nextID     int
}

// New returns a Plugin named name (used as the prefix of its execution
// IDs) that runs commands built by builder inside workDir.
func New(name string, workDir string, builder CommandBuilder) *Plugin {
	return &Plugin{
		name:           name,
		commandBuilder: builder,
		ptyFactory:     defaultPtyFactory,
		workDir:        workDir,
		executions:     map[string]*handle{},
	}
}

// WithPtyFactory overrides the pty factory, for tests.
func (p *Plugin) WithPtyFactory(f PtyFactory) *Plugin {
	p.ptyFactory = f
	return p
}

func (p *Plugin) Initialize(ctx context.Context, meta agentplugin.InitMeta) error {
	return nil
}

func (p *Plugin) Detect(ctx context.Context) (agentplugin.DetectResult, error) {
	name, _ := p.commandBuilder("", nil, agentplugin.ExecuteOptions{})
	if _, err := exec.LookPath(name); err != nil {
		return agentplugin.DetectResult{Available: false, Reason: err.Error()}, nil
	}
	return agentplugin.DetectResult{Available: true}, nil
}

func (p *Plugin) Preflight(ctx context.Context, timeoutMs int64) (agentplugin.PreflightResult, error) {
	name, _ := p.commandBuilder("", nil, agentplugin.ExecuteOptions{})

	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, name, "--version")
	cmd.Dir = p.workDir
	err := cmd.Run()
	duration := time.Since(start).Milliseconds()

	if err != nil {
		return agentplugin.PreflightResult{
			Success:    false,
			DurationMs: duration,
			Error:      err.Error(),
			Suggestion: fmt.Sprintf("verify %q is installed and on PATH", name),
		}, nil
	}
	return agentplugin.PreflightResult{Success: true, DurationMs: duration}, nil
}

type handle struct {
	executionID string
	mu          sync.Mutex
	running     bool
	interrupted bool
	cmd         *exec.Cmd
	ptmx        *os.File
	stdout      bytes.Buffer
	stderr      bytes.Buffer
	done        chan struct{}
	result      agentplugin.Result
	resultErr   error
}

func (p *Plugin) Execute(ctx context.Context, prompt string, files []string, opts agentplugin.ExecuteOptions) (agentplugin.Handle, error) {
	name, args := p.commandBuilder(prompt, files, opts)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = p.workDir

	ptmx, err := p.ptyFactory(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty for %s: %w", name, err)
	}

	p.mu.Lock()
	p.nextID++
	executionID := fmt.Sprintf("%s-%d", p.name, p.nextID)
	p.mu.Unlock()

	h := &handle{
		executionID: executionID,
		running:     true,
		cmd:         cmd,
		ptmx:        ptmx,
		done:        make(chan struct{}),
	}

	p.mu.Lock()
	p.executions[executionID] = h
	p.mu.Unlock()

	go h.pump(opts)
	go h.wait(p, executionID)

	return h, nil
}

// pump streams pty output to the caller's callbacks and into the
// execution's accumulated buffers, a chunk at a time.
func (h *handle) pump(opts agentplugin.ExecuteOptions) {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			h.mu.Lock()
			h.stdout.WriteString(chunk)
			h.mu.Unlock()
			if opts.OnStdout != nil {
				opts.OnStdout(chunk)
			}
		}
		if err != nil {
			if err != io.EOF {
				h.mu.Lock()
				h.stderr.WriteString(err.Error())
				h.mu.Unlock()
			}
			return
		}
	}
}

func (h *handle) wait(p *Plugin, executionID string) {
	start := time.Now()
	err := h.cmd.Wait()
	_ = h.ptmx.Close()

	h.mu.Lock()
	h.running = false
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	h.result = agentplugin.Result{
		ExitCode:    exitCode,
		Stdout:      h.stdout.String(),
		Stderr:      h.stderr.String(),
		Interrupted: h.interrupted,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if err != nil && !h.interrupted {
		h.resultErr = err
	}
	h.mu.Unlock()

	close(h.done)

	p.mu.Lock()
	delete(p.executions, executionID)
	p.mu.Unlock()
}

func (h *handle) ExecutionID() string { return h.executionID }

func (h *handle) Wait() (agentplugin.Result, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.resultErr
}

func (h *handle) Interrupt() error {
	h.mu.Lock()
	h.interrupted = true
	proc := h.cmd.Process
	h.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

func (h *handle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (p *Plugin) Interrupt(executionID string) bool {
	p.mu.Lock()
	h, ok := p.executions[executionID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return h.Interrupt() == nil
}

func (p *Plugin) InterruptAll() {
	p.mu.Lock()
	handles := make([]*handle, 0, len(p.executions))
	for _, h := range p.executions {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		_ = h.Interrupt()
	}
}

func (p *Plugin) GetSandboxRequirements() agentplugin.SandboxRequirements {
	return agentplugin.SandboxRequirements{
		RuntimePaths:    []string{p.workDir},
		RequiresNetwork: true,
	}
}
