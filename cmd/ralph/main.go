// Command ralph is the CLI surface (component N): cobra commands wiring
// the execution engine, the parallel executor, and the remote control
// server together over a real project directory. Grounded on the
// teacher's main.go (a single root cobra.Command plus subcommands,
// package-level flag variables bound in an init func).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ralph-tui/ralph/agentplugin"
	"github.com/ralph-tui/ralph/agentplugin/cliagent"
	"github.com/ralph-tui/ralph/config"
	"github.com/ralph-tui/ralph/core"
	"github.com/ralph-tui/ralph/engine"
	"github.com/ralph-tui/ralph/gitutil"
	"github.com/ralph-tui/ralph/graph"
	"github.com/ralph-tui/ralph/logsink"
	"github.com/ralph-tui/ralph/merge"
	"github.com/ralph-tui/ralph/parallel"
	"github.com/ralph-tui/ralph/remote"
	"github.com/ralph-tui/ralph/sandbox"
	"github.com/ralph-tui/ralph/sessionstore"
	"github.com/ralph-tui/ralph/trackerplugin"
	"github.com/ralph-tui/ralph/trackerplugin/jsonfile"
	"github.com/ralph-tui/ralph/worktree"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	projectDirFlag string

	// flagOverrides is bound to every config-backed flag at startup (see
	// init), since pflag flags must be registered before cobra parses
	// argv, long before the project directory (and thus the layered
	// config.Config they would otherwise default from) is known.
	flagOverrides = config.Defaults()

	rootCmd = &cobra.Command{
		Use:   "ralph",
		Short: "ralph runs an unattended coding-agent loop against isolated git worktrees",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "start a fresh (or continue an interrupted) single-task session",
		RunE:  runRun,
	}

	resumeCmd = &cobra.Command{
		Use:   "resume",
		Short: "resume a previously paused or interrupted session",
		RunE:  runResume,
	}

	orchestrateCmd = &cobra.Command{
		Use:   "orchestrate",
		Short: "run every open task across dependency-ordered parallel groups",
		RunE:  runOrchestrate,
	}

	remoteCmd = &cobra.Command{
		Use:   "remote",
		Short: "remote control server commands",
	}

	remoteServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "start the WebSocket remote control server",
		RunE:  runRemoteServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print ralph's version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ralph version %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDirFlag, "project-dir", ".", "project directory (must be a git repository)")
	config.BindFlags(flagOverrides, rootCmd.PersistentFlags())
	rootCmd.AddCommand(runCmd, resumeCmd, orchestrateCmd, remoteCmd, versionCmd)
	remoteCmd.AddCommand(remoteServeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadProject resolves the absolute project directory, verifies it is a
// git repository, loads the layered configuration for it, and overlays
// whichever flags the user actually passed on cmd.
func loadProject(cmd *cobra.Command) (dir string, cfg *config.Config, err error) {
	dir, err = filepath.Abs(projectDirFlag)
	if err != nil {
		return "", nil, fmt.Errorf("resolve project dir: %w", err)
	}
	if !gitutil.IsRepo(dir) {
		return "", nil, fmt.Errorf("ralph must be run from within a git repository (got %s)", dir)
	}

	cfg, err = config.Load(dir)
	if err != nil {
		return "", nil, err
	}
	config.ApplyChangedFlags(rootCmd.PersistentFlags(), flagOverrides, cfg)
	return dir, cfg, nil
}

func initLogging(projectDir string) {
	_ = logsink.Init(filepath.Join(projectDir, config.ProjectDir, "ralph.log"))
}

// buildTracker constructs the configured TrackerPlugin backend. jsonfile
// is the only reference backend shipped (component P); any other Kind is
// rejected rather than silently falling back, since a misconfigured
// tracker kind should surface immediately.
func buildTracker(projectDir string, cfg config.TrackerConfig) (trackerplugin.Plugin, error) {
	switch cfg.Kind {
	case "", "jsonfile":
		t := jsonfile.New()
		path := cfg.FilePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(projectDir, path)
		}
		if err := t.Initialize(trackerplugin.InitOptions{FilePath: path, EpicID: cfg.EpicID}); err != nil {
			return nil, fmt.Errorf("initialize tracker: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown tracker kind %q", cfg.Kind)
	}
}

// buildSandbox resolves the configured command-wrapper variant.
func buildSandbox(kind string) sandbox.Sandbox {
	if kind == "bubblewrap" {
		return sandbox.Bubblewrap{}
	}
	return sandbox.Passthrough{}
}

// agentCommandBuilder turns the configured argv template into a
// cliagent.CommandBuilder: the first whitespace-separated word is the
// binary, the rest are leading args, the rendered prompt is appended as
// the final argument, and the whole thing is passed through the
// configured sandbox wrapper (component Q) before being handed back to
// cliagent for execution.
func agentCommandBuilder(agentCfg config.AgentConfig, workDir string) cliagent.CommandBuilder {
	sb := buildSandbox(agentCfg.Sandbox)
	return func(prompt string, files []string, opts agentplugin.ExecuteOptions) (string, []string) {
		parts := strings.Fields(agentCfg.Command)
		name := parts[0]
		args := append([]string{}, parts[1:]...)
		args = append(args, prompt)
		return sb.Wrap(name, args, agentplugin.SandboxRequirements{
			RuntimePaths:    []string{workDir},
			RequiresNetwork: true,
		})
	}
}

// buildPrimaryAgent wires the reference cliagent.Plugin (component O)
// against workDir using the configured command template.
func buildPrimaryAgent(agentCfg config.AgentConfig, workDir string) (engine.AgentBinding, error) {
	if strings.TrimSpace(agentCfg.Command) == "" {
		return engine.AgentBinding{}, fmt.Errorf("agent.command is not configured; set it in config.toml or pass --agent-command")
	}
	name := agentCfg.Name
	if name == "" {
		name = "default"
	}
	plugin := cliagent.New(name, workDir, agentCommandBuilder(agentCfg, workDir))
	return engine.AgentBinding{Name: name, Plugin: plugin}, nil
}

func engineConfig(cfg *config.Config, repoDir string) engine.Config {
	initialBackoff, err := time.ParseDuration(cfg.Engine.RetryInitialDelay)
	if err != nil {
		initialBackoff = 2 * time.Second
	}
	maxBackoff, err := time.ParseDuration(cfg.Engine.RetryMaxDelay)
	if err != nil {
		maxBackoff = 60 * time.Second
	}
	return engine.Config{
		MaxIterations:              cfg.Engine.MaxIterations,
		MaxRetries:                 cfg.Engine.MaxRetries,
		InitialBackoff:             initialBackoff,
		BackoffMultiplier:          cfg.Engine.RetryMultiplier,
		MaxBackoff:                 maxBackoff,
		AutoCommit:                 cfg.Engine.AutoCommit,
		RepoDir:                    repoDir,
		ContinueOnIterationFailure: cfg.Engine.OnRetryExhausted == "continue",
		TrackerKind:                cfg.Tracker.Kind,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	return startSingleSession(cmd, false)
}

func runResume(cmd *cobra.Command, args []string) error {
	return startSingleSession(cmd, true)
}

func startSingleSession(cmd *cobra.Command, requireExisting bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	projectDir, cfg, err := loadProject(cmd)
	if err != nil {
		return err
	}
	initLogging(projectDir)
	defer logsink.Close()

	store := sessionstore.New(projectDir)
	persisted, err := store.Load()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if persisted == nil {
		if requireExisting {
			return fmt.Errorf("no session found in %s; run `ralph run` to start one", projectDir)
		}
		persisted, err = store.Create(sessionstore.CreateMeta{
			AgentPlugin:   cfg.Agent.Name,
			Model:         cfg.Agent.Model,
			Tracker:       core.TrackerState{Plugin: cfg.Tracker.Kind, EpicID: cfg.Tracker.EpicID, PRDPath: cfg.Tracker.FilePath},
			MaxIterations: cfg.Engine.MaxIterations,
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	} else if requireExisting && !persisted.Status.Resumable() {
		return fmt.Errorf("session %s is %s and cannot be resumed", persisted.SessionID, persisted.Status)
	}

	tracker, err := buildTracker(projectDir, cfg.Tracker)
	if err != nil {
		return err
	}

	primary, err := buildPrimaryAgent(cfg.Agent, projectDir)
	if err != nil {
		return err
	}

	bus := logsink.NewBus(256)
	bus.Subscribe(func(e core.Event) {
		logsink.InfoLog.Printf("event %s: %+v", e.Type, e.Payload)
	})

	eng := engine.New(projectDir, persisted.SessionID, primary, nil, store, bus, engineConfig(cfg, projectDir))
	if err := eng.Initialize(ctx, engine.InitOptions{Tracker: tracker}); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	return eng.Start(ctx)
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	projectDir, cfg, err := loadProject(cmd)
	if err != nil {
		return err
	}
	initLogging(projectDir)
	defer logsink.Close()

	tracker, err := buildTracker(projectDir, cfg.Tracker)
	if err != nil {
		return err
	}

	logParallelismRecommendation(tracker, cfg.Parallel.MaxWorkers)

	x, err := buildOrchestrator(projectDir, cfg, tracker, parallel.Config{
		MaxWorkers:    cfg.Parallel.MaxWorkers,
		MaxIterations: cfg.Parallel.MaxIterations,
		TrackerKind:   cfg.Tracker.Kind,
		DirectMerge:   cfg.Parallel.DirectMerge,
	})
	if err != nil {
		return err
	}

	x.On(func(e core.Event) {
		logsink.InfoLog.Printf("parallel event %s: %+v", e.Type, e.Payload)
	})

	return x.Execute(ctx)
}

// logParallelismRecommendation analyzes the tracker's current task graph
// and logs whether the graph even recommends parallel execution and what
// worker count its task-metadata heuristic would suggest, ahead of
// actually starting the executor with the configured maxWorkers. This is
// advisory only: ralph orchestrate still runs with the operator's
// configured worker count regardless of the recommendation.
func logParallelismRecommendation(tracker trackerplugin.Plugin, maxWorkers int) {
	tasks, err := tracker.GetTasks(trackerplugin.TaskFilter{})
	if err != nil {
		return
	}
	statusOf := func(id core.TaskID) (core.TaskStatus, bool) {
		t, ok, err := tracker.GetTask(id)
		if err != nil || !ok {
			return core.TaskStatus(""), false
		}
		return t.Status, true
	}
	analysis := graph.Analyze(tasks, statusOf)
	rec := graph.RecommendParallelism(tasks, analysis, maxWorkers)
	logsink.InfoLog.Printf("parallel recommendation: shouldRunParallel=%v recommendedWorkers=%d confidence=%s reason=%q",
		graph.ShouldRunParallel(analysis), rec.RecommendedWorkers, rec.Confidence, rec.Reason)
}

// buildOrchestrator assembles one parallel.Executor against projectDir,
// wiring a fresh worktree.Pool and merge.Engine and an AgentFactory that
// builds one cliagent.Plugin per worker, rooted at that worker's
// worktree. This is the shape the remote server's ParallelFactory also
// needs, so both runOrchestrate and the remote command build one the
// same way.
func buildOrchestrator(projectDir string, cfg *config.Config, tracker trackerplugin.Plugin, pcfg parallel.Config) (*parallel.Executor, error) {
	pool, err := worktree.New(projectDir)
	if err != nil {
		return nil, fmt.Errorf("worktree pool: %w", err)
	}
	pool.SetMaxWorktrees(pcfg.MaxWorkers)
	mergeEngine := merge.New(projectDir)
	bus := logsink.NewBus(256)

	factory := func(workerID, worktreePath string) (engine.AgentBinding, []engine.AgentBinding, error) {
		primary, err := buildPrimaryAgent(cfg.Agent, worktreePath)
		if err != nil {
			return engine.AgentBinding{}, nil, err
		}
		return primary, nil, nil
	}

	return parallel.New(projectDir, tracker, pool, mergeEngine, bus, factory, pcfg), nil
}

func runRemoteServe(cmd *cobra.Command, args []string) error {
	projectDir, cfg, err := loadProject(cmd)
	if err != nil {
		return err
	}
	initLogging(projectDir)
	defer logsink.Close()

	tracker, err := buildTracker(projectDir, cfg.Tracker)
	if err != nil {
		return err
	}

	store := sessionstore.New(projectDir)
	persisted, err := store.Load()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	sessionID := ""
	if persisted != nil {
		sessionID = persisted.SessionID
	} else {
		sessionID = uuid.NewString()
	}

	primary, err := buildPrimaryAgent(cfg.Agent, projectDir)
	if err != nil {
		return err
	}

	bus := logsink.NewBus(256)
	eng := engine.New(projectDir, sessionID, primary, nil, store, bus, engineConfig(cfg, projectDir))
	if err := eng.Initialize(context.Background(), engine.InitOptions{Tracker: tracker}); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	// The remote protocol's pause/resume/interrupt/continue map directly
	// onto the already-running engine loop (spec.md §4.7); remote serve
	// starts that loop itself rather than requiring a separate `ralph
	// run` process, since there is no "start" remote message.
	go func() {
		if err := eng.Start(context.Background()); err != nil {
			logsink.ErrorLog.Printf("engine stopped: %v", err)
		}
	}()

	userDir, err := config.UserDir()
	if err != nil {
		return err
	}

	factory := func(pcfg parallel.Config) (*parallel.Executor, error) {
		return buildOrchestrator(projectDir, cfg, tracker, pcfg)
	}

	server, err := remote.New(remote.Config{
		Port:           cfg.Remote.Port,
		MaxPortRetries: cfg.Remote.MaxPortRetries,
		ServerToken:    cfg.Remote.ServerToken,
		ProjectDir:     projectDir,
		UserConfigDir:  userDir,
		SessionID:      sessionID,
		AuditLogPath:   filepath.Join(userDir, "audit.log"),
	}, eng, tracker, bus, factory)
	if err != nil {
		return err
	}

	registry, err := remote.OpenRegistry()
	if err == nil {
		_ = registry.Upsert(remote.RegistryEntry{
			SessionID: sessionID,
			Cwd:       projectDir,
			Host:      "127.0.0.1",
		})
		defer registry.Remove(sessionID)
	}

	return server.ListenAndServe()
}
