package config

import "github.com/spf13/pflag"

// BindFlags registers every overridable setting onto fs, bound to cfg's
// fields and with cfg's current values as the flag defaults. Call before
// fs.Parse; cfg is a scratch Config, and ApplyChangedFlags later copies
// only the flags the user set onto the layered config from Load, so an
// unset flag never clobbers a layered value.
func BindFlags(cfg *Config, fs *pflag.FlagSet) {
	fs.StringVar(&cfg.Agent.Command, "agent-command", cfg.Agent.Command, "coding agent CLI command (prompt is appended as the final argument)")
	fs.StringVar(&cfg.Agent.Model, "agent-model", cfg.Agent.Model, "model name passed through to the agent CLI")
	fs.StringVar(&cfg.Agent.Sandbox, "agent-sandbox", cfg.Agent.Sandbox, "command-wrapper variant: passthrough or bubblewrap")

	fs.IntVar(&cfg.Engine.MaxIterations, "max-iterations", cfg.Engine.MaxIterations, "maximum iterations per run, across all tasks (0 = unbounded)")
	fs.IntVar(&cfg.Engine.MaxRetries, "max-retries", cfg.Engine.MaxRetries, "retries per failed iteration before abort")
	fs.BoolVar(&cfg.Engine.AutoCommit, "auto-commit", cfg.Engine.AutoCommit, "commit pending changes after an iteration that leaves the task in progress")

	fs.IntVar(&cfg.Parallel.MaxWorkers, "max-workers", cfg.Parallel.MaxWorkers, "maximum concurrent workers per parallel group")
	fs.BoolVar(&cfg.Parallel.DirectMerge, "direct-merge", cfg.Parallel.DirectMerge, "drain the merge queue per worker instead of per group")

	fs.IntVar(&cfg.Remote.Port, "port", cfg.Remote.Port, "remote control server port")
	fs.IntVar(&cfg.Remote.MaxPortRetries, "max-port-retries", cfg.Remote.MaxPortRetries, "additional ports to try if the requested one is in use")
	fs.StringVar(&cfg.Remote.ServerToken, "server-token", cfg.Remote.ServerToken, "remote server token; binds to all interfaces when set")

	fs.StringVar(&cfg.Tracker.Kind, "tracker", cfg.Tracker.Kind, "tracker backend kind")
	fs.StringVar(&cfg.Tracker.FilePath, "tracker-file", cfg.Tracker.FilePath, "tracker backend file path")
}

// ApplyChangedFlags copies every flag the user actually set on fs from
// overrides (the struct BindFlags was called with) onto cfg (the layered
// config from Load). Flags the user never passed are left alone, since
// overrides also holds their unrelated defaults.
//
// This two-struct dance exists because cobra/pflag flags must be
// registered before argv is parsed, while the layered file/env config
// can only be resolved afterwards (it needs --project-dir's parsed
// value). BindFlags registers flags eagerly against a scratch Config at
// startup; ApplyChangedFlags reconciles the two once the real layered
// Config is available.
func ApplyChangedFlags(fs *pflag.FlagSet, overrides, cfg *Config) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "agent-command":
			cfg.Agent.Command = overrides.Agent.Command
		case "agent-model":
			cfg.Agent.Model = overrides.Agent.Model
		case "agent-sandbox":
			cfg.Agent.Sandbox = overrides.Agent.Sandbox
		case "max-iterations":
			cfg.Engine.MaxIterations = overrides.Engine.MaxIterations
		case "max-retries":
			cfg.Engine.MaxRetries = overrides.Engine.MaxRetries
		case "auto-commit":
			cfg.Engine.AutoCommit = overrides.Engine.AutoCommit
		case "max-workers":
			cfg.Parallel.MaxWorkers = overrides.Parallel.MaxWorkers
		case "direct-merge":
			cfg.Parallel.DirectMerge = overrides.Parallel.DirectMerge
		case "port":
			cfg.Remote.Port = overrides.Remote.Port
		case "max-port-retries":
			cfg.Remote.MaxPortRetries = overrides.Remote.MaxPortRetries
		case "server-token":
			cfg.Remote.ServerToken = overrides.Remote.ServerToken
		case "tracker":
			cfg.Tracker.Kind = overrides.Tracker.Kind
		case "tracker-file":
			cfg.Tracker.FilePath = overrides.Tracker.FilePath
		}
	})
}
