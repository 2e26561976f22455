// Package config loads ralph's layered configuration: built-in defaults,
// overridden by a user config file, overridden by a project config file,
// overridden by RALPH_* environment variables, overridden last by CLI
// flags (spec.md §6's external-interfaces row for config.toml). Grounded
// on the teacher's config/config.go (GetConfigDir/LoadConfig/SaveConfig
// shape), generalized from JSON to TOML per SPEC_FULL.md's explicit
// choice of github.com/BurntSushi/toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the config file's name under both the project and user
// config directories.
const FileName = "config.toml"

// ProjectDir is the project-relative directory holding config.toml,
// alongside session.json and the iteration logs (spec §6).
const ProjectDir = ".ralph-tui"

// Config is ralph's full runtime configuration, assembled by Load.
type Config struct {
	Agent    AgentConfig    `toml:"agent"`
	Engine   EngineConfig   `toml:"engine"`
	Parallel ParallelConfig `toml:"parallel"`
	Remote   RemoteConfig   `toml:"remote"`
	Tracker  TrackerConfig  `toml:"tracker"`
}

// AgentConfig configures the reference cliagent.Plugin (component O):
// Command is the argv of the coding-agent CLI to shell out to, with the
// prompt appended as its final argument.
type AgentConfig struct {
	Name    string `toml:"name"`
	Command string `toml:"command"`
	Model   string `toml:"model"`
	// Sandbox selects the command-wrapper variant: "passthrough" (the
	// default, no wrapping) or "bubblewrap".
	Sandbox string `toml:"sandbox"`
}

// EngineConfig mirrors engine.Config's tunables that are user-facing.
type EngineConfig struct {
	MaxIterations     int     `toml:"max_iterations"`
	MaxRetries        int     `toml:"max_retries"`
	AutoCommit        bool    `toml:"auto_commit"`
	RetryInitialDelay string  `toml:"retry_initial_delay"`
	RetryMultiplier   float64 `toml:"retry_multiplier"`
	RetryMaxDelay     string  `toml:"retry_max_delay"`
	OnRetryExhausted  string  `toml:"on_retry_exhausted"` // "abort" | "continue"
}

// ParallelConfig mirrors parallel.Config's tunables.
type ParallelConfig struct {
	MaxWorkers    int  `toml:"max_workers"`
	MaxIterations int  `toml:"max_iterations"`
	DirectMerge   bool `toml:"direct_merge"`
}

// RemoteConfig controls the WebSocket control server.
type RemoteConfig struct {
	Port           int    `toml:"port"`
	MaxPortRetries int    `toml:"max_port_retries"`
	ServerToken    string `toml:"server_token"`
	PingTimeout    string `toml:"ping_timeout"`
}

// TrackerConfig selects and configures the tracker backend.
type TrackerConfig struct {
	Kind     string `toml:"kind"`
	FilePath string `toml:"file_path"`
	EpicID   string `toml:"epic_id"`
}

// Defaults returns the built-in configuration every layer is merged over.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:    "default",
			Sandbox: "passthrough",
		},
		Engine: EngineConfig{
			MaxIterations:     0,
			MaxRetries:        3,
			AutoCommit:        true,
			RetryInitialDelay: "2s",
			RetryMultiplier:   2.0,
			RetryMaxDelay:     "60s",
			OnRetryExhausted:  "abort",
		},
		Parallel: ParallelConfig{
			MaxWorkers:    4,
			MaxIterations: 0,
			DirectMerge:   false,
		},
		Remote: RemoteConfig{
			Port:           7482,
			MaxPortRetries: 10,
			PingTimeout:    "60s",
		},
		Tracker: TrackerConfig{
			Kind:     "jsonfile",
			FilePath: ".ralph-tui/tasks.json",
		},
	}
}

// UserDir returns {user-config-dir}/ralph-tui, creating it if missing.
func UserDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	dir := filepath.Join(base, "ralph-tui")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create user config dir: %w", err)
	}
	return dir, nil
}

// Load assembles the layered config for projectDir: defaults, the user
// config file, the project config file, then RALPH_* environment
// variables. Missing files are not an error. Flags are applied
// separately by the caller via ApplyChangedFlags, after Load, since pflag values are
// only known once cobra has parsed argv.
func Load(projectDir string) (*Config, error) {
	cfg := Defaults()

	if userDir, err := UserDir(); err == nil {
		if err := mergeFile(cfg, filepath.Join(userDir, FileName)); err != nil {
			return nil, err
		}
	}

	if err := mergeFile(cfg, filepath.Join(projectDir, ProjectDir, FileName)); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// mergeFile decodes path over cfg in place. A missing file is not an
// error; a malformed one is.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Parse decodes content as a standalone Config layered over Defaults,
// without touching disk. Used by the remote server's check_config/
// push_config handlers to validate pushed TOML before writing it.
func Parse(content string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.Decode(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides cfg's fields from RALPH_* environment variables,
// applied last (before CLI flags, which the caller layers on top via
// ApplyChangedFlags) so operators can override the repo's committed config.toml
// without editing it.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("RALPH_AGENT_COMMAND"); ok {
		cfg.Agent.Command = v
	}
	if v, ok := os.LookupEnv("RALPH_AGENT_MODEL"); ok {
		cfg.Agent.Model = v
	}
	if v, ok := os.LookupEnv("RALPH_AGENT_SANDBOX"); ok {
		cfg.Agent.Sandbox = v
	}
	if v, ok := os.LookupEnv("RALPH_ENGINE_MAX_ITERATIONS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxIterations = n
		}
	}
	if v, ok := os.LookupEnv("RALPH_ENGINE_AUTO_COMMIT"); ok {
		cfg.Engine.AutoCommit = parseBool(v, cfg.Engine.AutoCommit)
	}
	if v, ok := os.LookupEnv("RALPH_PARALLEL_MAX_WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Parallel.MaxWorkers = n
		}
	}
	if v, ok := os.LookupEnv("RALPH_PARALLEL_DIRECT_MERGE"); ok {
		cfg.Parallel.DirectMerge = parseBool(v, cfg.Parallel.DirectMerge)
	}
	if v, ok := os.LookupEnv("RALPH_REMOTE_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Remote.Port = n
		}
	}
	if v, ok := os.LookupEnv("RALPH_REMOTE_SERVER_TOKEN"); ok {
		cfg.Remote.ServerToken = v
	}
	if v, ok := os.LookupEnv("RALPH_TRACKER_KIND"); ok {
		cfg.Tracker.Kind = v
	}
	if v, ok := os.LookupEnv("RALPH_TRACKER_FILE_PATH"); ok {
		cfg.Tracker.FilePath = v
	}
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
