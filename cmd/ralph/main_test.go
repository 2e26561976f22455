package main

import (
	"testing"

	"github.com/ralph-tui/ralph/agentplugin"
	"github.com/ralph-tui/ralph/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSandboxSelectsVariant(t *testing.T) {
	_, ok := buildSandbox("passthrough").(interface {
		Wrap(string, []string, agentplugin.SandboxRequirements) (string, []string)
	})
	require.True(t, ok)

	bw, ok := buildSandbox("bubblewrap").(interface{ Available() bool })
	require.True(t, ok)
	_ = bw.Available()
}

func TestAgentCommandBuilderPassthroughAppendsPrompt(t *testing.T) {
	builder := agentCommandBuilder(config.AgentConfig{
		Command: "claude --dangerously-skip-permissions",
		Sandbox: "passthrough",
	}, "/work/task-1")

	name, args := builder("do the thing", nil, agentplugin.ExecuteOptions{})
	assert.Equal(t, "claude", name)
	assert.Equal(t, []string{"--dangerously-skip-permissions", "do the thing"}, args)
}

func TestAgentCommandBuilderBubblewrapWrapsArgv(t *testing.T) {
	builder := agentCommandBuilder(config.AgentConfig{
		Command: "claude",
		Sandbox: "bubblewrap",
	}, "/work/task-1")

	name, args := builder("prompt text", nil, agentplugin.ExecuteOptions{})
	assert.Equal(t, "bwrap", name)
	assert.Contains(t, args, "--share-net")
	assert.Contains(t, args, "/work/task-1")
	assert.Equal(t, "claude", args[len(args)-2])
	assert.Equal(t, "prompt text", args[len(args)-1])
}

func TestBuildPrimaryAgentRejectsEmptyCommand(t *testing.T) {
	_, err := buildPrimaryAgent(config.AgentConfig{Name: "default"}, "/work")
	require.Error(t, err)
}

func TestBuildPrimaryAgentDefaultsNameWhenBlank(t *testing.T) {
	binding, err := buildPrimaryAgent(config.AgentConfig{Command: "echo hi"}, "/work")
	require.NoError(t, err)
	assert.Equal(t, "default", binding.Name)
	assert.NotNil(t, binding.Plugin)
}

func TestEngineConfigParsesDurations(t *testing.T) {
	cfg := config.Defaults()
	cfg.Engine.RetryInitialDelay = "5s"
	cfg.Engine.RetryMaxDelay = "2m"
	cfg.Engine.OnRetryExhausted = "continue"

	ec := engineConfig(cfg, "/repo")
	assert.Equal(t, 5e9, float64(ec.InitialBackoff))
	assert.Equal(t, float64(2*60*1e9), float64(ec.MaxBackoff))
	assert.True(t, ec.ContinueOnIterationFailure)
	assert.Equal(t, "/repo", ec.RepoDir)
}

func TestEngineConfigFallsBackOnMalformedDuration(t *testing.T) {
	cfg := config.Defaults()
	cfg.Engine.RetryInitialDelay = "not-a-duration"
	cfg.Engine.RetryMaxDelay = "also-bad"

	ec := engineConfig(cfg, "/repo")
	assert.Equal(t, float64(2e9), float64(ec.InitialBackoff))
	assert.Equal(t, float64(60*1e9), float64(ec.MaxBackoff))
}

func TestBuildTrackerRejectsUnknownKind(t *testing.T) {
	_, err := buildTracker(t.TempDir(), config.TrackerConfig{Kind: "linear"})
	require.Error(t, err)
}

func TestBuildTrackerDefaultsToJSONFile(t *testing.T) {
	dir := t.TempDir()
	tracker, err := buildTracker(dir, config.TrackerConfig{FilePath: "tasks.json"})
	require.NoError(t, err)
	require.NotNil(t, tracker)
}
