package sandbox

import (
	"testing"

	"github.com/ralph-tui/ralph/agentplugin"
	"github.com/stretchr/testify/assert"
)

func TestPassthroughReturnsCommandUnchanged(t *testing.T) {
	name, args := Passthrough{}.Wrap("claude", []string{"--model", "sonnet"}, agentplugin.SandboxRequirements{})
	assert.Equal(t, "claude", name)
	assert.Equal(t, []string{"--model", "sonnet"}, args)
}

func TestBubblewrapWrapsWithBindsAndNetwork(t *testing.T) {
	reqs := agentplugin.SandboxRequirements{
		AuthPaths:       []string{"/home/user/.config/agent/auth.json"},
		BinaryPaths:     []string{"/usr/bin/git"},
		RuntimePaths:    []string{"/tmp/ralph-worktrees/w1"},
		RequiresNetwork: true,
	}

	name, args := Bubblewrap{}.Wrap("claude", []string{"run"}, reqs)
	assert.Equal(t, "bwrap", name)
	assert.Contains(t, args, "--share-net")
	assert.Contains(t, args, "/home/user/.config/agent/auth.json")
	assert.Contains(t, args, "/usr/bin/git")
	assert.Contains(t, args, "/tmp/ralph-worktrees/w1")
	assert.Equal(t, "claude", args[len(args)-2])
	assert.Equal(t, "run", args[len(args)-1])
}

func TestBubblewrapOmitsNetworkShareWhenNotRequired(t *testing.T) {
	_, args := Bubblewrap{}.Wrap("claude", nil, agentplugin.SandboxRequirements{RequiresNetwork: false})
	assert.NotContains(t, args, "--share-net")
}
