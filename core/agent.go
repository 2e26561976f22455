package core

import "time"

// AgentSelectReason explains why the active agent is the one it is.
type AgentSelectReason string

const (
	AgentPrimary  AgentSelectReason = "primary"
	AgentFallback AgentSelectReason = "fallback"
	AgentRecovery AgentSelectReason = "recovery"
)

// ActiveAgentState describes which agent plugin is currently driving
// iterations and why.
type ActiveAgentState struct {
	Plugin string
	Reason AgentSelectReason
	Since  time.Time
}

// RateLimitState is the engine's view of one agent's rate-limit window.
type RateLimitState struct {
	Limited    bool
	RetryAfter time.Time
}
