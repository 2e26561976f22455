package remote

import (
	"encoding/json"

	"github.com/ralph-tui/ralph/core"
)

// inboundMessage is the envelope every client message carries (spec.md
// §4.7/§6 wire protocol: "every message carries {type, id, timestamp}").
type inboundMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// outboundMessage is the envelope every server message carries.
// Responses echo the request ID; unsolicited events carry an empty ID.
type outboundMessage struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// authParams is the payload of an "auth" message.
type authParams struct {
	Token     string `json:"token"`
	TokenType string `json:"tokenType"` // "server" | "connection"
}

// authResponsePayload is the payload of "auth_response".
type authResponsePayload struct {
	Success                  bool   `json:"success"`
	ConnectionToken          string `json:"connectionToken,omitempty"`
	ConnectionTokenExpiresAt int64  `json:"connectionTokenExpiresAt,omitempty"`
	Error                    string `json:"error,omitempty"`
}

// refreshTokenParams is the payload of "refresh_token".
type refreshTokenParams struct {
	ConnectionToken string `json:"connectionToken"`
}

// refreshTokenResponsePayload is the payload of the "refresh_token"
// response.
type refreshTokenResponsePayload struct {
	ConnectionToken          string `json:"connectionToken"`
	ConnectionTokenExpiresAt int64  `json:"connectionTokenExpiresAt"`
}

// subscribeParams is the payload of "subscribe".
type subscribeParams struct {
	EventTypes []string `json:"eventTypes,omitempty"`
}

// countParams is the payload of "add_iterations" and
// "remove_iterations".
type countParams struct {
	Count int `json:"count"`
}

// taskIDParams is the payload of "get_prompt_preview" and
// "get_iteration_output".
type taskIDParams struct {
	TaskID string `json:"taskId"`
}

// configParams is the payload of "push_config" ("check_config" reuses it
// without Overwrite).
type configParams struct {
	Scope         string `json:"scope"` // "global" | "project"
	ConfigContent string `json:"configContent"`
	Overwrite     bool   `json:"overwrite"`
}

// orchestrateStartParams is the payload of "orchestrate:start".
type orchestrateStartParams struct {
	MaxWorkers    int  `json:"maxWorkers,omitempty"`
	DirectMerge   bool `json:"directMerge,omitempty"`
	MaxIterations int  `json:"maxIterations,omitempty"`
}

// orchestrationIDParams is the payload of every orchestrate:* message
// except start.
type orchestrationIDParams struct {
	OrchestrationID string `json:"orchestrationId"`
}

// engineEventPayload wraps an engine event per spec.md §6: "Engine
// events are wrapped in engine_event{event}".
type engineEventPayload struct {
	Event core.Event `json:"event"`
}

// parallelEventPayload wraps a parallel-executor event per spec.md §6:
// "parallel events in parallel_event{orchestrationId, event}".
type parallelEventPayload struct {
	OrchestrationID string     `json:"orchestrationId"`
	Event           core.Event `json:"event"`
}
