package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/ralph-tui/ralph/core"
)

// parseChunkMarkers scans one streamed output chunk, line by line, for
// the out-of-band markers a CLI agent may emit inline with its normal
// output: a model banner ("model: <name>"), a token tally ("tokens:
// in=<n> out=<n>"), and subagent lifecycle markers ("subagent:start
// id=<id> label=<label>" / "subagent:end id=<id> status=<succeeded|
// failed>"). This marker set is not part of any agent CLI's real wire
// protocol — it is the documented convention an AgentPlugin is expected
// to translate its own output into, per spec.md §4.2 step 5. Lines that
// match none of them are left alone.
func (e *Engine) parseChunkMarkers(chunk string) {
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(lower, "model:"):
			model := strings.TrimSpace(line[len("model:"):])
			if model == "" {
				continue
			}
			e.mu.Lock()
			e.state.CurrentModel = model
			e.mu.Unlock()
			e.emit(core.EventAgentModel, core.EventAgentModelPayload{Model: model})

		case strings.HasPrefix(lower, "tokens:"):
			in, out, ok := parseTokenTally(line)
			if !ok {
				continue
			}
			usage := core.TokenUsageSummary{InputTokens: in, OutputTokens: out}
			usage.Normalize()
			e.emit(core.EventAgentUsage, core.EventAgentUsagePayload{Usage: usage})

		case strings.HasPrefix(lower, "subagent:start"):
			e.handleSubagentStart(line)

		case strings.HasPrefix(lower, "subagent:end"):
			e.handleSubagentEnd(line)
		}
	}
}

func parseTokenTally(line string) (in, out int64, ok bool) {
	for _, field := range strings.Fields(line) {
		if v, found := strings.CutPrefix(field, "in="); found {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, 0, false
			}
			in, ok = n, true
		}
		if v, found := strings.CutPrefix(field, "out="); found {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, 0, false
			}
			out, ok = n, true
		}
	}
	return in, out, ok
}

func attrValue(fields []string, key string) (string, bool) {
	prefix := key + "="
	for _, f := range fields {
		if v, found := strings.CutPrefix(f, prefix); found {
			return v, true
		}
	}
	return "", false
}

func (e *Engine) handleSubagentStart(line string) {
	fields := strings.Fields(line)
	id, ok := attrValue(fields, "id")
	if !ok || id == "" {
		return
	}
	label, _ := attrValue(fields, "label")

	node := &core.SubagentNode{
		ID:        id,
		Label:     label,
		Status:    core.SubagentRunning,
		StartedAt: time.Now().UTC(),
	}

	e.mu.Lock()
	if _, exists := e.subagentByID[id]; exists {
		e.mu.Unlock()
		return
	}
	e.subagentByID[id] = node
	e.subagents = append(e.subagents, node)
	e.state.SubagentTree = append(e.state.SubagentTree, node)
	e.mu.Unlock()
}

func (e *Engine) handleSubagentEnd(line string) {
	fields := strings.Fields(line)
	id, ok := attrValue(fields, "id")
	if !ok {
		return
	}
	status, _ := attrValue(fields, "status")

	e.mu.Lock()
	node, exists := e.subagentByID[id]
	if !exists {
		e.mu.Unlock()
		return
	}
	node.EndedAt = time.Now().UTC()
	if status == "failed" {
		node.Status = core.SubagentFailed
	} else {
		node.Status = core.SubagentSucceeded
	}
	e.mu.Unlock()
}
