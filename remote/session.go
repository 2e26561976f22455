package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ralph-tui/ralph/config"
	"github.com/ralph-tui/ralph/core"
	"github.com/ralph-tui/ralph/logsink"
	"github.com/ralph-tui/ralph/parallel"
	"github.com/ralph-tui/ralph/trackerplugin"
)

// clientConn is one authenticated-or-not WebSocket connection. Every
// connection gets its own goroutine reading frames and dispatching them
// serially (spec.md §4.7 "Subsequent messages are request/response");
// writes are serialized by writeMu since engine-event forwarding and
// request responses can originate from different goroutines.
type clientConn struct {
	id     string
	conn   *websocket.Conn
	server *Server

	writeMu sync.Mutex

	mu              sync.Mutex
	authenticated   bool
	subscribed      bool
	subscribeFilter map[core.EventType]struct{} // nil == all types

	closeOnce sync.Once
	closed    chan struct{}
}

func newClientConn(id string, conn *websocket.Conn, server *Server) *clientConn {
	return &clientConn{
		id:     id,
		conn:   conn,
		server: server,
		closed: make(chan struct{}),
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// serve runs the read loop until the connection closes. A ping/pong
// deadline keeps idle clients from lingering forever (spec.md §5).
func (c *clientConn) serve() {
	defer c.close()

	c.conn.SetReadDeadline(time.Now().Add(pingTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pingTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// Any well-formed application message counts as liveness, not
		// just an explicit "ping" — resets the idle-drop deadline.
		c.conn.SetReadDeadline(time.Now().Add(pingTimeout))

		var in inboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			c.writeError("", "invalid message: "+err.Error())
			continue
		}

		c.handle(in)
	}
}

func (c *clientConn) handle(in inboundMessage) {
	if in.Type == "auth" {
		c.handleAuth(in)
		return
	}
	if in.Type == "ping" {
		c.write(outboundMessage{Type: "pong", ID: in.ID, Timestamp: nowMillis()})
		return
	}

	c.mu.Lock()
	authed := c.authenticated
	c.mu.Unlock()
	if !authed {
		c.writeError(in.ID, "not authenticated")
		return
	}

	switch in.Type {
	case "subscribe":
		c.handleSubscribe(in)
	case "unsubscribe":
		c.mu.Lock()
		c.subscribed = false
		c.subscribeFilter = nil
		c.mu.Unlock()
		c.writeOK(in.ID, nil)
	case "get_state":
		c.write(outboundMessage{Type: "response", ID: in.ID, Timestamp: nowMillis(), Payload: c.server.eng.GetState()})
	case "get_tasks":
		c.handleGetTasks(in)
	case "pause":
		c.server.eng.Pause()
		c.writeOK(in.ID, nil)
	case "resume":
		c.server.eng.Resume()
		c.writeOK(in.ID, nil)
	case "interrupt":
		c.server.eng.Stop()
		c.writeOK(in.ID, nil)
	case "continue":
		c.handleContinue(in)
	case "refresh_tasks":
		c.handleRefreshTasks(in)
	case "refresh_token", "refresh":
		c.handleRefreshToken(in)
	case "add_iterations":
		c.handleCount(in, c.server.eng.AddIterations)
	case "remove_iterations":
		c.handleCount(in, c.server.eng.RemoveIterations)
	case "get_prompt_preview":
		c.handlePromptPreview(in)
	case "get_iteration_output":
		c.handleIterationOutput(in)
	case "check_config":
		c.handleCheckConfig(in)
	case "push_config":
		c.handlePushConfig(in)
	case "orchestrate:start":
		c.handleOrchestrateStart(in)
	case "orchestrate:pause":
		c.handleOrchestrateControl(in, (*parallel.Executor).Pause)
	case "orchestrate:resume":
		c.handleOrchestrateControl(in, (*parallel.Executor).Resume)
	case "orchestrate:stop":
		c.handleOrchestrateControl(in, (*parallel.Executor).Stop)
	case "orchestrate:get_state":
		c.handleOrchestrateGetState(in)
	default:
		c.writeError(in.ID, "unknown message type: "+in.Type)
	}
}

func (c *clientConn) handleAuth(in inboundMessage) {
	var params authParams
	_ = json.Unmarshal(in.Params, &params)

	var ok bool
	var clientID string
	switch params.TokenType {
	case "server":
		ok = c.server.tokens.ValidateServerToken(params.Token)
		clientID = c.id
	case "connection":
		clientID, ok = c.server.tokens.ValidateConnectionToken(params.Token)
	default:
		c.writeError(in.ID, "unknown tokenType")
		return
	}

	if !ok {
		c.write(outboundMessage{
			Type: "auth_response", ID: in.ID, Timestamp: nowMillis(),
			Payload: authResponsePayload{Success: false, Error: "invalid credentials"},
		})
		return
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()

	payload := authResponsePayload{Success: true}
	if params.TokenType == "server" {
		tok, expiresAt, err := c.server.tokens.IssueConnectionToken(clientID)
		if err == nil {
			payload.ConnectionToken = tok
			payload.ConnectionTokenExpiresAt = expiresAt.UnixMilli()
		}
	}
	c.write(outboundMessage{Type: "auth_response", ID: in.ID, Timestamp: nowMillis(), Payload: payload})
}

func (c *clientConn) handleSubscribe(in inboundMessage) {
	var params subscribeParams
	_ = json.Unmarshal(in.Params, &params)

	c.mu.Lock()
	c.subscribed = true
	if len(params.EventTypes) == 0 {
		c.subscribeFilter = nil
	} else {
		c.subscribeFilter = make(map[core.EventType]struct{}, len(params.EventTypes))
		for _, t := range params.EventTypes {
			c.subscribeFilter[core.EventType(t)] = struct{}{}
		}
	}
	c.mu.Unlock()

	c.writeOK(in.ID, nil)
}

func (c *clientConn) handleGetTasks(in inboundMessage) {
	tasks, err := c.server.tracker.GetTasks(trackerplugin.TaskFilter{})
	if err != nil {
		c.writeError(in.ID, err.Error())
		return
	}
	c.write(outboundMessage{Type: "response", ID: in.ID, Timestamp: nowMillis(), Payload: tasks})
}

func (c *clientConn) handleContinue(in inboundMessage) {
	if err := c.server.eng.ContinueExecution(serveContext()); err != nil {
		c.writeError(in.ID, err.Error())
		return
	}
	c.writeOK(in.ID, nil)
}

// handleRefreshToken rotates the connection's own connection token without
// forcing it back through server-token auth (spec.md §4.7 connection
// lifecycle step 4: "a connection-token refresh is available while
// authenticated").
func (c *clientConn) handleRefreshToken(in inboundMessage) {
	var params refreshTokenParams
	_ = json.Unmarshal(in.Params, &params)

	tok, expiresAt, err := c.server.tokens.RefreshConnectionToken(params.ConnectionToken)
	if err != nil {
		c.writeError(in.ID, err.Error())
		return
	}
	c.write(outboundMessage{
		Type: "response", ID: in.ID, Timestamp: nowMillis(),
		Payload: refreshTokenResponsePayload{ConnectionToken: tok, ConnectionTokenExpiresAt: expiresAt.UnixMilli()},
	})
}

func (c *clientConn) handleRefreshTasks(in inboundMessage) {
	if err := c.server.eng.RefreshTasks(); err != nil {
		c.writeError(in.ID, err.Error())
		return
	}
	c.writeOK(in.ID, nil)
}

func (c *clientConn) handleCount(in inboundMessage, apply func(int) bool) {
	var params countParams
	_ = json.Unmarshal(in.Params, &params)
	if params.Count <= 0 {
		c.writeError(in.ID, "count must be > 0")
		return
	}
	ok := apply(params.Count)
	if !ok {
		c.writeError(in.ID, "engine is not in a state to accept this change")
		return
	}
	c.writeOK(in.ID, nil)
}

func (c *clientConn) handlePromptPreview(in inboundMessage) {
	var params taskIDParams
	_ = json.Unmarshal(in.Params, &params)
	preview := c.server.eng.GeneratePromptPreview(core.TaskID(params.TaskID))
	c.write(outboundMessage{Type: "response", ID: in.ID, Timestamp: nowMillis(), Payload: preview})
}

func (c *clientConn) handleIterationOutput(in inboundMessage) {
	var params taskIDParams
	_ = json.Unmarshal(in.Params, &params)

	content, err := latestIterationOutput(c.server.cfg.ProjectDir, c.server.cfg.SessionID, core.TaskID(params.TaskID))
	if err != nil {
		c.writeError(in.ID, err.Error())
		return
	}
	c.write(outboundMessage{Type: "response", ID: in.ID, Timestamp: nowMillis(), Payload: map[string]string{"output": content}})
}

func (c *clientConn) handleCheckConfig(in inboundMessage) {
	var params configParams
	_ = json.Unmarshal(in.Params, &params)

	if _, err := config.Parse(params.ConfigContent); err != nil {
		c.writeError(in.ID, (&core.ConfigValidationError{Reason: err.Error()}).Error())
		return
	}
	c.writeOK(in.ID, nil)
}

func (c *clientConn) handlePushConfig(in inboundMessage) {
	var params configParams
	_ = json.Unmarshal(in.Params, &params)

	if _, err := config.Parse(params.ConfigContent); err != nil {
		c.server.audit.Log(AuditEvent{Type: "config_push_rejected", ClientID: c.id, Detail: err.Error()})
		c.writeError(in.ID, (&core.ConfigValidationError{Reason: err.Error()}).Error())
		return
	}

	path, err := configPathForScope(c.server.cfg.ProjectDir, params.Scope)
	if err != nil {
		c.writeError(in.ID, err.Error())
		return
	}

	if params.Overwrite {
		if err := backupExisting(path); err != nil {
			c.writeError(in.ID, err.Error())
			return
		}
	} else if _, err := os.Stat(path); err == nil {
		c.writeError(in.ID, "config already exists; overwrite not requested")
		return
	}

	if err := atomicWriteFile(path, []byte(params.ConfigContent), 0o644); err != nil {
		c.writeError(in.ID, err.Error())
		return
	}

	c.server.audit.Log(AuditEvent{Type: "config_pushed", ClientID: c.id, Detail: params.Scope})
	c.writeOK(in.ID, nil)
}

func (c *clientConn) handleOrchestrateStart(in inboundMessage) {
	// The guard flag must flip before the (potentially slow) factory/
	// Execute call, not after, or two concurrent orchestrate:start
	// messages could both observe "none running" and both proceed
	// (spec.md §4.7).
	if !c.server.tryActivateOrchestration() {
		c.writeError(in.ID, "an orchestration is already running or starting")
		return
	}

	var params orchestrateStartParams
	_ = json.Unmarshal(in.Params, &params)

	cfg := parallel.Config{
		MaxWorkers:    params.MaxWorkers,
		MaxIterations: params.MaxIterations,
		DirectMerge:   params.DirectMerge,
	}

	x, err := c.server.parallelFactory(cfg)
	if err != nil {
		c.server.releaseOrchestrationSlot()
		c.writeError(in.ID, err.Error())
		return
	}

	orchestrationID := uuid.NewString()

	c.server.mu.Lock()
	c.server.orchestrations[orchestrationID] = x
	c.server.orchestrationOwners[orchestrationID] = c.id
	c.server.mu.Unlock()

	x.On(func(e core.Event) {
		c.server.broadcastParallelEvent(orchestrationID, e)
	})

	go func() {
		defer c.server.releaseOrchestrationSlot()
		if err := x.Execute(serveContext()); err != nil {
			c.server.audit.Log(AuditEvent{Type: "orchestration_error", ClientID: c.id, Detail: err.Error()})
		}
	}()

	c.server.audit.Log(AuditEvent{Type: "orchestration_started", ClientID: c.id, Detail: orchestrationID})

	state := x.GetState()
	c.write(outboundMessage{Type: "response", ID: in.ID, Timestamp: nowMillis(), Payload: map[string]interface{}{
		"orchestrationId": orchestrationID,
		"totalTasks":      state.TotalTasks,
		"totalGroups":     state.TotalGroups,
		"maxWorkers":      state.MaxWorkers,
	}})
}

func (c *clientConn) handleOrchestrateControl(in inboundMessage, op func(*parallel.Executor)) {
	var params orchestrationIDParams
	_ = json.Unmarshal(in.Params, &params)

	x, ok := c.lookupOrchestration(params.OrchestrationID)
	if !ok {
		c.writeError(in.ID, "unknown orchestrationId")
		return
	}
	op(x)
	c.server.audit.Log(AuditEvent{Type: "orchestration_control", ClientID: c.id, Detail: in.Type + " " + params.OrchestrationID})
	c.writeOK(in.ID, nil)
}

func (c *clientConn) handleOrchestrateGetState(in inboundMessage) {
	var params orchestrationIDParams
	_ = json.Unmarshal(in.Params, &params)

	x, ok := c.lookupOrchestration(params.OrchestrationID)
	if !ok {
		c.writeError(in.ID, "unknown orchestrationId")
		return
	}
	c.write(outboundMessage{Type: "response", ID: in.ID, Timestamp: nowMillis(), Payload: x.GetState()})
}

func (c *clientConn) lookupOrchestration(id string) (*parallel.Executor, bool) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	x, ok := c.server.orchestrations[id]
	return x, ok
}

// forwardIfSubscribed delivers msg to c if it is subscribed and either
// has no filter or the filter includes eventType. A message that cannot
// be written is dropped (see write).
func (c *clientConn) forwardIfSubscribed(msg outboundMessage, eventType core.EventType) {
	c.mu.Lock()
	subscribed := c.subscribed
	filter := c.subscribeFilter
	c.mu.Unlock()

	if !subscribed {
		return
	}
	if filter != nil {
		if _, ok := filter[eventType]; !ok {
			return
		}
	}
	c.write(msg)
}

func (c *clientConn) writeOK(id string, payload interface{}) {
	c.write(outboundMessage{Type: "response", ID: id, Timestamp: nowMillis(), Payload: payload})
}

func (c *clientConn) writeError(id, msg string) {
	c.write(outboundMessage{Type: "error", ID: id, Timestamp: nowMillis(), Error: msg})
}

// write serializes msg as JSON and sends it. Each write waits at most five
// seconds for the socket; a write that fails or times out is dropped and
// recorded as a write_dropped audit event. Writes hold writeMu, so a
// stalled socket delays this client's other writes for up to that deadline.
func (c *clientConn) write(msg outboundMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.server.audit.Log(AuditEvent{Type: "write_dropped", ClientID: c.id, Detail: err.Error()})
	}
}

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }

// serveContext is the background context every remote-triggered,
// long-running engine/orchestrator operation runs under: the server has
// no per-request deadline to propagate, and Stop()/Interrupt() are how a
// client cancels one of these once started.
func serveContext() context.Context { return context.Background() }

func latestIterationOutput(projectDir, sessionID string, taskID core.TaskID) (string, error) {
	dir := filepath.Join(projectDir, logsink.IterationLogDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no iteration logs recorded yet")
		}
		return "", fmt.Errorf("read iterations dir: %w", err)
	}

	suffix := "-" + sanitizeForFilename(string(taskID)) + ".log"
	best := -1
	var bestName string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, sessionID+"-") || !strings.HasSuffix(name, suffix) {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, sessionID+"-"), suffix)
		n, err := strconv.Atoi(mid)
		if err != nil {
			continue
		}
		if n > best {
			best = n
			bestName = name
		}
	}
	if bestName == "" {
		return "", fmt.Errorf("no iteration output found for task %s", taskID)
	}

	data, err := os.ReadFile(filepath.Join(dir, bestName))
	if err != nil {
		return "", fmt.Errorf("read iteration log: %w", err)
	}
	return string(data), nil
}

func sanitizeForFilename(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "task"
	}
	return string(out)
}

func configPathForScope(projectDir, scope string) (string, error) {
	switch scope {
	case "project":
		return filepath.Join(projectDir, config.ProjectDir, config.FileName), nil
	case "global":
		dir, err := config.UserDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, config.FileName), nil
	default:
		return "", fmt.Errorf("invalid scope: %s", scope)
	}
}

// backupExisting copies path to a timestamped sibling before an
// overwrite (spec.md §4.7: "write a timestamped backup sibling first").
func backupExisting(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read existing config: %w", err)
	}
	backupPath := fmt.Sprintf("%s.%s.bak", path, time.Now().UTC().Format("20060102T150405"))
	return os.WriteFile(backupPath, data, 0o644)
}

// atomicWriteFile writes data to a temp file beside path and renames it
// over path, following sessionstore's atomic-write idiom.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if err = os.Chmod(tmpPath, perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config file: %w", err)
	}
	return nil
}
