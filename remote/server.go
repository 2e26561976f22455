// Package remote implements the remote control server (component K): a
// process-local WebSocket endpoint that authenticates a viewer process
// and exposes the execution engine and parallel executor over a typed
// JSON request/response and event-stream protocol (spec.md §4.7).
// Grounded on the teacher's security/auth.go for the token lifecycle and
// brain/server.go for the accept-loop/per-connection-goroutine/typed-
// dispatch shape, generalized from a Unix-domain-socket transport to
// github.com/gorilla/websocket bound per the loopback/all-interfaces rule.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ralph-tui/ralph/core"
	"github.com/ralph-tui/ralph/engine"
	"github.com/ralph-tui/ralph/logsink"
	"github.com/ralph-tui/ralph/parallel"
	"github.com/ralph-tui/ralph/trackerplugin"
)

// pingTimeout is how long the server waits for a pong before dropping an
// idle client (spec.md §5: "Remote sockets drop idle clients after an
// implementation-defined ping timeout").
const pingTimeout = 90 * time.Second

// ParallelFactory builds a fresh parallel.Executor for one
// orchestrate:start call, using whatever worktree pool, merge engine,
// and agent factory the host process (cmd/ralph) wired up at startup.
type ParallelFactory func(cfg parallel.Config) (*parallel.Executor, error)

// Config holds the server's startup tunables (spec.md §4.7 "Port
// binding" and the loopback/all-interfaces rule).
type Config struct {
	Port           int
	MaxPortRetries int
	ServerToken    string
	ProjectDir     string
	UserConfigDir  string // holds remote-token and the audit log
	SessionID      string
	AuditLogPath   string
}

// Server is one process's remote control endpoint, adapting a single
// engine.Engine (and, on demand, parallel.Executor orchestrations) to
// connected WebSocket clients.
type Server struct {
	cfg Config

	eng             *engine.Engine
	tracker         trackerplugin.Plugin
	bus             *logsink.Bus
	parallelFactory ParallelFactory

	tokens   *TokenManager
	audit    *AuditLog
	upgrader websocket.Upgrader

	mu                  sync.Mutex
	listener            net.Listener
	httpServer          *http.Server
	clients             map[string]*clientConn
	orchestrations      map[string]*parallel.Executor
	orchestrationOwners map[string]string
	orchestrationActive bool
	boundAddr           string
	closed              chan struct{}
	closeOnce           sync.Once
}

// tryActivateOrchestration atomically flips orchestrationActive from false
// to true and reports whether it did, so a second orchestrate:start cannot
// slip in between the check and the (slow) executor construction that
// follows (spec.md §4.7: "refuse if one is already running or starting").
func (s *Server) tryActivateOrchestration() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orchestrationActive {
		return false
	}
	s.orchestrationActive = true
	return true
}

// releaseOrchestrationSlot clears the single-orchestration guard, allowing
// a subsequent orchestrate:start to proceed.
func (s *Server) releaseOrchestrationSlot() {
	s.mu.Lock()
	s.orchestrationActive = false
	s.mu.Unlock()
}

// New returns a Server adapting eng (and tracker, for get_tasks) to
// remote clients, with bus as the shared event source and factory used
// to build a new parallel.Executor for each orchestrate:start.
func New(cfg Config, eng *engine.Engine, tracker trackerplugin.Plugin, bus *logsink.Bus, factory ParallelFactory) (*Server, error) {
	audit, err := NewAuditLog(cfg.AuditLogPath)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:                 cfg,
		eng:                 eng,
		tracker:             tracker,
		bus:                 bus,
		parallelFactory:     factory,
		tokens:              NewTokenManager(cfg.ServerToken, audit),
		audit:               audit,
		upgrader:            websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		clients:             map[string]*clientConn{},
		orchestrations:      map[string]*parallel.Executor{},
		orchestrationOwners: map[string]string{},
		closed:              make(chan struct{}),
	}, nil
}

// ListenAndServe binds the server and blocks in its accept loop until
// Stop is called. Binding tries cfg.Port, then up to cfg.MaxPortRetries
// following ports, advancing only on an address-in-use error (spec.md
// §4.7 "Port binding"). It binds to loopback only when no server token
// is configured, and to all interfaces otherwise, since an unauthenticated
// server on all interfaces would let any host on the network reach it.
func (s *Server) ListenAndServe() error {
	host := "127.0.0.1"
	if s.tokens.HasServerToken() {
		host = "0.0.0.0"
	}

	var ln net.Listener
	var err error
	port := s.cfg.Port
	maxRetries := s.cfg.MaxPortRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		if !isAddrInUse(err) {
			return fmt.Errorf("remote: listen %s: %w", addr, err)
		}
		port++
	}
	if err != nil {
		return fmt.Errorf("remote: no free port after %d retries starting at %d: %w", maxRetries, s.cfg.Port, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{Handler: mux}

	s.subscribeEngineEvents()

	err = s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound address once ListenAndServe has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop closes every client connection and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })

	s.mu.Lock()
	clients := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// isAddrInUse reports whether err came from binding a port already in
// use, the only condition that should advance to the next candidate
// port (spec.md §4.7: "only EADDRINUSE-style errors cause a retry").
func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "address already in use")
	}
	return false
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := newClientConn(uuid.NewString(), conn, s)

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		s.tokens.RevokeClientTokens(client.id)
		s.stopOwnedOrchestrations(client.id)
	}()

	client.serve()
}

// stopOwnedOrchestrations stops every orchestration the disconnecting
// client started, per spec.md §4.7 connection lifecycle step 5.
func (s *Server) stopOwnedOrchestrations(clientID string) {
	s.mu.Lock()
	owned := make([]*parallel.Executor, 0)
	for id, x := range s.orchestrations {
		if s.orchestrationOwners[id] == clientID {
			owned = append(owned, x)
		}
	}
	s.mu.Unlock()

	for _, x := range owned {
		x.Stop()
	}
}

func (s *Server) orchestrationOwner(orchestrationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orchestrationOwners[orchestrationID]
}

func (s *Server) subscribeEngineEvents() {
	if s.eng == nil {
		return
	}
	s.eng.On(func(e core.Event) {
		s.broadcastEngineEvent(e)
	})
}

func (s *Server) broadcastEngineEvent(e core.Event) {
	s.mu.Lock()
	clients := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	msg := outboundMessage{
		Type:      "engine_event",
		Timestamp: time.Now().UTC().UnixMilli(),
		Payload:   engineEventPayload{Event: e},
	}
	for _, c := range clients {
		c.forwardIfSubscribed(msg, e.Type)
	}
}

func (s *Server) broadcastParallelEvent(orchestrationID string, e core.Event) {
	s.mu.Lock()
	clients := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	msg := outboundMessage{
		Type:      "parallel_event",
		Timestamp: time.Now().UTC().UnixMilli(),
		Payload:   parallelEventPayload{OrchestrationID: orchestrationID, Event: e},
	}
	for _, c := range clients {
		c.forwardIfSubscribed(msg, e.Type)
	}
}
