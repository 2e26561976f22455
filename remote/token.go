package remote

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// connectionTokenTTL is how long an issued connection token remains
// valid before the client must re-authenticate with the server token
// (spec.md §4.7 connection lifecycle step 2).
const connectionTokenTTL = 24 * time.Hour

// connectionToken is one short-lived token issued after a successful
// server-token authentication.
type connectionToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ClientID  string
}

func (t connectionToken) expired(now time.Time) bool { return now.After(t.ExpiresAt) }

// TokenManager owns the long-lived server token and the set of
// short-lived connection tokens issued from it. Validation of the
// server token is constant-time on the hot path (spec.md §4.7
// "Authorization"), grounded on the teacher's security/auth.go
// (crypto/rand token generation, expiry, audit trail), generalized from
// password/session auth to a single shared-secret-plus-derived-token
// model.
type TokenManager struct {
	mu          sync.Mutex
	serverToken string
	connections map[string]*connectionToken
	audit       *AuditLog
}

// NewTokenManager returns a manager for serverToken (empty disables
// server-token auth entirely — see Server's loopback-binding rule).
func NewTokenManager(serverToken string, audit *AuditLog) *TokenManager {
	return &TokenManager{
		serverToken: serverToken,
		connections: map[string]*connectionToken{},
		audit:       audit,
	}
}

// HasServerToken reports whether server-token auth is configured.
func (m *TokenManager) HasServerToken() bool {
	return m.serverToken != ""
}

// ValidateServerToken compares candidate against the configured server
// token in constant time, so response latency cannot leak how many
// leading bytes matched.
func (m *TokenManager) ValidateServerToken(candidate string) bool {
	if m.serverToken == "" {
		return false
	}
	ok := subtle.ConstantTimeCompare([]byte(candidate), []byte(m.serverToken)) == 1
	m.audit.Log(AuditEvent{Type: "auth_server_token", Success: ok})
	return ok
}

// IssueConnectionToken mints a new connection token tied to clientID and
// records it for later validation/refresh/revocation.
func (m *TokenManager) IssueConnectionToken(clientID string) (token string, expiresAt time.Time, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generate connection token: %w", err)
	}
	tok := base64.RawURLEncoding.EncodeToString(raw)
	now := time.Now().UTC()
	ct := &connectionToken{
		Token:     tok,
		IssuedAt:  now,
		ExpiresAt: now.Add(connectionTokenTTL),
		ClientID:  clientID,
	}

	m.mu.Lock()
	m.connections[tok] = ct
	m.mu.Unlock()

	m.audit.Log(AuditEvent{Type: "connection_token_issued", ClientID: clientID})
	return tok, ct.ExpiresAt, nil
}

// ValidateConnectionToken checks candidate in constant time against every
// live connection token (there are only ever a handful of connected
// clients, so a linear scan keeps the constant-time property simple).
// Expired or unknown tokens both return false — the client must fall
// back to server-token re-auth.
func (m *TokenManager) ValidateConnectionToken(candidate string) (clientID string, ok bool) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	for tok, ct := range m.connections {
		if ct.expired(now) {
			delete(m.connections, tok)
			continue
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(tok)) == 1 {
			m.audit.Log(AuditEvent{Type: "auth_connection_token", Success: true, ClientID: ct.ClientID})
			return ct.ClientID, true
		}
	}
	m.audit.Log(AuditEvent{Type: "auth_connection_token", Success: false})
	return "", false
}

// RefreshConnectionToken revokes old and issues a fresh token for the
// same client, extending the session without forcing server-token
// re-auth (spec.md §4.7 connection lifecycle step 4).
func (m *TokenManager) RefreshConnectionToken(old string) (token string, expiresAt time.Time, err error) {
	m.mu.Lock()
	ct, ok := m.connections[old]
	if ok {
		delete(m.connections, old)
	}
	m.mu.Unlock()

	if !ok {
		return "", time.Time{}, fmt.Errorf("unknown connection token")
	}
	return m.IssueConnectionToken(ct.ClientID)
}

// RevokeClientTokens removes every connection token issued to clientID,
// called on disconnect (spec.md §4.7 connection lifecycle step 5).
func (m *TokenManager) RevokeClientTokens(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, ct := range m.connections {
		if ct.ClientID == clientID {
			delete(m.connections, tok)
		}
	}
	m.audit.Log(AuditEvent{Type: "connection_tokens_revoked", ClientID: clientID})
}

// AuditEvent is one append-only audit log entry (spec.md §4.7
// "Audit all auth attempts and all config-push / orchestration-control
// actions").
type AuditEvent struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId,omitempty"`
	Success   bool      `json:"success,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditLog appends JSON-lines audit entries to a local file. A nil
// *AuditLog is valid and silently discards events, so tests and
// in-process callers need not wire one up.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// NewAuditLog returns a log appending to path, creating parent
// directories as needed.
func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	return &AuditLog{path: path}, nil
}

// Log appends event, stamping its Timestamp if unset. Write failures are
// swallowed (audit logging must never break a request), mirroring the
// session store's PersistenceError policy elsewhere in this module.
func (l *AuditLog) Log(event AuditEvent) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = f.Write(data)
}
