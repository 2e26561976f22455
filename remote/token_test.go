package remote

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenManagerServerTokenValidation(t *testing.T) {
	audit, err := NewAuditLog(t.TempDir() + "/audit.log")
	require.NoError(t, err)

	m := NewTokenManager("s3cr3t", audit)
	require.True(t, m.HasServerToken())
	require.True(t, m.ValidateServerToken("s3cr3t"))
	require.False(t, m.ValidateServerToken("wrong"))
}

func TestTokenManagerNoServerTokenConfigured(t *testing.T) {
	m := NewTokenManager("", nil)
	require.False(t, m.HasServerToken())
	require.False(t, m.ValidateServerToken("anything"))
}

func TestTokenManagerIssueValidateRefreshRevoke(t *testing.T) {
	m := NewTokenManager("s3cr3t", nil)

	tok, expiresAt, err := m.IssueConnectionToken("client-1")
	require.NoError(t, err)
	require.NotEmpty(t, tok)
	require.True(t, expiresAt.After(time.Now()))

	clientID, ok := m.ValidateConnectionToken(tok)
	require.True(t, ok)
	require.Equal(t, "client-1", clientID)

	refreshed, _, err := m.RefreshConnectionToken(tok)
	require.NoError(t, err)
	require.NotEqual(t, tok, refreshed)

	// Old token is now invalid.
	_, ok = m.ValidateConnectionToken(tok)
	require.False(t, ok)

	// Refreshed token validates to the same client.
	clientID, ok = m.ValidateConnectionToken(refreshed)
	require.True(t, ok)
	require.Equal(t, "client-1", clientID)

	m.RevokeClientTokens("client-1")
	_, ok = m.ValidateConnectionToken(refreshed)
	require.False(t, ok)
}

func TestTokenManagerRefreshUnknownToken(t *testing.T) {
	m := NewTokenManager("s3cr3t", nil)
	_, _, err := m.RefreshConnectionToken("does-not-exist")
	require.Error(t, err)
}

func TestAuditLogAppendsJSONLines(t *testing.T) {
	path := t.TempDir() + "/audit.log"
	log, err := NewAuditLog(path)
	require.NoError(t, err)

	log.Log(AuditEvent{Type: "test_event", ClientID: "c1"})
	log.Log(AuditEvent{Type: "test_event_2", ClientID: "c2"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "test_event")
	require.Contains(t, string(data), "test_event_2")
}

func TestAuditLogNilIsNoOp(t *testing.T) {
	var log *AuditLog
	require.NotPanics(t, func() {
		log.Log(AuditEvent{Type: "ignored"})
	})
}
