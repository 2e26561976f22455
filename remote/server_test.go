package remote

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(Config{AuditLogPath: filepath.Join(t.TempDir(), "audit.log")}, nil, nil, nil, nil)
	require.NoError(t, err)
	return s
}

func TestTryActivateOrchestrationRejectsSecondWhileFirstActive(t *testing.T) {
	s := newTestServer(t)

	assert.True(t, s.tryActivateOrchestration())
	assert.False(t, s.tryActivateOrchestration())

	s.releaseOrchestrationSlot()
	assert.True(t, s.tryActivateOrchestration())
}
