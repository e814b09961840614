package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessManagerStreamsThroughScrollback(t *testing.T) {
	pm := NewProcessManager(0)
	id := pm.StartSession("echo hi", "/tmp", nil, nil, nil)

	pm.AppendOutput(id, "line one\n")
	pm.AppendOutput(id, "line two\n")

	pending, snapshot := pm.sessionForTest(t, id).drainPending()
	assert.Equal(t, "line one\nline two\n", pending)
	assert.Equal(t, "running", snapshot.Status)

	// A second drain returns nothing new.
	pending, _ = pm.sessionForTest(t, id).drainPending()
	assert.Empty(t, pending)

	pm.MarkExited(id, nil, false)
	snap, ok := pm.GetSnapshot(id)
	require.True(t, ok)
	assert.Equal(t, "completed", snap.Status)
	assert.False(t, snap.Truncated)

	output, _ := pm.sessionForTest(t, id).outputSnapshot()
	assert.Equal(t, "line one\nline two\n", output)
}

func TestProcessManagerFlagsOverflowViaScrollback(t *testing.T) {
	pm := NewProcessManager(16)
	id := pm.StartSession("yes", "/tmp", nil, nil, nil)

	for i := 0; i < 10; i++ {
		pm.AppendOutput(id, "0123456789\n")
	}
	pm.MarkExited(id, nil, false)

	snap, ok := pm.GetSnapshot(id)
	require.True(t, ok)
	assert.True(t, snap.Truncated)
}

// sessionForTest exposes the internal session for white-box assertions.
func (pm *ProcessManager) sessionForTest(t *testing.T, id string) *processSession {
	t.Helper()
	session, ok := pm.getSession(id)
	require.True(t, ok)
	return session
}
