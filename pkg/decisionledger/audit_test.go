package decisionledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	dir := t.TempDir()
	l, err := NewLogger(Config{
		Enabled:     true,
		SecretKey:   []byte("test-secret-key-32-bytes-long!!"),
		LogFilePath: filepath.Join(dir, "decisions.log"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLogPreToolUseDecision(t *testing.T) {
	l := newTestLogger(t)

	require.NoError(t, l.LogPreToolUseDecision("sess-1", "bash", "deny", "matched deny rule"))

	events, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindPreToolUseDecision, events[0].Kind)
	assert.Equal(t, "bash", events[0].Tool)
	assert.Equal(t, "deny", events[0].Decision)
	assert.Equal(t, "matched deny rule", events[0].Reason)
	assert.NotEmpty(t, events[0].Hash)
	assert.Empty(t, events[0].PreviousHash)
}

func TestLogHookVetoAndSandboxRecursionRefusal(t *testing.T) {
	l := newTestLogger(t)

	require.NoError(t, l.LogHookVeto("sess-1", "", "prompt blocked by policy hook"))
	require.NoError(t, l.LogSandboxRecursionRefusal("sess-1", "resolved runtime points to the running executable"))

	events, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, KindHookVeto, events[0].Kind)
	assert.Equal(t, KindSandboxRecursionRefusal, events[1].Kind)
	// Second event chains off the first.
	assert.Equal(t, events[0].Hash, events[1].PreviousHash)
}

func TestLoggerDisabled(t *testing.T) {
	l := &Logger{config: Config{Enabled: false}}
	require.NoError(t, l.init())

	require.NoError(t, l.LogPreToolUseDecision("sess-1", "bash", "allow", ""))

	events, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.LogPreToolUseDecision("sess-1", "read_file", "allow", ""))
	}

	valid, err := l.VerifyChain()
	require.NoError(t, err)
	assert.True(t, valid)

	require.NoError(t, l.file.Close())
	data, err := os.ReadFile(l.config.LogFilePath)
	require.NoError(t, err)
	tampered := append(data, []byte(`{"timestamp":"2024-01-01T00:00:00Z","kind":"pretooluse_decision","decision":"allow","hash":"bogus"}`+"\n")...)
	require.NoError(t, os.WriteFile(l.config.LogFilePath, tampered, 0o600))

	valid, err = l.VerifyChain()
	assert.Error(t, err)
	assert.False(t, valid)
}

func TestComputeHashIsDeterministicAndSensitiveToFields(t *testing.T) {
	l := &Logger{config: Config{SecretKey: []byte("test-secret-key-32-bytes-long!!")}}

	event := Event{
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Kind:      KindPreToolUseDecision,
		Tool:      "bash",
		Decision:  "allow",
	}

	hash1 := l.computeHash(event)
	hash2 := l.computeHash(event)
	assert.Equal(t, hash1, hash2)

	event.Decision = "deny"
	hash3 := l.computeHash(event)
	assert.NotEqual(t, hash1, hash3)
}

func TestDefaultConfigPlacesLedgerUnderDotDirectoryHome(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "decisions.log", filepath.Base(cfg.LogFilePath))
}
