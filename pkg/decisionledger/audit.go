// Package decisionledger records every PreToolUse decision, hook veto, and
// sandbox-recursion refusal as a tamper-evident, hash-chained event log. It
// is the append-only record the /debug view and post-hoc analytics read.
package decisionledger

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vinhnx/vtcode/pkg/config"
)

// EventKind names the three decision points this ledger records.
type EventKind string

const (
	// KindPreToolUseDecision is appended whenever a PreToolUse hook
	// produces an Allow, Deny, or Ask verdict (a bare Continue is not
	// itself a decision and is not logged).
	KindPreToolUseDecision EventKind = "pretooluse_decision"
	// KindHookVeto is appended whenever a lifecycle hook blocks an
	// operation outright (continue=false or decision="block").
	KindHookVeto EventKind = "hook_veto"
	// KindSandboxRecursionRefusal is appended whenever the sandbox
	// coordinator refuses to resolve a runtime because it points back at
	// the running executable.
	KindSandboxRecursionRefusal EventKind = "sandbox_recursion_refusal"
)

// Event is a single hash-chained ledger entry.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Kind         EventKind `json:"kind"`
	SessionID    string    `json:"session_id,omitempty"`
	Tool         string    `json:"tool,omitempty"`
	Decision     string    `json:"decision,omitempty"` // allow/deny/ask; empty for veto and recursion events
	Reason       string    `json:"reason,omitempty"`
	Hash         string    `json:"hash,omitempty"`
	PreviousHash string    `json:"previous_hash,omitempty"`
}

// Config holds ledger configuration.
type Config struct {
	Enabled     bool
	SecretKey   []byte // HMAC key; generated via crypto/rand if empty
	LogFilePath string
}

// DefaultConfig places the ledger under the dot-directory manager's home,
// the same root archive.ResolveSessionsDir resolves sessions under.
func DefaultConfig() Config {
	paths := config.ResolveRuntimePaths()
	return Config{
		Enabled:     true,
		LogFilePath: filepath.Join(paths.HomeDir, "decisions.log"),
	}
}

// Logger appends events to the ledger file and can verify the resulting
// hash chain. The zero value is not usable; construct with NewLogger.
//
// Appends take the write lock; reports (VerifyChain, ReadAll) take the read
// lock, matching the ledger's write-locked-for-appends /
// read-locked-for-reports access pattern.
type Logger struct {
	config      Config
	file        *os.File
	mu          sync.RWMutex
	lastHash    string
	initialized bool
}

var (
	globalLogger *Logger
	once         sync.Once
)

// Init initializes the global ledger singleton.
func Init(cfg Config) error {
	var initErr error
	once.Do(func() {
		globalLogger = &Logger{config: cfg}
		initErr = globalLogger.init()
	})
	return initErr
}

// NewLogger constructs a standalone Logger (not the global singleton),
// useful for tests and for sessions that want an isolated ledger file.
func NewLogger(cfg Config) (*Logger, error) {
	l := &Logger{config: cfg}
	if err := l.init(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) init() error {
	if !l.config.Enabled {
		return nil
	}

	dir := filepath.Dir(l.config.LogFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("decisionledger: create log directory: %w", err)
	}

	file, err := os.OpenFile(l.config.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("decisionledger: open log file: %w", err)
	}

	l.file = file
	l.initialized = true

	if len(l.config.SecretKey) == 0 {
		key, err := generateSecretKey()
		if err != nil {
			return fmt.Errorf("decisionledger: generate signing key: %w", err)
		}
		l.config.SecretKey = key
	}

	return nil
}

// Close closes the ledger file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Log appends one event, setting its timestamp (if zero) and hash-chain
// fields before writing.
func (l *Logger) Log(event Event) error {
	if !l.config.Enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	event.PreviousHash = l.lastHash
	event.Hash = l.computeHash(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("decisionledger: marshal event: %w", err)
	}

	if l.file != nil {
		if _, err := l.file.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("decisionledger: write event: %w", err)
		}
	}

	l.lastHash = event.Hash
	return nil
}

// LogPreToolUseDecision appends a KindPreToolUseDecision event. Callers
// should only call this for non-Continue decisions.
func (l *Logger) LogPreToolUseDecision(sessionID, tool, decision, reason string) error {
	return l.Log(Event{
		Kind:      KindPreToolUseDecision,
		SessionID: sessionID,
		Tool:      tool,
		Decision:  decision,
		Reason:    reason,
	})
}

// LogHookVeto appends a KindHookVeto event.
func (l *Logger) LogHookVeto(sessionID, tool, reason string) error {
	return l.Log(Event{
		Kind:      KindHookVeto,
		SessionID: sessionID,
		Tool:      tool,
		Reason:    reason,
	})
}

// LogSandboxRecursionRefusal appends a KindSandboxRecursionRefusal event.
func (l *Logger) LogSandboxRecursionRefusal(sessionID, reason string) error {
	return l.Log(Event{
		Kind:      KindSandboxRecursionRefusal,
		SessionID: sessionID,
		Reason:    reason,
	})
}

// computeHash computes an HMAC hash of the event for integrity verification.
// Caller must hold l.mu.
func (l *Logger) computeHash(event Event) string {
	signData := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		event.Timestamp.Format(time.RFC3339Nano),
		event.Kind,
		event.SessionID,
		event.Tool,
		event.Decision,
		event.Reason,
	)

	h := hmac.New(sha256.New, l.config.SecretKey)
	h.Write([]byte(signData))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// generateSecretKey generates a random HMAC key.
func generateSecretKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ReadAll loads every event currently in the ledger file, in append order.
// It is the read side of the /debug view's report queries.
func (l *Logger) ReadAll() ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.readAllLocked()
}

func (l *Logger) readAllLocked() ([]Event, error) {
	data, err := os.ReadFile(l.config.LogFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("decisionledger: read log: %w", err)
	}

	lines := splitLines(string(data))
	events := make([]Event, 0, len(lines))
	for i, line := range lines {
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("decisionledger: parse event at line %d: %w", i+1, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// VerifyChain re-derives every event's hash and checks the chain linkage,
// reporting the first break if the log has been tampered with.
func (l *Logger) VerifyChain() (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.initialized {
		return false, fmt.Errorf("decisionledger: logger not initialized")
	}

	events, err := l.readAllLocked()
	if err != nil {
		return false, err
	}

	var prevHash string
	for i, event := range events {
		if i > 0 && event.PreviousHash != prevHash {
			return false, fmt.Errorf("decisionledger: hash chain broken at line %d", i+1)
		}
		expectedHash := l.computeHash(event)
		if event.Hash != expectedHash {
			return false, fmt.Errorf("decisionledger: event hash mismatch at line %d", i+1)
		}
		prevHash = event.Hash
	}

	return true, nil
}

// splitLines splits a string into lines without allocating via strings.Split
// on every call site; kept as a small local helper to mirror the rest of
// this package's dependency-free parsing.
func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// GetGlobalLogger returns the global ledger singleton, or nil if Init was
// never called.
func GetGlobalLogger() *Logger {
	return globalLogger
}
