// Package tokenbudget approximates token counts for arbitrary strings and
// tracks running usage against a configurable per-session budget.
package tokenbudget

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/vinhnx/vtcode/pkg/logger"
)

// Component names the accounting subtotal a token count is recorded
// against. Values match the category set in the data model exactly.
type Component string

const (
	ComponentSystemPrompt    Component = "system_prompt"
	ComponentUserMessage     Component = "user_message"
	ComponentAssistantMsg    Component = "assistant_message"
	ComponentToolResult      Component = "tool_result"
	ComponentDecisionLedger  Component = "decision_ledger"
)

// Threshold selects which of the two configured budget thresholds to test.
type Threshold int

const (
	ThresholdWarning Threshold = iota
	ThresholdAlert
)

// BracketDensityThreshold is the empirical fraction of bracket-class
// characters above which a heuristic estimate is boosted 1.3x, treating the
// text as "code-like". Exposed for tuning per the spec's own design note.
const BracketDensityThreshold = 1.0 / 30.0

// bracketClass is the exact character set the heuristic treats as
// "bracket-like" for the code-density multiplier.
const bracketClass = "{}()[]<>;=:"

// Config is the token budget's atomically-replaceable configuration.
type Config struct {
	MaxContextTokens   int
	WarningThreshold   float64
	AlertThreshold     float64
	Model              string
	DetailedTracking   bool
}

// DefaultConfig returns reasonable defaults matching common 128k-class
// context windows.
func DefaultConfig() Config {
	return Config{
		MaxContextTokens: 128000,
		WarningThreshold: 0.75,
		AlertThreshold:   0.90,
		Model:            "",
		DetailedTracking: true,
	}
}

// Manager tracks total and per-category token usage against a Config.
// All mutation is through Record/Deduct so the sum-of-subtotals ≤ total
// invariant always holds.
type Manager struct {
	mu         sync.RWMutex
	cfg        Config
	total      int64
	subtotals  map[Component]int64
	warnedOnce map[string]struct{}
}

// NewManager creates a Manager with the given config.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:        cfg,
		subtotals:  make(map[Component]int64),
		warnedOnce: make(map[string]struct{}),
	}
}

// Count approximates the token count of text using a three-estimate median
// heuristic, boosted when the text looks code-like. The result is never
// less than 1 for non-empty text.
func Count(text string) int {
	if text == "" {
		return 0
	}

	charCount := utf8.RuneCountInString(text)
	charEstimate := float64(charCount) / 4.0

	wordEstimate := wordBasedEstimate(text)
	lineEstimate := lineBasedEstimate(text)

	median := medianOf3(charEstimate, wordEstimate, lineEstimate)

	if isCodeLike(text, charCount) {
		median *= 1.3
	}

	count := int(median + 0.5)
	if count < 1 {
		count = 1
	}
	return count
}

func wordBasedEstimate(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	totalLen := 0
	for _, w := range words {
		totalLen += utf8.RuneCountInString(w)
	}
	avgLen := float64(totalLen) / float64(len(words))

	// One token per word as a baseline; long average word length implies
	// sub-word tokenization splits each word into more than one token.
	estimate := float64(len(words))
	if avgLen > 6 {
		estimate += float64(len(words)) * (avgLen - 6) / 6
	}
	return estimate
}

func lineBasedEstimate(text string) float64 {
	lines := strings.Split(text, "\n")
	nonEmpty := 0
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			nonEmpty++
		}
	}
	return float64(nonEmpty) * 12.0
}

func medianOf3(a, b, c float64) float64 {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b, c = c, b
	}
	if a > b {
		a, b = b, a
	}
	return b
}

func isCodeLike(text string, charCount int) bool {
	if charCount == 0 {
		return false
	}
	n := 0
	for _, r := range text {
		if strings.ContainsRune(bracketClass, r) {
			n++
		}
	}
	return float64(n)/float64(charCount) > BracketDensityThreshold
}

// Record adds tokens to a category subtotal and the running total. A
// zero-token record is a no-op.
func (m *Manager) Record(component Component, tokens int) {
	if tokens == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subtotals[component] += int64(tokens)
	m.total += int64(tokens)
}

// Deduct performs a saturating subtraction from a category subtotal and the
// running total — neither is allowed to go negative.
func (m *Manager) Deduct(component Component, tokens int) {
	if tokens == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d := int64(tokens)
	if m.subtotals[component] < d {
		d = m.subtotals[component]
	}
	m.subtotals[component] -= d
	if m.total < d {
		m.total = 0
	} else {
		m.total -= d
	}
}

// Total returns the current running total.
func (m *Manager) Total() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// Subtotal returns the current subtotal for a category.
func (m *Manager) Subtotal(component Component) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subtotals[component]
}

// Exceeds reports whether total/max has reached the given threshold.
func (m *Manager) Exceeds(t Threshold) bool {
	m.mu.RLock()
	total := m.total
	cfg := m.cfg
	m.mu.RUnlock()

	if cfg.MaxContextTokens <= 0 {
		return false
	}
	ratio := float64(total) / float64(cfg.MaxContextTokens)
	switch t {
	case ThresholdAlert:
		return ratio >= cfg.AlertThreshold
	default:
		return ratio >= cfg.WarningThreshold
	}
}

// UpdateConfig atomically replaces the configuration. When the model
// identifier or max tokens changes, callers holding a tokenizer cache keyed
// by model should invalidate it — Manager itself only uses the heuristic
// and has no cache to invalidate.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	modelChanged := cfg.Model != m.cfg.Model
	m.cfg = cfg
	m.mu.Unlock()

	if modelChanged {
		logger.InfoCF("tokenbudget", "model changed, downstream tokenizer caches should invalidate",
			map[string]any{"model": cfg.Model})
	}
}

// Config returns a copy of the current configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// warnOncePerModel logs a fallback warning exactly once per model name,
// matching the spec's "log one warning per model" failure semantics for
// implementers that plug in a real tokenizer and it becomes unavailable.
func (m *Manager) warnOncePerModel(model, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.warnedOnce[model]; seen {
		return
	}
	m.warnedOnce[model] = struct{}{}
	logger.WarnCF("tokenbudget", "falling back to heuristic token count",
		map[string]any{"model": model, "reason": reason})
}

// CountForModel counts tokens for text under a named model, falling back to
// the heuristic (with a one-time-per-model warning) when no real tokenizer
// is wired in. This core never ships a real tokenizer — see DESIGN.md — so
// every call with a non-empty model takes the heuristic path.
func (m *Manager) CountForModel(model, text string) int {
	if model != "" {
		m.warnOncePerModel(model, "no real tokenizer configured")
	}
	return Count(text)
}
