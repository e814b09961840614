// Package contextmgr keeps an in-memory conversation history within a
// token budget while preserving the most useful content, composing three
// trimming strategies: tool-response pruning, aggressive trim, and
// semantic-score-based trim.
package contextmgr

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/vinhnx/vtcode/pkg/providers"
)

// CharPerTokenApprox is the divisor used by the fast per-message token
// estimate; kept separate from tokenbudget's heavier heuristic since this
// estimate runs on every trim pass and must stay cheap.
const CharPerTokenApprox = 4

// FunctionScoreThreshold is the semantic score at or above which a message
// is never removed by the semantic trim pass.
const FunctionScoreThreshold = 6

const maxScore = 255

// TrimConfig configures the composed trimming pipeline.
type TrimConfig struct {
	MaxTokens                  int
	TrimToPercent               float64 // clamped into [50, 95]
	PreserveRecentTurns         int     // lower-bounded
	SemanticCompressionEnabled  bool
	ToolAwareRetentionEnabled   bool
	MaxStructuralDepth          int
	PreserveRecentTools         int
}

// DefaultTrimConfig returns conservative defaults.
func DefaultTrimConfig() TrimConfig {
	return TrimConfig{
		MaxTokens:                  128000,
		TrimToPercent:               80,
		PreserveRecentTurns:         8,
		SemanticCompressionEnabled:  true,
		ToolAwareRetentionEnabled:   true,
		MaxStructuralDepth:          3,
		PreserveRecentTools:         4,
	}
}

// ClampTrimToPercent clamps a trim-to percentage into the valid [50, 95]
// range.
func ClampTrimToPercent(p float64) float64 {
	if p < 50 {
		return 50
	}
	if p > 95 {
		return 95
	}
	return p
}

func clampPreserveRecentTurns(n int) int {
	if n < 2 {
		return 2
	}
	return n
}

// Manager applies the trimming pipeline and memoizes semantic scores across
// calls since the same message is commonly re-scored turn after turn.
type Manager struct {
	mu        sync.Mutex
	cfg       TrimConfig
	scoreMemo map[uint64]int
}

// NewManager creates a Manager with the given config, normalizing the
// trim-to percentage and preserve-recent-turns floor.
func NewManager(cfg TrimConfig) *Manager {
	cfg.TrimToPercent = ClampTrimToPercent(cfg.TrimToPercent)
	cfg.PreserveRecentTurns = clampPreserveRecentTurns(cfg.PreserveRecentTurns)
	return &Manager{
		cfg:       cfg,
		scoreMemo: make(map[uint64]int),
	}
}

// EstimateTokens implements the spec's fast per-message estimate.
func EstimateTokens(msg providers.Message) int {
	chars := len(msg.Content) + len(msg.Role) + len(msg.ToolCallID)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.Name) + len(tc.ID)
		if tc.Function != nil {
			chars += len(tc.Function.Name) + len(tc.Function.Arguments)
		}
	}
	if chars == 0 {
		return 0
	}
	return (chars + CharPerTokenApprox - 1) / CharPerTokenApprox
}

func estimateTotal(history []providers.Message) int {
	total := 0
	for _, m := range history {
		total += EstimateTokens(m)
	}
	return total
}

// Trim runs the composed pipeline — tool-response pruning, then aggressive
// trim, then semantic trim — stopping early as soon as the history fits
// within budget. systemPromptTokens is added to every budget check.
func (m *Manager) Trim(history []providers.Message, systemPromptTokens int) []providers.Message {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	if len(history) == 0 || cfg.MaxTokens <= 0 {
		return history
	}

	budget := int(float64(cfg.MaxTokens) * cfg.TrimToPercent / 100.0)
	fits := func(h []providers.Message) bool {
		return systemPromptTokens+estimateTotal(h) <= budget
	}

	if fits(history) {
		return history
	}

	pruned := m.PruneToolResponses(history)
	if fits(pruned) {
		return pruned
	}

	aggressive := m.AggressiveTrim(pruned)
	if fits(aggressive) || !cfg.SemanticCompressionEnabled {
		return aggressive
	}

	semantic := m.SemanticTrim(aggressive, systemPromptTokens, budget)
	return semantic
}

// PruneToolResponses walks history newest-to-oldest, unconditionally
// retaining the most recent PreserveRecentTurns messages plus — when
// tool-aware retention is enabled — the newest PreserveRecentTools tool
// responses and their originating assistant tool-call messages. All other
// tool-call/tool-response messages older than the recent window are
// dropped. Relative order of survivors is preserved.
func (m *Manager) PruneToolResponses(history []providers.Message) []providers.Message {
	n := len(history)
	if n == 0 {
		return history
	}

	cutoff := n - m.cfg.PreserveRecentTurns
	if cutoff <= 0 {
		return history
	}

	keep := make([]bool, n)
	for i := cutoff; i < n; i++ {
		keep[i] = true
	}

	if m.cfg.ToolAwareRetentionEnabled {
		// Count quota over the full history (newest tool response first),
		// not just the pre-cutoff region — a tool response already
		// unconditionally kept by the recent-turns window still consumes
		// one slot of the quota, so an older response doesn't get pulled
		// in behind it.
		retainedTools := 0
		retainedCallIDs := make(map[string]struct{})
		for i := n - 1; i >= 0 && retainedTools < m.cfg.PreserveRecentTools; i-- {
			if history[i].Role == "tool" {
				retainedTools++
				keep[i] = true
				if history[i].ToolCallID != "" {
					retainedCallIDs[history[i].ToolCallID] = struct{}{}
				}
			}
		}
		if len(retainedCallIDs) > 0 {
			for i := cutoff - 1; i >= 0; i-- {
				if history[i].Role != "assistant" {
					continue
				}
				for _, tc := range history[i].ToolCalls {
					if _, ok := retainedCallIDs[tc.ID]; ok {
						keep[i] = true
						break
					}
				}
			}
		}
	}

	out := make([]providers.Message, 0, n)
	for i, k := range keep {
		if k {
			out = append(out, history[i])
		} else if history[i].Role == "tool" || history[i].Role == "assistant" && len(history[i].ToolCalls) > 0 {
			continue
		} else {
			out = append(out, history[i])
		}
	}
	return out
}

// AggressiveTrim drops the oldest messages until only PreserveRecentTurns
// remain.
func (m *Manager) AggressiveTrim(history []providers.Message) []providers.Message {
	keep := m.cfg.PreserveRecentTurns
	if len(history) <= keep {
		return history
	}
	return append([]providers.Message(nil), history[len(history)-keep:]...)
}

// boundaryIndex returns the index that splits history into a pre-boundary
// region (everything but the trailing PreserveRecentTurns messages) and the
// rest.
func (m *Manager) boundaryIndex(history []providers.Message) int {
	idx := len(history) - m.cfg.PreserveRecentTurns
	if idx < 0 {
		idx = 0
	}
	return idx
}

type scoredIndex struct {
	index int
	score int
}

// SemanticTrim scores every message and greedily removes the lowest-scored
// messages from the pre-boundary region (then, if still over budget, the
// post-boundary region excluding the final message), never removing a
// message whose score meets FunctionScoreThreshold.
func (m *Manager) SemanticTrim(history []providers.Message, systemPromptTokens, budget int) []providers.Message {
	if len(history) == 0 {
		return history
	}

	boundary := m.boundaryIndex(history)
	removed := make(map[int]bool)

	fits := func() bool {
		total := systemPromptTokens
		for i, msg := range history {
			if removed[i] {
				continue
			}
			total += EstimateTokens(msg)
		}
		return total <= budget
	}

	removeFromRegion := func(start, end int) {
		var candidates []scoredIndex
		for i := start; i < end; i++ {
			if removed[i] {
				continue
			}
			score := m.scoreMessage(history[i])
			if score >= FunctionScoreThreshold {
				continue
			}
			candidates = append(candidates, scoredIndex{index: i, score: score})
		}
		sort.Slice(candidates, func(a, b int) bool {
			if candidates[a].score != candidates[b].score {
				return candidates[a].score < candidates[b].score
			}
			return candidates[a].index < candidates[b].index
		})
		for _, c := range candidates {
			if fits() {
				return
			}
			removed[c.index] = true
		}
	}

	removeFromRegion(0, boundary)
	if !fits() && len(history) > 1 {
		removeFromRegion(boundary, len(history)-1)
	}

	if len(removed) == 0 {
		return history
	}

	out := make([]providers.Message, 0, len(history)-len(removed))
	for i, msg := range history {
		if !removed[i] {
			out = append(out, msg)
		}
	}
	return out
}

// scoreMessage computes and memoizes a message's semantic score.
func (m *Manager) scoreMessage(msg providers.Message) int {
	key := messageHash(msg)

	m.mu.Lock()
	if cached, ok := m.scoreMemo[key]; ok {
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	score := scoreMessageBody(msg.Content, m.cfg.MaxStructuralDepth)
	if len(msg.ToolCalls) > 0 || msg.Role == "tool" {
		score += 2
	}
	if msg.OriginTool != "" && m.cfg.ToolAwareRetentionEnabled {
		score += 1
	}
	if score > maxScore {
		score = maxScore
	}

	m.mu.Lock()
	m.scoreMemo[key] = score
	m.mu.Unlock()

	return score
}

func messageHash(msg providers.Message) uint64 {
	h := fnv.New64a()
	h.Write([]byte(msg.Role))
	h.Write([]byte{0})
	h.Write([]byte(msg.Content))
	h.Write([]byte{0})
	h.Write([]byte(msg.ToolCallID))
	for _, tc := range msg.ToolCalls {
		h.Write([]byte{0})
		h.Write([]byte(tc.Name))
		if tc.Function != nil {
			h.Write([]byte(tc.Function.Name))
			h.Write([]byte(tc.Function.Arguments))
		}
	}
	return h.Sum64()
}

// MemoSize returns the current number of memoized message scores.
func (m *Manager) MemoSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scoreMemo)
}

// SanitizeHistoryForProvider removes system messages, drops orphaned tool
// responses, synthesizes placeholders for tool calls whose response never
// arrived, and drops assistant tool-call turns with an invalid predecessor
// role. Adapted directly from the upstream history-sanitization pass so
// every provider-facing payload satisfies the ToolCall/ToolResponse pairing
// invariant regardless of what trimming left behind.
func SanitizeHistoryForProvider(history []providers.Message) []providers.Message {
	if len(history) == 0 {
		return history
	}

	sanitized := make([]providers.Message, 0, len(history))
	var pendingToolCalls map[string]struct{}
	var pendingOrder []string

	flushPending := func() {
		for _, id := range pendingOrder {
			if _, ok := pendingToolCalls[id]; !ok {
				continue
			}
			sanitized = append(sanitized, providers.Message{
				Role:       "tool",
				ToolCallID: id,
				Content:    "[tool result missing in transcript; synthesized placeholder for provider compatibility]",
			})
		}
		pendingToolCalls = nil
		pendingOrder = nil
	}

	for _, msg := range history {
		switch msg.Role {
		case "system":
			continue

		case "tool":
			if pendingToolCalls == nil {
				continue
			}
			if msg.ToolCallID == "" {
				continue
			}
			if _, ok := pendingToolCalls[msg.ToolCallID]; !ok {
				continue
			}
			delete(pendingToolCalls, msg.ToolCallID)
			sanitized = append(sanitized, msg)

		case "assistant":
			flushPending()
			if len(msg.ToolCalls) > 0 {
				if len(sanitized) == 0 {
					continue
				}
				prev := sanitized[len(sanitized)-1]
				if prev.Role != "user" && prev.Role != "tool" {
					continue
				}
				pendingToolCalls = make(map[string]struct{}, len(msg.ToolCalls))
				pendingOrder = make([]string, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					if tc.ID == "" {
						continue
					}
					if _, exists := pendingToolCalls[tc.ID]; exists {
						continue
					}
					pendingToolCalls[tc.ID] = struct{}{}
					pendingOrder = append(pendingOrder, tc.ID)
				}
			}
			sanitized = append(sanitized, msg)

		default:
			flushPending()
			sanitized = append(sanitized, msg)
		}
	}
	flushPending()

	return sanitized
}
