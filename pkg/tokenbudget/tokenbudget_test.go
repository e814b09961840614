package tokenbudget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountNeverBelowOneForNonEmptyText(t *testing.T) {
	cases := []string{"a", ".", "x", "hi", "{}"}
	for _, c := range cases {
		got := Count(c)
		assert.GreaterOrEqualf(t, got, 1, "Count(%q) = %d, want >= 1", c, got)
	}
}

func TestCountEmptyIsZero(t *testing.T) {
	assert.Equal(t, 0, Count(""))
}

func TestCountBoostsCodeLikeText(t *testing.T) {
	prose := "the quick brown fox jumps over the lazy dog again and again"
	code := "func f(a int, b int) int { return a+b; } // {}[]();:<>"

	proseCount := Count(prose)
	codeCount := Count(code)

	// Same rough length class; code-like text should not collapse to a
	// smaller estimate than equivalent prose due to the bracket multiplier.
	assert.Greater(t, codeCount, 0)
	assert.Greater(t, proseCount, 0)
	assert.Greater(t, codeCount, proseCount)
}

func TestRecordAndDeductMaintainSubtotalInvariant(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.Record(ComponentUserMessage, 100)
	m.Record(ComponentToolResult, 50)
	require.Equal(t, int64(150), m.Total())
	require.Equal(t, int64(100), m.Subtotal(ComponentUserMessage))

	m.Deduct(ComponentUserMessage, 40)
	assert.Equal(t, int64(60), m.Subtotal(ComponentUserMessage))
	assert.Equal(t, int64(110), m.Total())

	// Saturating: deducting more than the subtotal never goes negative.
	m.Deduct(ComponentUserMessage, 1000)
	assert.Equal(t, int64(0), m.Subtotal(ComponentUserMessage))
	assert.GreaterOrEqual(t, m.Total(), int64(0))
}

func TestRecordZeroIsNoOp(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.Record(ComponentSystemPrompt, 0)
	assert.Equal(t, int64(0), m.Total())
}

func TestExceedsThresholds(t *testing.T) {
	cfg := Config{MaxContextTokens: 1000, WarningThreshold: 0.5, AlertThreshold: 0.9}
	m := NewManager(cfg)

	m.Record(ComponentUserMessage, 400)
	assert.False(t, m.Exceeds(ThresholdWarning))

	m.Record(ComponentUserMessage, 200)
	assert.True(t, m.Exceeds(ThresholdWarning))
	assert.False(t, m.Exceeds(ThresholdAlert))

	m.Record(ComponentUserMessage, 400)
	assert.True(t, m.Exceeds(ThresholdAlert))
}

func TestUpdateConfigReplacesAtomically(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.UpdateConfig(Config{MaxContextTokens: 5000, Model: "gpt-5"})
	assert.Equal(t, "gpt-5", m.Config().Model)
	assert.Equal(t, 5000, m.Config().MaxContextTokens)
}

func TestCountForModelFallsBackToHeuristicOncePerModel(t *testing.T) {
	m := NewManager(DefaultConfig())
	got := m.CountForModel("some-model", "hello world")
	assert.GreaterOrEqual(t, got, 1)
	// Second call for same model should not panic or double-log; behavior
	// is observable only via logs, so this just exercises the path twice.
	m.CountForModel("some-model", "hello world again")
}
