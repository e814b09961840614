package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinhnx/vtcode/pkg/contextmgr"
	"github.com/vinhnx/vtcode/pkg/hooks"
	"github.com/vinhnx/vtcode/pkg/providers"
	"github.com/vinhnx/vtcode/pkg/sandbox"
	"github.com/vinhnx/vtcode/pkg/spooler"
	"github.com/vinhnx/vtcode/pkg/tokenbudget"
	"github.com/vinhnx/vtcode/pkg/tools"
	"github.com/vinhnx/vtcode/pkg/tools/common"
)

// fakeProvider scripts a fixed sequence of responses, one per Chat call.
type fakeProvider struct {
	responses []*providers.LLMResponse
	// delays[i], if set, is waited out (or cut short by ctx) before
	// returning responses[i].
	delays []time.Duration
	calls  int
}

func (f *fakeProvider) Chat(ctx context.Context, _ []providers.Message, _ []providers.ToolDefinition, _ string, _ map[string]interface{}) (*providers.LLMResponse, error) {
	idx := f.calls
	f.calls++

	var delay time.Duration
	if idx < len(f.delays) {
		delay = f.delays[idx]
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if idx >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	return f.responses[idx], nil
}

func (f *fakeProvider) GetDefaultModel() string { return "fake-model" }

// echoTool returns a fixed result and optionally sleeps, to simulate a
// long-running shell command.
type echoTool struct {
	sleep time.Duration
	fail  bool
}

func (t *echoTool) Name() string                          { return "echo" }
func (t *echoTool) Description() string                   { return "echoes input" }
func (t *echoTool) Capability() common.CapabilityLevel     { return common.CapabilityRead }
func (t *echoTool) Parameters() map[string]interface{}     { return map[string]interface{}{} }
func (t *echoTool) Execute(ctx context.Context, args map[string]interface{}) *common.ToolResult {
	if t.sleep > 0 {
		select {
		case <-time.After(t.sleep):
		case <-ctx.Done():
			return common.ErrorResult("cancelled")
		}
	}
	if t.fail {
		return common.ErrorResult("boom").WithError(assert.AnError)
	}
	return common.NewToolResult("ok")
}

func newTestScheduler(t *testing.T, provider *fakeProvider, reg *tools.ToolRegistry, cfg Config) *Scheduler {
	t.Helper()
	hookEngine := hooks.New(hooks.Config{}, t.TempDir(), "")
	return &Scheduler{
		Config:      cfg,
		Provider:    provider,
		Model:       "fake-model",
		Tools:       reg,
		Hooks:       hookEngine,
		Sandbox:     sandbox.NewCoordinator(t.TempDir(), nil),
		ContextMgr:  contextmgr.NewManager(contextmgr.DefaultTrimConfig()),
		TokenBudget: tokenbudget.NewManager(tokenbudget.DefaultConfig()),
		Spooler:     spooler.New(t.TempDir()),
	}
}

func baseConfig() Config {
	return Config{
		MaxToolCallsPerTurn:  10,
		MaxToolWallClockSecs: 60,
		TurnTimeoutSecs:      30,
		MaxToolRetries:       1,
	}
}

// Scenario 1: a turn with no tool calls completes immediately.
func TestRunTurnCompletesWithoutToolCalls(t *testing.T) {
	provider := &fakeProvider{responses: []*providers.LLMResponse{
		{Content: "hello there", FinishReason: "stop"},
	}}
	reg := tools.NewToolRegistry()
	s := newTestScheduler(t, provider, reg, baseConfig())

	result, err := s.RunTurn(context.Background(), nil, "hi", 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "hello there", result.Content)
}

// Scenario 2: a turn that runs one successful tool call and then completes.
func TestRunTurnExecutesToolCallThenCompletes(t *testing.T) {
	reg := tools.NewToolRegistry()
	reg.Register(&echoTool{})

	provider := &fakeProvider{responses: []*providers.LLMResponse{
		{
			Content:      "",
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "call-1", Name: "echo", Arguments: map[string]interface{}{"text": "hi"}},
			},
		},
		{Content: "done", FinishReason: "stop"},
	}}
	s := newTestScheduler(t, provider, reg, baseConfig())

	result, err := s.RunTurn(context.Background(), nil, "run echo", 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "done", result.Content)

	foundToolMessage := false
	for _, msg := range result.History {
		if msg.Role == "tool" && msg.ToolCallID == "call-1" {
			foundToolMessage = true
			assert.Equal(t, "ok", msg.Content)
		}
	}
	assert.True(t, foundToolMessage)
}

// Scenario 4: partial-timeout with tool activity. The tool sleeps far
// longer than the turn deadline; the scheduler must not retry and must
// report the number of attempted calls.
func TestRunTurnPartialTimeoutWithToolActivity(t *testing.T) {
	reg := tools.NewToolRegistry()
	reg.Register(&echoTool{sleep: 10 * time.Second})

	provider := &fakeProvider{responses: []*providers.LLMResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "call-1", Name: "echo", Arguments: map[string]interface{}{}},
			},
		},
	}}

	cfg := Config{
		MaxToolCallsPerTurn:  10,
		MaxToolWallClockSecs: 60,
		TurnTimeoutSecs:      2,
		MaxToolRetries:       1,
	}
	s := newTestScheduler(t, provider, reg, cfg)

	start := time.Now()
	result, err := s.RunTurn(context.Background(), nil, "run slow echo", 0)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, OutcomePartialTimeout, result.Outcome)
	assert.Contains(t, result.Reason, "partial tool execution (calls=1")
	// Must not have retried the whole turn (which would double the wait).
	assert.Less(t, elapsed, 90*time.Second)
	assert.Equal(t, 1, provider.calls)
}

// Scenario 4 variant: same timeout, but Plan mode is active, so the
// partial-timeout message carries the "continue" nudge.
// This mirrors the spec's "timed out in the Requesting phase after prior
// tool activity" case: the first tool call finishes quickly, then the next
// provider request hangs past the deadline.
func TestRunTurnPartialTimeoutPlanModeNudge(t *testing.T) {
	reg := tools.NewToolRegistry()
	reg.Register(&echoTool{})

	provider := &fakeProvider{
		responses: []*providers.LLMResponse{
			{
				FinishReason: "tool_calls",
				ToolCalls: []providers.ToolCall{
					{ID: "call-1", Name: "echo", Arguments: map[string]interface{}{}},
				},
			},
			{Content: "too slow", FinishReason: "stop"},
		},
		delays: []time.Duration{0, 10 * time.Second},
	}

	cfg := Config{
		MaxToolCallsPerTurn:  10,
		MaxToolWallClockSecs: 60,
		TurnTimeoutSecs:      2,
		MaxToolRetries:       1,
		PlanMode:             true,
	}
	s := newTestScheduler(t, provider, reg, cfg)

	result, err := s.RunTurn(context.Background(), nil, "run echo then stall", 0)
	require.Error(t, err)
	assert.Contains(t, result.Reason, `Nudge with "continue"`)
}

// Scenario 5: repeated identical failing tool calls block the turn instead
// of looping forever.
func TestRunTurnBlocksOnRepeatedIdenticalFailure(t *testing.T) {
	reg := tools.NewToolRegistry()
	reg.Register(&echoTool{fail: true})

	toolCall := providers.ToolCall{ID: "call-1", Name: "echo", Arguments: map[string]interface{}{"x": 1}}
	provider := &fakeProvider{responses: []*providers.LLMResponse{
		{FinishReason: "tool_calls", ToolCalls: []providers.ToolCall{toolCall}},
		{FinishReason: "tool_calls", ToolCalls: []providers.ToolCall{toolCall}},
		{FinishReason: "tool_calls", ToolCalls: []providers.ToolCall{toolCall}},
	}}

	cfg := baseConfig()
	cfg.MaxToolRetries = 1
	s := newTestScheduler(t, provider, reg, cfg)

	result, err := s.RunTurn(context.Background(), nil, "run failing echo", 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, result.Outcome)
	assert.Contains(t, result.Reason, "failed repeatedly")
}

// Provider-transport failures abort the turn and restore pre-turn history.
func TestRunTurnAbortsOnProviderError(t *testing.T) {
	reg := tools.NewToolRegistry()
	errProvider := &erroringProvider{}
	s := newTestScheduler(t, &fakeProvider{}, reg, baseConfig())
	s.Provider = errProvider

	pre := []providers.Message{{Role: "user", Content: "earlier turn"}}
	result, err := s.RunTurn(context.Background(), pre, "trigger failure", 0)
	require.Error(t, err)
	assert.Equal(t, OutcomeAborted, result.Outcome)
	assert.Equal(t, pre, result.History)
}

type erroringProvider struct{}

func (e *erroringProvider) Chat(context.Context, []providers.Message, []providers.ToolDefinition, string, map[string]interface{}) (*providers.LLMResponse, error) {
	return nil, assert.AnError
}
func (e *erroringProvider) GetDefaultModel() string { return "fake-model" }

func TestDeriveTurnTimeoutUsesWallClockPlusBuffer(t *testing.T) {
	// grace = clamp(30/5, 30, 120) = 30; buffer = max(60, 30) = 60
	// derived = 60 + 60 = 120; timeout = max(30, 120) = 120
	assert.Equal(t, 120, DeriveTurnTimeoutSecs(30, 60))
}

func TestDeriveTurnTimeoutKeepsConfiguredWhenLarger(t *testing.T) {
	assert.Equal(t, 600, DeriveTurnTimeoutSecs(600, 5))
}

func TestEffectiveToolCallBudgetFloorsInPlanMode(t *testing.T) {
	cfg := Config{MaxToolCallsPerTurn: 5, PlanMode: true}
	assert.Equal(t, PlanModeToolCallFloor, cfg.effectiveToolCallBudget())

	cfg2 := Config{MaxToolCallsPerTurn: 100, PlanMode: true}
	assert.Equal(t, 100, cfg2.effectiveToolCallBudget())
}
