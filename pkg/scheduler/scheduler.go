package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vinhnx/vtcode/pkg/contextmgr"
	"github.com/vinhnx/vtcode/pkg/decisionledger"
	"github.com/vinhnx/vtcode/pkg/hooks"
	"github.com/vinhnx/vtcode/pkg/logger"
	"github.com/vinhnx/vtcode/pkg/providers"
	"github.com/vinhnx/vtcode/pkg/sandbox"
	"github.com/vinhnx/vtcode/pkg/spooler"
	"github.com/vinhnx/vtcode/pkg/tokenbudget"
	"github.com/vinhnx/vtcode/pkg/tools"
	"github.com/vinhnx/vtcode/pkg/vterrors"
)

// PTYTerminator is implemented by whatever owns PTY session lifetime (the
// shell tool's process manager). A Scheduler consults it when a turn is
// cancelled or times out.
type PTYTerminator interface {
	// ActiveSessions reports how many PTY sessions are currently running.
	ActiveSessions() int
	// TerminateAll kills every running PTY session immediately.
	TerminateAll()
}

// shellFamilyTools names the tools whose execution should be wrapped by the
// active sandbox profile. It overlaps with, but is not the same set as, the
// tool names the spooler treats as PTY output.
var shellFamilyTools = map[string]bool{
	"bash":        true,
	"shell":       true,
	"run_command": true,
	"exec":        true,
}

func isShellFamilyTool(name string) bool { return shellFamilyTools[name] }

// errRetryTurn signals that the current attempt timed out with no tool
// activity and should be retried once from the pre-turn history.
var errRetryTurn = errors.New("scheduler: retry turn from pre-turn history")

// Scheduler runs one turn at a time for a single session. It is not safe
// for concurrent use by multiple goroutines against the same session.
type Scheduler struct {
	Config Config

	Provider providers.LLMProvider
	Model    string

	Tools       *tools.ToolRegistry
	Hooks       *hooks.Engine
	Sandbox     *sandbox.Coordinator
	ContextMgr  *contextmgr.Manager
	TokenBudget *tokenbudget.Manager
	Spooler     *spooler.Spooler
	PTY         PTYTerminator

	// Ledger, if set, records every non-Continue PreToolUse decision and
	// every hook veto for this turn.
	Ledger *decisionledger.Logger

	Channel string
	ChatID  string
}

// RunTurn drives one complete turn: it appends userPrompt to history (after
// clearing it through UserPromptSubmit hooks), issues provider requests and
// executes requested tool calls until the provider stops asking for more,
// and returns the outcome. On a timeout with no tool activity it retries
// the whole turn exactly once from the pre-turn history.
func (s *Scheduler) RunTurn(ctx context.Context, history []providers.Message, userPrompt string, systemPromptTokens int) (*Result, error) {
	timeout := time.Duration(s.Config.TurnTimeoutSecs) * time.Second
	runID := uuid.NewString()

	preTurn := make([]providers.Message, len(history))
	copy(preTurn, history)

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		result, err := s.attemptTurn(ctx, timeout, runID, preTurn, userPrompt, systemPromptTokens)
		if errors.Is(err, errRetryTurn) {
			logger.WarnCF("scheduler", "turn timed out with no tool activity, retrying", map[string]any{
				"run_id":  runID,
				"attempt": attempt,
			})
			lastErr = err
			continue
		}
		return result, err
	}

	return &Result{RunID: runID, Outcome: OutcomeAborted, History: preTurn, Reason: "turn timed out after retry"},
		vterrors.Wrap(vterrors.KindTimeout, fmt.Errorf("turn timed out after retry: %w", lastErr))
}

// attemptTurn runs a single attempt of the turn loop under its own deadline
// derived from timeout. It returns (nil, errRetryTurn) when the attempt
// should be retried from preTurn, per the single-retry timeout policy.
func (s *Scheduler) attemptTurn(ctx context.Context, timeout time.Duration, runID string, preTurn []providers.Message, userPrompt string, systemPromptTokens int) (*Result, error) {
	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state := &TurnState{
		RunID:       runID,
		Phase:       PhaseRequesting,
		StartedAt:   time.Now(),
		RetryCounts: map[string]int{},
	}

	working := make([]providers.Message, len(preTurn))
	copy(working, preTurn)

	if userPrompt != "" {
		outcome := s.Hooks.RunUserPromptSubmit(turnCtx, userPrompt)
		if outcome.Blocked {
			if s.Ledger != nil {
				_ = s.Ledger.LogHookVeto(s.Hooks.SessionID(), "", outcome.Reason)
			}
			working = append(working, providers.Message{Role: "system", Content: outcome.Reason})
			return &Result{RunID: runID, Outcome: OutcomeBlocked, History: working, Reason: outcome.Reason}, nil
		}
		working = append(working, providers.Message{Role: "user", Content: userPrompt})
	}

	maxToolCalls := s.Config.effectiveToolCallBudget()
	execHistoryLenBefore := len(working)

	for {
		if turnCtx.Err() != nil {
			return s.handleSuspension(turnCtx, state, working, execHistoryLenBefore)
		}

		state.Phase = PhaseRequesting

		clone := make([]providers.Message, len(working))
		copy(clone, working)
		trimmed := s.ContextMgr.Trim(clone, systemPromptTokens)
		sanitized := contextmgr.SanitizeHistoryForProvider(trimmed)

		resp, err := s.chatRacingDeadline(turnCtx, sanitized)
		if err != nil {
			if turnCtx.Err() != nil {
				return s.handleSuspension(turnCtx, state, working, execHistoryLenBefore)
			}
			return &Result{RunID: runID, Outcome: OutcomeAborted, History: preTurn, Reason: err.Error()},
				vterrors.Wrap(vterrors.KindExternalFailure, err)
		}
		if resp == nil {
			return s.handleSuspension(turnCtx, state, working, execHistoryLenBefore)
		}

		if resp.Usage != nil {
			s.TokenBudget.Record(tokenbudget.ComponentAssistantMsg, resp.Usage.CompletionTokens)
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		working = append(working, assistantMsg)

		if resp.FinishReason == "truncated" {
			working = append(working, providers.Message{
				Role:    "user",
				Content: "Your previous response was truncated. Continue from where you left off.",
			})
			continue
		}

		if len(resp.ToolCalls) == 0 || isTerminalFinish(resp.FinishReason) {
			state.Phase = PhaseApplyingOutcome
			return &Result{RunID: runID, Outcome: OutcomeCompleted, Content: resp.Content, History: working}, nil
		}

		for _, tc := range resp.ToolCalls {
			if turnCtx.Err() != nil {
				return s.handleSuspension(turnCtx, state, working, execHistoryLenBefore)
			}

			state.AttemptedToolCalls++
			if state.AttemptedToolCalls > maxToolCalls {
				return &Result{
					RunID:   runID,
					Outcome: OutcomeBlocked,
					History: working,
					Reason:  fmt.Sprintf("tool-call budget exceeded (%d)", maxToolCalls),
				}, nil
			}

			result, blocked := s.runToolCall(turnCtx, state, tc)
			working = append(working, result)
			if blocked != nil {
				blocked.History = working
				return blocked, nil
			}
		}
	}
}

// chatRacingDeadline issues the provider request on its own goroutine and
// races it against turnCtx's deadline, returning (nil, nil) if the deadline
// wins so the caller falls through to handleSuspension. errgroup collects
// the goroutine's error cleanly instead of a second ad hoc result channel.
func (s *Scheduler) chatRacingDeadline(turnCtx context.Context, history []providers.Message) (*providers.LLMResponse, error) {
	g, _ := errgroup.WithContext(turnCtx)
	done := make(chan struct{})

	var resp *providers.LLMResponse
	g.Go(func() error {
		defer close(done)
		r, err := s.Provider.Chat(turnCtx, history, s.Tools.ToProviderDefs(), s.Model, nil)
		resp = r
		return err
	})

	select {
	case <-turnCtx.Done():
		return nil, nil
	case <-done:
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resp, nil
}

// runToolCall executes one tool call end to end: PreToolUse gating, sandbox
// profile lookup for shell-family tools, execution, repeated-failure
// fingerprinting, PostToolUse, spooling, and token accounting. It returns
// the Tool message to append to history, and a non-nil Result if the
// repeated-failure limit was hit and the turn should end Blocked.
func (s *Scheduler) runToolCall(ctx context.Context, state *TurnState, tc providers.ToolCall) (providers.Message, *Result) {
	name := tc.Name

	preOutcome := s.Hooks.RunPreToolUse(ctx, name, tc.Arguments)
	if preOutcome.Decision != hooks.DecisionContinue && s.Ledger != nil {
		_ = s.Ledger.LogPreToolUseDecision(s.Hooks.SessionID(), name, string(preOutcome.Decision), preOutcome.PermissionDecisionReason)
	}
	if preOutcome.Decision == hooks.DecisionDeny {
		reason := preOutcome.PermissionDecisionReason
		if reason == "" {
			reason = "denied by policy"
		}
		return providers.Message{
			Role:       "tool",
			ToolCallID: tc.ID,
			Content:    fmt.Sprintf("blocked: %s", reason),
		}, nil
	}

	if isShellFamilyTool(name) && s.Sandbox != nil && s.Sandbox.Enabled() {
		// The active profile is consulted here so a future PTY-layer
		// integration point exists; enforcement itself lives in the
		// external sandbox binary the Coordinator resolves.
		_ = s.Sandbox.Profile()
	}

	state.Phase = PhaseExecutingTool
	result := s.Tools.ExecuteWithContext(ctx, name, tc.Arguments, s.Channel, s.ChatID, "", nil)

	var blockedResult *Result
	if result.IsError {
		fingerprint := fingerprintCall(name, tc.Arguments)
		state.RetryCounts[fingerprint]++
		if state.RetryCounts[fingerprint] > s.Config.MaxToolRetries {
			blockedResult = &Result{
				RunID:   state.RunID,
				Outcome: OutcomeBlocked,
				Reason:  fmt.Sprintf("tool %q failed repeatedly with identical arguments", name),
			}
		}
	}

	postOutcome := s.Hooks.RunPostToolUse(ctx, name, tc.Arguments, result.ForLLM)
	content := result.ForLLM
	if postOutcome.AdditionalContext != "" {
		content = content + "\n" + postOutcome.AdditionalContext
	}

	if s.Spooler != nil {
		if ref, spooled, err := s.Spooler.Process(name, content, spooler.Metadata{}); err == nil && spooled {
			if encoded, mErr := json.Marshal(ref); mErr == nil {
				content = string(encoded)
			}
		}
	}

	s.TokenBudget.Record(tokenbudget.ComponentToolResult, tokenbudget.Count(content))

	msg := providers.Message{Role: "tool", ToolCallID: tc.ID, Content: content}
	return msg, blockedResult
}

// handleSuspension reacts to a turn context that stopped being active,
// either because the caller cancelled it or because the turn deadline
// elapsed. It always terminates active PTY sessions first.
func (s *Scheduler) handleSuspension(turnCtx context.Context, state *TurnState, working []providers.Message, execHistoryLenBefore int) (*Result, error) {
	activeBeforeCancel := 0
	if s.PTY != nil {
		activeBeforeCancel = s.PTY.ActiveSessions()
		s.PTY.TerminateAll()
	}

	if errors.Is(turnCtx.Err(), context.Canceled) {
		return &Result{RunID: state.RunID, Outcome: OutcomeCancelled, History: working, Reason: "cancelled"},
			vterrors.Wrap(vterrors.KindCancelled, turnCtx.Err())
	}

	hadToolActivity := len(working) > execHistoryLenBefore || activeBeforeCancel > 0 || state.AttemptedToolCalls > 0
	if !hadToolActivity {
		return nil, errRetryTurn
	}

	reason := fmt.Sprintf("partial tool execution (calls=%d)", state.AttemptedToolCalls)
	if state.Phase == PhaseRequesting && s.Config.PlanMode {
		reason += `; Nudge with "continue"`
	}
	return &Result{RunID: state.RunID, Outcome: OutcomePartialTimeout, History: working, Reason: reason},
		vterrors.Wrap(vterrors.KindTimeout, fmt.Errorf("turn timed out: %s", reason))
}

// isTerminalFinish reports whether reason indicates the provider is done
// producing output for this turn, independent of whether tool calls are
// present. "truncated" is handled separately by the caller before this is
// reached.
func isTerminalFinish(reason string) bool {
	switch reason {
	case "", "tool_calls", "truncated":
		return false
	default:
		return true
	}
}

// fingerprintCall derives a stable identity for a tool name plus its
// arguments, used to detect a tool call failing repeatedly with identical
// inputs within one turn.
func fingerprintCall(name string, args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(append([]byte(name+":"), encoded...))
	return fmt.Sprintf("%x", sum[:8])
}
