package main

import (
	"context"
	"fmt"

	"github.com/vinhnx/vtcode/pkg/agent/multi"
	"github.com/vinhnx/vtcode/pkg/contextmgr"
	"github.com/vinhnx/vtcode/pkg/hooks"
	"github.com/vinhnx/vtcode/pkg/providers"
	"github.com/vinhnx/vtcode/pkg/sandbox"
	"github.com/vinhnx/vtcode/pkg/scheduler"
	"github.com/vinhnx/vtcode/pkg/spooler"
	"github.com/vinhnx/vtcode/pkg/subagents"
	"github.com/vinhnx/vtcode/pkg/tokenbudget"
	"github.com/vinhnx/vtcode/pkg/tools"
)

// maxSubagentDepth bounds how many subagent-of-subagent hops a single turn
// may chain before the subagent tool is removed from its tool set.
const maxSubagentDepth = 2

// schedulerSubagentRunner adapts the turn scheduler's components into a
// tools.SubagentRunner, using pkg/agent/multi's registry and blackboard
// as the hand-off bookkeeping layer between the calling turn and a
// subagent's own nested turn. Every nested turn shares the parent session's
// provider, hooks, sandbox, context manager, token budget, and spooler —
// only the model, system prompt, and tool set are scoped to the subagent
// definition. Nested turns run without a decision ledger attached.
type schedulerSubagentRunner struct {
	provider     providers.LLMProvider
	defaultModel string
	baseTools    *tools.ToolRegistry
	hooks        *hooks.Engine
	sandbox      *sandbox.Coordinator
	contextMgr   *contextmgr.Manager
	tokenBudget  *tokenbudget.Manager
	spooler      *spooler.Spooler
	pty          scheduler.PTYTerminator
	agents       *multi.AgentRegistry
	depth        int
}

func newSchedulerSubagentRunner(
	provider providers.LLMProvider,
	defaultModel string,
	baseTools *tools.ToolRegistry,
	hookEngine *hooks.Engine,
	coordinator *sandbox.Coordinator,
	ctxMgr *contextmgr.Manager,
	budget *tokenbudget.Manager,
	spool *spooler.Spooler,
	pty scheduler.PTYTerminator,
) *schedulerSubagentRunner {
	return &schedulerSubagentRunner{
		provider:     provider,
		defaultModel: defaultModel,
		baseTools:    baseTools,
		hooks:        hookEngine,
		sandbox:      coordinator,
		contextMgr:   ctxMgr,
		tokenBudget:  budget,
		spooler:      spool,
		pty:          pty,
		agents:       multi.NewAgentRegistry(),
	}
}

// RunSubagent implements tools.SubagentRunner.
func (r *schedulerSubagentRunner) RunSubagent(ctx context.Context, def *subagents.Subagent, task string) (string, error) {
	agent, err := r.ensureRegistered(def)
	if err != nil {
		return "", err
	}

	result := r.agents.Handoff(ctx, multi.HandoffRequest{
		FromAgent: "main",
		ToAgent:   def.Name,
		Task:      task,
	})
	_ = agent
	if result.Err != nil {
		return "", result.Err
	}
	return result.Content, nil
}

func (r *schedulerSubagentRunner) ensureRegistered(def *subagents.Subagent) (multi.Agent, error) {
	if existing := r.agents.Get(def.Name); existing != nil {
		return existing, nil
	}

	scoped := r.scopedTools(def.AllowedTools)
	base := multi.NewBaseAgent(multi.AgentConfig{
		Name:         def.Name,
		Role:         def.Description,
		SystemPrompt: def.SystemPrompt,
		Capabilities: def.Keywords,
	}, scoped)

	agent := &nestedTurnAgent{
		BaseAgent: base,
		def:       def,
		runner:    r,
	}
	if err := r.agents.Register(agent); err != nil {
		return nil, fmt.Errorf("register subagent %q: %w", def.Name, err)
	}
	return agent, nil
}

// scopedTools builds the tool set a subagent definition sees: its own
// allowed-tools list (with group refs like "group:exec" expanded), filtered
// through ApplyPolicy, and with the subagent tool itself denied once
// maxSubagentDepth is reached so a chain of handoffs cannot recurse forever.
func (r *schedulerSubagentRunner) scopedTools(allowed []string) *tools.ToolRegistry {
	scoped := tools.NewToolRegistry()
	for _, name := range r.baseTools.List() {
		if tool, ok := r.baseTools.Get(name); ok {
			scoped.Register(tool)
		}
	}

	policy := tools.ToolPolicy{
		Allow: allowed,
		Deny:  tools.DepthDenyList(r.depth, maxSubagentDepth),
	}
	tools.ApplyPolicy(scoped, policy)

	if nested, ok := scoped.Get("subagent"); ok {
		if dispatch, ok := nested.(*tools.SubagentTool); ok {
			scoped.Register(dispatch.WithRunner(r.nestedRunner()))
		}
	}
	return scoped
}

// nestedRunner returns a runner identical to r but one hop deeper, used to
// scope any further subagent dispatch performed from within this subagent.
func (r *schedulerSubagentRunner) nestedRunner() *schedulerSubagentRunner {
	next := *r
	next.depth = r.depth + 1
	next.agents = multi.NewAgentRegistry()
	return &next
}

// nestedTurnAgent is the multi.Agent implementation that actually drives a
// subagent's task through its own one-turn scheduler.Scheduler, scoped to
// its definition's model and tool set.
type nestedTurnAgent struct {
	*multi.BaseAgent
	def    *subagents.Subagent
	runner *schedulerSubagentRunner
}

func (a *nestedTurnAgent) Execute(ctx context.Context, task string, shared *multi.SharedContext) (string, error) {
	model := a.def.Model
	if model == "" {
		model = a.runner.defaultModel
	}

	sched := &scheduler.Scheduler{
		Config: scheduler.Config{
			MaxToolCallsPerTurn:  20,
			MaxToolWallClockSecs: 120,
			TurnTimeoutSecs:      180,
			MaxToolRetries:       2,
			PlanMode:             a.def.PermissionMode == subagents.PermissionPlan,
		},
		Provider:    a.runner.provider,
		Model:       model,
		Tools:       a.Tools(),
		Hooks:       a.runner.hooks,
		Sandbox:     a.runner.sandbox,
		ContextMgr:  a.runner.contextMgr,
		TokenBudget: a.runner.tokenBudget,
		Spooler:     a.runner.spooler,
		PTY:         a.runner.pty,
	}

	history := []providers.Message{{Role: "system", Content: a.def.SystemPrompt}}
	systemPromptTokens := tokenbudget.Count(a.def.SystemPrompt)

	result, err := sched.RunTurn(ctx, history, task, systemPromptTokens)
	if err != nil {
		shared.AddEvent(a.Name(), "error", err.Error())
		return "", err
	}
	if result.Outcome != scheduler.OutcomeCompleted {
		shared.AddEvent(a.Name(), "error", result.Reason)
		return "", fmt.Errorf("subagent turn ended %s: %s", result.Outcome, result.Reason)
	}
	shared.AddEvent(a.Name(), "result", result.Content)
	return result.Content, nil
}
