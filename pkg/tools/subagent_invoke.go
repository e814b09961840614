package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinhnx/vtcode/pkg/subagents"
)

// SubagentRunner executes one subagent invocation end to end: given a
// resolved definition and a task, it drives a nested turn restricted to
// that definition's system prompt, tools, and model, and returns the final
// content. Implemented outside this package (by the entrypoint that owns
// the turn scheduler) since pkg/scheduler already imports pkg/tools and a
// reverse import here would cycle.
type SubagentRunner interface {
	RunSubagent(ctx context.Context, def *subagents.Subagent, task string) (string, error)
}

// SubagentTool is the dispatch tool an assistant turn calls to delegate a
// task to a named subagent, or to the best free-text match when no name is
// given. Admission (concurrency cap, spawn rate) is enforced by the
// supplied tracker before the runner is invoked.
type SubagentTool struct {
	registry *subagents.Registry
	tracker  *subagents.InstanceTracker
	runner   SubagentRunner
}

func NewSubagentTool(registry *subagents.Registry, tracker *subagents.InstanceTracker, runner SubagentRunner) *SubagentTool {
	return &SubagentTool{registry: registry, tracker: tracker, runner: runner}
}

// WithRunner returns a copy of the tool bound to a different runner, used to
// rescope a nested subagent's own dispatch tool to a deeper runner instance.
func (t *SubagentTool) WithRunner(runner SubagentRunner) *SubagentTool {
	return &SubagentTool{registry: t.registry, tracker: t.tracker, runner: runner}
}

func (t *SubagentTool) Name() string { return "subagent" }

func (t *SubagentTool) Capability() CapabilityLevel { return CapabilityWrite }

func (t *SubagentTool) Description() string {
	return "Delegate a task to a named subagent, or to the best-matching one when no name is given."
}

func (t *SubagentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Subagent name. Omit to auto-select the best match for description.",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Free-text description used for auto-selection when name is omitted.",
			},
			"task": map[string]any{
				"type":        "string",
				"description": "The task to hand off to the subagent.",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SubagentTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	if t.registry == nil || t.runner == nil {
		return ErrorResult("subagent delegation not configured")
	}

	task, ok := getStringArg(args, "task")
	if !ok || strings.TrimSpace(task) == "" {
		return ErrorResult("task is required")
	}

	def, err := t.resolve(args)
	if err != nil {
		return ErrorResult(err.Error())
	}

	if t.tracker == nil {
		content, err := t.runner.RunSubagent(ctx, def, task)
		if err != nil {
			return ErrorResult(fmt.Sprintf("subagent %q failed: %v", def.Name, err))
		}
		return marshalSilentJSON(map[string]any{"agent": def.Name, "content": content})
	}

	inst, err := t.tracker.Admit(ctx, def.Name)
	if err != nil {
		return ErrorResult(err.Error())
	}
	content, runErr := t.runner.RunSubagent(ctx, def, task)
	t.tracker.Complete(inst.ID, runErr != nil)
	if runErr != nil {
		return ErrorResult(fmt.Sprintf("subagent %q failed: %v", def.Name, runErr))
	}
	return marshalSilentJSON(map[string]any{"agent": def.Name, "content": content})
}

func (t *SubagentTool) resolve(args map[string]any) (*subagents.Subagent, error) {
	if name, ok := getStringArg(args, "name"); ok && strings.TrimSpace(name) != "" {
		return t.registry.Resolve(strings.TrimSpace(name))
	}

	description, _ := getStringArg(args, "description")
	if strings.TrimSpace(description) == "" {
		description, _ = getStringArg(args, "task")
	}
	match := t.registry.BestMatch(description)
	if match == nil {
		return nil, fmt.Errorf("no subagent matched the description")
	}
	return match.Agent, nil
}
