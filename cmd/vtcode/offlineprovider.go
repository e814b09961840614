package main

import (
	"context"
	"fmt"

	"github.com/vinhnx/vtcode/pkg/providers"
	"github.com/vinhnx/vtcode/pkg/tokenbudget"
)

// offlineProvider is a CLI-level stand-in for a real provider HTTP client.
// It never leaves the process: given the conversation so far, it echoes an
// acknowledgement of the last user turn and never requests a tool call.
// Wiring a real provider means swapping this out for an LLMProvider backed
// by an actual SDK; the scheduler, hooks, sandbox, and archive writer don't
// change.
type offlineProvider struct {
	model string
}

func newOfflineProvider(model string) *offlineProvider {
	if model == "" {
		model = "offline"
	}
	return &offlineProvider{model: model}
}

func (p *offlineProvider) GetDefaultModel() string { return p.model }

func (p *offlineProvider) Chat(_ context.Context, messages []providers.Message, _ []providers.ToolDefinition, _ string, _ map[string]interface{}) (*providers.LLMResponse, error) {
	var lastUser string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = messages[i].Content
			break
		}
	}

	content := fmt.Sprintf("(offline provider) received: %q", lastUser)
	promptTokens := tokenbudget.Count(lastUser)
	completionTokens := tokenbudget.Count(content)
	return &providers.LLMResponse{
		Content:      content,
		FinishReason: "stop",
		Usage: &providers.UsageInfo{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}
