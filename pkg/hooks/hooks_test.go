package hooks

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	dir := t.TempDir()
	return New(cfg, dir, "")
}

func TestSessionIDFormat(t *testing.T) {
	e := newTestEngine(t, Config{})
	parts := strings.Split(e.SessionID(), "-")
	require.Len(t, parts, 3)
	assert.Equal(t, "vt", parts[0])
}

func TestNoMatchingGroupsIsNoOp(t *testing.T) {
	e := newTestEngine(t, Config{})
	out := e.RunSessionStart(context.Background(), "startup")
	assert.Equal(t, DecisionContinue, out.Decision)
	assert.False(t, out.Blocked)
}

func TestMatcherFiltersByToolName(t *testing.T) {
	cfg := Config{
		PreToolUse: []CommandGroup{
			{Matcher: "^write_file$", Commands: []CommandSpec{{Command: "exit 2"}}},
		},
	}
	e := newTestEngine(t, cfg)

	out := e.RunPreToolUse(context.Background(), "read_file", nil)
	assert.Equal(t, DecisionContinue, out.Decision)

	out = e.RunPreToolUse(context.Background(), "write_file", nil)
	assert.Equal(t, DecisionDeny, out.Decision)
}

func TestEmptyMatcherMatchesEverything(t *testing.T) {
	cfg := Config{
		UserPromptSubmit: []CommandGroup{
			{Matcher: "", Commands: []CommandSpec{{Command: "cat >/dev/null"}}},
		},
	}
	e := newTestEngine(t, cfg)
	out := e.RunUserPromptSubmit(context.Background(), "anything")
	assert.False(t, out.Blocked)
}

func TestExitCodeTwoWithNoJSONBlocks(t *testing.T) {
	cfg := Config{
		UserPromptSubmit: []CommandGroup{
			{Commands: []CommandSpec{{Command: "echo 'denied' 1>&2; exit 2"}}},
		},
	}
	e := newTestEngine(t, cfg)
	out := e.RunUserPromptSubmit(context.Background(), "hello")
	assert.True(t, out.Blocked)
	assert.Equal(t, "denied", out.Reason)
}

func TestStdoutJSONContinueFalseBlocks(t *testing.T) {
	cfg := Config{
		UserPromptSubmit: []CommandGroup{
			{Commands: []CommandSpec{{Command: `echo '{"continue": false, "stopReason": "no thanks"}'`}}},
		},
	}
	e := newTestEngine(t, cfg)
	out := e.RunUserPromptSubmit(context.Background(), "hello")
	assert.True(t, out.Blocked)
	assert.Equal(t, "no thanks", out.Reason)
}

func TestPreToolUsePermissionDecisionFromHookSpecificOutput(t *testing.T) {
	cfg := Config{
		PreToolUse: []CommandGroup{
			{Commands: []CommandSpec{{Command: `echo '{"hookSpecificOutput": {"permissionDecision": "deny", "permissionDecisionReason": "blocked by policy"}}'`}}},
		},
	}
	e := newTestEngine(t, cfg)
	out := e.RunPreToolUse(context.Background(), "run_terminal", nil)
	assert.Equal(t, DecisionDeny, out.Decision)
	assert.Equal(t, "blocked by policy", out.PermissionDecisionReason)
}

func TestPreToolUseAllowShortCircuitsLaterGroups(t *testing.T) {
	cfg := Config{
		PreToolUse: []CommandGroup{
			{Commands: []CommandSpec{{Command: `echo '{"hookSpecificOutput": {"permissionDecision": "allow"}}'`}}},
			{Commands: []CommandSpec{{Command: "exit 2"}}},
		},
	}
	e := newTestEngine(t, cfg)
	out := e.RunPreToolUse(context.Background(), "run_terminal", nil)
	assert.Equal(t, DecisionAllow, out.Decision)
}

func TestPreToolUseTimeoutUpgradesToDeny(t *testing.T) {
	cfg := Config{
		PreToolUse: []CommandGroup{
			{Commands: []CommandSpec{{Command: "sleep 2", Timeout: 20 * time.Millisecond}}},
		},
	}
	e := newTestEngine(t, cfg)
	out := e.RunPreToolUse(context.Background(), "run_terminal", nil)
	assert.Equal(t, DecisionDeny, out.Decision)
	assert.Equal(t, "hook timed out", out.PermissionDecisionReason)
}

func TestPostToolUseCannotVetoOnlyFlagsAttention(t *testing.T) {
	cfg := Config{
		PostToolUse: []CommandGroup{
			{Commands: []CommandSpec{{Command: `echo '{"decision": "block", "reason": "looks risky"}'`}}},
		},
	}
	e := newTestEngine(t, cfg)
	out := e.RunPostToolUse(context.Background(), "write_file", nil, nil)
	assert.True(t, out.NeedsAttention)
	assert.False(t, out.Blocked)
	assert.Equal(t, "looks risky", out.Reason)
}

func TestAdditionalContextAccumulatesAcrossCommands(t *testing.T) {
	cfg := Config{
		UserPromptSubmit: []CommandGroup{
			{Commands: []CommandSpec{
				{Command: `echo '{"hookSpecificOutput": {"additionalContext": "first"}}'`},
				{Command: `echo '{"hookSpecificOutput": {"additionalContext": "second"}}'`},
			}},
		},
	}
	e := newTestEngine(t, cfg)
	out := e.RunUserPromptSubmit(context.Background(), "hello")
	assert.Equal(t, "first\nsecond", out.AdditionalContext)
}

func TestEnvironmentVariablesArePassedToCommand(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "hookenv")
	require.NoError(t, err)
	tmp.Close()

	cfg := Config{
		SessionStart: []CommandGroup{
			{Commands: []CommandSpec{{Command: "printenv VT_HOOK_EVENT > " + tmp.Name()}}},
		},
	}
	e := newTestEngine(t, cfg)
	e.RunSessionStart(context.Background(), "startup")

	data, err := os.ReadFile(tmp.Name())
	require.NoError(t, err)
	assert.Equal(t, "SessionStart", strings.TrimSpace(string(data)))
}

func TestGroupsRunInPriorityOrderNotConfigOrder(t *testing.T) {
	cfg := Config{
		UserPromptSubmit: []CommandGroup{
			{Priority: 10, Commands: []CommandSpec{{Command: `echo '{"hookSpecificOutput": {"additionalContext": "second"}}'`}}},
			{Priority: 0, Commands: []CommandSpec{{Command: `echo '{"hookSpecificOutput": {"additionalContext": "first"}}'`}}},
		},
	}
	e := newTestEngine(t, cfg)
	out := e.RunUserPromptSubmit(context.Background(), "hello")
	assert.Equal(t, "first\nsecond", out.AdditionalContext)
}

func TestInvalidMatcherRegexIsSkippedNotFatal(t *testing.T) {
	cfg := Config{
		SessionStart: []CommandGroup{
			{Matcher: "(unclosed", Commands: []CommandSpec{{Command: "exit 2"}}},
		},
	}
	e := newTestEngine(t, cfg)
	out := e.RunSessionStart(context.Background(), "startup")
	assert.False(t, out.Blocked)
}
