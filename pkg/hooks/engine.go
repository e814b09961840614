package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vinhnx/vtcode/pkg/logger"
)

// Engine runs configured external commands at the five lifecycle points and
// turns their stdout/stderr/exit-code into a decision.
type Engine struct {
	cfg            Config
	sessionID      string
	projectDir     string
	transcriptPath string

	mu           sync.RWMutex
	matcherCache map[string]*regexp.Regexp
}

// New creates an Engine with a session id of the form "vt-<pid>-<nanos>".
func New(cfg Config, projectDir, transcriptPath string) *Engine {
	return &Engine{
		cfg:            cfg,
		sessionID:      fmt.Sprintf("vt-%d-%d", os.Getpid(), time.Now().UnixNano()),
		projectDir:     projectDir,
		transcriptPath: transcriptPath,
		matcherCache:   make(map[string]*regexp.Regexp),
	}
}

// SessionID returns the id stamped into every payload this engine emits.
func (e *Engine) SessionID() string { return e.sessionID }

func (e *Engine) matcher(pattern string) (*regexp.Regexp, error) {
	if pattern == "" || pattern == "*" {
		return nil, nil
	}
	e.mu.RLock()
	if re, ok := e.matcherCache[pattern]; ok {
		e.mu.RUnlock()
		return re, nil
	}
	e.mu.RUnlock()

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.matcherCache[pattern] = re
	e.mu.Unlock()
	return re, nil
}

func (e *Engine) matchingGroups(event EventName, subject string) []CommandGroup {
	groups := e.cfg.groupsFor(event)
	if len(groups) == 0 {
		return nil
	}
	var out []CommandGroup
	for _, g := range groups {
		re, err := e.matcher(g.Matcher)
		if err != nil {
			logger.WarnCF("hooks", "Invalid hook matcher", map[string]any{
				"event": string(event), "matcher": g.Matcher, "error": err.Error(),
			})
			continue
		}
		if re == nil || re.MatchString(subject) {
			out = insertGroupSorted(out, g)
		}
	}
	return out
}

// insertGroupSorted inserts g into a new slice ordered by Priority, stable
// for equal priorities (later ties land after earlier ones). Always
// allocates a new backing array so a concurrent reader of the old slice
// stays safe.
func insertGroupSorted(groups []CommandGroup, g CommandGroup) []CommandGroup {
	i := 0
	for i < len(groups) && groups[i].Priority <= g.Priority {
		i++
	}
	result := make([]CommandGroup, len(groups)+1)
	copy(result, groups[:i])
	result[i] = g
	copy(result[i+1:], groups[i:])
	return result
}

// RunSessionStart fires SessionStart hooks. trigger should be one of
// startup, resume, clear, compact.
func (e *Engine) RunSessionStart(ctx context.Context, trigger string) *Outcome {
	p := payload{
		SessionID: e.sessionID, Cwd: e.projectDir, HookEventName: string(EventSessionStart),
		TranscriptPath: e.transcriptPath, Source: trigger,
	}
	return e.run(ctx, EventSessionStart, trigger, p, nil)
}

// RunSessionEnd fires SessionEnd hooks. reason should be one of completed,
// exit, cancelled, error, other.
func (e *Engine) RunSessionEnd(ctx context.Context, reason string) *Outcome {
	p := payload{
		SessionID: e.sessionID, Cwd: e.projectDir, HookEventName: string(EventSessionEnd),
		TranscriptPath: e.transcriptPath, Reason: reason,
	}
	return e.run(ctx, EventSessionEnd, reason, p, nil)
}

// RunUserPromptSubmit fires UserPromptSubmit hooks against the submitted
// prompt text. A hook may block the prompt and/or attach additional context.
func (e *Engine) RunUserPromptSubmit(ctx context.Context, prompt string) *Outcome {
	p := payload{
		SessionID: e.sessionID, Cwd: e.projectDir, HookEventName: string(EventUserPromptSubmit),
		TranscriptPath: e.transcriptPath, Prompt: prompt,
	}
	return e.run(ctx, EventUserPromptSubmit, prompt, p, nil)
}

// RunPreToolUse fires PreToolUse hooks for toolName. The returned Outcome's
// Decision is Continue unless a hook explicitly allowed, denied, or asked —
// Allow/Deny short-circuit any remaining commands in later matching groups.
func (e *Engine) RunPreToolUse(ctx context.Context, toolName string, toolInput any) *Outcome {
	p := payload{
		SessionID: e.sessionID, Cwd: e.projectDir, HookEventName: string(EventPreToolUse),
		TranscriptPath: e.transcriptPath, ToolName: toolName, ToolInput: toolInput,
	}
	shortCircuit := func(o *Outcome) bool {
		return o.Decision == DecisionAllow || o.Decision == DecisionDeny
	}
	out := e.run(ctx, EventPreToolUse, toolName, p, shortCircuit)
	if out.Decision == "" {
		out.Decision = DecisionContinue
	}
	return out
}

// RunPostToolUse fires PostToolUse hooks after toolName has already executed.
// A hook may only annotate the result (additional context, needs-attention);
// it cannot retroactively veto the call.
func (e *Engine) RunPostToolUse(ctx context.Context, toolName string, toolInput, toolResponse any) *Outcome {
	p := payload{
		SessionID: e.sessionID, Cwd: e.projectDir, HookEventName: string(EventPostToolUse),
		TranscriptPath: e.transcriptPath, ToolName: toolName, ToolInput: toolInput, ToolResponse: toolResponse,
	}
	return e.run(ctx, EventPostToolUse, toolName, p, nil)
}

// run executes every command in every matching group for event, in order,
// folding each command's parsed result into a single Outcome. If
// shortCircuit is non-nil and returns true after a command, remaining
// commands are skipped.
func (e *Engine) run(ctx context.Context, event EventName, matchSubject string, p payload, shortCircuit func(*Outcome) bool) *Outcome {
	out := &Outcome{Decision: DecisionContinue}
	groups := e.matchingGroups(event, matchSubject)
	body, err := json.Marshal(p)
	if err != nil {
		logger.ErrorCF("hooks", "Failed to marshal hook payload", map[string]any{
			"event": string(event), "error": err.Error(),
		})
		return out
	}

	for _, g := range groups {
		for _, cmd := range g.Commands {
			res := e.runCommand(ctx, event, cmd, body)
			e.applyResult(event, out, res)
			if shortCircuit != nil && shortCircuit(out) {
				return out
			}
			if out.Blocked {
				return out
			}
		}
	}
	return out
}

// commandResult is the raw outcome of spawning a single hook command.
type commandResult struct {
	exitCode int
	stdout   string
	stderr   string
	timedOut bool
	spawnErr error
}

func (e *Engine) runCommand(ctx context.Context, event EventName, cmd CommandSpec, stdin []byte) commandResult {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(cmdCtx, "sh", "-c", cmd.Command)
	c.Stdin = bytes.NewReader(stdin)
	c.Dir = e.projectDir
	c.Env = e.environ(event)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		return commandResult{spawnErr: err, exitCode: -1}
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	var waitErr error
	select {
	case <-cmdCtx.Done():
		if c.Process != nil {
			if pgid, err := syscall.Getpgid(c.Process.Pid); err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			}
		}
		<-done
		return commandResult{timedOut: true, stdout: stdout.String(), stderr: stderr.String(), exitCode: -1}
	case waitErr = <-done:
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	return commandResult{
		exitCode: exitCode,
		stdout:   stdout.String(),
		stderr:   stderr.String(),
	}
}

func (e *Engine) environ(event EventName) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"VT_PROJECT_DIR="+e.projectDir,
		"CLAUDE_PROJECT_DIR="+e.projectDir,
		"VT_SESSION_ID="+e.sessionID,
		"CLAUDE_SESSION_ID="+e.sessionID,
		"VT_HOOK_EVENT="+string(event),
	)
	if e.transcriptPath != "" {
		env = append(env,
			"VT_TRANSCRIPT_PATH="+e.transcriptPath,
			"CLAUDE_TRANSCRIPT_PATH="+e.transcriptPath,
		)
	}
	return env
}

// applyResult folds one command's raw result into the running Outcome,
// handling the timeout-upgrade, exit-code-2, and stdout-JSON cases in the
// order the spec prescribes.
func (e *Engine) applyResult(event EventName, out *Outcome, res commandResult) {
	if res.spawnErr != nil {
		logger.WarnCF("hooks", "Failed to spawn hook command", map[string]any{
			"event": string(event), "error": res.spawnErr.Error(),
		})
		return
	}

	if res.timedOut {
		out.SystemMessages = append(out.SystemMessages, fmt.Sprintf("hook command timed out after %v", DefaultTimeout))
		if event == EventPreToolUse && out.Decision == DecisionContinue {
			out.Decision = DecisionDeny
			out.PermissionDecisionReason = "hook timed out"
		}
		return
	}

	trimmed := strings.TrimSpace(res.stdout)
	if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
		e.applyJSON(event, out, trimmed)
		return
	}

	if res.exitCode == 2 {
		reason := strings.TrimSpace(res.stderr)
		out.Blocked = true
		out.Reason = reason
		if event == EventPreToolUse {
			out.Decision = DecisionDeny
			out.PermissionDecisionReason = reason
		}
		if event == EventPostToolUse {
			out.NeedsAttention = true
		}
	}
}

func (e *Engine) applyJSON(event EventName, out *Outcome, raw string) {
	root := gjson.Parse(raw)

	if msg := root.Get("systemMessage"); msg.Exists() && msg.String() != "" {
		out.SystemMessages = append(out.SystemMessages, msg.String())
	}
	if sup := root.Get("suppressOutput"); sup.Exists() {
		out.SuppressOutput = out.SuppressOutput || sup.Bool()
	}

	if cont := root.Get("continue"); cont.Exists() && !cont.Bool() {
		out.Blocked = true
		if reason := root.Get("stopReason"); reason.Exists() {
			out.Reason = reason.String()
		} else if reason := root.Get("reason"); reason.Exists() {
			out.Reason = reason.String()
		}
		if event == EventPreToolUse {
			out.Decision = DecisionDeny
			out.PermissionDecisionReason = out.Reason
		}
		if event == EventPostToolUse {
			out.NeedsAttention = true
		}
	}

	if decision := root.Get("decision"); decision.Exists() && decision.String() == "block" {
		out.Blocked = true
		if reason := root.Get("reason"); reason.Exists() && out.Reason == "" {
			out.Reason = reason.String()
		}
		if event == EventPostToolUse {
			out.NeedsAttention = true
			out.Blocked = false // PostToolUse can no longer veto an already-run tool call.
		}
	}

	hso := root.Get("hookSpecificOutput")
	if hso.Exists() {
		if ctx := hso.Get("additionalContext"); ctx.Exists() && ctx.String() != "" {
			if out.AdditionalContext != "" {
				out.AdditionalContext += "\n"
			}
			out.AdditionalContext += ctx.String()
		}
		if event == EventPreToolUse {
			if pd := hso.Get("permissionDecision"); pd.Exists() {
				switch PermissionDecision(pd.String()) {
				case DecisionAllow:
					out.Decision = DecisionAllow
				case DecisionDeny:
					out.Decision = DecisionDeny
				case DecisionAsk:
					out.Decision = DecisionAsk
				}
			}
			if reason := hso.Get("permissionDecisionReason"); reason.Exists() {
				out.PermissionDecisionReason = reason.String()
			}
		}
	}
}
