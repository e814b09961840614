package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinhnx/vtcode/pkg/archive"
	"github.com/vinhnx/vtcode/pkg/config"
	"github.com/vinhnx/vtcode/pkg/contextmgr"
	"github.com/vinhnx/vtcode/pkg/decisionledger"
	"github.com/vinhnx/vtcode/pkg/hooks"
	"github.com/vinhnx/vtcode/pkg/logger"
	"github.com/vinhnx/vtcode/pkg/providers"
	"github.com/vinhnx/vtcode/pkg/sandbox"
	"github.com/vinhnx/vtcode/pkg/scheduler"
	"github.com/vinhnx/vtcode/pkg/spooler"
	"github.com/vinhnx/vtcode/pkg/subagents"
	"github.com/vinhnx/vtcode/pkg/tokenbudget"
	"github.com/vinhnx/vtcode/pkg/tools"
)

const systemPrompt = "You are a terminal coding assistant with access to exec and process tools."

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start (or drive one turn of) an interactive session",
		RunE:  runRun,
	}
	cmd.Flags().String("message", "", "Run a single turn with this message instead of reading stdin")
	return cmd
}

// session bundles every wired component a cobra command needs to drive a
// turn. Building it is the whole point of this package: everything past
// construction is the (external, stubbed) chat loop.
type session struct {
	scheduler *scheduler.Scheduler
	archive   *archive.Writer
	hooks     *hooks.Engine
	ledger    *decisionledger.Logger
	agents    *subagents.Registry
	history   []providers.Message
	archived  int // len(history) already streamed to the archive writer
}

func buildSession(cmd *cobra.Command) (*session, error) {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	workspaceOverride, _ := flags.GetString("workspace")
	modelOverride, _ := flags.GetString("model")
	sandboxEnabled, _ := flags.GetBool("sandbox")

	paths := config.ResolveRuntimePaths()
	if configPath == "" {
		configPath = paths.ConfigPath
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	workspace := workspaceOverride
	if workspace == "" {
		workspace = cfg.WorkspacePath()
	}
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	model := modelOverride
	if model == "" {
		model = cfg.LLM.Model
	}

	writer, err := archive.Open(archive.ResolveSessionsDir(), archive.Metadata{
		Workspace:     filepath.Base(workspace),
		WorkspacePath: workspace,
		Model:         model,
		Provider:      "offline",
	}, time.Now())
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	hookEngine := hooks.New(hooks.Config{}, workspace, writer.FinalPath())

	ledger, err := decisionledger.NewLogger(decisionledger.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("open decision ledger: %w", err)
	}

	coordinator := sandbox.NewCoordinator(workspace, loggingSandboxSink{})
	coordinator.Ledger = ledger
	coordinator.SessionID = hookEngine.SessionID()
	if sandboxEnabled {
		buildCtx := cmd.Context()
		if buildCtx == nil {
			buildCtx = context.Background()
		}
		if msg, err := coordinator.Enable(buildCtx); err != nil {
			logger.WarnCF("sandbox", "failed to enable sandbox", map[string]any{"error": err.Error()})
		} else {
			logger.InfoC("sandbox", msg)
		}
	}

	toolRegistry := tools.NewToolRegistry()
	execTool := tools.NewExecToolWithConfig(workspace, cfg.Agents.Defaults.RestrictToWorkspace, cfg)
	execTool.SetPermission(tools.NewPermissionStore(), cliPermissionFactory("cli", hookEngine.SessionID()))
	toolRegistry.Register(execTool)
	processManager := tools.NewProcessManager(0)
	toolRegistry.Register(tools.NewProcessTool(processManager))
	toolRegistry.SetGlobalRateLimit(cfg.RateLimits.MaxToolCallsPerMinute)

	agentRegistry := subagents.NewRegistry()
	if err := agentRegistry.Load(subagents.LoadOptions{
		HomeDir:     paths.HomeDir,
		ProjectRoot: workspace,
	}); err != nil {
		logger.WarnCF("subagents", "failed to load subagent definitions", map[string]any{"error": err.Error()})
	}

	llmProvider := newOfflineProvider(model)
	instanceTracker := subagents.NewInstanceTracker(subagents.InstanceTrackerConfig{
		MaxConcurrent:      5,
		SpawnRatePerMinute: 30,
	})
	subagentRunner := newSchedulerSubagentRunner(
		llmProvider,
		model,
		toolRegistry,
		hookEngine,
		coordinator,
		contextmgr.NewManager(contextmgr.DefaultTrimConfig()),
		tokenbudget.NewManager(tokenbudget.DefaultConfig()),
		spooler.New(workspace),
		newProcessManagerPTY(processManager),
	)
	toolRegistry.Register(tools.NewSubagentTool(agentRegistry, instanceTracker, subagentRunner))

	maxToolIterations := cfg.Agents.Defaults.MaxToolIterations
	if maxToolIterations <= 0 {
		maxToolIterations = 20
	}

	sched := &scheduler.Scheduler{
		Config: scheduler.Config{
			MaxToolCallsPerTurn:  maxToolIterations,
			MaxToolWallClockSecs: 120,
			TurnTimeoutSecs:      180,
			MaxToolRetries:       2,
		},
		Provider:    llmProvider,
		Model:       model,
		Tools:       toolRegistry,
		Hooks:       hookEngine,
		Sandbox:     coordinator,
		ContextMgr:  contextmgr.NewManager(contextmgr.DefaultTrimConfig()),
		TokenBudget: tokenbudget.NewManager(tokenbudget.DefaultConfig()),
		Spooler:     spooler.New(workspace),
		PTY:         newProcessManagerPTY(processManager),
		Ledger:      ledger,
	}

	return &session{
		scheduler: sched,
		archive:   writer,
		hooks:     hookEngine,
		ledger:    ledger,
		agents:    agentRegistry,
		history:   []providers.Message{{Role: "system", Content: systemPrompt}},
	}, nil
}

func (s *session) runTurn(ctx context.Context, userInput string) (*scheduler.Result, error) {
	systemPromptTokens := tokenbudget.Count(systemPrompt)
	result, err := s.scheduler.RunTurn(ctx, s.history, userInput, systemPromptTokens)
	if err != nil {
		return nil, err
	}
	s.history = result.History
	for _, msg := range s.history[s.archived:] {
		_ = s.archive.AppendProviderMessage(msg)
	}
	s.archived = len(s.history)
	return result, nil
}

func (s *session) close(reason string) {
	s.hooks.RunSessionEnd(context.Background(), reason)
	if _, err := s.ledger.VerifyChain(); err != nil {
		logger.WarnCF("decisionledger", "chain verification failed at shutdown", map[string]any{"error": err.Error()})
	}
	if err := s.archive.Finalize(time.Now()); err != nil {
		logger.ErrorCF("archive", "failed to finalize session archive", map[string]any{"error": err.Error()})
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	sess, err := buildSession(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sess.hooks.RunSessionStart(ctx, "startup")

	message, _ := cmd.Flags().GetString("message")
	if message != "" {
		defer sess.close("one-shot complete")
		result, err := sess.runTurn(ctx, message)
		if err != nil {
			return err
		}
		fmt.Println(result.Content)
		return nil
	}

	defer sess.close("stdin closed")
	return runChatLoop(ctx, sess, os.Stdin, os.Stdout)
}

func runChatLoop(ctx context.Context, sess *session, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(out, "> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}

		result, err := sess.runTurn(ctx, input)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if result.Outcome != scheduler.OutcomeCompleted {
			fmt.Fprintf(out, "[%s] %s\n", result.Outcome, result.Reason)
			continue
		}
		fmt.Fprintln(out, result.Content)
	}
}
