package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vtcode",
		Short: "Terminal coding agent core: scheduler, context manager, and sandboxed tool execution",
	}

	cmd.PersistentFlags().String("config", "", "Path to config.json (defaults to the dot-directory home)")
	cmd.PersistentFlags().String("workspace", "", "Workspace root (overrides the config's agents.defaults.workspace)")
	cmd.PersistentFlags().String("model", "", "Model name (overrides the config's llm.model)")
	cmd.PersistentFlags().Bool("sandbox", false, "Wrap shell-family tool calls with the sandbox coordinator")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newVerifyLedgerCmd())

	return cmd
}
