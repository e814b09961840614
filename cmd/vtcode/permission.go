package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vinhnx/vtcode/pkg/tools"
)

// cliPermissionFactory is the tools.PermissionFuncFactory for the CLI
// surface. It ignores channel/chatID (the CLI has exactly one of each) but
// keeps the factory shape so a future multi-session surface (e.g. a gateway
// handling several chats) can swap in its own per-chat prompt.
func cliPermissionFactory(_, _ string) tools.PermissionFunc {
	return cliPermissionPrompt
}

// cliPermissionPrompt is the stdin/stdout tools.PermissionFunc for the
// interactive CLI surface: a command touching a path outside the workspace
// is described to the operator, who answers y/n before it runs.
func cliPermissionPrompt(_ context.Context, path string) (bool, error) {
	fmt.Fprintf(os.Stdout, "exec wants to access %q, which is outside the workspace. Allow? [y/N] ", path)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "y"), nil
}
