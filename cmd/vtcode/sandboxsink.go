package main

import (
	"github.com/vinhnx/vtcode/pkg/logger"
	"github.com/vinhnx/vtcode/pkg/sandbox"
)

// loggingSandboxSink is the minimal sandbox.ProfileSink for a CLI process
// with no separate PTY manager to notify: it just logs every profile swap.
type loggingSandboxSink struct{}

func (loggingSandboxSink) SetSandboxProfile(profile *sandbox.Profile) {
	if profile == nil {
		logger.InfoC("sandbox", "sandbox profile cleared")
		return
	}
	logger.InfoCF("sandbox", "sandbox profile active", map[string]any{
		"runtime_kind": string(profile.RuntimeKind),
		"binary_path":  profile.BinaryPath,
	})
}
