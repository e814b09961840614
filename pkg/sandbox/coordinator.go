package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/vinhnx/vtcode/pkg/decisionledger"
	"github.com/vinhnx/vtcode/pkg/logger"
	"github.com/vinhnx/vtcode/pkg/ssrf"
)

const (
	srtPathEnv              = "SRT_PATH"
	firecrackerPathEnv      = "FIRECRACKER_PATH"
	firecrackerLauncherEnv  = "FIRECRACKER_LAUNCHER_PATH"
)

// Coordinator configures an external sandbox binary to wrap shell-tool
// execution. It does not itself confine processes — it resolves and
// persists the configuration that the external binary enforces.
type Coordinator struct {
	env     *Environment
	sink    ProfileSink
	guard   *ssrf.Guard
	profile *Profile
	runtime string

	// Ledger, if set, receives a KindSandboxRecursionRefusal event every
	// time rejectRecursion refuses to resolve a runtime binary.
	Ledger    *decisionledger.Logger
	SessionID string
}

// NewCoordinator creates a Coordinator rooted at workspaceRoot. sink may be
// nil; if set, it is notified with the rebuilt Profile after every mutation.
func NewCoordinator(workspaceRoot string, sink ProfileSink) *Coordinator {
	return &Coordinator{
		env:   NewEnvironment(workspaceRoot),
		sink:  sink,
		guard: ssrf.NewGuard(ssrf.DefaultConfig()),
	}
}

func (c *Coordinator) Enabled() bool { return c.profile != nil }

// Profile returns the active sandbox profile, or nil if the sandbox is
// disabled. Callers that only need push notifications should register a
// ProfileSink instead; this exists for callers that need a synchronous read
// at the moment a shell-family tool is about to execute.
func (c *Coordinator) Profile() *Profile { return c.profile }

// Enable resolves the sandbox runtime binary, persists settings, and
// activates a profile. Calling Enable twice is a no-op the second time.
func (c *Coordinator) Enable(ctx context.Context) (string, error) {
	if c.Enabled() {
		return "Sandbox is already enabled for bash commands.", nil
	}
	if err := c.syncSettings(); err != nil {
		return "", err
	}
	binary, err := c.resolveRuntime()
	if err != nil {
		return "", err
	}
	c.runtime = binary
	c.profile = c.env.CreateProfile(binary)
	c.notifySink()

	if err := c.env.LogEvent("Sandbox enabled for bash tool"); err != nil {
		logger.WarnCF("sandbox", "Failed to record sandbox enablement", map[string]any{"error": err.Error()})
	}
	return fmt.Sprintf(
		"Sandboxing enabled for bash tool (runtime %s: %s). Network access now requires allow-domain.",
		c.env.RuntimeKind(), binary,
	), nil
}

// Disable deactivates the current profile. The persisted allowlists are
// left untouched so Enable can resume with the same configuration.
func (c *Coordinator) Disable() string {
	if !c.Enabled() {
		return "Sandbox is already disabled."
	}
	c.profile = nil
	c.runtime = ""
	c.notifySink()
	if err := c.env.LogEvent("Sandbox disabled for bash tool"); err != nil {
		logger.WarnCF("sandbox", "Failed to record sandbox disablement", map[string]any{"error": err.Error()})
	}
	return "Sandboxing disabled for bash tool."
}

// Toggle flips the current enabled state.
func (c *Coordinator) Toggle(ctx context.Context) (string, error) {
	if c.Enabled() {
		return c.Disable(), nil
	}
	return c.Enable(ctx)
}

// Status renders a human-readable summary of the current configuration.
func (c *Coordinator) Status() []string {
	lines := []string{
		fmt.Sprintf("Sandbox status: %s", enabledLabel(c.Enabled())),
		fmt.Sprintf("Settings file: %s", c.env.SettingsPath()),
	}
	if c.runtime != "" {
		lines = append(lines, fmt.Sprintf("Runtime binary (%s): %s", c.env.RuntimeKind(), c.runtime))
	} else {
		lines = append(lines, fmt.Sprintf("Runtime binary: pending detection (preferred runtime: %s)", c.env.RuntimeKind()))
	}
	lines = append(lines, fmt.Sprintf("Persistent storage: %s", c.env.PersistentStorage()))
	lines = append(lines, fmt.Sprintf("Event log: %s", c.env.EventLogPath()))

	domains := c.env.AllowedDomains()
	if len(domains) == 0 {
		lines = append(lines, "Network allowlist: none (all outbound requests blocked)")
	} else {
		lines = append(lines, "Network allowlist: "+joinComma(domains))
	}

	paths := c.env.AllowedPaths()
	if len(paths) == 0 {
		lines = append(lines, "Filesystem allowlist: none (no filesystem access granted)")
	} else {
		lines = append(lines, "Filesystem allowlist:")
		for _, p := range paths {
			lines = append(lines, "  - "+p)
		}
	}
	lines = append(lines, "Default read restrictions: "+joinComma(c.env.DenyRules()))
	return lines
}

// ListPaths renders just the filesystem allowlist.
func (c *Coordinator) ListPaths() []string {
	paths := c.env.AllowedPaths()
	if len(paths) == 0 {
		return []string{"No filesystem paths are currently whitelisted for sandbox access."}
	}
	lines := []string{"Sandbox filesystem allowlist:"}
	for _, p := range paths {
		lines = append(lines, "  - "+p)
	}
	return lines
}

// Help renders the operation list.
func (c *Coordinator) Help() []string {
	return []string{
		"Sandbox command usage:",
		"  enable            Enable sandboxing explicitly",
		"  disable           Disable sandboxing",
		"  status            Show current sandbox configuration",
		"  allow-domain      Permit outbound requests to a domain",
		"  remove-domain     Revoke a previously allowed domain",
		"  allow-path        Permit sandbox access to a workspace path",
		"  remove-path       Remove a previously allowed path",
		"  list-paths        Show filesystem allowlist entries",
	}
}

// AllowDomain validates, normalizes, and adds domain to the allowlist,
// rejecting domains that resolve to private, loopback, or metadata
// addresses so the sandbox's own network allowlist can't be used to
// re-expose internal services.
func (c *Coordinator) AllowDomain(ctx context.Context, domain string) (string, error) {
	normalized, err := normalizeDomain(domain)
	if err != nil {
		return "", err
	}
	if err := c.guard.CheckURL(ctx, "https://"+normalized); err != nil {
		return "", fmt.Errorf("refusing to allow %q: %w", domain, err)
	}
	result, err := c.env.AllowDomain(domain)
	if err != nil {
		return "", err
	}
	if err := c.afterMutation(); err != nil {
		return "", err
	}
	if !result.Added {
		return fmt.Sprintf("Domain '%s' is already permitted.", result.Normalized), nil
	}
	if err := c.env.LogEvent(fmt.Sprintf("Added domain '%s' to sandbox network allowlist", result.Normalized)); err != nil {
		logger.WarnCF("sandbox", "Failed to record domain addition", map[string]any{"error": err.Error()})
	}
	return fmt.Sprintf("Added '%s' to sandbox network allowlist.", result.Normalized), nil
}

// RemoveDomain revokes a previously allowed domain.
func (c *Coordinator) RemoveDomain(domain string) (string, error) {
	result, err := c.env.RemoveDomain(domain)
	if err != nil {
		return "", err
	}
	if err := c.afterMutation(); err != nil {
		return "", err
	}
	if !result.Removed {
		return fmt.Sprintf("Domain '%s' was not present in the allowlist.", result.Normalized), nil
	}
	if err := c.env.LogEvent(fmt.Sprintf("Removed domain '%s' from sandbox network allowlist", result.Normalized)); err != nil {
		logger.WarnCF("sandbox", "Failed to record domain removal", map[string]any{"error": err.Error()})
	}
	return fmt.Sprintf("Removed '%s' from sandbox network allowlist.", result.Normalized), nil
}

// AllowPath adds a workspace-relative or absolute path to the filesystem
// allowlist.
func (c *Coordinator) AllowPath(path string) (string, error) {
	result, err := c.env.AllowPath(path)
	if err != nil {
		return "", err
	}
	if err := c.afterMutation(); err != nil {
		return "", err
	}
	if !result.Added {
		return fmt.Sprintf("Path '%s' is already permitted.", result.Normalized), nil
	}
	if err := c.env.LogEvent(fmt.Sprintf("Added path '%s' to sandbox filesystem allowlist", result.Normalized)); err != nil {
		logger.WarnCF("sandbox", "Failed to record path addition", map[string]any{"error": err.Error()})
	}
	return fmt.Sprintf("Added '%s' to sandbox filesystem allowlist.", result.Normalized), nil
}

// RemovePath revokes a previously allowed path. The workspace root cannot
// be removed.
func (c *Coordinator) RemovePath(path string) (string, error) {
	result, err := c.env.RemovePath(path)
	if err != nil {
		return "", err
	}
	if result.Protected {
		return fmt.Sprintf("Path '%s' is required for sandbox operation and cannot be removed.", result.Normalized), nil
	}
	if err := c.afterMutation(); err != nil {
		return "", err
	}
	if !result.Removed {
		return fmt.Sprintf("Path '%s' was not present in the filesystem allowlist.", result.Normalized), nil
	}
	if err := c.env.LogEvent(fmt.Sprintf("Removed path '%s' from sandbox filesystem allowlist", result.Normalized)); err != nil {
		logger.WarnCF("sandbox", "Failed to record path removal", map[string]any{"error": err.Error()})
	}
	return fmt.Sprintf("Removed '%s' from sandbox filesystem allowlist.", result.Normalized), nil
}

// afterMutation persists settings and, if the sandbox is currently enabled,
// rebuilds and re-publishes the profile so the change applies starting with
// the next spawned command.
func (c *Coordinator) afterMutation() error {
	if err := c.syncSettings(); err != nil {
		return err
	}
	if c.Enabled() {
		c.profile = c.env.CreateProfile(c.runtime)
		c.notifySink()
	}
	return nil
}

func (c *Coordinator) syncSettings() error {
	if err := c.env.WriteSettings(); err != nil {
		return err
	}
	return c.env.EnsurePersistentStorage()
}

func (c *Coordinator) notifySink() {
	if c.sink != nil {
		c.sink.SetSandboxProfile(c.profile)
	}
}

// resolveRuntime locates the binary for the configured runtime kind,
// refusing to resolve to the currently running executable (which would
// cause the sandbox binary to recursively relaunch this process).
func (c *Coordinator) resolveRuntime() (string, error) {
	switch c.env.RuntimeKind() {
	case Firecracker:
		return c.resolveFirecracker()
	default:
		return c.resolveSrt()
	}
}

func (c *Coordinator) resolveSrt() (string, error) {
	if path := os.Getenv(srtPathEnv); path != "" {
		if err := c.rejectRecursion(path, srtPathEnv); err != nil {
			return "", err
		}
		return path, nil
	}
	path, err := exec.LookPath("srt")
	if err != nil {
		return "", fmt.Errorf("Anthropic sandbox runtime 'srt' was not found in PATH: %w", err)
	}
	if err := c.rejectRecursion(path, ""); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Coordinator) resolveFirecracker() (string, error) {
	if path := os.Getenv(firecrackerLauncherEnv); path != "" {
		if err := c.rejectRecursion(path, firecrackerLauncherEnv); err != nil {
			return "", err
		}
		return path, nil
	}
	if path := os.Getenv(firecrackerPathEnv); path != "" {
		if err := c.rejectRecursion(path, firecrackerPathEnv); err != nil {
			return "", err
		}
		return path, nil
	}
	path, err := exec.LookPath("firecracker-launcher")
	if err != nil {
		path, err = exec.LookPath("firecracker")
	}
	if err != nil {
		return "", fmt.Errorf("Firecracker runtime was not found in PATH; set %s or install the launcher: %w", firecrackerPathEnv, err)
	}
	if err := c.rejectRecursion(path, ""); err != nil {
		return "", err
	}
	return path, nil
}

// rejectRecursion compares candidate against the currently running
// executable (both canonicalized) and fails if they match.
func (c *Coordinator) rejectRecursion(candidate, envVar string) error {
	currentExe, err := os.Executable()
	if err != nil {
		return nil
	}
	canonicalCurrent, err := filepath.EvalSymlinks(currentExe)
	if err != nil {
		canonicalCurrent = currentExe
	}
	canonicalCandidate, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		canonicalCandidate = candidate
	}
	if canonicalCandidate != canonicalCurrent {
		return nil
	}

	var refusalErr error
	if envVar != "" {
		refusalErr = fmt.Errorf("resolved sandbox runtime points to the running vtcode executable; this would cause recursion — set %s to a different binary", envVar)
	} else {
		refusalErr = fmt.Errorf("resolved sandbox runtime via PATH points to the running vtcode executable; this would cause recursion — install the runtime binary separately")
	}
	if c.Ledger != nil {
		_ = c.Ledger.LogSandboxRecursionRefusal(c.SessionID, refusalErr.Error())
	}
	return refusalErr
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func joinComma(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}
