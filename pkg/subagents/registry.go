package subagents

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vinhnx/vtcode/pkg/logger"
)

const (
	userAgentsDirName    = ".vtcode/agents"
	projectAgentsDirName = ".vtcode/agents"
)

// LoadOptions configures where Registry.Load looks for each source, beyond
// the always-present embedded builtins.
type LoadOptions struct {
	// HomeDir overrides os.UserHomeDir, for tests. Empty means detect it.
	HomeDir string
	// ProjectRoot is the workspace root; ProjectRoot/.vtcode/agents is
	// scanned for Project-source definitions.
	ProjectRoot string
	// ExtraProjectDirs are additional Project-priority directories, e.g.
	// from configuration.
	ExtraProjectDirs []string
	// PluginDirs are Plugin-priority directories, one per loaded plugin.
	PluginDirs []string
}

// Registry merges subagent definitions from four sources with a fixed
// priority order (Builtin < User < Plugin < Project) and supports
// description-based best-match lookup.
//
// Thread-safe: all operations are protected by a read-write mutex, mirroring
// the locking discipline used for running hand-offs in the teacher's
// multi-agent registry.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Subagent
}

// NewRegistry returns an empty registry. Call Load to populate it.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Subagent)}
}

// Load discovers and merges definitions from all four sources. It can be
// called more than once (e.g. after a config reload); each call starts from
// a clean slate.
func (r *Registry) Load(opts LoadOptions) error {
	var all []*Subagent
	all = append(all, loadBuiltins()...)

	home := opts.HomeDir
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}
	if home != "" {
		all = append(all, loadDir(filepath.Join(home, userAgentsDirName), SourceUser)...)
	}

	for _, dir := range opts.PluginDirs {
		all = append(all, loadDir(dir, SourcePlugin)...)
	}

	if opts.ProjectRoot != "" {
		all = append(all, loadDir(filepath.Join(opts.ProjectRoot, projectAgentsDirName), SourceProject)...)
	}
	for _, dir := range opts.ExtraProjectDirs {
		all = append(all, loadDir(dir, SourceProject)...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*Subagent)
	for _, def := range all {
		r.register(def)
	}
	return nil
}

// register inserts def, letting a same-named definition from a
// higher-or-equal Source shadow whatever is already present. Definitions
// are appended to all in source-priority order by Load, so "later wins"
// here means "higher priority wins".
func (r *Registry) register(def *Subagent) {
	if existing, ok := r.agents[def.Name]; ok && def.Source < existing.Source {
		return
	}
	r.agents[def.Name] = def
}

// Get returns the merged definition for name, or nil if unknown.
func (r *Registry) Get(name string) *Subagent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[name]
}

// Resolve returns the named agent or an error if it is not registered,
// for callers (the turn scheduler) that need to fail a spawn request
// explicitly rather than silently no-op on a nil Subagent.
func (r *Registry) Resolve(name string) (*Subagent, error) {
	agent := r.Get(name)
	if agent == nil {
		return nil, errUnknownAgent(name)
	}
	return agent, nil
}

// List returns every registered agent name, sorted for determinism.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every merged Subagent definition, sorted by name.
func (r *Registry) All() []*Subagent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subagent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// loadDir reads every *.md file directly under dir as a Subagent
// definition. A missing directory is not an error — most of the four
// sources are optional.
func loadDir(dir string, source Source) []*Subagent {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []*Subagent
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.WarnCF("subagents", "failed to read agent definition", map[string]any{"path": path, "error": err.Error()})
			continue
		}
		def, err := parseDefinition(data, source)
		if err != nil {
			logger.WarnCF("subagents", "failed to parse agent definition", map[string]any{"path": path, "error": err.Error()})
			continue
		}
		out = append(out, def)
	}
	return out
}

// errUnknownAgent is returned by lookups that require an existing name.
func errUnknownAgent(name string) error {
	return fmt.Errorf("subagent %q is not registered", name)
}
