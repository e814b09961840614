package subagents

import (
	"embed"
	"fmt"
	"sort"

	"github.com/vinhnx/vtcode/pkg/logger"
)

//go:embed builtin/*.md
var builtinFS embed.FS

// loadBuiltins parses the seven compiled-in agent definitions. A parse
// failure here is a packaging bug, not a runtime condition, so it is
// logged and the offending file is skipped rather than failing registry
// construction outright.
func loadBuiltins() []*Subagent {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		logger.ErrorCF("subagents", "failed to read embedded builtin agents", map[string]any{"error": err.Error()})
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]*Subagent, 0, len(names))
	for _, name := range names {
		data, err := builtinFS.ReadFile(fmt.Sprintf("builtin/%s", name))
		if err != nil {
			logger.ErrorCF("subagents", "failed to read embedded builtin agent", map[string]any{"file": name, "error": err.Error()})
			continue
		}
		def, err := parseDefinition(data, SourceBuiltin)
		if err != nil {
			logger.ErrorCF("subagents", "failed to parse embedded builtin agent", map[string]any{"file": name, "error": err.Error()})
			continue
		}
		out = append(out, def)
	}
	return out
}
