// Package spooler diverts oversized tool results to content-addressed
// files on disk, returning a compact in-context reference in their place.
package spooler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/vinhnx/vtcode/pkg/fileutil"
	"github.com/vinhnx/vtcode/pkg/logger"
)

// DefaultThresholdBytes is the serialized-length cutoff above which a tool
// result is spooled to disk rather than kept inline.
const DefaultThresholdBytes = 8 * 1024

// DefaultMaxFiles bounds the spool directory; the oldest file is unlinked
// once the ring is exceeded.
const DefaultMaxFiles = 500

// DefaultMaxAge is the Cleanup horizon: files older than this are removed
// regardless of ring occupancy.
const DefaultMaxAge = time.Hour

const previewMaxLines = 10
const previewMaxChars = 500
const stderrPreviewMaxChars = 500

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ptyTools is the set of tool names whose result should be treated as a PTY
// transcript rather than generic JSON when selecting content to spool.
var ptyTools = map[string]bool{
	"shell":         true,
	"bash":          true,
	"pty":           true,
	"unified_exec":  true,
	"run_terminal":  true,
}

var readTools = map[string]bool{
	"read_file": true,
	"view_file": true,
	"cat_file":  true,
}

// Reference is the compact object substituted in-context for a spooled
// tool result.
type Reference struct {
	SpooledToFile bool   `json:"spooled_to_file"`
	FilePath      string `json:"file_path"`
	ByteCount     int    `json:"byte_count"`
	ApproxTokens  int    `json:"approx_tokens"`
	TotalLines    int    `json:"total_lines"`
	Preview       string `json:"preview"`
	Instruction   string `json:"instruction"`

	ExitCode       *int    `json:"exit_code,omitempty"`
	Success        *bool   `json:"success,omitempty"`
	WallTime       string  `json:"wall_time,omitempty"`
	Error          string  `json:"error,omitempty"`
	StderrPreview  string  `json:"stderr_preview,omitempty"`
	SourcePath     string  `json:"source_path,omitempty"`
}

// Spooler offloads oversized tool results to disk under a workspace's
// .vtcode/context/tool_outputs/ directory.
type Spooler struct {
	mu            sync.Mutex
	dir           string
	thresholdBytes int
	maxFiles      int
	maxAge        time.Duration
	tracked       []trackedFile
}

type trackedFile struct {
	path    string
	writtenAt time.Time
}

// New creates a Spooler rooted at <workspace>/.vtcode/context/tool_outputs/.
func New(workspace string) *Spooler {
	return &Spooler{
		dir:            filepath.Join(workspace, ".vtcode", "context", "tool_outputs"),
		thresholdBytes: DefaultThresholdBytes,
		maxFiles:       DefaultMaxFiles,
		maxAge:         DefaultMaxAge,
	}
}

// WithThreshold overrides the default spool threshold.
func (s *Spooler) WithThreshold(n int) *Spooler {
	s.thresholdBytes = n
	return s
}

// WithMaxFiles overrides the default ring size.
func (s *Spooler) WithMaxFiles(n int) *Spooler {
	s.maxFiles = n
	return s
}

// Metadata carries the execution-completion fields copied onto a spooled
// reference so the model can reason about the call's outcome without
// reading the spool file.
type Metadata struct {
	ExitCode   *int
	Success    *bool
	WallTime   time.Duration
	Error      string
	Stderr     string
	SourcePath string
}

// Process inspects a tool result's serialized form and, if it exceeds the
// configured threshold, spools it to disk and returns a Reference. If the
// result is small enough, it returns a nil Reference and spooled is false.
func (s *Spooler) Process(toolName string, rawJSON string, meta Metadata) (ref *Reference, spooled bool, err error) {
	if len(rawJSON) <= s.thresholdBytes {
		return nil, false, nil
	}

	content := selectContent(toolName, rawJSON)

	if mkErr := os.MkdirAll(s.dir, 0o755); mkErr != nil {
		return nil, false, fmt.Errorf("spooler: create dir: %w", mkErr)
	}

	fileName := fmt.Sprintf("%s_%d.txt", sanitizeToolName(toolName), time.Now().UnixMicro())
	fullPath := filepath.Join(s.dir, fileName)

	if writeErr := fileutil.WriteFileAtomic(fullPath, []byte(content), 0o600); writeErr != nil {
		return nil, false, fmt.Errorf("spooler: write spool file: %w", writeErr)
	}

	relPath, relErr := filepath.Rel(filepath.Dir(filepath.Dir(filepath.Dir(s.dir))), fullPath)
	if relErr != nil {
		relPath = fullPath
	}

	lineCount := strings.Count(content, "\n")
	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		lineCount++
	}

	reference := &Reference{
		SpooledToFile: true,
		FilePath:      relPath,
		ByteCount:     len(content),
		ApproxTokens:  len(content) / 4,
		TotalLines:    lineCount,
		Preview:       buildPreview(content),
		Instruction:   fmt.Sprintf("Full output spooled to %s; read that file for complete content.", relPath),
		ExitCode:      meta.ExitCode,
		Success:       meta.Success,
		SourcePath:    meta.SourcePath,
	}
	if meta.WallTime > 0 {
		reference.WallTime = meta.WallTime.String()
	}
	if meta.Error != "" {
		reference.Error = meta.Error
	}
	if meta.Stderr != "" {
		reference.StderrPreview = truncateChars(meta.Stderr, stderrPreviewMaxChars)
	}

	s.mu.Lock()
	s.tracked = append(s.tracked, trackedFile{path: fullPath, writtenAt: time.Now()})
	s.enforceRing()
	s.mu.Unlock()

	logger.DebugCF("spooler", "spooled tool output", map[string]any{
		"tool": toolName, "file": relPath, "bytes": len(content),
	})

	return reference, true, nil
}

// selectContent extracts the portion of a tool result worth persisting,
// tolerating a result that is itself a JSON-encoded string (double-encoded
// payloads produced by some provider SDKs).
func selectContent(toolName string, rawJSON string) string {
	unwrapped := rawJSON
	if decodedOnce, ok := unwrapIfJSONString(rawJSON); ok {
		unwrapped = decodedOnce
	}

	switch {
	case readTools[toolName]:
		if v := gjson.Get(unwrapped, "content"); v.Exists() {
			return v.String()
		}
	case ptyTools[toolName]:
		if v := gjson.Get(unwrapped, "output"); v.Exists() {
			return v.String()
		}
		if v := gjson.Get(unwrapped, "stdout"); v.Exists() {
			return v.String()
		}
	}

	var pretty interface{}
	if jsonErr := json.Unmarshal([]byte(unwrapped), &pretty); jsonErr == nil {
		if out, marshalErr := json.MarshalIndent(pretty, "", "  "); marshalErr == nil {
			return string(out)
		}
	}
	return unwrapped
}

// unwrapIfJSONString handles the case where rawJSON is a JSON string literal
// that itself contains JSON, i.e. `"{\"content\":...}"`. Returns the inner
// string and true if rawJSON decoded to a plain string.
func unwrapIfJSONString(rawJSON string) (string, bool) {
	var inner string
	if err := json.Unmarshal([]byte(rawJSON), &inner); err == nil {
		return inner, true
	}
	return rawJSON, false
}

func buildPreview(content string) string {
	lines := strings.SplitN(content, "\n", previewMaxLines+1)
	truncatedByLines := len(lines) > previewMaxLines
	if truncatedByLines {
		lines = lines[:previewMaxLines]
	}
	preview := strings.Join(lines, "\n")

	truncatedByChars := false
	if len(preview) > previewMaxChars {
		preview = preview[:previewMaxChars]
		truncatedByChars = true
	}

	if truncatedByLines || truncatedByChars || len(preview) < len(content) {
		preview += "\n...[truncated]"
	}
	return preview
}

func truncateChars(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}

func sanitizeToolName(name string) string {
	if name == "" {
		name = "tool"
	}
	return nonAlnum.ReplaceAllString(name, "_")
}

// enforceRing unlinks the oldest tracked files until the ring is within
// maxFiles. Caller must hold s.mu.
func (s *Spooler) enforceRing() {
	if s.maxFiles <= 0 || len(s.tracked) <= s.maxFiles {
		return
	}
	sort.Slice(s.tracked, func(i, j int) bool {
		return s.tracked[i].writtenAt.Before(s.tracked[j].writtenAt)
	})
	excess := len(s.tracked) - s.maxFiles
	for i := 0; i < excess; i++ {
		os.Remove(s.tracked[i].path)
	}
	s.tracked = s.tracked[excess:]
}

// Cleanup removes spool files older than the configured max age and prunes
// them from the tracked-files list. Safe to call on a timer.
func (s *Spooler) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.maxAge)
	remaining := s.tracked[:0]
	for _, tf := range s.tracked {
		if tf.writtenAt.Before(cutoff) {
			os.Remove(tf.path)
			continue
		}
		remaining = append(remaining, tf)
	}
	s.tracked = remaining

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("spooler: read spool dir: %w", err)
	}
	for _, entry := range entries {
		info, statErr := entry.Info()
		if statErr != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(s.dir, entry.Name()))
		}
	}
	return nil
}

// TrackedCount reports how many spool files the Spooler is currently
// tracking for ring eviction purposes.
func (s *Spooler) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}
