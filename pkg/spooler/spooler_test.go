package spooler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessPassesThroughUnderThreshold(t *testing.T) {
	workspace := t.TempDir()
	s := New(workspace).WithThreshold(8192)

	ref, spooled, err := s.Process("generic_tool", `{"result":"small"}`, Metadata{})
	require.NoError(t, err)
	assert.False(t, spooled)
	assert.Nil(t, ref)
}

func TestProcessSpoolsOverThreshold(t *testing.T) {
	workspace := t.TempDir()
	s := New(workspace).WithThreshold(10)

	big := `{"content":"` + strings.Repeat("x", 100) + `"}`
	ref, spooled, err := s.Process("read_file", big, Metadata{SourcePath: "test.rs"})
	require.NoError(t, err)
	require.True(t, spooled)
	require.NotNil(t, ref)

	assert.True(t, ref.SpooledToFile)
	assert.Equal(t, "test.rs", ref.SourcePath)
	assert.Equal(t, 100, ref.ByteCount)
	assert.Equal(t, 25, ref.ApproxTokens)

	fullPath := filepath.Join(workspace, ref.FilePath[strings.Index(ref.FilePath, ".vtcode"):])
	data, readErr := os.ReadFile(fullPath)
	require.NoError(t, readErr)
	assert.Equal(t, strings.Repeat("x", 100), string(data))
}

func TestPreviewTruncatesAtTenLinesOr500Chars(t *testing.T) {
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = "line"
	}
	content := strings.Join(lines, "\n")
	preview := buildPreview(content)
	assert.LessOrEqual(t, strings.Count(preview, "\n"), previewMaxLines+1)
	assert.Contains(t, preview, "...[truncated]")
}

func TestSelectContentHandlesDoubleEncodedReadResult(t *testing.T) {
	inner := `{"content":"hello world"}`
	doubleEncoded := `"` + strings.ReplaceAll(inner, `"`, `\"`) + `"`
	got := selectContent("read_file", doubleEncoded)
	assert.Equal(t, "hello world", got)
}

func TestSelectContentFallsBackToStdoutForPTYTools(t *testing.T) {
	got := selectContent("shell", `{"stdout":"ran ok"}`)
	assert.Equal(t, "ran ok", got)
}

func TestEnforceRingUnlinksOldestFile(t *testing.T) {
	workspace := t.TempDir()
	s := New(workspace).WithThreshold(1).WithMaxFiles(2)

	for i := 0; i < 4; i++ {
		_, spooled, err := s.Process("generic", strings.Repeat("y", 20), Metadata{})
		require.NoError(t, err)
		require.True(t, spooled)
	}

	assert.LessOrEqual(t, s.TrackedCount(), 2)

	entries, err := os.ReadDir(filepath.Join(workspace, ".vtcode", "context", "tool_outputs"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 2)
}

func TestSanitizeToolNameStripsNonAlnum(t *testing.T) {
	assert.Equal(t, "read_file", sanitizeToolName("read_file"))
	assert.Equal(t, "unified_exec", sanitizeToolName("unified_exec"))
	assert.Equal(t, "weird_tool", sanitizeToolName("weird/tool"))
}
