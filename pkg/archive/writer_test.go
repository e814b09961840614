package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinhnx/vtcode/pkg/providers"
)

func TestSanitizeWorkspaceLabel(t *testing.T) {
	assert.Equal(t, "my-project", sanitizeWorkspaceLabel("My Project"))
	assert.Equal(t, "a-b-c", sanitizeWorkspaceLabel("a///b___c"))
	assert.Equal(t, "session", sanitizeWorkspaceLabel("***"))
}

func TestFinalizeProducesDeserializableSnapshot(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	meta := Metadata{Workspace: "My Repo", Model: "gpt-5", Provider: "openai"}

	w, err := Open(dir, meta, started)
	require.NoError(t, err)

	require.NoError(t, w.AppendTranscriptLine("user: hi"))
	require.NoError(t, w.AppendTranscriptLine("assistant: hello"))
	require.NoError(t, w.FinishTranscript())

	require.NoError(t, w.AppendProviderMessage(providers.Message{Role: "user", Content: "hi"}))
	require.NoError(t, w.AppendProviderMessage(providers.Message{
		Role:    "assistant",
		Content: "",
		ToolCalls: []providers.ToolCall{
			{ID: "call-1", Name: "read_file", Arguments: map[string]interface{}{"path": "a.go"}},
		},
	}))
	require.NoError(t, w.AppendProviderMessage(providers.Message{
		Role: "tool", ToolCallID: "call-1", Content: "package main", OriginTool: "read_file",
	}))

	ended := started.Add(5 * time.Second)
	require.NoError(t, w.Finalize(ended))

	finalPath := w.FinalPath()
	_, err = os.Stat(finalPath)
	require.NoError(t, err, "final file must exist after Finalize")

	_, err = os.Stat(finalPath + ".partial")
	assert.True(t, os.IsNotExist(err), "partial file must not survive Finalize")

	data, err := os.ReadFile(finalPath)
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	assert.Equal(t, "My Repo", snap.Metadata.Workspace)
	assert.Equal(t, 3, snap.TotalMessages)
	assert.Equal(t, []string{"read_file"}, snap.DistinctTools)
	assert.Equal(t, []string{"user: hi", "assistant: hello"}, snap.Transcript)
	assert.True(t, snap.EndedAt.Equal(ended))
}

func TestFinalizeWithoutAnyMessagesOrTranscriptLines(t *testing.T) {
	dir := t.TempDir()
	started := time.Now().UTC()
	w, err := Open(dir, Metadata{Workspace: "empty"}, started)
	require.NoError(t, err)
	require.NoError(t, w.FinishTranscript())
	require.NoError(t, w.Finalize(started))

	data, err := os.ReadFile(w.FinalPath())
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 0, snap.TotalMessages)
	assert.Equal(t, []string{}, snap.DistinctTools)
}

func TestFinalizeWithoutExplicitFinishTranscript(t *testing.T) {
	dir := t.TempDir()
	started := time.Now().UTC()
	w, err := Open(dir, Metadata{Workspace: "skip-finish"}, started)
	require.NoError(t, err)
	require.NoError(t, w.AppendTranscriptLine("only line"))
	// Finalize must close the transcript array itself when FinishTranscript
	// was never called.
	require.NoError(t, w.Finalize(started))

	data, err := os.ReadFile(w.FinalPath())
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, []string{"only line"}, snap.Transcript)
}

func TestDropDeletesPartialFileOnly(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Metadata{Workspace: "dropped"}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, w.AppendTranscriptLine("line"))

	partialPath := w.partialPath
	require.NoError(t, w.Drop())

	_, err = os.Stat(partialPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(w.FinalPath())
	assert.True(t, os.IsNotExist(err))
}

func TestReserveArchivePathBreaksCollisions(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	finalA, _, err := reserveArchivePath(dir, "proj", started, 100)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(finalA, []byte("{}"), 0o644))

	finalB, _, err := reserveArchivePath(dir, "proj", started, 100)
	require.NoError(t, err)

	assert.NotEqual(t, finalA, finalB)
	assert.Equal(t, filepath.Dir(finalA), filepath.Dir(finalB))
}

func TestAppendAfterFinalizeFails(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Metadata{Workspace: "x"}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, w.FinishTranscript())
	require.NoError(t, w.Finalize(time.Now().UTC()))

	err = w.AppendMessage(providers.Message{Role: "user"}, "")
	assert.Error(t, err)
}
