package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	calls   int
	profile *Profile
}

func (f *fakeSink) SetSandboxProfile(p *Profile) {
	f.calls++
	f.profile = p
}

func TestAllowDomainRejectsPrivateAddress(t *testing.T) {
	c := NewCoordinator(t.TempDir(), nil)
	_, err := c.AllowDomain(context.Background(), "169.254.169.254")
	require.Error(t, err)
}

func TestAllowDomainPersistsAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}
	c := NewCoordinator(dir, sink)

	msg, err := c.AllowDomain(context.Background(), "https://Example.com/")
	require.NoError(t, err)
	assert.Contains(t, msg, "example.com")

	msg, err = c.AllowDomain(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Contains(t, msg, "already permitted")

	raw, err := os.ReadFile(filepath.Join(dir, sandboxDirName, settingsFilename))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "example.com")
}

func TestRemoveDomainNotPresent(t *testing.T) {
	c := NewCoordinator(t.TempDir(), nil)
	msg, err := c.RemoveDomain("never-added.example")
	require.NoError(t, err)
	assert.Contains(t, msg, "was not present")
}

func TestAllowPathRejectsOutsideWorkspace(t *testing.T) {
	c := NewCoordinator(t.TempDir(), nil)
	_, err := c.AllowPath("/etc/passwd")
	require.Error(t, err)
}

func TestAllowPathAcceptsRelativePath(t *testing.T) {
	c := NewCoordinator(t.TempDir(), nil)
	msg, err := c.AllowPath("subdir")
	require.NoError(t, err)
	assert.Contains(t, msg, "subdir")
}

func TestRemovePathProtectsWorkspaceRoot(t *testing.T) {
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	c := NewCoordinator(dir, nil)
	msg, err := c.RemovePath(resolved)
	require.NoError(t, err)
	assert.Contains(t, msg, "cannot be removed")
}

func TestEnableRebuildsProfileAndNotifiesSink(t *testing.T) {
	dir := t.TempDir()
	fakeBin := filepath.Join(dir, "fake-srt")
	require.NoError(t, os.WriteFile(fakeBin, []byte("#!/bin/sh\n"), 0o755))
	t.Setenv("SRT_PATH", fakeBin)

	sink := &fakeSink{}
	c := NewCoordinator(dir, sink)

	msg, err := c.Enable(context.Background())
	require.NoError(t, err)
	assert.Contains(t, msg, "enabled")
	assert.True(t, c.Enabled())
	assert.Equal(t, 1, sink.calls)
	assert.NotNil(t, sink.profile)

	msg = c.Disable()
	assert.Contains(t, msg, "disabled")
	assert.False(t, c.Enabled())
	assert.Equal(t, 2, sink.calls)
	assert.Nil(t, sink.profile)
}

func TestEnableRejectsRecursionToCurrentExecutable(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)
	t.Setenv("SRT_PATH", self)

	c := NewCoordinator(t.TempDir(), nil)
	_, err = c.Enable(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recursion")
}

func TestToggleFlipsState(t *testing.T) {
	dir := t.TempDir()
	fakeBin := filepath.Join(dir, "fake-srt")
	require.NoError(t, os.WriteFile(fakeBin, []byte("#!/bin/sh\n"), 0o755))
	t.Setenv("SRT_PATH", fakeBin)

	c := NewCoordinator(dir, nil)
	_, err := c.Toggle(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Enabled())

	_, err = c.Toggle(context.Background())
	require.NoError(t, err)
	assert.False(t, c.Enabled())
}

func TestAllowPathAfterEnableRefreshesPublishedProfile(t *testing.T) {
	dir := t.TempDir()
	fakeBin := filepath.Join(dir, "fake-srt")
	require.NoError(t, os.WriteFile(fakeBin, []byte("#!/bin/sh\n"), 0o755))
	t.Setenv("SRT_PATH", fakeBin)

	sink := &fakeSink{}
	c := NewCoordinator(dir, sink)
	_, err := c.Enable(context.Background())
	require.NoError(t, err)

	callsBefore := sink.calls
	_, err = c.AllowPath("data")
	require.NoError(t, err)
	assert.Greater(t, sink.calls, callsBefore)
	require.Len(t, sink.profile.AllowedPaths, 1)
	assert.True(t, strings.HasSuffix(sink.profile.AllowedPaths[0], string(filepath.Separator)+"data"))
}
