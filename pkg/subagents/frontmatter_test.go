package subagents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefinitionBasic(t *testing.T) {
	doc := []byte(`---
name: my-agent
description: Does a thing. Use proactively when asked.
tools: read_file, grep
model: claude-opus
permissionMode: plan
phrases: do the thing, handle it
keywords: thing, handle
---
You are my-agent. Do the thing.
`)
	def, err := parseDefinition(doc, SourceProject)
	require.NoError(t, err)
	assert.Equal(t, "my-agent", def.Name)
	assert.Equal(t, []string{"read_file", "grep"}, def.AllowedTools)
	assert.Equal(t, "claude-opus", def.Model)
	assert.Equal(t, PermissionPlan, def.PermissionMode)
	assert.Equal(t, []string{"do the thing", "handle it"}, def.Phrases)
	assert.Equal(t, []string{"thing", "handle"}, def.Keywords)
	assert.True(t, def.Proactive)
	assert.Equal(t, "You are my-agent. Do the thing.", def.SystemPrompt)
	assert.Equal(t, SourceProject, def.Source)
}

func TestParseDefinitionMissingName(t *testing.T) {
	doc := []byte("---\ndescription: no name here\n---\nbody\n")
	_, err := parseDefinition(doc, SourceUser)
	assert.Error(t, err)
}

func TestParseDefinitionMissingDescription(t *testing.T) {
	doc := []byte("---\nname: foo\n---\nbody\n")
	_, err := parseDefinition(doc, SourceUser)
	assert.Error(t, err)
}

func TestParseDefinitionMissingDelimiters(t *testing.T) {
	_, err := parseDefinition([]byte("no frontmatter here"), SourceUser)
	assert.Error(t, err)
}

func TestParseDefinitionEmptyToolsMeansInheritAll(t *testing.T) {
	doc := []byte("---\nname: foo\ndescription: bar\n---\nprompt\n")
	def, err := parseDefinition(doc, SourceUser)
	require.NoError(t, err)
	assert.Nil(t, def.AllowedTools)
}
