// Package archive streams a session's transcript and message history to a
// durable JSON file on disk, so that a crash loses at most the last
// unflushed chunk. Writes go to a sibling ".partial" file; the rename to
// the final path is the only commit point.
package archive

import "time"

// Metadata describes the session a Writer is archiving. It is written once,
// at Open, and never mutated afterward.
type Metadata struct {
	Workspace       string `json:"workspace"`
	WorkspacePath   string `json:"workspace_path"`
	Model           string `json:"model"`
	Provider        string `json:"provider"`
	Theme           string `json:"theme,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// Snapshot is what a finalized archive deserializes into.
type Snapshot struct {
	Metadata      Metadata  `json:"metadata"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	TotalMessages int       `json:"total_messages"`
	DistinctTools []string  `json:"distinct_tools"`
	Transcript    []string  `json:"transcript"`
	Messages      []any     `json:"messages"`
}
