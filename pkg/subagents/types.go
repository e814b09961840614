package subagents

import "time"

// Source identifies where a Subagent definition was discovered. Priority
// increases down this list; a name registered by a higher-priority source
// shadows the same name from a lower one.
type Source int

const (
	SourceBuiltin Source = iota
	SourceUser
	SourcePlugin
	SourceProject
)

func (s Source) String() string {
	switch s {
	case SourceBuiltin:
		return "builtin"
	case SourceUser:
		return "user"
	case SourcePlugin:
		return "plugin"
	case SourceProject:
		return "project"
	default:
		return "unknown"
	}
}

// PermissionMode mirrors the turn scheduler's plan/default distinction so a
// subagent can force plan mode regardless of the caller's current mode.
type PermissionMode string

const (
	PermissionDefault PermissionMode = "default"
	PermissionPlan    PermissionMode = "plan"
)

// Subagent is one loaded agent definition: the merged registry is keyed by
// Name, and later (higher-priority) sources shadow earlier ones.
type Subagent struct {
	Name           string
	Description    string
	AllowedTools   []string // empty means inherit the caller's full tool set
	Model          string   // empty means use the turn's default model
	PermissionMode PermissionMode
	Source         Source
	SystemPrompt   string

	// Phrases and Keywords feed BestMatch scoring. Phrases are multi-word
	// trigger expressions (+8 per hit); Keywords are single tokens scored
	// against the tokenized description (+3 per hit). Neither field is part
	// of the spec's frontmatter fields (name/description/tools/model/
	// permissionMode) — they are populated from optional "phrases" and
	// "keywords" frontmatter lists, defaulting to empty.
	Phrases  []string
	Keywords []string

	// Proactive is true when the description contains "proactively" or
	// "use immediately", granting the +5 proactive bonus once some other
	// signal has already matched.
	Proactive bool
}

// MatchResult pairs a candidate Subagent with its computed score.
type MatchResult struct {
	Agent *Subagent
	Score int
}

// InstanceState is the lifecycle state of one running subagent invocation.
type InstanceState int

const (
	InstanceRunning InstanceState = iota
	InstanceCompleted
	InstanceFailed
)

// Instance tracks one admitted execution of a subagent for concurrency
// accounting and staleness sweeps.
type Instance struct {
	ID        string
	AgentName string
	Started   time.Time
	State     InstanceState
}
