// Package scheduler drives one turn of a session: it issues the provider
// request, runs every requested tool call under the lifecycle hooks and
// sandbox coordinator, keeps the conversation history within budget, and
// enforces the wall-clock deadlines that bound a turn.
package scheduler

import (
	"time"

	"github.com/vinhnx/vtcode/pkg/providers"
)

// Phase marks where in a turn's lifecycle the scheduler currently is.
type Phase int

const (
	PhaseRequesting Phase = iota
	PhaseExecutingTool
	PhaseApplyingOutcome
)

func (p Phase) String() string {
	switch p {
	case PhaseRequesting:
		return "requesting"
	case PhaseExecutingTool:
		return "executing_tool"
	case PhaseApplyingOutcome:
		return "applying_outcome"
	default:
		return "unknown"
	}
}

// PlanModeToolCallFloor is the minimum tool-call budget enforced while Plan
// mode is active, regardless of the configured value.
const PlanModeToolCallFloor = 48

// Config carries the budgets a Scheduler enforces for every turn.
type Config struct {
	// MaxToolCallsPerTurn caps the number of tool calls a single turn may
	// attempt. Raised to PlanModeToolCallFloor when PlanMode is set and the
	// configured value is lower.
	MaxToolCallsPerTurn int
	// MaxToolWallClockSecs is the tool wall-clock budget of a turn. It
	// enters only through DeriveTurnTimeoutSecs; the Scheduler does not
	// time tool execution against it separately.
	MaxToolWallClockSecs int
	// TurnTimeoutSecs is the deadline a Scheduler enforces for the whole
	// turn loop. Config loading should set this from
	// DeriveTurnTimeoutSecs(configuredTurnTimeout, MaxToolWallClockSecs) so
	// it is never lower than the tool wall-clock budget plus a grace
	// buffer; the Scheduler itself enforces whatever value is set here
	// without re-deriving it, so tests can inject a tight deadline directly.
	TurnTimeoutSecs int
	// MaxToolRetries caps retries of a tool call that keeps failing with
	// the same name and arguments within one turn.
	MaxToolRetries int
	// PlanMode floors MaxToolCallsPerTurn to PlanModeToolCallFloor and
	// changes the partial-timeout message in the Requesting phase.
	PlanMode bool
}

// effectiveToolCallBudget returns MaxToolCallsPerTurn, floored for Plan mode.
func (c Config) effectiveToolCallBudget() int {
	if c.PlanMode && c.MaxToolCallsPerTurn < PlanModeToolCallFloor {
		return PlanModeToolCallFloor
	}
	return c.MaxToolCallsPerTurn
}

// clamp restricts v to [lo, hi].
func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DeriveTurnTimeoutSecs computes the turn_timeout_secs a config loader
// should store on Config.TurnTimeoutSecs, per the formula:
// llm_attempt_grace = clamp(configuredTurnTimeout/5, 30, 120);
// buffer = max(60, llm_attempt_grace);
// turn_timeout = max(configuredTurnTimeout, maxToolWallClock + buffer).
// This guarantees at least one full LLM-attempt window above the tool
// wall-clock budget. The Scheduler does not call this itself — it enforces
// whatever value Config.TurnTimeoutSecs already carries, so a caller that
// wants a tighter deadline than the derivation would allow (tests, an
// explicit operator override) can set it directly.
func DeriveTurnTimeoutSecs(configuredTurnTimeout, maxToolWallClock int) int {
	grace := clamp(configuredTurnTimeout/5, 30, 120)
	buffer := grace
	if buffer < 60 {
		buffer = 60
	}
	derived := maxToolWallClock + buffer
	secs := configuredTurnTimeout
	if derived > secs {
		secs = derived
	}
	return secs
}

// TurnState is the scheduler's working state for one turn. It is created
// when a turn starts and discarded once the outcome is applied.
type TurnState struct {
	RunID              string
	Phase              Phase
	StartedAt          time.Time
	AttemptedToolCalls int
	RetryCounts        map[string]int
}

// Outcome classifies how a turn ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeBlocked
	OutcomeAborted
	OutcomeCancelled
	OutcomePartialTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeAborted:
		return "aborted"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomePartialTimeout:
		return "partial_timeout"
	default:
		return "unknown"
	}
}

// Result is what RunTurn returns: the outcome, the committed or restored
// history, and a human-readable reason for anything short of Completed.
type Result struct {
	RunID   string
	Outcome Outcome
	Content string
	History []providers.Message
	Reason  string
}
