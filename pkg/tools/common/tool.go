package common

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/vinhnx/vtcode/pkg/vterrors"
)

// CapabilityLevel orders what a tool is allowed to do, from read-only to
// administrative. Declarations compare with plain integer ordering.
type CapabilityLevel int

const (
	CapabilityRead CapabilityLevel = iota
	CapabilityWrite
	CapabilityBash
	CapabilityAdmin
)

// Tool is the uniform capability interface every local tool implements.
// Execute is total: it never panics or lets an error escape uncaught —
// failures are embedded in the returned ToolResult.
type Tool interface {
	Name() string
	Description() string
	Capability() CapabilityLevel
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// ContextualTool is implemented by tools that need the originating
// channel/chat to route async replies or scoped permission prompts.
type ContextualTool interface {
	Tool
	SetContext(channel, chatID string)
}

// AsyncCallback delivers a tool's result once it completes out of band,
// after the synchronous call already returned an AsyncResult.
type AsyncCallback func(result *ToolResult)

// AsyncTool is implemented by tools that may return immediately with
// Async=true and later deliver their real result via callback.
type AsyncTool interface {
	Tool
	SetCallback(cb AsyncCallback)
}

// ParallelPolicyProvider lets a tool declare how it may be scheduled
// alongside other tool calls within the same assistant turn.
type ParallelPolicyProvider interface {
	Tool
	ParallelPolicy() ToolParallelPolicy
}

// ConcurrentSafeTool opts a tool into sharing a single instance across
// concurrently executing calls.
type ConcurrentSafeTool interface {
	Tool
	SupportsConcurrentExecution() bool
}

type ToolParallelPolicy string

const (
	ToolParallelSerialOnly ToolParallelPolicy = "serial_only"
	ToolParallelReadOnly   ToolParallelPolicy = "read_only"
)

const (
	ParallelToolsModeAll          = "all"
	ParallelToolsModeReadOnlyOnly = "read_only_only"
)

// ToolResult is the outcome of one tool execution. ForLLM is what goes back
// into conversation history; ForUser is an optionally richer rendering for
// the terminal UI (falls back to ForLLM when empty). Err carries a Go error
// for components that need to branch on it without string-matching ForLLM.
type ToolResult struct {
	ForLLM  string
	ForUser string
	Err     error
	IsError bool
	// Async indicates the call returned before real work finished; the
	// real result arrives later through an AsyncCallback.
	Async bool
}

// WithError attaches a Go error to a result that is already marked IsError.
func (r *ToolResult) WithError(err error) *ToolResult {
	r.Err = err
	return r
}

// NewToolResult builds a successful result whose ForUser mirrors ForLLM.
func NewToolResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, ForUser: forLLM}
}

// SilentResult builds a successful result that is recorded for the model
// but suppressed from the user-facing transcript (ForUser left empty).
func SilentResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM}
}

// AsyncResult builds a placeholder result for a tool that will deliver its
// real outcome later via AsyncCallback.
func AsyncResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, ForUser: forLLM, Async: true}
}

// ErrorResult builds a failed result from a plain message.
func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, ForUser: message, IsError: true}
}

// UserResult builds a successful result that has no machine-readable
// content for the model beyond a short acknowledgement, but a full
// rendering for the user (e.g. a diff or a rendered plan).
func UserResult(content string) *ToolResult {
	return &ToolResult{ForLLM: "(see rendered output)", ForUser: content}
}

// ToolDeclaration is the externally visible description of a Tool's
// contract: name, capability level, and JSON-schema parameters. The
// declared schema must be a superset of what Execute actually accepts.
type ToolDeclaration struct {
	Name           string
	Capability     CapabilityLevel
	Parameters     map[string]interface{}
	RequiresPolicy bool
}

// Validate checks a provider-supplied arguments object against the
// declared JSON schema, reporting InvalidInput-kind failures before the
// tool itself runs.
func (d ToolDeclaration) Validate(args map[string]interface{}) error {
	if d.Parameters == nil {
		return nil
	}
	raw, err := json.Marshal(d.Parameters)
	if err != nil {
		// A non-serializable declared schema is a programming error in the
		// tool itself, not a reason to reject caller input.
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil
	}
	return vterrors.Wrap(vterrors.KindInvalidInput, resolved.Validate(args))
}

// DeclarationOf builds a ToolDeclaration from a live Tool.
func DeclarationOf(t Tool) ToolDeclaration {
	return ToolDeclaration{
		Name:       t.Name(),
		Capability: t.Capability(),
		Parameters: t.Parameters(),
	}
}
