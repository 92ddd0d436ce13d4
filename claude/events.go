package claude

import "encoding/json"

// Event is one decoded record from the Claude CLI's stream-json output.
// The set of variants is closed: SessionInit, AssistantDelta, RunResult.
// Lines that don't decode to one of these produce no event at all.
type Event interface {
	// kind is unexported to seal the union: only this package's event
	// types can satisfy Event.
	kind() string
}

// SessionInit is the CLI's initial handshake for a run. It carries the
// session ID the CLI assigned, which callers must reuse on future turns
// to continue the conversation.
type SessionInit struct {
	SessionID string
	Tools     []string
	Model     string
}

func (SessionInit) kind() string { return "system" }

// AssistantDelta is an incremental assistant message update. Text is the
// fragment to append to the in-progress message; ToolUses lists any tool
// calls the delta introduced, each starting out as running.
type AssistantDelta struct {
	MessageID string
	Text      string
	ToolUses  []ToolUse
}

func (AssistantDelta) kind() string { return "assistant" }

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// RunResult is the terminal event of a run. Its Outcome field is
// authoritative: once a RunResult has been delivered, the process exit code
// is no longer consulted. TotalCostUSD is the cumulative cost for the
// CLI session, not the delta for this run.
type RunResult struct {
	Outcome      Outcome
	Result       string
	TotalCostUSD float64
}

func (RunResult) kind() string { return "result" }

// ToolUseStatus tracks the lifecycle of a single tool invocation.
type ToolUseStatus string

const (
	ToolStatusRunning ToolUseStatus = "running"
	ToolStatusDone    ToolUseStatus = "done"
	ToolStatusError   ToolUseStatus = "error"
)

// ToolUse represents one tool call surfaced by the agent. The stream does
// not always emit explicit completion for a tool call; still-running tool
// uses are implicitly finalized when the run's RunResult arrives.
type ToolUse struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Status ToolUseStatus   `json:"status"`
}
