// Package chat holds the conversation state machine. It is a pure fold
// over run events: no I/O, no callbacks, each transition returns the next
// state. The caller owns delivery order and routing.
package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/vibes-agent/vibes-core/claude"
)

// Status is the run status of a conversation.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusThinking  Status = "thinking"
	StatusExecuting Status = "executing"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// Role identifies a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AttachedImage is an image the user attached to a message.
type AttachedImage struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// Message is one transcript entry. Once Streaming is false the message is
// immutable; at most the trailing assistant message may be streaming.
type Message struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Images    []AttachedImage  `json:"images,omitempty"`
	ToolUses  []claude.ToolUse `json:"toolUses,omitempty"`
	Streaming bool             `json:"streaming,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// State is one conversation's complete reducer output.
type State struct {
	Status          Status
	Messages        []Message
	ClaudeSessionID string // resume token from the most recent SessionInit
	CurrentTools    []claude.ToolUse
	TotalCost       float64
}

// NewState returns an empty idle conversation.
func NewState() State {
	return State{Status: StatusIdle}
}

// Apply folds one run event into the state.
func (s State) Apply(ev claude.Event) State {
	switch ev := ev.(type) {
	case claude.SessionInit:
		return s.applyInit(ev)
	case claude.AssistantDelta:
		return s.applyDelta(ev)
	case claude.RunResult:
		return s.applyResult(ev)
	default:
		return s
	}
}

func (s State) applyInit(ev claude.SessionInit) State {
	s.ClaudeSessionID = ev.SessionID
	s.Status = StatusThinking
	return s
}

// applyDelta extends the trailing streaming assistant message, or starts a
// new one when none is streaming. Tool-bearing deltas move the conversation
// to executing and register the invocations as running.
func (s State) applyDelta(ev claude.AssistantDelta) State {
	messages := cloneMessages(s.Messages)

	if n := len(messages); n > 0 && messages[n-1].Role == RoleAssistant && messages[n-1].Streaming {
		last := &messages[n-1]
		last.Content += ev.Text
		last.ToolUses = mergeToolUses(last.ToolUses, ev.ToolUses)
	} else {
		id := ev.MessageID
		if id == "" {
			id = uuid.NewString()
		}
		messages = append(messages, Message{
			ID:        id,
			Role:      RoleAssistant,
			Content:   ev.Text,
			ToolUses:  ev.ToolUses,
			Streaming: true,
			Timestamp: time.Now(),
		})
	}

	s.Messages = messages
	if len(ev.ToolUses) > 0 {
		s.Status = StatusExecuting
		s.CurrentTools = mergeToolUses(s.CurrentTools, ev.ToolUses)
	} else if s.Status != StatusExecuting {
		s.Status = StatusThinking
	}
	return s
}

// applyResult is the terminal transition: finalize the streaming message,
// implicitly finish any still-running invocations, and record the run's
// authoritative cumulative cost.
func (s State) applyResult(ev claude.RunResult) State {
	s.Messages = finalizeMessages(s.Messages, claude.ToolStatusDone)
	s.CurrentTools = nil
	s.TotalCost = ev.TotalCostUSD
	if ev.Outcome == claude.OutcomeSuccess {
		s.Status = StatusDone
	} else {
		s.Status = StatusError
	}
	return s
}

// ApplyError records a user-visible failure: a synthetic assistant message
// carrying the error text, status error, invocations cleared.
func (s State) ApplyError(text string) State {
	s.Messages = finalizeMessages(s.Messages, claude.ToolStatusError)
	s.Messages = append(s.Messages, Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   text,
		Timestamp: time.Now(),
	})
	s.CurrentTools = nil
	s.Status = StatusError
	return s
}

// ApplyComplete handles process exit. With no terminal result the run is an
// implicit completion: an in-flight conversation resolves to done and keeps
// its partial transcript. A run that already delivered its result has
// nothing left to resolve beyond finalizing any stray streaming message.
func (s State) ApplyComplete(result *claude.RunResult) State {
	s.Messages = finalizeMessages(s.Messages, claude.ToolStatusDone)
	if result == nil && (s.Status == StatusThinking || s.Status == StatusExecuting) {
		s.Status = StatusDone
		s.CurrentTools = nil
	}
	return s
}

// ApplyStop resolves a user-initiated cancellation. Transcript content is
// kept as-is; the trailing streaming message is finalized at idle.
func (s State) ApplyStop() State {
	s.Messages = finalizeMessages(s.Messages, claude.ToolStatusDone)
	s.CurrentTools = nil
	s.Status = StatusIdle
	return s
}

// AppendUser adds a user message and moves the conversation to thinking.
func (s State) AppendUser(text string, images []AttachedImage) State {
	messages := cloneMessages(s.Messages)
	messages = append(messages, Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		Images:    images,
		Timestamp: time.Now(),
	})
	s.Messages = messages
	s.Status = StatusThinking
	return s
}

// ResetIdle returns the conversation to idle without touching the
// transcript. Used when reattaching a loaded session whose last run ended.
func (s State) ResetIdle() State {
	s.Status = StatusIdle
	return s
}

// cloneMessages copies the slice so a prior state's transcript is never
// mutated through a later one.
func cloneMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// finalizeMessages clears the streaming flag on the trailing message and
// resolves its running invocations to the given terminal status.
func finalizeMessages(messages []Message, toolStatus claude.ToolUseStatus) []Message {
	n := len(messages)
	if n == 0 || !messages[n-1].Streaming {
		return messages
	}
	out := cloneMessages(messages)
	last := &out[n-1]
	last.Streaming = false
	if len(last.ToolUses) > 0 {
		tools := make([]claude.ToolUse, len(last.ToolUses))
		copy(tools, last.ToolUses)
		for i := range tools {
			if tools[i].Status == claude.ToolStatusRunning {
				tools[i].Status = toolStatus
			}
		}
		last.ToolUses = tools
	}
	return out
}

// mergeToolUses appends incoming invocations, replacing any existing entry
// with the same id so repeated mentions update in place.
func mergeToolUses(existing, incoming []claude.ToolUse) []claude.ToolUse {
	if len(incoming) == 0 {
		return existing
	}
	out := make([]claude.ToolUse, len(existing), len(existing)+len(incoming))
	copy(out, existing)
next:
	for _, tool := range incoming {
		for i := range out {
			if out[i].ID == tool.ID {
				out[i] = tool
				continue next
			}
		}
		out = append(out, tool)
	}
	return out
}
