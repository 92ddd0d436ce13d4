package claude

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// streamMessage represents a JSON message from Claude's stream-json output.
// Only the fields vibes-core consumes are declared; everything else in the
// record is ignored by the decoder.
type streamMessage struct {
	Type    string `json:"type"`    // "system", "assistant", "user", "result", "stream_event"
	Subtype string `json:"subtype"` // "init", "success", "error_max_turns", ...
	Message struct {
		ID      string `json:"id,omitempty"`
		Content []struct {
			Type  string          `json:"type"` // "text", "tool_use", "tool_result"
			ID    string          `json:"id,omitempty"`
			Text  string          `json:"text,omitempty"`
			Name  string          `json:"name,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message"`
	SessionID    string   `json:"session_id,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	Model        string   `json:"model,omitempty"`
	Result       string   `json:"result,omitempty"`
	TotalCostUSD float64  `json:"total_cost_usd,omitempty"`
}

// ParseLine decodes one line of stream-json output into an Event.
// Returns (nil, false) for blank lines, non-JSON lines, records without a
// recognized type tag, and assistant records with no usable content. A line
// never produces an error: partial or garbled lines are expected during
// high-frequency streaming and are simply dropped.
func ParseLine(line string, log *slog.Logger) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	// Claude CLI with --verbose may write non-JSON informational lines to
	// stdout; skip them without attempting a decode.
	if !strings.HasPrefix(line, "{") {
		log.Debug("skipping non-JSON line from Claude CLI", "line", truncateForLog(line))
		return nil, false
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Warn("failed to parse stream message", "error", err, "line", truncateForLog(line))
		return nil, false
	}

	switch msg.Type {
	case "system":
		if msg.Subtype != "init" {
			return nil, false
		}
		return SessionInit{
			SessionID: msg.SessionID,
			Tools:     msg.Tools,
			Model:     msg.Model,
		}, true

	case "assistant":
		var text strings.Builder
		var tools []ToolUse
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "tool_use":
				tools = append(tools, ToolUse{
					ID:     block.ID,
					Name:   block.Name,
					Input:  block.Input,
					Status: ToolStatusRunning,
				})
			}
		}
		if text.Len() == 0 && len(tools) == 0 {
			return nil, false
		}
		return AssistantDelta{
			MessageID: msg.Message.ID,
			Text:      text.String(),
			ToolUses:  tools,
		}, true

	case "result":
		outcome := OutcomeError
		if msg.Subtype == "success" {
			outcome = OutcomeSuccess
		}
		return RunResult{
			Outcome:      outcome,
			Result:       msg.Result,
			TotalCostUSD: msg.TotalCostUSD,
		}, true

	case "":
		log.Warn("unrecognized JSON message without type tag", "line", truncateForLog(line))
		return nil, false

	default:
		// Unknown event types (stream_event, user, ...) are ignored so new
		// CLI versions can add types without breaking the pipeline.
		log.Debug("ignoring stream message", "type", msg.Type)
		return nil, false
	}
}

// truncateForLog truncates long strings for log messages
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
