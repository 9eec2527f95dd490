// Package streamjson implements the newline-delimited JSON protocol spoken
// by the agent provider CLI over stdin/stdout. Each stdout line is one JSON
// event; prompts are written to stdin as user message lines.
package streamjson

import "encoding/json"

// Event types emitted by the provider CLI.
const (
	// EventTypeSystem is the initial handshake event carrying the
	// provider-assigned session ID.
	EventTypeSystem = "system"
	// EventTypeAssistant carries assistant output content blocks.
	EventTypeAssistant = "assistant"
	// EventTypeUser echoes tool results fed back into the conversation.
	EventTypeUser = "user"
	// EventTypeResult is the terminal event of a headless run.
	EventTypeResult = "result"
	// EventTypeError reports a provider-side failure.
	EventTypeError = "error"
)

// System event subtypes.
const (
	SubtypeInit = "init"
)

// Event is one line of provider stdout. The type field selects which of the
// remaining fields are populated.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system events
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	CWD       string `json:"cwd,omitempty"`

	// For assistant and user events
	Message *MessageBody `json:"message,omitempty"`

	// For result events. Result may be a string or an object.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`

	// For error events
	Error string `json:"error,omitempty"`

	// Raw holds the original line for consumers that need fields this
	// struct does not model.
	Raw json.RawMessage `json:"-"`
}

// MessageBody is the content envelope of assistant and user events.
type MessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// ContentBlock is one block inside a message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ResultText returns the result field as a string when it is one.
func (e *Event) ResultText() string {
	if len(e.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Result, &s); err != nil {
		return ""
	}
	return s
}

// UserMessage is written to provider stdin to deliver a prompt.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the prompt content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}
