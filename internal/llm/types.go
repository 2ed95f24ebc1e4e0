// Package llm provides chat model client implementations.
package llm

import (
	"fmt"
	"time"
)

// Message represents a chat message for the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// ChatResponse is the unified response from a chat model.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
	EvalDuration  time.Duration
}

// MalformedToolCallError reports a tool call that the model produced
// but the caller could not act on: an unknown tool name, arguments
// that are not valid for the tool, or tool-call JSON embedded in text
// that did not parse. Callers use this to decide whether a corrective
// retry is worth attempting.
type MalformedToolCallError struct {
	Tool   string // tool name as the model wrote it, may be empty
	Detail string
}

func (e *MalformedToolCallError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("malformed tool call: %s", e.Detail)
	}
	return fmt.Sprintf("malformed tool call %q: %s", e.Tool, e.Detail)
}
