// Package chat defines the canonical chat-completion shapes shared by every
// protocol translator and adapter. The shapes follow the OpenAI chat API:
// role-tagged messages, optional tool declarations, and a response carrying
// assistant content, tool calls, a finish reason, and token usage.
package chat

import "encoding/json"

// Dialect identifies one of the supported wire dialects.
type Dialect string

const (
	DialectOpenAI      Dialect = "openai"
	DialectAnthropic   Dialect = "anthropic"
	DialectCodeAssist  Dialect = "codeassist"
	DialectEventStream Dialect = "eventstream"
)

// Canonical finish reasons (OpenAI naming).
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

type (
	// Part is one element of a multimodal message content array.
	Part struct {
		Type     string // "text" | "image"
		Text     string
		ImageURL string // data URI or https URL
	}

	// ToolCall is an assistant-issued function invocation.
	// Arguments is the JSON-encoded argument object.
	ToolCall struct {
		ID        string
		Name      string
		Arguments string
	}

	// Tool declares a callable function offered to the model.
	Tool struct {
		Name        string
		Description string
		Parameters  json.RawMessage // JSON schema
	}

	// ToolChoice directs tool selection: "auto", "none", "required", or a
	// specific function name.
	ToolChoice struct {
		Mode string // auto | none | required | function
		Name string // set when Mode == "function"
	}

	// Message is one turn in a conversation.
	//
	// Content holds plain text; Parts is set instead for multimodal turns.
	// Assistant turns may carry ToolCalls; tool-result turns (role "tool")
	// reference the originating call via ToolCallID.
	Message struct {
		Role       string // system | user | assistant | tool
		Content    string
		Parts      []Part
		ToolCalls  []ToolCall
		ToolCallID string
	}

	// Request is the canonical chat-completion request.
	//
	// Raw preserves the inbound body bytes so passthrough adapters can forward
	// the client request unchanged apart from model-prefix stripping.
	Request struct {
		Model       string
		Messages    []Message
		Tools       []Tool
		ToolChoice  *ToolChoice
		Stream      bool
		MaxTokens   int
		Temperature *float64
		TopP        *float64

		Raw []byte
	}

	// Usage carries token counts and, when the upstream reports one, the
	// dollar cost of the call.
	Usage struct {
		InputTokens  int
		OutputTokens int
		Cost         float64 // 0 when the upstream reports no cost
	}

	// Response is the canonical full (non-streaming) response.
	Response struct {
		ID           string
		Model        string
		Content      string
		Reasoning    string
		ToolCalls    []ToolCall
		FinishReason string
		Usage        Usage
	}
)

// BlockKind is the kind of an open streaming content block.
type BlockKind string

const (
	BlockText      BlockKind = "text"
	BlockReasoning BlockKind = "reasoning"
	BlockToolUse   BlockKind = "tool_use"
)

// EventType is the lifecycle stage of a StreamEvent.
type EventType string

const (
	EventBlockStart EventType = "block_start"
	EventDelta      EventType = "delta"
	EventBlockStop  EventType = "block_stop"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// StreamEvent is one canonical streaming event. A stream is a sequence of
// block start/delta/stop triples followed by exactly one terminal done event.
type StreamEvent struct {
	Type  EventType
	Block BlockKind

	// Index is the zero-based ordinal of the block within the message.
	Index int

	// Text is the delta payload: content text, reasoning text, or a fragment
	// of JSON-encoded tool arguments depending on Block.
	Text string

	// Tool identifies the call for tool_use block starts.
	Tool *ToolCall

	// Terminal fields, set on done/error events.
	FinishReason string
	Usage        *Usage
	Err          error
}

// TextContent returns the message's plain-text content, flattening parts if
// needed.
func (m *Message) TextContent() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	out := ""
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}
