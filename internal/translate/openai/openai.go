// Package openai converts between the canonical chat shapes and the OpenAI
// chat-completions dialect, in both directions and in full and streaming
// modes. Streaming uses `data: <json>\n\n` chunks terminated by a literal
// `data: [DONE]\n\n`.
package openai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/translate"
)

// ─── Wire types ───────────────────────────────────────────────────────────────

type (
	wireContentPart struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url,omitempty"`
	}

	wireFunction struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	wireTool struct {
		Type     string       `json:"type"`
		Function wireFunction `json:"function"`
	}

	wireToolCall struct {
		Index    *int   `json:"index,omitempty"`
		ID       string `json:"id,omitempty"`
		Type     string `json:"type,omitempty"`
		Function struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments,omitempty"`
		} `json:"function"`
	}

	wireMessage struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content,omitempty"`
		Reasoning  string          `json:"reasoning_content,omitempty"`
		ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
	}

	wireRequest struct {
		Model       string          `json:"model"`
		Messages    []wireMessage   `json:"messages"`
		Tools       []wireTool      `json:"tools,omitempty"`
		ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
		Stream      bool            `json:"stream,omitempty"`
		MaxTokens   int             `json:"max_tokens,omitempty"`
		Temperature *float64        `json:"temperature,omitempty"`
		TopP        *float64        `json:"top_p,omitempty"`
	}

	wireUsage struct {
		PromptTokens     int     `json:"prompt_tokens"`
		CompletionTokens int     `json:"completion_tokens"`
		TotalTokens      int     `json:"total_tokens"`
		Cost             float64 `json:"cost,omitempty"`
	}

	wireChoice struct {
		Index        int          `json:"index"`
		Message      *wireMessage `json:"message,omitempty"`
		Delta        *wireMessage `json:"delta,omitempty"`
		FinishReason *string      `json:"finish_reason"`
	}

	wireResponse struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []wireChoice `json:"choices"`
		Usage   *wireUsage   `json:"usage,omitempty"`
	}
)

// ─── Request mapping ──────────────────────────────────────────────────────────

// DecodeRequest parses an inbound OpenAI-dialect request body into the
// canonical shape. The raw body is preserved for passthrough forwarding.
func DecodeRequest(body []byte) (*chat.Request, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("openai: invalid JSON: %w", err)
	}
	if wr.Model == "" {
		return nil, fmt.Errorf("openai: field 'model' is required")
	}
	if len(wr.Messages) == 0 {
		return nil, fmt.Errorf("openai: field 'messages' must not be empty")
	}

	req := &chat.Request{
		Model:       wr.Model,
		Stream:      wr.Stream,
		MaxTokens:   wr.MaxTokens,
		Temperature: wr.Temperature,
		TopP:        wr.TopP,
		Raw:         body,
	}

	for _, m := range wr.Messages {
		msg := chat.Message{Role: strings.ToLower(m.Role), ToolCallID: m.ToolCallID}
		msg.Content, msg.Parts = decodeContent(m.Content)
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range wr.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, chat.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	req.ToolChoice = decodeToolChoice(wr.ToolChoice)
	return req, nil
}

// decodeContent accepts the OpenAI content union: a bare string, null, or an
// array of typed parts.
func decodeContent(raw json.RawMessage) (string, []chat.Part) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []wireContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil
	}
	out := make([]chat.Part, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, chat.Part{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				out = append(out, chat.Part{Type: "image", ImageURL: p.ImageURL.URL})
			}
		}
	}
	return "", out
}

func decodeToolChoice(raw json.RawMessage) *chat.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto", "none", "required":
			return &chat.ToolChoice{Mode: s}
		}
		return nil
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &chat.ToolChoice{Mode: "function", Name: obj.Function.Name}
	}
	return nil
}

// EncodeRequest renders a canonical request as an OpenAI-dialect body, used
// when the upstream speaks this dialect but the inbound surface did not.
func EncodeRequest(req *chat.Request, model string) ([]byte, error) {
	wr := wireRequest{
		Model:       model,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, ToolCallID: m.ToolCallID}
		wm.Content = encodeContent(m)
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wr.Messages = append(wr.Messages, wm)
	}

	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	if tc := req.ToolChoice; tc != nil {
		if tc.Mode == "function" {
			raw, _ := json.Marshal(map[string]any{
				"type":     "function",
				"function": map[string]string{"name": tc.Name},
			})
			wr.ToolChoice = raw
		} else {
			raw, _ := json.Marshal(tc.Mode)
			wr.ToolChoice = raw
		}
	}

	return json.Marshal(wr)
}

func encodeContent(m chat.Message) json.RawMessage {
	if len(m.Parts) == 0 {
		if m.Content == "" && len(m.ToolCalls) > 0 {
			return nil
		}
		raw, _ := json.Marshal(m.Content)
		return raw
	}
	parts := make([]wireContentPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "text":
			parts = append(parts, wireContentPart{Type: "text", Text: p.Text})
		case "image":
			wp := wireContentPart{Type: "image_url"}
			wp.ImageURL = &struct {
				URL string `json:"url"`
			}{URL: p.ImageURL}
			parts = append(parts, wp)
		}
	}
	raw, _ := json.Marshal(parts)
	return raw
}

// ─── Full-response mapping ────────────────────────────────────────────────────

// DecodeResponse parses a full OpenAI-dialect response body.
func DecodeResponse(body []byte) (*chat.Response, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	resp := &chat.Response{ID: wr.ID, Model: wr.Model, FinishReason: chat.FinishStop}
	if wr.Usage != nil {
		resp.Usage = chat.Usage{
			InputTokens:  wr.Usage.PromptTokens,
			OutputTokens: wr.Usage.CompletionTokens,
			Cost:         wr.Usage.Cost,
		}
	}
	if len(wr.Choices) == 0 || wr.Choices[0].Message == nil {
		return resp, nil
	}

	c := wr.Choices[0]
	if c.FinishReason != nil && *c.FinishReason != "" {
		resp.FinishReason = *c.FinishReason
	}
	resp.Content, _ = decodeContentText(c.Message.Content)
	resp.Reasoning = c.Message.Reasoning
	for _, tc := range c.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, chat.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if len(resp.ToolCalls) > 0 && resp.FinishReason == chat.FinishStop {
		resp.FinishReason = chat.FinishToolCalls
	}
	return resp, nil
}

func decodeContentText(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return "", false
}

// EncodeResponse renders a canonical response as an OpenAI-dialect body.
func EncodeResponse(resp *chat.Response) []byte {
	msg := &wireMessage{Role: "assistant"}
	raw, _ := json.Marshal(resp.Content)
	msg.Content = raw
	msg.Reasoning = resp.Reasoning
	for _, tc := range resp.ToolCalls {
		wtc := wireToolCall{ID: tc.ID, Type: "function"}
		wtc.Function.Name = tc.Name
		wtc.Function.Arguments = tc.Arguments
		msg.ToolCalls = append(msg.ToolCalls, wtc)
	}

	finish := resp.FinishReason
	out := wireResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []wireChoice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage: &wireUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			Cost:             resp.Usage.Cost,
		},
	}
	body, _ := json.Marshal(out)
	return body
}

// ─── Streaming decode ─────────────────────────────────────────────────────────

// StreamDecoder turns OpenAI-dialect SSE bytes into canonical stream events.
// Partial chunks are buffered; unparsable frames are skipped, not fatal.
type StreamDecoder struct {
	splitter translate.SSESplitter
	tracker  translate.BlockTracker

	// Tool-call state: upstream deltas address calls by index.
	openToolIndex int
}

// NewStreamDecoder creates a decoder for one response stream.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{openToolIndex: -1}
}

// Feed consumes one network chunk and returns the canonical events it
// completes.
func (d *StreamDecoder) Feed(p []byte) []chat.StreamEvent {
	var evs []chat.StreamEvent
	for _, frame := range d.splitter.Feed(p) {
		f := translate.ParseSSEFrame(frame)
		if f.Data == "" {
			continue
		}
		if f.Data == "[DONE]" {
			evs = append(evs, d.tracker.Flush()...)
			continue
		}
		var wr wireResponse
		if err := json.Unmarshal([]byte(f.Data), &wr); err != nil {
			continue // tolerate malformed frames
		}
		evs = append(evs, d.chunk(&wr)...)
	}
	return evs
}

// Close flushes the stream, closing any open block and emitting the terminal
// event when the upstream ended without [DONE].
func (d *StreamDecoder) Close() []chat.StreamEvent {
	return d.tracker.Flush()
}

func (d *StreamDecoder) chunk(wr *wireResponse) []chat.StreamEvent {
	var evs []chat.StreamEvent
	if wr.Usage != nil {
		d.tracker.SetUsage(chat.Usage{
			InputTokens:  wr.Usage.PromptTokens,
			OutputTokens: wr.Usage.CompletionTokens,
			Cost:         wr.Usage.Cost,
		})
	}
	if len(wr.Choices) == 0 {
		return evs
	}
	c := wr.Choices[0]
	if c.Delta != nil {
		if c.Delta.Reasoning != "" {
			evs = append(evs, d.tracker.Delta(chat.BlockReasoning, c.Delta.Reasoning)...)
		}
		if text, ok := decodeContentText(c.Delta.Content); ok && text != "" {
			evs = append(evs, d.tracker.Delta(chat.BlockText, text)...)
		}
		for _, tc := range c.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if tc.Function.Name != "" || idx != d.openToolIndex {
				evs = append(evs, d.tracker.ToolStart(tc.ID, tc.Function.Name)...)
				d.openToolIndex = idx
			}
			evs = append(evs, d.tracker.ToolArgs(tc.Function.Arguments)...)
		}
	}
	if c.FinishReason != nil && *c.FinishReason != "" {
		d.tracker.SetFinish(*c.FinishReason)
	}
	return evs
}

// ─── Streaming encode ─────────────────────────────────────────────────────────

// StreamEncoder renders canonical stream events as OpenAI-dialect SSE bytes.
type StreamEncoder struct {
	ID      string
	Model   string
	created int64

	toolIndex int
}

// NewStreamEncoder creates an encoder for one response stream.
func NewStreamEncoder(id, model string) *StreamEncoder {
	return &StreamEncoder{ID: id, Model: model, created: time.Now().Unix(), toolIndex: -1}
}

// Event renders one canonical event. Events with no OpenAI representation
// (block stops) produce nil.
func (e *StreamEncoder) Event(ev chat.StreamEvent) []byte {
	switch ev.Type {
	case chat.EventBlockStart:
		if ev.Block != chat.BlockToolUse || ev.Tool == nil {
			return nil
		}
		e.toolIndex++
		idx := e.toolIndex
		delta := &wireMessage{Role: "assistant"}
		wtc := wireToolCall{Index: &idx, ID: ev.Tool.ID, Type: "function"}
		wtc.Function.Name = ev.Tool.Name
		delta.ToolCalls = []wireToolCall{wtc}
		return e.frame(delta, nil, nil)

	case chat.EventDelta:
		delta := &wireMessage{}
		switch ev.Block {
		case chat.BlockText:
			raw, _ := json.Marshal(ev.Text)
			delta.Content = raw
		case chat.BlockReasoning:
			delta.Reasoning = ev.Text
		case chat.BlockToolUse:
			idx := e.toolIndex
			if idx < 0 {
				idx = 0
			}
			wtc := wireToolCall{Index: &idx}
			wtc.Function.Arguments = ev.Text
			delta.ToolCalls = []wireToolCall{wtc}
		}
		return e.frame(delta, nil, nil)

	case chat.EventDone:
		finish := ev.FinishReason
		var usage *wireUsage
		if ev.Usage != nil {
			usage = &wireUsage{
				PromptTokens:     ev.Usage.InputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
				Cost:             ev.Usage.Cost,
			}
		}
		out := e.frame(&wireMessage{}, &finish, usage)
		return append(out, []byte("data: [DONE]\n\n")...)
	}
	return nil
}

func (e *StreamEncoder) frame(delta *wireMessage, finish *string, usage *wireUsage) []byte {
	wr := wireResponse{
		ID:      e.ID,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.Model,
		Choices: []wireChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
	data, _ := json.Marshal(wr)
	return []byte("data: " + string(data) + "\n\n")
}
