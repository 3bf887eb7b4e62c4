// Package anthropic converts between the canonical chat shapes and the
// Anthropic messages dialect. Streaming uses named SSE events
// (message_start, content_block_start/delta/stop, message_delta,
// message_stop), each framed as `event: <type>\ndata: <json>\n\n`.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
)

// Finish-reason translation tables.
var (
	toCanonicalFinish = map[string]string{
		"end_turn":   chat.FinishStop,
		"stop":       chat.FinishStop,
		"max_tokens": chat.FinishLength,
		"tool_use":   chat.FinishToolCalls,
	}
	fromCanonicalFinish = map[string]string{
		chat.FinishStop:      "end_turn",
		chat.FinishLength:    "max_tokens",
		chat.FinishToolCalls: "tool_use",
	}
)

// CanonicalFinish maps an Anthropic stop_reason to the canonical finish reason.
func CanonicalFinish(stop string) string {
	if f, ok := toCanonicalFinish[stop]; ok {
		return f
	}
	return chat.FinishStop
}

// StopReason maps a canonical finish reason to an Anthropic stop_reason.
func StopReason(finish string) string {
	if s, ok := fromCanonicalFinish[finish]; ok {
		return s
	}
	return "end_turn"
}

// ─── Wire types ───────────────────────────────────────────────────────────────

type (
	wireImageSource struct {
		Type      string `json:"type"` // base64 | url
		MediaType string `json:"media_type,omitempty"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
	}

	wireBlock struct {
		Type string `json:"type"`

		Text     string           `json:"text,omitempty"`
		Thinking string           `json:"thinking,omitempty"`
		Source   *wireImageSource `json:"source,omitempty"`

		// tool_use
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`

		// tool_result
		ToolUseID string          `json:"tool_use_id,omitempty"`
		Content   json.RawMessage `json:"content,omitempty"`
	}

	wireMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	wireTool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}

	wireToolChoice struct {
		Type string `json:"type"` // auto | any | tool | none
		Name string `json:"name,omitempty"`
	}

	wireRequest struct {
		Model       string          `json:"model"`
		System      json.RawMessage `json:"system,omitempty"`
		Messages    []wireMessage   `json:"messages"`
		MaxTokens   int             `json:"max_tokens"`
		Tools       []wireTool      `json:"tools,omitempty"`
		ToolChoice  *wireToolChoice `json:"tool_choice,omitempty"`
		Stream      bool            `json:"stream,omitempty"`
		Temperature *float64        `json:"temperature,omitempty"`
		TopP        *float64        `json:"top_p,omitempty"`
	}

	wireUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	wireResponse struct {
		ID         string      `json:"id"`
		Type       string      `json:"type"`
		Role       string      `json:"role"`
		Model      string      `json:"model"`
		Content    []wireBlock `json:"content"`
		StopReason string      `json:"stop_reason"`
		Usage      wireUsage   `json:"usage"`
	}
)

const defaultMaxTokens = 4096

// ─── Request mapping ──────────────────────────────────────────────────────────

// DecodeRequest parses an inbound Anthropic-dialect request body into the
// canonical shape.
func DecodeRequest(body []byte) (*chat.Request, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("anthropic: invalid JSON: %w", err)
	}
	if wr.Model == "" {
		return nil, fmt.Errorf("anthropic: field 'model' is required")
	}
	if wr.MaxTokens <= 0 {
		return nil, fmt.Errorf("anthropic: field 'max_tokens' is required")
	}

	req := &chat.Request{
		Model:       wr.Model,
		Stream:      wr.Stream,
		MaxTokens:   wr.MaxTokens,
		Temperature: wr.Temperature,
		TopP:        wr.TopP,
		Raw:         body,
	}

	if sys := decodeSystem(wr.System); sys != "" {
		req.Messages = append(req.Messages, chat.Message{Role: "system", Content: sys})
	}

	for _, m := range wr.Messages {
		req.Messages = append(req.Messages, decodeMessage(m)...)
	}

	for _, t := range wr.Tools {
		req.Tools = append(req.Tools, chat.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	if tc := wr.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto":
			req.ToolChoice = &chat.ToolChoice{Mode: "auto"}
		case "any":
			req.ToolChoice = &chat.ToolChoice{Mode: "required"}
		case "none":
			req.ToolChoice = &chat.ToolChoice{Mode: "none"}
		case "tool":
			req.ToolChoice = &chat.ToolChoice{Mode: "function", Name: tc.Name}
		}
	}

	return req, nil
}

// decodeSystem accepts either a bare string or a list of text blocks.
func decodeSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeMessage expands one Anthropic message into canonical turns. A user
// message holding tool_result blocks becomes separate role=tool messages.
func decodeMessage(m wireMessage) []chat.Message {
	role := strings.ToLower(m.Role)

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []chat.Message{{Role: role, Content: s}}
	}

	var blocks []wireBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}

	var out []chat.Message
	msg := chat.Message{Role: role}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, chat.Part{Type: "text", Text: b.Text})
		case "image":
			if b.Source != nil {
				msg.Parts = append(msg.Parts, chat.Part{Type: "image", ImageURL: imageURL(b.Source)})
			}
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		case "tool_result":
			out = append(out, chat.Message{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    decodeToolResultContent(b.Content),
			})
		}
	}
	if len(msg.Parts) > 0 || len(msg.ToolCalls) > 0 {
		out = append(out, msg)
	}
	return out
}

func decodeToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func imageURL(src *wireImageSource) string {
	if src.Type == "base64" {
		return "data:" + src.MediaType + ";base64," + src.Data
	}
	return src.URL
}

// EncodeRequest renders a canonical request as an Anthropic-dialect body.
func EncodeRequest(req *chat.Request, model string) ([]byte, error) {
	wr := wireRequest{
		Model:       model,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if wr.MaxTokens <= 0 {
		wr.MaxTokens = defaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			system = append(system, m.TextContent())
		case "tool":
			block := wireBlock{Type: "tool_result", ToolUseID: m.ToolCallID}
			raw, _ := json.Marshal(m.Content)
			block.Content = raw
			wr.Messages = appendBlocks(wr.Messages, "user", []wireBlock{block})
		case "assistant":
			blocks := contentBlocks(m)
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, wireBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			wr.Messages = appendBlocks(wr.Messages, "assistant", blocks)
		default:
			wr.Messages = appendBlocks(wr.Messages, "user", contentBlocks(m))
		}
	}
	if len(system) > 0 {
		raw, _ := json.Marshal(strings.Join(system, "\n"))
		wr.System = raw
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		wr.Tools = append(wr.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case "auto":
			wr.ToolChoice = &wireToolChoice{Type: "auto"}
		case "required":
			wr.ToolChoice = &wireToolChoice{Type: "any"}
		case "none":
			wr.ToolChoice = &wireToolChoice{Type: "none"}
		case "function":
			wr.ToolChoice = &wireToolChoice{Type: "tool", Name: tc.Name}
		}
	}

	return json.Marshal(wr)
}

func contentBlocks(m chat.Message) []wireBlock {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []wireBlock{{Type: "text", Text: m.Content}}
	}
	blocks := make([]wireBlock, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, wireBlock{Type: "text", Text: p.Text})
		case "image":
			blocks = append(blocks, wireBlock{Type: "image", Source: imageSource(p.ImageURL)})
		}
	}
	return blocks
}

// imageSource converts a data URI to a base64 source block; plain URLs use
// the url source type.
func imageSource(url string) *wireImageSource {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if found {
			return &wireImageSource{
				Type:      "base64",
				MediaType: strings.TrimSuffix(meta, ";base64"),
				Data:      data,
			}
		}
	}
	return &wireImageSource{Type: "url", URL: url}
}

func appendBlocks(msgs []wireMessage, role string, blocks []wireBlock) []wireMessage {
	if len(blocks) == 0 {
		return msgs
	}
	raw, _ := json.Marshal(blocks)
	return append(msgs, wireMessage{Role: role, Content: raw})
}

// ─── Full-response mapping ────────────────────────────────────────────────────

// DecodeResponse parses a full Anthropic-dialect response body.
func DecodeResponse(body []byte) (*chat.Response, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	resp := &chat.Response{
		ID:           wr.ID,
		Model:        wr.Model,
		FinishReason: CanonicalFinish(wr.StopReason),
		Usage: chat.Usage{
			InputTokens:  wr.Usage.InputTokens,
			OutputTokens: wr.Usage.OutputTokens,
		},
	}
	for _, b := range wr.Content {
		switch b.Type {
		case "text":
			resp.Content += b.Text
		case "thinking":
			resp.Reasoning += b.Thinking
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, chat.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	return resp, nil
}

// EncodeResponse renders a canonical response as an Anthropic-dialect body.
func EncodeResponse(resp *chat.Response) []byte {
	wr := wireResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: StopReason(resp.FinishReason),
		Usage: wireUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	if resp.Reasoning != "" {
		wr.Content = append(wr.Content, wireBlock{Type: "thinking", Thinking: resp.Reasoning})
	}
	if resp.Content != "" || len(resp.ToolCalls) == 0 {
		wr.Content = append(wr.Content, wireBlock{Type: "text", Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		input := json.RawMessage(tc.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		wr.Content = append(wr.Content, wireBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	body, _ := json.Marshal(wr)
	return body
}
