package codeassist

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/translate"
)

func TestEncodeRequest(t *testing.T) {
	req := &chat.Request{
		Model: "gemini-2.5-pro",
		Messages: []chat.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "checking", ToolCalls: []chat.ToolCall{
				{ID: "call_1", Name: "lookup", Arguments: `{"q":"go"}`},
			}},
			{Role: "tool", ToolCallID: "call_1", Content: "found"},
		},
		Tools:      []chat.Tool{{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)}},
		ToolChoice: &chat.ToolChoice{Mode: "function", Name: "lookup"},
		MaxTokens:  512,
	}

	body, err := EncodeRequest(req, "gemini-2.5-pro", "proj-1")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if wr.Model != "gemini-2.5-pro" || wr.Project != "proj-1" {
		t.Errorf("envelope = model %q project %q", wr.Model, wr.Project)
	}
	inner := wr.Request
	if inner.SystemInstruction == nil || inner.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("system instruction = %+v", inner.SystemInstruction)
	}
	if len(inner.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(inner.Contents))
	}
	if inner.Contents[0].Role != "user" || inner.Contents[1].Role != "model" {
		t.Errorf("roles = %q, %q", inner.Contents[0].Role, inner.Contents[1].Role)
	}
	// The assistant turn carries both its text and the function call.
	model := inner.Contents[1]
	if len(model.Parts) != 2 || model.Parts[1].FunctionCall == nil || model.Parts[1].FunctionCall.Name != "lookup" {
		t.Errorf("model parts = %+v", model.Parts)
	}
	// The tool turn resolves its function name from the originating call.
	fr := inner.Contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "lookup" || fr.Response["result"] != "found" {
		t.Errorf("function response = %+v", fr)
	}
	if len(inner.Tools) != 1 || inner.Tools[0].FunctionDeclarations[0].Name != "lookup" {
		t.Errorf("tools = %+v", inner.Tools)
	}
	cfg := inner.ToolConfig.FunctionCallingConfig
	if cfg.Mode != "ANY" || len(cfg.AllowedFunctionNames) != 1 {
		t.Errorf("tool config = %+v", cfg)
	}
	if inner.GenerationConfig == nil || inner.GenerationConfig.MaxOutputTokens != 512 {
		t.Errorf("generation config = %+v", inner.GenerationConfig)
	}
}

func TestEncodeRequestInlineImage(t *testing.T) {
	req := &chat.Request{
		Model: "gemini-2.5-flash",
		Messages: []chat.Message{
			{Role: "user", Parts: []chat.Part{
				{Type: "text", Text: "what is this?"},
				{Type: "image", ImageURL: "data:image/png;base64,AAAA"},
			}},
		},
	}
	body, err := EncodeRequest(req, "gemini-2.5-flash", "")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if !strings.Contains(string(body), `"mimeType":"image/png"`) {
		t.Errorf("inline data missing:\n%s", body)
	}
}

func TestDecodeResponse(t *testing.T) {
	body := []byte(`{"response": {
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "hmm", "thought": true},
				{"text": "hello"},
				{"functionCall": {"name": "lookup", "args": {"q": "go"}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 11, "candidatesTokenCount": 5, "thoughtsTokenCount": 3}
	}}`)

	resp, err := DecodeResponse(body, "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.Content != "hello" || resp.Reasoning != "hmm" {
		t.Errorf("content=%q reasoning=%q", resp.Content, resp.Reasoning)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "lookup" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	// Synthesized call id, STOP upgraded to tool_calls when calls are present.
	if resp.ToolCalls[0].ID == "" {
		t.Error("missing synthesized call id")
	}
	if resp.FinishReason != chat.FinishToolCalls {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	// Thought tokens count toward output.
	if resp.Usage.InputTokens != 11 || resp.Usage.OutputTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestDecodeResponseBare(t *testing.T) {
	body := []byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"MAX_TOKENS"}]}`)
	resp, err := DecodeResponse(body, "gemini-2.5-flash")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.Content != "hi" || resp.FinishReason != chat.FinishLength {
		t.Errorf("resp = %+v", resp)
	}
}

func TestStreamDecoder(t *testing.T) {
	d := NewStreamDecoder()

	var evs []chat.StreamEvent
	feed := func(s string) { evs = append(evs, d.Feed([]byte(s))...) }

	feed(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"hel"}]}}]}}` + "\n\n")
	// Frame split across chunks.
	feed(`data: {"response":{"candidates":[{"content":`)
	feed(`{"parts":[{"text":"lo"}]}}]}}` + "\n\n")
	feed(`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{"q":1}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":4}}}` + "\n\n")
	evs = append(evs, d.Close()...)

	resp := translate.Collect(evs)
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments != `{"q":1}` {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != chat.FinishToolCalls {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestStreamDecoderEOFWithoutFinish(t *testing.T) {
	d := NewStreamDecoder()
	evs := d.Feed([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"par"}]}}]}}` + "\n\n"))
	evs = append(evs, d.Close()...)

	last := evs[len(evs)-1]
	if last.Type != chat.EventDone || last.FinishReason != chat.FinishStop {
		t.Errorf("terminal event = %+v", last)
	}
}
