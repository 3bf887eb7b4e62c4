// Package codeassist converts between the canonical chat shapes and Google's
// internal code-assist protocol: generateContent requests wrapped in a
// `{"project", "model", "request"}` envelope and `alt=sse` framed
// `{"response": GenerateContentResponse}` replies. Wire shapes reuse the
// genai SDK types so field names and casing match the service exactly.
package codeassist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/translate"
)

// ─── Wire types ───────────────────────────────────────────────────────────────

type (
	wireFunctionDecl struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	wireTool struct {
		FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations"`
	}

	wireGenerationConfig struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	}

	wireFunctionCallingConfig struct {
		Mode                 string   `json:"mode"`
		AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
	}

	wireToolConfig struct {
		FunctionCallingConfig wireFunctionCallingConfig `json:"functionCallingConfig"`
	}

	// wireInnerRequest is the generateContent request proper.
	wireInnerRequest struct {
		Contents          []*genai.Content      `json:"contents"`
		SystemInstruction *genai.Content        `json:"systemInstruction,omitempty"`
		Tools             []wireTool            `json:"tools,omitempty"`
		ToolConfig        *wireToolConfig       `json:"toolConfig,omitempty"`
		GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
	}

	// wireRequest is the code-assist envelope around the inner request.
	wireRequest struct {
		Model   string           `json:"model"`
		Project string           `json:"project,omitempty"`
		Request wireInnerRequest `json:"request"`
	}

	// wireResponse is the code-assist reply envelope. Some responses arrive
	// bare, without the envelope; decode handles both.
	wireResponse struct {
		Response *genai.GenerateContentResponse `json:"response"`
	}
)

// ─── Request mapping ──────────────────────────────────────────────────────────

// EncodeRequest renders a canonical request as a code-assist envelope body.
func EncodeRequest(req *chat.Request, model, project string) ([]byte, error) {
	inner := wireInnerRequest{}

	// Tool-call ids are not carried on function responses in this dialect;
	// resolve names from the originating assistant calls.
	callNames := map[string]string{}
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			callNames[tc.ID] = tc.Name
		}
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			system = append(system, m.TextContent())
		case "assistant":
			content := &genai.Content{Role: genai.RoleModel}
			content.Parts = append(content.Parts, textParts(m)...)
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Arguments), &args)
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
			if len(content.Parts) > 0 {
				inner.Contents = append(inner.Contents, content)
			}
		case "tool":
			name := callNames[m.ToolCallID]
			if name == "" {
				name = m.ToolCallID
			}
			inner.Contents = append(inner.Contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     name,
						Response: map[string]any{"result": m.TextContent()},
					},
				}},
			})
		default:
			parts := textParts(m)
			if len(parts) > 0 {
				inner.Contents = append(inner.Contents, &genai.Content{
					Role:  genai.RoleUser,
					Parts: parts,
				})
			}
		}
	}
	if len(system) > 0 {
		inner.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n")}},
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]wireFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, wireFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		inner.Tools = []wireTool{{FunctionDeclarations: decls}}
	}

	if tc := req.ToolChoice; tc != nil {
		cfg := wireFunctionCallingConfig{Mode: "AUTO"}
		switch tc.Mode {
		case "none":
			cfg.Mode = "NONE"
		case "required":
			cfg.Mode = "ANY"
		case "function":
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{tc.Name}
		}
		inner.ToolConfig = &wireToolConfig{FunctionCallingConfig: cfg}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 {
		inner.GenerationConfig = &wireGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	return json.Marshal(wireRequest{Model: model, Project: project, Request: inner})
}

func textParts(m chat.Message) []*genai.Part {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []*genai.Part{{Text: m.Content}}
	}
	parts := make([]*genai.Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "text":
			parts = append(parts, &genai.Part{Text: p.Text})
		case "image":
			if blob := inlineBlob(p.ImageURL); blob != nil {
				parts = append(parts, &genai.Part{InlineData: blob})
			}
		}
	}
	return parts
}

// inlineBlob decodes a base64 data URI into native binary inline data.
func inlineBlob(url string) *genai.Blob {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil
	}
	return &genai.Blob{MIMEType: strings.TrimSuffix(meta, ";base64"), Data: raw}
}

// ─── Response mapping ─────────────────────────────────────────────────────────

func canonicalFinish(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonMaxTokens:
		return chat.FinishLength
	default:
		return chat.FinishStop
	}
}

// DecodeResponse parses a full code-assist response body, with or without the
// `{"response": ...}` envelope.
func DecodeResponse(body []byte, model string) (*chat.Response, error) {
	gr, err := unwrap(body)
	if err != nil {
		return nil, err
	}

	resp := &chat.Response{Model: model, FinishReason: chat.FinishStop}
	if gr.UsageMetadata != nil {
		resp.Usage = usageFrom(gr.UsageMetadata)
	}
	if len(gr.Candidates) == 0 || gr.Candidates[0].Content == nil {
		return resp, nil
	}

	cand := gr.Candidates[0]
	if cand.FinishReason != "" {
		resp.FinishReason = canonicalFinish(cand.FinishReason)
	}
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, _ := json.Marshal(part.FunctionCall.Args)
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(resp.ToolCalls))
			}
			resp.ToolCalls = append(resp.ToolCalls, chat.ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		case part.Thought:
			resp.Reasoning += part.Text
		default:
			resp.Content += part.Text
		}
	}
	if len(resp.ToolCalls) > 0 && resp.FinishReason == chat.FinishStop {
		resp.FinishReason = chat.FinishToolCalls
	}
	return resp, nil
}

func unwrap(body []byte) (*genai.GenerateContentResponse, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err == nil && wr.Response != nil {
		return wr.Response, nil
	}
	var gr genai.GenerateContentResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, fmt.Errorf("codeassist: decode response: %w", err)
	}
	return &gr, nil
}

func usageFrom(um *genai.GenerateContentResponseUsageMetadata) chat.Usage {
	return chat.Usage{
		InputTokens:  int(um.PromptTokenCount),
		OutputTokens: int(um.CandidatesTokenCount) + int(um.ThoughtsTokenCount),
	}
}

// ─── Streaming decode ─────────────────────────────────────────────────────────

// StreamDecoder turns `alt=sse` code-assist bytes into canonical stream
// events. Each frame carries an incremental GenerateContentResponse.
type StreamDecoder struct {
	splitter translate.SSESplitter
	tracker  translate.BlockTracker
	calls    int
}

// NewStreamDecoder creates a decoder for one response stream.
func NewStreamDecoder() *StreamDecoder { return &StreamDecoder{} }

// Feed consumes one network chunk and returns the canonical events it
// completes. Unparsable frames are skipped.
func (d *StreamDecoder) Feed(p []byte) []chat.StreamEvent {
	var evs []chat.StreamEvent
	for _, frame := range d.splitter.Feed(p) {
		f := translate.ParseSSEFrame(frame)
		if f.Data == "" {
			continue
		}
		gr, err := unwrap([]byte(f.Data))
		if err != nil {
			continue
		}
		evs = append(evs, d.response(gr)...)
	}
	return evs
}

// Close flushes the stream; code-assist streams end at EOF without an
// explicit terminal frame.
func (d *StreamDecoder) Close() []chat.StreamEvent {
	return d.tracker.Flush()
}

func (d *StreamDecoder) response(gr *genai.GenerateContentResponse) []chat.StreamEvent {
	var evs []chat.StreamEvent
	if gr.UsageMetadata != nil {
		d.tracker.SetUsage(usageFrom(gr.UsageMetadata))
	}
	if len(gr.Candidates) == 0 {
		return evs
	}
	cand := gr.Candidates[0]
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args, _ := json.Marshal(part.FunctionCall.Args)
				id := part.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, d.calls)
				}
				d.calls++
				evs = append(evs, d.tracker.ToolStart(id, part.FunctionCall.Name)...)
				evs = append(evs, d.tracker.ToolArgs(string(args))...)
				d.tracker.SetFinish(chat.FinishToolCalls)
			case part.Thought:
				evs = append(evs, d.tracker.Delta(chat.BlockReasoning, part.Text)...)
			default:
				evs = append(evs, d.tracker.Delta(chat.BlockText, part.Text)...)
			}
		}
	}
	if cand.FinishReason != "" && d.calls == 0 {
		d.tracker.SetFinish(canonicalFinish(cand.FinishReason))
	}
	return evs
}
