package anthropic

import (
	"encoding/json"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/translate"
)

// ─── Streaming wire types ─────────────────────────────────────────────────────

type (
	wireStreamBlock struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
		Text string `json:"text,omitempty"`

		Input json.RawMessage `json:"input,omitempty"`
	}

	wireDelta struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	}

	wireStreamEvent struct {
		Type         string           `json:"type"`
		Index        *int             `json:"index,omitempty"`
		Message      *wireResponse    `json:"message,omitempty"`
		ContentBlock *wireStreamBlock `json:"content_block,omitempty"`
		Delta        *wireDelta       `json:"delta,omitempty"`
		Usage        *wireUsage       `json:"usage,omitempty"`
	}
)

// ─── Streaming decode ─────────────────────────────────────────────────────────

// StreamDecoder turns Anthropic-dialect SSE bytes into canonical stream
// events. The upstream's own block lifecycle is re-tracked through the shared
// BlockTracker so the canonical invariants hold even for out-of-order or
// truncated upstream streams.
type StreamDecoder struct {
	splitter translate.SSESplitter
	tracker  translate.BlockTracker
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
		var ev wireStreamEvent
		if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
			continue
		}
		evs = append(evs, d.event(&ev)...)
	}
	return evs
}

// Close flushes any open block and the terminal event if message_stop never
// arrived.
func (d *StreamDecoder) Close() []chat.StreamEvent {
	return d.tracker.Flush()
}

func (d *StreamDecoder) event(ev *wireStreamEvent) []chat.StreamEvent {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			d.tracker.SetUsage(chat.Usage{
				InputTokens:  ev.Message.Usage.InputTokens,
				OutputTokens: ev.Message.Usage.OutputTokens,
			})
		}

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			return d.tracker.ToolStart(ev.ContentBlock.ID, ev.ContentBlock.Name)
		}
		// text/thinking blocks open lazily on their first delta.

	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return d.tracker.Delta(chat.BlockText, ev.Delta.Text)
		case "thinking_delta":
			return d.tracker.Delta(chat.BlockReasoning, ev.Delta.Thinking)
		case "input_json_delta":
			return d.tracker.ToolArgs(ev.Delta.PartialJSON)
		}

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			d.tracker.SetFinish(CanonicalFinish(ev.Delta.StopReason))
		}
		if ev.Usage != nil {
			d.tracker.SetUsage(chat.Usage{OutputTokens: ev.Usage.OutputTokens})
		}

	case "message_stop":
		return d.tracker.Flush()
	}
	return nil
}

// ─── Streaming encode ─────────────────────────────────────────────────────────

// StreamEncoder renders canonical stream events as Anthropic-dialect SSE.
// The message_start envelope is emitted lazily before the first event.
type StreamEncoder struct {
	ID    string
	Model string

	started     bool
	inputTokens int
}

// NewStreamEncoder creates an encoder for one response stream.
func NewStreamEncoder(id, model string) *StreamEncoder {
	return &StreamEncoder{ID: id, Model: model}
}

// Event renders one canonical event as zero or more SSE frames.
func (e *StreamEncoder) Event(ev chat.StreamEvent) []byte {
	var out []byte
	if !e.started {
		e.started = true
		out = append(out, e.messageStart()...)
	}

	switch ev.Type {
	case chat.EventBlockStart:
		block := wireStreamBlock{Type: "text"}
		switch ev.Block {
		case chat.BlockReasoning:
			block = wireStreamBlock{Type: "thinking"}
		case chat.BlockToolUse:
			block = wireStreamBlock{Type: "tool_use", Input: json.RawMessage("{}")}
			if ev.Tool != nil {
				block.ID = ev.Tool.ID
				block.Name = ev.Tool.Name
			}
		}
		idx := ev.Index
		out = append(out, frame("content_block_start", wireStreamEvent{
			Type:         "content_block_start",
			Index:        &idx,
			ContentBlock: &block,
		})...)

	case chat.EventDelta:
		delta := wireDelta{Type: "text_delta", Text: ev.Text}
		switch ev.Block {
		case chat.BlockReasoning:
			delta = wireDelta{Type: "thinking_delta", Thinking: ev.Text}
		case chat.BlockToolUse:
			delta = wireDelta{Type: "input_json_delta", PartialJSON: ev.Text}
		}
		idx := ev.Index
		out = append(out, frame("content_block_delta", wireStreamEvent{
			Type:  "content_block_delta",
			Index: &idx,
			Delta: &delta,
		})...)

	case chat.EventBlockStop:
		idx := ev.Index
		out = append(out, frame("content_block_stop", wireStreamEvent{
			Type:  "content_block_stop",
			Index: &idx,
		})...)

	case chat.EventDone:
		usage := &wireUsage{}
		if ev.Usage != nil {
			usage.InputTokens = ev.Usage.InputTokens
			usage.OutputTokens = ev.Usage.OutputTokens
		}
		out = append(out, frame("message_delta", wireStreamEvent{
			Type:  "message_delta",
			Delta: &wireDelta{StopReason: StopReason(ev.FinishReason)},
			Usage: usage,
		})...)
		out = append(out, frame("message_stop", wireStreamEvent{Type: "message_stop"})...)
	}
	return out
}

func (e *StreamEncoder) messageStart() []byte {
	return frame("message_start", wireStreamEvent{
		Type: "message_start",
		Message: &wireResponse{
			ID:      e.ID,
			Type:    "message",
			Role:    "assistant",
			Model:   e.Model,
			Content: []wireBlock{},
			Usage:   wireUsage{InputTokens: e.inputTokens},
		},
	})
}

func frame(event string, v wireStreamEvent) []byte {
	data, _ := json.Marshal(v)
	return []byte("event: " + event + "\ndata: " + string(data) + "\n\n")
}
