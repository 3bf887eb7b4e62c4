// Package translate holds the primitives shared by all dialect codecs: the
// SSE frame splitter and the streaming content-block state machine.
//
// Each dialect lives in its own sub-package (openai, anthropic, codeassist,
// eventstream) and converts between its wire format and the canonical shapes
// in internal/chat.
package translate

import (
	"bytes"
	"strings"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
)

// SSESplitter reassembles Server-Sent-Event frames from arbitrary network
// chunks. Chunk boundaries never align with frame boundaries reliably, so
// partial input is buffered until the double-newline frame delimiter arrives.
type SSESplitter struct {
	buf []byte
}

// Feed appends p to the internal buffer and returns every complete frame now
// available, without the trailing delimiter. Incomplete trailing data stays
// buffered for the next call.
func (s *SSESplitter) Feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var frames [][]byte
	for {
		i := bytes.Index(s.buf, []byte("\n\n"))
		j := bytes.Index(s.buf, []byte("\r\n\r\n"))
		if j >= 0 && (i < 0 || j < i) {
			frame := make([]byte, j)
			copy(frame, s.buf[:j])
			s.buf = s.buf[j+4:]
			frames = append(frames, frame)
			continue
		}
		if i < 0 {
			break
		}
		frame := make([]byte, i)
		copy(frame, s.buf[:i])
		s.buf = s.buf[i+2:]
		frames = append(frames, frame)
	}
	return frames
}

// Rest returns any buffered bytes that never formed a complete frame.
func (s *SSESplitter) Rest() []byte { return s.buf }

// SSEFrame is one parsed Server-Sent-Event frame.
type SSEFrame struct {
	Event string
	Data  string
}

// ParseSSEFrame extracts the event name and data payload from a raw frame.
// Multiple data lines are joined with newlines per the SSE specification;
// comment lines (leading colon) and unknown fields are ignored.
func ParseSSEFrame(frame []byte) SSEFrame {
	var f SSEFrame
	var data []string
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			f.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	f.Data = strings.Join(data, "\n")
	return f
}

// BlockTracker enforces the canonical streaming invariant: at most one content
// block is open at a time, switching kinds closes the previous block, and the
// final flush closes any still-open block plus emits a terminal done event
// even when the upstream ended without an explicit stop signal.
type BlockTracker struct {
	open  bool
	kind  chat.BlockKind
	index int
	done  bool

	finish string
	usage  chat.Usage
}

// SetUsage records usage to attach to the terminal event. Later calls
// overwrite earlier ones field-by-field when non-zero.
func (t *BlockTracker) SetUsage(u chat.Usage) {
	if u.InputTokens > 0 {
		t.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		t.usage.OutputTokens = u.OutputTokens
	}
	if u.Cost > 0 {
		t.usage.Cost = u.Cost
	}
}

// SetFinish records the finish reason for the terminal event.
func (t *BlockTracker) SetFinish(reason string) {
	if reason != "" {
		t.finish = reason
	}
}

// Delta emits the events for a text or reasoning delta, opening or switching
// blocks as needed. Empty deltas produce no events.
func (t *BlockTracker) Delta(kind chat.BlockKind, text string) []chat.StreamEvent {
	if text == "" {
		return nil
	}
	evs := t.ensure(kind, nil)
	evs = append(evs, chat.StreamEvent{
		Type:  chat.EventDelta,
		Block: t.kind,
		Index: t.index,
		Text:  text,
	})
	return evs
}

// ToolStart closes any open block and opens a tool_use block. A new tool call
// always starts a fresh block, even when a tool_use block is already open.
func (t *BlockTracker) ToolStart(id, name string) []chat.StreamEvent {
	evs := t.closeOpen()
	t.open = true
	t.kind = chat.BlockToolUse
	evs = append(evs, chat.StreamEvent{
		Type:  chat.EventBlockStart,
		Block: chat.BlockToolUse,
		Index: t.index,
		Tool:  &chat.ToolCall{ID: id, Name: name},
	})
	return evs
}

// ToolArgs emits an argument-fragment delta for the open tool_use block.
func (t *BlockTracker) ToolArgs(fragment string) []chat.StreamEvent {
	if fragment == "" {
		return nil
	}
	if !t.open || t.kind != chat.BlockToolUse {
		// Arguments without a preceding start: synthesize an anonymous call.
		evs := t.ToolStart("", "")
		return append(evs, t.ToolArgs(fragment)...)
	}
	return []chat.StreamEvent{{
		Type:  chat.EventDelta,
		Block: chat.BlockToolUse,
		Index: t.index,
		Text:  fragment,
	}}
}

// Flush closes any open block and emits the single terminal done event.
// Safe to call after an explicit finish; it then emits nothing further.
func (t *BlockTracker) Flush() []chat.StreamEvent {
	if t.done {
		return nil
	}
	t.done = true
	evs := t.closeOpen()
	finish := t.finish
	if finish == "" {
		finish = chat.FinishStop
	}
	u := t.usage
	evs = append(evs, chat.StreamEvent{
		Type:         chat.EventDone,
		FinishReason: finish,
		Usage:        &u,
	})
	return evs
}

// Done reports whether the terminal event has been emitted.
func (t *BlockTracker) Done() bool { return t.done }

func (t *BlockTracker) ensure(kind chat.BlockKind, tool *chat.ToolCall) []chat.StreamEvent {
	if t.open && t.kind == kind {
		return nil
	}
	evs := t.closeOpen()
	t.open = true
	t.kind = kind
	evs = append(evs, chat.StreamEvent{
		Type:  chat.EventBlockStart,
		Block: kind,
		Index: t.index,
		Tool:  tool,
	})
	return evs
}

func (t *BlockTracker) closeOpen() []chat.StreamEvent {
	if !t.open {
		return nil
	}
	ev := chat.StreamEvent{
		Type:  chat.EventBlockStop,
		Block: t.kind,
		Index: t.index,
	}
	t.open = false
	t.index++
	return []chat.StreamEvent{ev}
}
