package translate

import (
	"testing"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
)

func TestSSESplitterPartialChunks(t *testing.T) {
	var s SSESplitter

	if frames := s.Feed([]byte("data: one\n")); len(frames) != 0 {
		t.Fatalf("incomplete frame emitted: %q", frames)
	}
	frames := s.Feed([]byte("\ndata: two\n\ndata: thr"))
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if string(frames[0]) != "data: one" || string(frames[1]) != "data: two" {
		t.Errorf("frames = %q", frames)
	}
	if string(s.Rest()) != "data: thr" {
		t.Errorf("rest = %q", s.Rest())
	}

	frames = s.Feed([]byte("ee\n\n"))
	if len(frames) != 1 || string(frames[0]) != "data: three" {
		t.Errorf("final frame = %q", frames)
	}
}

func TestSSESplitterCRLF(t *testing.T) {
	var s SSESplitter
	frames := s.Feed([]byte("data: a\r\n\r\ndata: b\n\n"))
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if string(frames[0]) != "data: a" {
		t.Errorf("crlf frame = %q", frames[0])
	}
}

func TestParseSSEFrame(t *testing.T) {
	f := ParseSSEFrame([]byte("event: message_start\ndata: {\"a\":1}"))
	if f.Event != "message_start" || f.Data != `{"a":1}` {
		t.Errorf("parsed = %+v", f)
	}

	f = ParseSSEFrame([]byte(": comment\ndata: x\ndata: y"))
	if f.Data != "x\ny" {
		t.Errorf("multi-line data = %q", f.Data)
	}
}

func TestBlockTrackerSwitchClosesPrevious(t *testing.T) {
	var tr BlockTracker

	evs := tr.Delta(chat.BlockReasoning, "thinking...")
	if len(evs) != 2 || evs[0].Type != chat.EventBlockStart || evs[1].Type != chat.EventDelta {
		t.Fatalf("first delta events = %+v", evs)
	}
	if evs[0].Index != 0 {
		t.Errorf("first block index = %d", evs[0].Index)
	}

	// Same kind: no new start.
	if evs := tr.Delta(chat.BlockReasoning, "more"); len(evs) != 1 {
		t.Fatalf("same-kind delta events = %+v", evs)
	}

	// Switching kind closes the reasoning block first.
	evs = tr.Delta(chat.BlockText, "answer")
	if len(evs) != 3 {
		t.Fatalf("switch events = %+v", evs)
	}
	if evs[0].Type != chat.EventBlockStop || evs[0].Block != chat.BlockReasoning {
		t.Errorf("switch did not close previous: %+v", evs[0])
	}
	if evs[1].Type != chat.EventBlockStart || evs[1].Index != 1 {
		t.Errorf("new block = %+v", evs[1])
	}
}

func TestBlockTrackerToolCalls(t *testing.T) {
	var tr BlockTracker

	tr.Delta(chat.BlockText, "calling a tool")
	evs := tr.ToolStart("call_1", "get_weather")
	if len(evs) != 2 || evs[1].Tool == nil || evs[1].Tool.Name != "get_weather" {
		t.Fatalf("tool start = %+v", evs)
	}

	// A second tool call closes the first block even though both are tool_use.
	evs = tr.ToolStart("call_2", "get_time")
	if len(evs) != 2 || evs[0].Type != chat.EventBlockStop {
		t.Fatalf("second tool start = %+v", evs)
	}

	// Args without a start synthesize an anonymous call.
	var fresh BlockTracker
	evs = fresh.ToolArgs(`{"x":`)
	if len(evs) != 2 || evs[0].Type != chat.EventBlockStart {
		t.Fatalf("orphan args = %+v", evs)
	}
}

func TestBlockTrackerFlush(t *testing.T) {
	var tr BlockTracker
	tr.Delta(chat.BlockText, "hi")
	tr.SetUsage(chat.Usage{InputTokens: 10, OutputTokens: 2})
	tr.SetFinish(chat.FinishLength)

	evs := tr.Flush()
	if len(evs) != 2 {
		t.Fatalf("flush events = %+v", evs)
	}
	done := evs[1]
	if done.Type != chat.EventDone || done.FinishReason != chat.FinishLength {
		t.Errorf("done = %+v", done)
	}
	if done.Usage == nil || done.Usage.InputTokens != 10 {
		t.Errorf("usage = %+v", done.Usage)
	}

	// Flush is idempotent.
	if evs := tr.Flush(); len(evs) != 0 {
		t.Errorf("second flush = %+v", evs)
	}
	if !tr.Done() {
		t.Error("Done() = false after flush")
	}
}

func TestBlockTrackerFlushWithoutSignal(t *testing.T) {
	var tr BlockTracker
	evs := tr.Flush()
	if len(evs) != 1 || evs[0].FinishReason != chat.FinishStop {
		t.Errorf("bare flush = %+v", evs)
	}
}

func TestCollect(t *testing.T) {
	var tr BlockTracker
	var evs []chat.StreamEvent
	evs = append(evs, tr.Delta(chat.BlockReasoning, "hmm ")...)
	evs = append(evs, tr.Delta(chat.BlockText, "hello ")...)
	evs = append(evs, tr.Delta(chat.BlockText, "world")...)
	evs = append(evs, tr.ToolStart("call_1", "lookup")...)
	evs = append(evs, tr.ToolArgs(`{"q":"go"}`)...)
	tr.SetUsage(chat.Usage{InputTokens: 5, OutputTokens: 9})
	tr.SetFinish(chat.FinishToolCalls)
	evs = append(evs, tr.Flush()...)

	resp := Collect(evs)
	if resp.Content != "hello world" || resp.Reasoning != "hmm " {
		t.Errorf("content=%q reasoning=%q", resp.Content, resp.Reasoning)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments != `{"q":"go"}` {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != chat.FinishToolCalls || resp.Usage.OutputTokens != 9 {
		t.Errorf("finish=%q usage=%+v", resp.FinishReason, resp.Usage)
	}
}
