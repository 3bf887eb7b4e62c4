package eventstream

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/translate"
)

// eventFrame builds one wire frame carrying a JSON event payload.
func eventFrame(eventType, payload string) []byte {
	return EncodeFrame(map[string]string{
		":message-type": "event",
		":event-type":   eventType,
	}, []byte(payload))
}

func TestFrameRoundTrip(t *testing.T) {
	wire := eventFrame("assistantResponseEvent", `{"content":"hi"}`)

	f, n, err := DecodeFrame(wire)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if n != len(wire) {
		t.Errorf("consumed = %d, want %d", n, len(wire))
	}
	if f.EventType() != "assistantResponseEvent" {
		t.Errorf("event type = %q", f.EventType())
	}
	if string(f.Payload) != `{"content":"hi"}` {
		t.Errorf("payload = %q", f.Payload)
	}
}

func TestDecodeFrameShort(t *testing.T) {
	wire := eventFrame("assistantResponseEvent", `{"content":"hi"}`)
	for _, cut := range []int{0, 4, len(wire) - 1} {
		if _, _, err := DecodeFrame(wire[:cut]); !errors.Is(err, ErrShortFrame) {
			t.Errorf("DecodeFrame(%d bytes) err = %v, want ErrShortFrame", cut, err)
		}
	}
}

func TestDecoderPartialChunks(t *testing.T) {
	wire := append(
		eventFrame("assistantResponseEvent", `{"content":"a"}`),
		eventFrame("assistantResponseEvent", `{"content":"b"}`)...,
	)

	var d Decoder
	var frames []*Frame
	// One byte at a time; frames only complete at their true boundaries.
	for i := range wire {
		frames = append(frames, d.Feed(wire[i:i+1])...)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if string(frames[1].Payload) != `{"content":"b"}` {
		t.Errorf("payload = %q", frames[1].Payload)
	}
}

func TestDecoderUnnestsFrames(t *testing.T) {
	inner := append(
		eventFrame("assistantResponseEvent", `{"content":"x"}`),
		eventFrame("messageStopEvent", `{"stopReason":"END_TURN"}`)...,
	)
	outer := EncodeFrame(map[string]string{":message-type": "event"}, inner)

	var d Decoder
	frames := d.Feed(outer)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[0].EventType() != "assistantResponseEvent" || frames[1].EventType() != "messageStopEvent" {
		t.Errorf("event types = %q, %q", frames[0].EventType(), frames[1].EventType())
	}
}

func TestDecoderCorruptStreamGoesSilent(t *testing.T) {
	var d Decoder
	// A prelude declaring an absurd total length.
	if frames := d.Feed([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0, 1, 2, 3, 4}); len(frames) != 0 {
		t.Errorf("corrupt frames = %+v", frames)
	}
	// Later valid bytes are not re-framed.
	if frames := d.Feed(eventFrame("assistantResponseEvent", `{"content":"x"}`)); len(frames) != 0 {
		t.Errorf("frames after corruption = %+v", frames)
	}
}

func TestEstimateOutputTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"hello", 2},        // 5 chars, 4 per token, rounded up
		{"你好", 2},           // wide runes weigh 4 each
		{"hi 你好", 3},        // 3 ascii + 8 wide = 11 weight
		{"こんにちは", 5},        // 5 wide runes
		{strings.Repeat("a", 8), 2},
	}
	for _, c := range cases {
		if got := EstimateOutputTokens(c.text); got != c.want {
			t.Errorf("EstimateOutputTokens(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestEstimateInputTokens(t *testing.T) {
	if got := EstimateInputTokens(10, 1000); got != 100 {
		t.Errorf("10%% of 1000 = %d", got)
	}
	if got := EstimateInputTokens(50, 0); got != 100_000 {
		t.Errorf("default window estimate = %d", got)
	}
	if got := EstimateInputTokens(0, 1000); got != 0 {
		t.Errorf("zero usage = %d", got)
	}
}

func TestStreamDecoder(t *testing.T) {
	d := NewStreamDecoder(1000)

	var evs []chat.StreamEvent
	feed := func(b []byte) { evs = append(evs, d.Feed(b)...) }

	feed(eventFrame("assistantResponseEvent", `{"content":"hello "}`))
	feed(eventFrame("assistantResponseEvent", `{"content":"world"}`))
	feed(eventFrame("toolUseEvent", `{"toolUseId":"t1","name":"lookup","input":"{\"q\":"}`))
	// Same tool id continues the open block instead of starting a new one.
	feed(eventFrame("toolUseEvent", `{"toolUseId":"t1","input":"1}","stop":true}`))
	feed(eventFrame("contextUsageEvent", `{"contextUsagePercentage":10}`))
	evs = append(evs, d.Close()...)

	resp := translate.Collect(evs)
	if resp.Content != "hello world" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "lookup" || resp.ToolCalls[0].Arguments != `{"q":1}` {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != chat.FinishToolCalls {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	// Input from context percentage, output from weighted text length.
	if resp.Usage.InputTokens != 100 {
		t.Errorf("input tokens = %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != EstimateOutputTokens(`hello world{"q":1}`) {
		t.Errorf("output tokens = %d", resp.Usage.OutputTokens)
	}
}

func TestStreamDecoderMaxTokens(t *testing.T) {
	d := NewStreamDecoder(0)
	var evs []chat.StreamEvent
	evs = append(evs, d.Feed(eventFrame("assistantResponseEvent", `{"content":"trunc"}`))...)
	evs = append(evs, d.Feed(eventFrame("messageStopEvent", `{"stopReason":"MAX_TOKENS"}`))...)
	evs = append(evs, d.Close()...)

	last := evs[len(evs)-1]
	if last.Type != chat.EventDone || last.FinishReason != chat.FinishLength {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestStreamDecoderSkipsUnknownEvents(t *testing.T) {
	d := NewStreamDecoder(0)
	var evs []chat.StreamEvent
	evs = append(evs, d.Feed(eventFrame("somethingElseEvent", `{"x":1}`))...)
	evs = append(evs, d.Feed(eventFrame("assistantResponseEvent", `{"content":"ok"}`))...)
	evs = append(evs, d.Close()...)

	if resp := translate.Collect(evs); resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestEncodeRequest(t *testing.T) {
	req := &chat.Request{
		Model: "claude-sonnet-4",
		Messages: []chat.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "reply"},
			{Role: "tool", ToolCallID: "t1", Content: "found"},
			{Role: "user", Content: "second"},
		},
		Tools: []chat.Tool{{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)}},
	}

	body, err := EncodeRequest(req, "claude-sonnet-4")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cs := wr.ConversationState
	if cs.ChatTriggerType != "MANUAL" {
		t.Errorf("trigger = %q", cs.ChatTriggerType)
	}

	cur := cs.CurrentMessage.UserInputMessage
	if cur == nil {
		t.Fatal("current message is not a user turn")
	}
	// System text folds into the final user turn.
	if cur.Content != "be brief\n\nsecond" {
		t.Errorf("current content = %q", cur.Content)
	}
	if cur.ModelID != "claude-sonnet-4" {
		t.Errorf("model id = %q", cur.ModelID)
	}
	if cur.Context == nil || len(cur.Context.ToolResults) != 1 || cur.Context.ToolResults[0].ToolUseID != "t1" {
		t.Errorf("tool results = %+v", cur.Context)
	}
	if len(cur.Context.Tools) != 1 || cur.Context.Tools[0].ToolSpecification.Name != "lookup" {
		t.Errorf("tools = %+v", cur.Context.Tools)
	}
	// Schemas travel wrapped in a json envelope.
	if !strings.Contains(string(cur.Context.Tools[0].ToolSpecification.InputSchema), `"json"`) {
		t.Errorf("schema = %s", cur.Context.Tools[0].ToolSpecification.InputSchema)
	}

	if len(cs.History) != 2 {
		t.Fatalf("history = %+v", cs.History)
	}
	if cs.History[0].UserInputMessage == nil || cs.History[0].UserInputMessage.Content != "first" {
		t.Errorf("history[0] = %+v", cs.History[0])
	}
	if cs.History[1].AssistantResponseMessage == nil || cs.History[1].AssistantResponseMessage.Content != "reply" {
		t.Errorf("history[1] = %+v", cs.History[1])
	}
}
