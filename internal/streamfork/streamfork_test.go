package streamfork

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
)

// waitCallbacks records callback invocations and lets tests block until the
// fork goroutine finishes.
type waitCallbacks struct {
	mu    sync.Mutex
	usage *chat.Usage
	done  bool
	err   error
	ch    chan struct{}
}

func newWaitCallbacks() *waitCallbacks {
	return &waitCallbacks{ch: make(chan struct{})}
}

func (w *waitCallbacks) callbacks() Callbacks {
	return Callbacks{
		OnUsage: func(u chat.Usage) {
			w.mu.Lock()
			w.usage = &u
			w.mu.Unlock()
		},
		OnDone: func() {
			w.mu.Lock()
			w.done = true
			w.mu.Unlock()
			close(w.ch)
		},
		OnError: func(err error) {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			close(w.ch)
		},
	}
}

func TestForkDeliversBytesUnmodified(t *testing.T) {
	const body = `data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n\n" +
		`data: {"usage":{"prompt_tokens":12,"completion_tokens":5}}` + "\n\n" +
		"data: [DONE]\n\n"

	w := newWaitCallbacks()
	out := Fork(io.NopCloser(strings.NewReader(body)), true, w.callbacks())

	got, err := io.ReadAll(out)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != body {
		t.Errorf("client bytes altered:\n%q", got)
	}

	<-w.ch
	if !w.done {
		t.Error("OnDone not called")
	}
	if w.usage == nil || w.usage.InputTokens != 12 || w.usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", w.usage)
	}
}

func TestForkAnthropicFrames(t *testing.T) {
	const body = `event: message_start` + "\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":30,"output_tokens":1}}}` + "\n\n" +
		`event: message_delta` + "\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":44}}` + "\n\n" +
		`event: message_stop` + "\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	w := newWaitCallbacks()
	out := Fork(io.NopCloser(strings.NewReader(body)), true, w.callbacks())
	io.Copy(io.Discard, out)

	<-w.ch
	if w.usage == nil || w.usage.InputTokens != 30 || w.usage.OutputTokens != 44 {
		t.Errorf("usage = %+v", w.usage)
	}
}

func TestForkJSONBody(t *testing.T) {
	const body = `{"id":"x","usage":{"prompt_tokens":7,"completion_tokens":3,"cost":0.0021}}`

	w := newWaitCallbacks()
	out := Fork(io.NopCloser(strings.NewReader(body)), false, w.callbacks())
	io.Copy(io.Discard, out)

	<-w.ch
	if w.usage == nil || w.usage.InputTokens != 7 || w.usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v", w.usage)
	}
	if w.usage.Cost != 0.0021 {
		t.Errorf("cost = %v", w.usage.Cost)
	}
}

func TestForkSkipsMalformedFrames(t *testing.T) {
	const body = "data: {not json\n\n" +
		`data: {"usage":{"prompt_tokens":2,"completion_tokens":1}}` + "\n\n"

	w := newWaitCallbacks()
	out := Fork(io.NopCloser(strings.NewReader(body)), true, w.callbacks())
	io.Copy(io.Discard, out)

	<-w.ch
	if w.usage == nil || w.usage.InputTokens != 2 {
		t.Errorf("usage = %+v", w.usage)
	}
}

func TestForkDrainsAfterClientDisconnect(t *testing.T) {
	pr, pw := io.Pipe()
	w := newWaitCallbacks()
	out := Fork(pr, true, w.callbacks())

	// Client reads a little, then goes away.
	go func() {
		buf := make([]byte, 8)
		out.Read(buf)
		out.Close()
	}()

	pw.Write([]byte(`data: {"choices":[]}` + "\n\n"))
	pw.Write([]byte(`data: {"usage":{"prompt_tokens":9,"completion_tokens":4}}` + "\n\n"))
	pw.Close()

	<-w.ch
	if !w.done {
		t.Error("OnDone not called after disconnect")
	}
	if w.usage == nil || w.usage.InputTokens != 9 || w.usage.OutputTokens != 4 {
		t.Errorf("usage lost on disconnect: %+v", w.usage)
	}
}

func TestForkPropagatesUpstreamError(t *testing.T) {
	pr, pw := io.Pipe()
	w := newWaitCallbacks()
	out := Fork(pr, true, w.callbacks())

	upstreamErr := errors.New("connection reset")
	go pw.CloseWithError(upstreamErr)

	_, err := io.ReadAll(out)
	if err == nil {
		t.Error("client read error = nil, want propagated failure")
	}

	<-w.ch
	if !errors.Is(w.err, upstreamErr) {
		t.Errorf("OnError got %v", w.err)
	}
}
