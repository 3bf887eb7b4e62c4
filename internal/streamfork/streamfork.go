// Package streamfork duplicates an upstream byte stream: one branch goes to
// the client untouched, the other feeds a shadow parser that extracts token
// usage for billing. The shadow branch keeps consuming after a client
// disconnect so billing never depends on the client staying around.
package streamfork

import (
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/translate"
)

// Callbacks fire after the upstream stream completes; they must not block
// byte delivery and they run on the fork's goroutine.
type Callbacks struct {
	OnUsage func(chat.Usage)
	OnDone  func()
	OnError func(error)
}

// Fork wraps body so the returned reader delivers the exact upstream bytes
// while a shadow parser watches a copy. streaming selects SSE frame parsing
// versus single-JSON-body parsing.
//
// Closing the returned reader signals client disconnect: delivery stops but
// the upstream is still drained to completion for accurate usage.
func Fork(body io.ReadCloser, streaming bool, cb Callbacks) io.ReadCloser {
	pr, pw := io.Pipe()
	p := &shadowParser{streaming: streaming}

	go func() {
		defer body.Close()
		clientGone := false
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				p.feed(buf[:n])
				if !clientGone {
					if _, werr := pw.Write(buf[:n]); werr != nil {
						clientGone = true
					}
				}
			}
			if err != nil {
				p.finish()
				if err == io.EOF {
					pw.Close()
					if cb.OnUsage != nil {
						cb.OnUsage(p.usage)
					}
					if cb.OnDone != nil {
						cb.OnDone()
					}
				} else {
					pw.CloseWithError(err)
					if cb.OnError != nil {
						cb.OnError(err)
					}
				}
				return
			}
		}
	}()
	return pr
}

// shadowParser accumulates a usage object from either incremental SSE frames
// or one JSON body. Malformed frames are skipped, never fatal.
type shadowParser struct {
	streaming bool
	splitter  translate.SSESplitter
	body      []byte
	usage     chat.Usage
}

func (p *shadowParser) feed(b []byte) {
	if !p.streaming {
		p.body = append(p.body, b...)
		return
	}
	for _, frame := range p.splitter.Feed(b) {
		f := translate.ParseSSEFrame(frame)
		if f.Data == "" || strings.HasPrefix(f.Data, "[DONE]") {
			continue
		}
		p.scan(f.Data)
	}
}

func (p *shadowParser) finish() {
	if !p.streaming && len(p.body) > 0 {
		p.scan(string(p.body))
	}
}

// scan merges any usage fields found in one JSON document. Field names cover
// both the OpenAI and Anthropic wire shapes.
func (p *shadowParser) scan(data string) {
	if !gjson.Valid(data) {
		return
	}
	merge := func(paths []string, dst *int) {
		for _, path := range paths {
			if v := gjson.Get(data, path); v.Exists() && v.Int() > 0 {
				*dst = int(v.Int())
				return
			}
		}
	}
	merge([]string{
		"usage.prompt_tokens",
		"usage.input_tokens",
		"message.usage.input_tokens",
	}, &p.usage.InputTokens)
	merge([]string{
		"usage.completion_tokens",
		"usage.output_tokens",
		"message.usage.output_tokens",
	}, &p.usage.OutputTokens)
	if v := gjson.Get(data, "usage.cost"); v.Exists() && v.Float() > 0 {
		p.usage.Cost = v.Float()
	}
}
