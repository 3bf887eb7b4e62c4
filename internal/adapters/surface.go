package adapters

import (
	"io"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/translate"
	anthropictr "github.com/BingoWon/Keyaos-sub000/internal/translate/anthropic"
	openaitr "github.com/BingoWon/Keyaos-sub000/internal/translate/openai"
)

// StreamDecoder turns upstream-dialect bytes into canonical events.
// All translator stream decoders satisfy it.
type StreamDecoder interface {
	Feed(p []byte) []chat.StreamEvent
	Close() []chat.StreamEvent
}

// StreamEncoder renders canonical events as surface-dialect bytes.
type StreamEncoder interface {
	Event(ev chat.StreamEvent) []byte
}

// NewSurfaceEncoder returns the stream encoder for the caller's dialect.
func NewSurfaceEncoder(surface chat.Dialect, id, model string) StreamEncoder {
	if surface == chat.DialectAnthropic {
		return anthropictr.NewStreamEncoder(id, model)
	}
	return openaitr.NewStreamEncoder(id, model)
}

// EncodeSurfaceResponse renders a full response in the caller's dialect.
func EncodeSurfaceResponse(surface chat.Dialect, resp *chat.Response) []byte {
	if surface == chat.DialectAnthropic {
		return anthropictr.EncodeResponse(resp)
	}
	return openaitr.EncodeResponse(resp)
}

// ContentType returns the response content type for a surface dialect.
func ContentType(streaming bool) string {
	if streaming {
		return "text/event-stream"
	}
	return "application/json"
}

// TranscodeStream pipes an upstream body through a dialect decoder and a
// surface encoder. The returned reader yields surface-dialect bytes as the
// upstream produces them; closing it stops the copy.
func TranscodeStream(body io.ReadCloser, dec StreamDecoder, enc StreamEncoder) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer body.Close()
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				for _, ev := range dec.Feed(buf[:n]) {
					if _, werr := pw.Write(enc.Event(ev)); werr != nil {
						return
					}
				}
			}
			if err != nil {
				for _, ev := range dec.Close() {
					if _, werr := pw.Write(enc.Event(ev)); werr != nil {
						return
					}
				}
				if err == io.EOF {
					pw.Close()
				} else {
					pw.CloseWithError(err)
				}
				return
			}
		}
	}()
	return pr
}

// CollectStream drains an upstream streaming body through a decoder and folds
// the events into one full response.
func CollectStream(body io.ReadCloser, dec StreamDecoder) (*chat.Response, error) {
	defer body.Close()
	var events []chat.StreamEvent
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			events = append(events, dec.Feed(buf[:n])...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	events = append(events, dec.Close()...)
	return translate.Collect(events), nil
}
