// Package eventstream implements the custom binary event-stream dialect: a
// length-prefixed frame format carrying JSON events tagged by an
// `:event-type` header, with payloads that may themselves be nested
// event-stream frames.
//
// Frame layout:
//
//	[4-byte total length][4-byte header-block length]
//	[header KV list][payload][4-byte trailing checksum]
//
// All integers are big-endian. Each header entry is
// [1-byte name length][name][1-byte value type][2-byte value length][value];
// only string values (type 7) occur on this channel. The trailing checksum is
// deliberately not validated (trusted channel), but every length is
// bounds-checked before use.
package eventstream

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	preludeLen  = 8
	checksumLen = 4
	minFrameLen = preludeLen + checksumLen

	// maxFrameLen guards against corrupt prefixes producing huge allocations.
	maxFrameLen = 16 << 20

	headerValueString = 7
)

// ErrShortFrame reports that the buffer does not yet hold a complete frame.
var ErrShortFrame = errors.New("eventstream: short frame")

// Frame is one decoded event-stream frame.
type Frame struct {
	Headers map[string]string
	Payload []byte
}

// EventType returns the `:event-type` header, or "" when absent.
func (f *Frame) EventType() string { return f.Headers[":event-type"] }

// DecodeFrame decodes the first frame in buf, returning the frame and the
// number of bytes consumed. Returns ErrShortFrame when buf holds only a
// partial frame.
func DecodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < preludeLen {
		return nil, 0, ErrShortFrame
	}
	total := int(binary.BigEndian.Uint32(buf[0:4]))
	headerLen := int(binary.BigEndian.Uint32(buf[4:8]))

	if total < minFrameLen || total > maxFrameLen {
		return nil, 0, fmt.Errorf("eventstream: invalid total length %d", total)
	}
	if headerLen < 0 || headerLen > total-minFrameLen {
		return nil, 0, fmt.Errorf("eventstream: invalid header length %d", headerLen)
	}
	if len(buf) < total {
		return nil, 0, ErrShortFrame
	}

	headers, err := decodeHeaders(buf[preludeLen : preludeLen+headerLen])
	if err != nil {
		return nil, 0, err
	}

	payload := buf[preludeLen+headerLen : total-checksumLen]
	f := &Frame{Headers: headers, Payload: append([]byte(nil), payload...)}
	return f, total, nil
}

func decodeHeaders(buf []byte) (map[string]string, error) {
	headers := make(map[string]string)
	for len(buf) > 0 {
		nameLen := int(buf[0])
		if len(buf) < 1+nameLen+1 {
			return nil, fmt.Errorf("eventstream: truncated header name")
		}
		name := string(buf[1 : 1+nameLen])
		buf = buf[1+nameLen:]

		valueType := buf[0]
		buf = buf[1:]
		if valueType != headerValueString {
			return nil, fmt.Errorf("eventstream: unsupported header value type %d", valueType)
		}
		if len(buf) < 2 {
			return nil, fmt.Errorf("eventstream: truncated header value length")
		}
		valueLen := int(binary.BigEndian.Uint16(buf[0:2]))
		if len(buf) < 2+valueLen {
			return nil, fmt.Errorf("eventstream: truncated header value")
		}
		headers[name] = string(buf[2 : 2+valueLen])
		buf = buf[2+valueLen:]
	}
	return headers, nil
}

// EncodeFrame renders headers and payload as one wire frame. The trailing
// checksum is written as zero; peers on this channel do not validate it.
func EncodeFrame(headers map[string]string, payload []byte) []byte {
	var hdr []byte
	for name, value := range headers {
		hdr = append(hdr, byte(len(name)))
		hdr = append(hdr, name...)
		hdr = append(hdr, headerValueString)
		hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(value)))
		hdr = append(hdr, value...)
	}

	total := preludeLen + len(hdr) + len(payload) + checksumLen
	out := make([]byte, 0, total)
	out = binary.BigEndian.AppendUint32(out, uint32(total))
	out = binary.BigEndian.AppendUint32(out, uint32(len(hdr)))
	out = append(out, hdr...)
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint32(out, 0)
	return out
}

// Decoder reassembles frames from arbitrary network chunks and recursively
// unframes nested event-stream payloads.
type Decoder struct {
	buf []byte
	bad bool
}

// Feed appends p and returns every leaf frame now complete. Once the stream
// is unrecoverably corrupt the decoder goes silent rather than guessing at
// frame boundaries.
func (d *Decoder) Feed(p []byte) []*Frame {
	if d.bad {
		return nil
	}
	d.buf = append(d.buf, p...)

	var frames []*Frame
	for len(d.buf) > 0 {
		f, n, err := DecodeFrame(d.buf)
		if errors.Is(err, ErrShortFrame) {
			break
		}
		if err != nil {
			d.bad = true
			break
		}
		d.buf = d.buf[n:]
		frames = append(frames, unnest(f)...)
	}
	return frames
}

// unnest expands a frame whose payload is itself a run of complete frames.
func unnest(f *Frame) []*Frame {
	if inner, ok := decodeAll(f.Payload); ok {
		var out []*Frame
		for _, in := range inner {
			out = append(out, unnest(in)...)
		}
		return out
	}
	return []*Frame{f}
}

// decodeAll succeeds only when buf is entirely covered by valid frames.
func decodeAll(buf []byte) ([]*Frame, bool) {
	if len(buf) < minFrameLen {
		return nil, false
	}
	var frames []*Frame
	for len(buf) > 0 {
		f, n, err := DecodeFrame(buf)
		if err != nil {
			return nil, false
		}
		frames = append(frames, f)
		buf = buf[n:]
	}
	return frames, true
}

// ─── Event payloads ───────────────────────────────────────────────────────────

type (
	// assistantEvent carries a fragment of assistant text.
	assistantEvent struct {
		Content string `json:"content"`
	}

	// toolUseEvent carries a tool invocation; Input fragments accumulate
	// across events until Stop.
	toolUseEvent struct {
		ToolUseID string `json:"toolUseId"`
		Name      string `json:"name"`
		Input     string `json:"input"`
		Stop      bool   `json:"stop"`
	}

	// contextUsageEvent reports how much of the model's context window the
	// request consumed, as a percentage. The dialect reports no native token
	// counts; input tokens are derived from this figure.
	contextUsageEvent struct {
		ContextUsagePercentage float64 `json:"contextUsagePercentage"`
	}

	messageStopEvent struct {
		StopReason string `json:"stopReason"`
	}
)

// ParseEvent decodes a leaf frame's JSON payload according to its
// `:event-type` header. Unknown event types and malformed payloads return
// (nil, false) and are skipped by callers.
func parseEvent(f *Frame, v any) bool {
	return json.Unmarshal(f.Payload, v) == nil
}
