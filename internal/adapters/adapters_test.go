package adapters

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/credential"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
)

// stubAdapter implements Adapter with canned answers.
type stubAdapter struct {
	id string
}

func (s *stubAdapter) ID() string       { return s.id }
func (s *stubAdapter) AuthKind() string { return credential.AuthAPIKey }
func (s *stubAdapter) NormalizeSecret(raw string) (string, error) {
	return raw, nil
}
func (s *stubAdapter) ValidateSecret(context.Context, string) (bool, error) {
	return true, nil
}
func (s *stubAdapter) RemainingBalance(context.Context, string) (float64, bool, error) {
	return 0, false, nil
}
func (s *stubAdapter) Catalog(context.Context) ([]*pricing.ModelPrice, error) {
	return nil, nil
}
func (s *stubAdapter) Forward(context.Context, *credential.Credential, *chat.Request, chat.Dialect) (*Response, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&stubAdapter{id: "openrouter"}, &stubAdapter{id: "kiro"})

	if _, ok := r.Get("openrouter"); !ok {
		t.Fatal("registered adapter not found")
	}
	if _, ok := r.Get("unknown"); ok {
		t.Fatal("unknown adapter found")
	}

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "kiro" || ids[1] != "openrouter" {
		t.Errorf("IDs() = %v, want sorted [kiro openrouter]", ids)
	}
}

func TestBareModel(t *testing.T) {
	if got := BareModel("openrouter", "openrouter/gpt-4o-mini"); got != "gpt-4o-mini" {
		t.Errorf("BareModel = %q", got)
	}
	if got := BareModel("openrouter", "gpt-4o-mini"); got != "gpt-4o-mini" {
		t.Errorf("unprefixed model changed: %q", got)
	}
	if got := BareModel("kiro", "openrouter/gpt-4o-mini"); got != "openrouter/gpt-4o-mini" {
		t.Errorf("foreign prefix stripped: %q", got)
	}
}

func TestDrainError(t *testing.T) {
	resp := &http.Response{
		StatusCode: 429,
		Status:     "429 Too Many Requests",
		Body:       io.NopCloser(strings.NewReader(`{"error":"rate limited"}`)),
	}
	err := DrainError("openrouter", resp)
	if err.StatusCode != 429 || err.HTTPStatus() != 429 {
		t.Errorf("status = %d", err.StatusCode)
	}
	if !strings.Contains(err.Message, "rate limited") {
		t.Errorf("message = %q", err.Message)
	}

	empty := &http.Response{
		StatusCode: 503,
		Status:     "503 Service Unavailable",
		Body:       io.NopCloser(strings.NewReader("")),
	}
	if err := DrainError("x", empty); err.Message != "503 Service Unavailable" {
		t.Errorf("empty-body message = %q", err.Message)
	}
}

// passDecoder emits one text delta per fed chunk.
type passDecoder struct{ closed bool }

func (d *passDecoder) Feed(p []byte) []chat.StreamEvent {
	return []chat.StreamEvent{{Type: chat.EventDelta, Block: chat.BlockText, Text: string(p)}}
}

func (d *passDecoder) Close() []chat.StreamEvent {
	d.closed = true
	return []chat.StreamEvent{{Type: chat.EventDone, FinishReason: chat.FinishStop}}
}

// tagEncoder renders events as simple tagged lines.
type tagEncoder struct{}

func (tagEncoder) Event(ev chat.StreamEvent) []byte {
	if ev.Type == chat.EventDone {
		return []byte("[done]")
	}
	return []byte("<" + ev.Text + ">")
}

func TestTranscodeStream(t *testing.T) {
	body := io.NopCloser(bytes.NewReader([]byte("hello")))
	dec := &passDecoder{}
	out := TranscodeStream(body, dec, tagEncoder{})

	got, err := io.ReadAll(out)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "<hello>[done]" {
		t.Errorf("transcoded = %q", got)
	}
	if !dec.closed {
		t.Error("decoder not closed at EOF")
	}
}

func TestCollectStream(t *testing.T) {
	body := io.NopCloser(bytes.NewReader([]byte("hi")))
	resp, err := CollectStream(body, &passDecoder{})
	if err != nil {
		t.Fatalf("CollectStream: %v", err)
	}
	if resp.Content != "hi" || resp.FinishReason != chat.FinishStop {
		t.Errorf("collected = %+v", resp)
	}
}
