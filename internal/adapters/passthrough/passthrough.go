// Package passthrough implements the OpenAI-compatible REST adapter family
// (OpenRouter and friends): bearer-token auth, fixed base URL, and
// byte-for-byte forwarding whenever the caller already speaks the OpenAI
// dialect.
package passthrough

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/BingoWon/Keyaos-sub000/internal/adapters"
	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/credential"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
	openaitr "github.com/BingoWon/Keyaos-sub000/internal/translate/openai"
)

// Adapter is a configurable OpenAI-compatible provider.
type Adapter struct {
	id      string
	baseURL string

	// creditsPath is the provider's remaining-balance endpoint, empty when
	// the provider has none.
	creditsPath string

	client *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithCreditsPath enables balance fetching via the given path.
func WithCreditsPath(path string) Option {
	return func(a *Adapter) { a.creditsPath = path }
}

// WithHTTPClient overrides the forwarding client (useful for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates a passthrough adapter.
//
//   - id      — provider identifier used in model prefixes and ledger rows.
//   - baseURL — API base URL, e.g. "https://openrouter.ai/api/v1".
func New(id, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// No client timeout: streaming responses outlive any fixed bound,
		// cancellation comes from the request context.
		client: &http.Client{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string       { return a.id }
func (a *Adapter) AuthKind() string { return credential.AuthAPIKey }

func (a *Adapter) NormalizeSecret(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "Bearer ")
	if s == "" {
		return "", fmt.Errorf("%s: empty secret", a.id)
	}
	return s, nil
}

// ValidateSecret lists models through the SDK; any authenticated answer
// counts as valid.
func (a *Adapter) ValidateSecret(ctx context.Context, secret string) (bool, error) {
	client := openaiSDK.NewClient(
		option.WithAPIKey(secret),
		option.WithBaseURL(a.baseURL),
	)
	_, err := client.Models.List(ctx)
	if err != nil {
		var apierr *openaiSDK.Error
		if errors.As(err, &apierr) && (apierr.StatusCode == 401 || apierr.StatusCode == 403) {
			return false, nil
		}
		return false, fmt.Errorf("%s: validate secret: %w", a.id, err)
	}
	return true, nil
}

// RemainingBalance asks the provider's credits endpoint when one is
// configured.
func (a *Adapter) RemainingBalance(ctx context.Context, secret string) (float64, bool, error) {
	if a.creditsPath == "" {
		return 0, false, nil
	}
	body, err := a.get(ctx, a.baseURL+a.creditsPath, secret)
	if err != nil {
		return 0, false, err
	}
	total := gjson.GetBytes(body, "data.total_credits")
	used := gjson.GetBytes(body, "data.total_usage")
	if !total.Exists() {
		return 0, false, nil
	}
	return total.Float() - used.Float(), true, nil
}

// Catalog pulls the provider's model list. Prices arrive per token and are
// stored per million tokens.
func (a *Adapter) Catalog(ctx context.Context) ([]*pricing.ModelPrice, error) {
	body, err := a.get(ctx, a.baseURL+"/models", "")
	if err != nil {
		return nil, err
	}
	var prices []*pricing.ModelPrice
	gjson.GetBytes(body, "data").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		prices = append(prices, &pricing.ModelPrice{
			Provider:      a.id,
			Model:         id,
			InputPrice:    m.Get("pricing.prompt").Float() * 1e6,
			OutputPrice:   m.Get("pricing.completion").Float() * 1e6,
			ContextLength: int(m.Get("context_length").Int()),
			Active:        true,
		})
		return true
	})
	return prices, nil
}

// Forward relays one chat call. When the caller speaks the OpenAI dialect the
// inbound body passes through with only the model id rewritten; otherwise the
// canonical request is re-encoded and the answer translated back.
func (a *Adapter) Forward(ctx context.Context, cred *credential.Credential, req *chat.Request, surface chat.Dialect) (*adapters.Response, error) {
	model := adapters.BareModel(a.id, req.Model)

	var body []byte
	var err error
	if surface == chat.DialectOpenAI && len(req.Raw) > 0 {
		body, err = sjson.SetBytes(req.Raw, "model", model)
	} else {
		body, err = openaitr.EncodeRequest(req, model)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", a.id, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", a.id, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.Secret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &adapters.UpstreamError{Provider: a.id, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, adapters.DrainError(a.id, resp)
	}

	out := &adapters.Response{
		StatusCode:  http.StatusOK,
		ContentType: adapters.ContentType(req.Stream),
		Streaming:   req.Stream,
	}

	switch {
	case surface == chat.DialectOpenAI:
		// Same dialect both sides: bytes through untouched.
		out.Body = resp.Body
	case req.Stream:
		enc := adapters.NewSurfaceEncoder(surface, req.Model, req.Model)
		out.Body = adapters.TranscodeStream(resp.Body, openaitr.NewStreamDecoder(), enc)
	default:
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &adapters.UpstreamError{Provider: a.id, Message: err.Error()}
		}
		full, err := openaitr.DecodeResponse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", a.id, err)
		}
		out.Body = io.NopCloser(bytes.NewReader(adapters.EncodeSurfaceResponse(surface, full)))
	}
	return out, nil
}

func (a *Adapter) get(ctx context.Context, url, secret string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", a.id, err)
	}
	if secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+secret)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &adapters.UpstreamError{Provider: a.id, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &adapters.UpstreamError{Provider: a.id, StatusCode: resp.StatusCode, Message: "unexpected status"}
	}
	return io.ReadAll(resp.Body)
}
