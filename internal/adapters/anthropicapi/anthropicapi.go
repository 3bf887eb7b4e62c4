// Package anthropicapi implements the adapter for API-key Anthropic
// upstreams. Callers speaking the Anthropic dialect pass through
// byte-for-byte; OpenAI-dialect callers go through the translator pair.
package anthropicapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/sjson"

	"github.com/BingoWon/Keyaos-sub000/internal/adapters"
	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/credential"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
	anthropictr "github.com/BingoWon/Keyaos-sub000/internal/translate/anthropic"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// listPrices maps model-id prefixes to per-million-token list prices and
// context lengths. The API publishes no price endpoint, so the catalog is
// assembled from the models list plus this table.
var listPrices = []struct {
	prefix        string
	input, output float64
	contextLen    int
}{
	{"claude-opus-4", 15, 75, 200_000},
	{"claude-sonnet-4", 3, 15, 200_000},
	{"claude-haiku-4", 1, 5, 200_000},
	{"claude-3-7-sonnet", 3, 15, 200_000},
	{"claude-3-5-sonnet", 3, 15, 200_000},
	{"claude-3-5-haiku", 0.8, 4, 200_000},
	{"claude-3-opus", 15, 75, 200_000},
	{"claude-3-haiku", 0.25, 1.25, 200_000},
}

// Adapter is the Anthropic provider.
type Adapter struct {
	id      string
	baseURL string

	// apiKey is the service-level key used for catalog refreshes; per-call
	// auth always comes from the dispatched credential.
	apiKey string

	client *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithAPIKey sets the service key used for catalog fetches.
func WithAPIKey(key string) Option {
	return func(a *Adapter) { a.apiKey = key }
}

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimSuffix(url, "/") }
}

// WithHTTPClient overrides the forwarding client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an Anthropic adapter.
func New(id string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
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
	if s == "" {
		return "", fmt.Errorf("%s: empty secret", a.id)
	}
	return s, nil
}

func (a *Adapter) sdk(secret string) anthropicSDK.Client {
	if secret == "" {
		secret = a.apiKey
	}
	return anthropicSDK.NewClient(
		option.WithAPIKey(secret),
		option.WithBaseURL(a.baseURL),
	)
}

// ValidateSecret performs the cheapest authenticated call: list one model.
func (a *Adapter) ValidateSecret(ctx context.Context, secret string) (bool, error) {
	client := a.sdk(secret)
	_, err := client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		var apierr *anthropicSDK.Error
		if errors.As(err, &apierr) && (apierr.StatusCode == 401 || apierr.StatusCode == 403) {
			return false, nil
		}
		return false, fmt.Errorf("%s: validate secret: %w", a.id, err)
	}
	return true, nil
}

// RemainingBalance: the API reports no balance.
func (a *Adapter) RemainingBalance(context.Context, string) (float64, bool, error) {
	return 0, false, nil
}

// Catalog lists models and attaches list prices from the builtin table.
// Models without a known price are omitted; an unpriced model cannot be
// ranked or billed.
func (a *Adapter) Catalog(ctx context.Context) ([]*pricing.ModelPrice, error) {
	client := a.sdk("")
	page, err := client.Models.List(ctx, anthropicSDK.ModelListParams{})
	if err != nil {
		return nil, fmt.Errorf("%s: list models: %w", a.id, err)
	}
	var prices []*pricing.ModelPrice
	for _, m := range page.Data {
		for _, lp := range listPrices {
			if strings.HasPrefix(m.ID, lp.prefix) {
				prices = append(prices, &pricing.ModelPrice{
					Provider:      a.id,
					Model:         m.ID,
					InputPrice:    lp.input,
					OutputPrice:   lp.output,
					ContextLength: lp.contextLen,
					Active:        true,
				})
				break
			}
		}
	}
	return prices, nil
}

// Forward relays one chat call against POST /messages.
func (a *Adapter) Forward(ctx context.Context, cred *credential.Credential, req *chat.Request, surface chat.Dialect) (*adapters.Response, error) {
	model := adapters.BareModel(a.id, req.Model)

	var body []byte
	var err error
	if surface == chat.DialectAnthropic && len(req.Raw) > 0 {
		body, err = sjson.SetBytes(req.Raw, "model", model)
	} else {
		body, err = anthropictr.EncodeRequest(req, model)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", a.id, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", a.id, err)
	}
	httpReq.Header.Set("x-api-key", cred.Secret)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
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
	case surface == chat.DialectAnthropic:
		out.Body = resp.Body
	case req.Stream:
		enc := adapters.NewSurfaceEncoder(surface, req.Model, req.Model)
		out.Body = adapters.TranscodeStream(resp.Body, anthropictr.NewStreamDecoder(), enc)
	default:
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &adapters.UpstreamError{Provider: a.id, Message: err.Error()}
		}
		full, err := anthropictr.DecodeResponse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", a.id, err)
		}
		out.Body = io.NopCloser(bytes.NewReader(adapters.EncodeSurfaceResponse(surface, full)))
	}
	return out, nil
}
