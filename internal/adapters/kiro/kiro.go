// Package kiro implements the custom-binary adapter family: OAuth refresh
// tokens like codeassist, but the upstream answers with length-prefixed
// binary event-stream frames decoded by translate/eventstream.
package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BingoWon/Keyaos-sub000/internal/adapters"
	"github.com/BingoWon/Keyaos-sub000/internal/adapters/oauth"
	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/credential"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
	"github.com/BingoWon/Keyaos-sub000/internal/translate/eventstream"
)

// catalog is static: a subscription upstream has no price endpoint. Prices
// are the ranking proxies for the models it serves.
var catalog = []*pricing.ModelPrice{
	{Model: "claude-sonnet-4", InputPrice: 3, OutputPrice: 15, ContextLength: 200_000, Active: true},
	{Model: "claude-haiku-4", InputPrice: 1, OutputPrice: 5, ContextLength: 200_000, Active: true},
	{Model: "claude-3-7-sonnet", InputPrice: 3, OutputPrice: 15, ContextLength: 200_000, Active: true},
}

// Adapter is the binary event-stream provider.
type Adapter struct {
	id        string
	tokenURL  string
	endpoints []string

	// contextWindow feeds input-token estimation when the model is not in
	// the catalog.
	contextWindow int

	tokens *oauth.Cache
	client *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTokenURL overrides the token refresh endpoint (useful for testing).
func WithTokenURL(url string) Option {
	return func(a *Adapter) { a.tokenURL = url }
}

// WithEndpoints overrides the discovery candidate list.
func WithEndpoints(endpoints []string) Option {
	return func(a *Adapter) { a.endpoints = endpoints }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates a kiro adapter.
func New(id, tokenURL string, endpoints []string, opts ...Option) *Adapter {
	a := &Adapter{
		id:            id,
		tokenURL:      tokenURL,
		endpoints:     endpoints,
		contextWindow: 200_000,
		tokens:        oauth.NewCache(),
		client:        &http.Client{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string       { return a.id }
func (a *Adapter) AuthKind() string { return credential.AuthOAuth }

func (a *Adapter) NormalizeSecret(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "{") {
		if rt := gjson.Get(s, "refreshToken").String(); rt != "" {
			return rt, nil
		}
		return "", fmt.Errorf("%s: credentials blob has no refreshToken", a.id)
	}
	if s == "" {
		return "", fmt.Errorf("%s: empty secret", a.id)
	}
	return s, nil
}

func (a *Adapter) ValidateSecret(ctx context.Context, secret string) (bool, error) {
	_, err := a.tokens.Access(ctx, secret, a.refresh)
	if err != nil {
		var ue *adapters.UpstreamError
		if errors.As(err, &ue) && (ue.StatusCode == 400 || ue.StatusCode == 401 || ue.StatusCode == 403) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RemainingBalance: subscription-only upstream.
func (a *Adapter) RemainingBalance(context.Context, string) (float64, bool, error) {
	return 0, false, nil
}

func (a *Adapter) Catalog(context.Context) ([]*pricing.ModelPrice, error) {
	out := make([]*pricing.ModelPrice, 0, len(catalog))
	for _, p := range catalog {
		cp := *p
		cp.Provider = a.id
		out = append(out, &cp)
	}
	return out, nil
}

func (a *Adapter) refresh(ctx context.Context, refreshToken string) (oauth.Token, error) {
	body, _ := json.Marshal(map[string]string{"refreshToken": refreshToken})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, bytes.NewReader(body))
	if err != nil {
		return oauth.Token{}, fmt.Errorf("%s: build token request: %w", a.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return oauth.Token{}, &adapters.UpstreamError{Provider: a.id, Message: err.Error()}
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oauth.Token{}, &adapters.UpstreamError{
			Provider: a.id, StatusCode: resp.StatusCode, Message: "token refresh rejected",
		}
	}

	tok := oauth.Token{
		AccessToken: gjson.GetBytes(raw, "accessToken").String(),
		Expiry:      time.Now().Add(time.Duration(gjson.GetBytes(raw, "expiresIn").Int()) * time.Second),
	}
	if tok.AccessToken == "" {
		return oauth.Token{}, &adapters.UpstreamError{Provider: a.id, Message: "token response missing accessToken"}
	}
	if tok.Expiry.Before(time.Now().Add(time.Minute)) {
		tok.Expiry = time.Now().Add(50 * time.Minute)
	}

	tok.Endpoint, err = oauth.Discover(ctx, a.endpoints, func(ctx context.Context, base string) error {
		return a.probe(ctx, base, tok.AccessToken)
	})
	if err != nil {
		return oauth.Token{}, err
	}
	return tok, nil
}

// probe sends a HEAD to the conversation endpoint; any authenticated answer
// (including 405 on HEAD) marks the base reachable.
func (a *Adapter) probe(ctx context.Context, base, accessToken string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, base+"/generateAssistantResponse", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: probe status %d", a.id, resp.StatusCode)
	}
	return nil
}

// Forward relays one chat call. The upstream always streams binary frames;
// non-streaming callers get the collected result.
func (a *Adapter) Forward(ctx context.Context, cred *credential.Credential, req *chat.Request, surface chat.Dialect) (*adapters.Response, error) {
	tok, err := a.tokens.Access(ctx, cred.Secret, a.refresh)
	if err != nil {
		return nil, err
	}

	model := adapters.BareModel(a.id, req.Model)
	body, err := eventstream.EncodeRequest(req, model)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", a.id, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		tok.Endpoint+"/generateAssistantResponse", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", a.id, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &adapters.UpstreamError{Provider: a.id, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, adapters.DrainError(a.id, resp)
	}

	dec := eventstream.NewStreamDecoder(a.contextWindow)
	out := &adapters.Response{
		StatusCode:  http.StatusOK,
		ContentType: adapters.ContentType(req.Stream),
		Streaming:   req.Stream,
	}

	if req.Stream {
		enc := adapters.NewSurfaceEncoder(surface, req.Model, req.Model)
		out.Body = adapters.TranscodeStream(resp.Body, dec, enc)
		return out, nil
	}

	full, err := adapters.CollectStream(resp.Body, dec)
	if err != nil {
		return nil, &adapters.UpstreamError{Provider: a.id, Message: err.Error()}
	}
	full.Model = req.Model
	out.Body = io.NopCloser(bytes.NewReader(adapters.EncodeSurfaceResponse(surface, full)))
	return out, nil
}
