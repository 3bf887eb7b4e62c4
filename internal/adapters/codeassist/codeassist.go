// Package codeassist implements the OAuth adapter for Google's code-assist
// upstream. Credentials are refresh tokens; access tokens, the discovered
// endpoint, and the provisioned project are cached per refresh token.
package codeassist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BingoWon/Keyaos-sub000/internal/adapters"
	"github.com/BingoWon/Keyaos-sub000/internal/adapters/oauth"
	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/credential"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
	codeassisttr "github.com/BingoWon/Keyaos-sub000/internal/translate/codeassist"
)

const defaultTokenURL = "https://oauth2.googleapis.com/token"

var defaultEndpoints = []string{
	"https://cloudcode-pa.googleapis.com",
	"https://cloudcode-pa.clients6.google.com",
}

// catalog is the static price list for the code-assist upstream; it exposes
// no price endpoint.
var catalog = []*pricing.ModelPrice{
	{Model: "gemini-2.5-pro", InputPrice: 1.25, OutputPrice: 10, ContextLength: 1_048_576, Active: true},
	{Model: "gemini-2.5-flash", InputPrice: 0.3, OutputPrice: 2.5, ContextLength: 1_048_576, Active: true},
	{Model: "gemini-2.0-flash", InputPrice: 0.1, OutputPrice: 0.4, ContextLength: 1_048_576, Active: true},
}

// Adapter is the code-assist provider.
type Adapter struct {
	id           string
	tokenURL     string
	clientID     string
	clientSecret string
	endpoints    []string

	tokens *oauth.Cache
	client *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTokenURL overrides the OAuth token endpoint (useful for testing).
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

// New creates a code-assist adapter. clientID/clientSecret identify this
// gateway to the token endpoint.
func New(id, clientID, clientSecret string, opts ...Option) *Adapter {
	a := &Adapter{
		id:           id,
		tokenURL:     defaultTokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		endpoints:    defaultEndpoints,
		tokens:       oauth.NewCache(),
		client:       &http.Client{},
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
	// Owners sometimes paste the whole OAuth credentials blob; accept it and
	// keep just the refresh token.
	if strings.HasPrefix(s, "{") {
		if rt := gjson.Get(s, "refresh_token").String(); rt != "" {
			return rt, nil
		}
		return "", fmt.Errorf("%s: credentials blob has no refresh_token", a.id)
	}
	if s == "" {
		return "", fmt.Errorf("%s: empty secret", a.id)
	}
	return s, nil
}

// ValidateSecret succeeds when the refresh token can mint an access token.
func (a *Adapter) ValidateSecret(ctx context.Context, secret string) (bool, error) {
	_, err := a.access(ctx, secret)
	if err != nil {
		var ue *adapters.UpstreamError
		if errors.As(err, &ue) && (ue.StatusCode == 400 || ue.StatusCode == 401) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RemainingBalance: subscription upstream, nothing metered to report.
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

// access returns a usable token, refreshing and running endpoint/project
// discovery on a cache miss.
func (a *Adapter) access(ctx context.Context, refreshToken string) (oauth.Token, error) {
	return a.tokens.Access(ctx, refreshToken, a.refresh)
}

func (a *Adapter) refresh(ctx context.Context, refreshToken string) (oauth.Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {a.clientID},
		"client_secret": {a.clientSecret},
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return oauth.Token{}, fmt.Errorf("%s: build token request: %w", a.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return oauth.Token{}, &adapters.UpstreamError{Provider: a.id, Message: err.Error()}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oauth.Token{}, &adapters.UpstreamError{
			Provider: a.id, StatusCode: resp.StatusCode, Message: "token refresh rejected",
		}
	}

	tok := oauth.Token{
		AccessToken: gjson.GetBytes(body, "access_token").String(),
		Expiry:      time.Now().Add(time.Duration(gjson.GetBytes(body, "expires_in").Int()) * time.Second),
	}
	if tok.AccessToken == "" {
		return oauth.Token{}, &adapters.UpstreamError{Provider: a.id, Message: "token response missing access_token"}
	}

	tok.Endpoint, err = oauth.Discover(ctx, a.endpoints, func(ctx context.Context, base string) error {
		project, err := a.loadProject(ctx, base, tok.AccessToken)
		if err != nil {
			return err
		}
		tok.Project = project
		return nil
	})
	if err != nil {
		return oauth.Token{}, err
	}
	return tok, nil
}

// loadProject probes one candidate endpoint and returns the provisioned
// project id. Doubling as the discovery probe keeps it to one round trip.
func (a *Adapter) loadProject(ctx context.Context, base, accessToken string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"metadata": map[string]string{"pluginType": "GEMINI"},
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base+"/v1internal:loadCodeAssist", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: loadCodeAssist status %d", a.id, resp.StatusCode)
	}
	return gjson.GetBytes(raw, "cloudaicompanionProject").String(), nil
}

// Forward relays one chat call through the code-assist dialect.
func (a *Adapter) Forward(ctx context.Context, cred *credential.Credential, req *chat.Request, surface chat.Dialect) (*adapters.Response, error) {
	tok, err := a.access(ctx, cred.Secret)
	if err != nil {
		// Refresh failure counts as an upstream failure for this credential.
		return nil, err
	}

	model := adapters.BareModel(a.id, req.Model)
	body, err := codeassisttr.EncodeRequest(req, model, tok.Project)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", a.id, err)
	}

	endpoint := tok.Endpoint + "/v1internal:generateContent"
	if req.Stream {
		endpoint = tok.Endpoint + "/v1internal:streamGenerateContent?alt=sse"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
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

	out := &adapters.Response{
		StatusCode:  http.StatusOK,
		ContentType: adapters.ContentType(req.Stream),
		Streaming:   req.Stream,
	}

	if req.Stream {
		enc := adapters.NewSurfaceEncoder(surface, req.Model, req.Model)
		out.Body = adapters.TranscodeStream(resp.Body, codeassisttr.NewStreamDecoder(), enc)
		return out, nil
	}

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &adapters.UpstreamError{Provider: a.id, Message: err.Error()}
	}
	full, err := codeassisttr.DecodeResponse(raw, req.Model)
	if err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", a.id, err)
	}
	out.Body = io.NopCloser(bytes.NewReader(adapters.EncodeSurfaceResponse(surface, full)))
	return out, nil
}
