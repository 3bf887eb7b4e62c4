// Package adapters defines the provider capability interface and the registry
// the dispatcher selects from. Each upstream family lives in its own
// sub-package: passthrough (OpenAI-compatible REST), anthropicapi, codeassist
// (OAuth + Google code-assist dialect), and kiro (OAuth + binary
// event-stream dialect).
package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/credential"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
)

// Response is one upstream answer, already rendered in the caller's surface
// dialect. Body streams; the caller owns closing it.
type Response struct {
	StatusCode  int
	ContentType string
	Streaming   bool
	Body        io.ReadCloser
}

// Adapter is the capability interface every provider family implements.
type Adapter interface {
	// ID is the provider identifier used in model prefixes and ledger rows.
	ID() string

	// AuthKind is credential.AuthAPIKey or credential.AuthOAuth.
	AuthKind() string

	// NormalizeSecret canonicalizes a raw secret as entered by the owner
	// (trims decoration, rejects the obviously malformed).
	NormalizeSecret(raw string) (string, error)

	// ValidateSecret performs a lightweight authenticated probe.
	ValidateSecret(ctx context.Context, secret string) (bool, error)

	// RemainingBalance fetches the metered balance. ok is false when the
	// provider cannot report one (subscription upstreams).
	RemainingBalance(ctx context.Context, secret string) (balance float64, ok bool, err error)

	// Catalog fetches the provider's current model price list.
	Catalog(ctx context.Context) ([]*pricing.ModelPrice, error)

	// Forward executes one chat call against the upstream using cred's
	// secret, returning the response in the surface dialect. A non-2xx
	// upstream answer comes back as an *UpstreamError.
	Forward(ctx context.Context, cred *credential.Credential, req *chat.Request, surface chat.Dialect) (*Response, error)
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// UpstreamError is a structured upstream failure. StatusCode is 0 for
// transport-level errors.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// HTTPStatus implements StatusCoder.
func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }

// BareModel strips the "provider/" prefix from a routed model id.
func BareModel(providerID, model string) string {
	if rest, ok := strings.CutPrefix(model, providerID+"/"); ok {
		return rest
	}
	return model
}

// DrainError reads a failed upstream response into an UpstreamError. The
// body is capped; upstream error payloads are small.
func DrainError(providerID string, resp *http.Response) *UpstreamError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return &UpstreamError{Provider: providerID, StatusCode: resp.StatusCode, Message: msg}
}

// Registry holds the configured adapters, built once at startup.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get returns the adapter for a provider id.
func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// IDs returns the registered provider ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
