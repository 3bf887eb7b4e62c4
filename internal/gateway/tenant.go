package gateway

import (
	"context"
	"errors"
)

// ErrUnknownToken is returned by a Resolver for tokens it does not recognize.
var ErrUnknownToken = errors.New("gateway: unknown api token")

// Tenant is one authenticated consumer of the gateway.
type Tenant struct {
	// ID is the wallet owner id used for billing and rate limiting.
	ID   string
	Name string

	// Providers, when non-empty, restricts dispatch to these provider ids.
	Providers []string
}

// Resolver maps an inbound API token to a tenant. Implementations must be
// safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Tenant, error)
}

// StaticResolver resolves tokens from a fixed map, for configuration-driven
// deployments and tests.
type StaticResolver struct {
	tenants map[string]*Tenant
}

// NewStaticResolver builds a resolver over token → tenant pairs.
func NewStaticResolver(tenants map[string]*Tenant) *StaticResolver {
	m := make(map[string]*Tenant, len(tenants))
	for token, t := range tenants {
		m[token] = t
	}
	return &StaticResolver{tenants: m}
}

func (r *StaticResolver) Resolve(_ context.Context, token string) (*Tenant, error) {
	t, ok := r.tenants[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	return t, nil
}
