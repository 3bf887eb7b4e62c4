// Package oauth holds the process-local token cache and endpoint discovery
// shared by the OAuth adapter families. The cache is keyed by refresh token;
// concurrent refreshes of the same token are tolerated, last writer wins.
package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ReuseMargin is how much validity an access token must have left to be
// reused instead of refreshed.
const ReuseMargin = 60 * time.Second

// Token is a cached access grant plus what was discovered while obtaining it.
type Token struct {
	AccessToken string
	Expiry      time.Time

	// Endpoint is the discovered upstream base URL for this refresh token.
	Endpoint string
	// Project is the provisioned project id, where the upstream has one.
	Project string
}

// RefreshFunc exchanges a refresh token for a fresh Token.
type RefreshFunc func(ctx context.Context, refreshToken string) (Token, error)

// Cache maps refresh tokens to access tokens. Safe for concurrent use; no
// cross-request locking around refreshes, so two racing callers may both
// refresh and the later write simply wins.
type Cache struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

func NewCache() *Cache {
	return &Cache{tokens: make(map[string]Token)}
}

// Get returns the cached token when it still has more than ReuseMargin of
// validity.
func (c *Cache) Get(refreshToken string) (Token, bool) {
	c.mu.RLock()
	t, ok := c.tokens[refreshToken]
	c.mu.RUnlock()
	if !ok || time.Until(t.Expiry) <= ReuseMargin {
		return Token{}, false
	}
	return t, true
}

// Put stores a token, replacing whatever a concurrent refresh wrote.
func (c *Cache) Put(refreshToken string, t Token) {
	c.mu.Lock()
	c.tokens[refreshToken] = t
	c.mu.Unlock()
}

// Access returns a usable token for refreshToken, refreshing through fn when
// the cached one is absent or about to expire.
func (c *Cache) Access(ctx context.Context, refreshToken string, fn RefreshFunc) (Token, error) {
	if t, ok := c.Get(refreshToken); ok {
		return t, nil
	}
	t, err := fn(ctx, refreshToken)
	if err != nil {
		return Token{}, fmt.Errorf("oauth: refresh: %w", err)
	}
	c.Put(refreshToken, t)
	return t, nil
}

// Discover probes candidate base URLs in order and returns the first that
// answers the probe successfully.
func Discover(ctx context.Context, candidates []string, probe func(ctx context.Context, base string) error) (string, error) {
	var lastErr error
	for _, base := range candidates {
		if err := probe(ctx, base); err != nil {
			lastErr = err
			continue
		}
		return base, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidates")
	}
	return "", fmt.Errorf("oauth: endpoint discovery: %w", lastErr)
}
