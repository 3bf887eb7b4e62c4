package oauth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCacheReuseMargin(t *testing.T) {
	c := NewCache()

	c.Put("rt", Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)})
	if got, ok := c.Get("rt"); !ok || got.AccessToken != "fresh" {
		t.Fatalf("Get = (%+v, %v), want fresh hit", got, ok)
	}

	// Inside the reuse margin the token counts as expired.
	c.Put("rt", Token{AccessToken: "stale", Expiry: time.Now().Add(30 * time.Second)})
	if _, ok := c.Get("rt"); ok {
		t.Fatal("token expiring within margin should miss")
	}

	if _, ok := c.Get("unknown"); ok {
		t.Fatal("unknown refresh token should miss")
	}
}

func TestAccessRefreshesOnMiss(t *testing.T) {
	c := NewCache()
	calls := 0
	fn := func(_ context.Context, rt string) (Token, error) {
		calls++
		return Token{AccessToken: "at-" + rt, Expiry: time.Now().Add(time.Hour)}, nil
	}

	ctx := context.Background()
	tok, err := c.Access(ctx, "rt1", fn)
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	if tok.AccessToken != "at-rt1" || calls != 1 {
		t.Fatalf("first access = %q (calls=%d)", tok.AccessToken, calls)
	}

	// Second access reuses the cached token.
	if _, err := c.Access(ctx, "rt1", fn); err != nil {
		t.Fatalf("Access: %v", err)
	}
	if calls != 1 {
		t.Fatalf("refresh calls = %d, want 1", calls)
	}

	wantErr := errors.New("token endpoint down")
	_, err = c.Access(ctx, "rt2", func(context.Context, string) (Token, error) {
		return Token{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Access error = %v, want wrapped %v", err, wantErr)
	}
}

func TestDiscover(t *testing.T) {
	ctx := context.Background()
	probed := []string{}
	base, err := Discover(ctx, []string{"https://a", "https://b", "https://c"},
		func(_ context.Context, base string) error {
			probed = append(probed, base)
			if base == "https://b" {
				return nil
			}
			return errors.New("unreachable")
		})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if base != "https://b" {
		t.Errorf("discovered %q, want https://b", base)
	}
	if len(probed) != 2 {
		t.Errorf("probes = %v, want stop at first success", probed)
	}

	if _, err := Discover(ctx, []string{"https://a"}, func(context.Context, string) error {
		return errors.New("down")
	}); err == nil {
		t.Fatal("Discover with all candidates failing should error")
	}
}
