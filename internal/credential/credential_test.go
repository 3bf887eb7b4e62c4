package credential

import (
	"context"
	"testing"
	"time"
)

func ptr(v float64) *float64 { return &v }

func TestNextOnFailure(t *testing.T) {
	tests := []struct {
		name         string
		subscription bool
		current      string
		httpStatus   int
		want         string
	}{
		{"metered 401 dies", false, StatusOK, 401, StatusDead},
		{"metered 402 dies", false, StatusOK, 402, StatusDead},
		{"metered 403 dies", false, StatusDegraded, 403, StatusDead},
		{"metered 500 degrades", false, StatusOK, 500, StatusDegraded},
		{"metered 429 degrades", false, StatusOK, 429, StatusDegraded},
		{"metered transport error degrades", false, StatusOK, 0, StatusDegraded},
		{"subscription first failure cools down", true, StatusOK, 429, StatusCooldown},
		{"subscription second failure dies", true, StatusCooldown, 500, StatusDead},
		{"subscription 403 still cools down first", true, StatusOK, 403, StatusCooldown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextOnFailure(tt.subscription, tt.current, tt.httpStatus)
			if got != tt.want {
				t.Errorf("NextOnFailure(%v, %q, %d) = %q, want %q",
					tt.subscription, tt.current, tt.httpStatus, got, tt.want)
			}
		})
	}
}

func TestNextOnSuccess(t *testing.T) {
	if got := NextOnSuccess(StatusDegraded); got != StatusOK {
		t.Errorf("degraded after success = %q, want ok", got)
	}
	if got := NextOnSuccess(StatusCooldown); got != StatusOK {
		t.Errorf("cooldown after success = %q, want ok", got)
	}
	if got := NextOnSuccess(StatusDead); got != StatusDead {
		t.Errorf("dead after success = %q, want dead", got)
	}
}

func TestEligible(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{"ok enabled", Credential{Enabled: true, Status: StatusOK}, true},
		{"degraded still eligible", Credential{Enabled: true, Status: StatusDegraded}, true},
		{"disabled", Credential{Enabled: false, Status: StatusOK}, false},
		{"dead", Credential{Enabled: true, Status: StatusDead}, false},
		{
			"cooldown inside window",
			Credential{Enabled: true, Status: StatusCooldown, LastHealthCheck: now.Add(-time.Hour)},
			false,
		},
		{
			"cooldown expired",
			Credential{Enabled: true, Status: StatusCooldown, LastHealthCheck: now.Add(-CooldownWindow - time.Minute)},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.Eligible(now); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeductFrom(t *testing.T) {
	remaining, exhausted := DeductFrom(10, 3)
	if remaining != 7 || exhausted {
		t.Errorf("DeductFrom(10, 3) = (%v, %v), want (7, false)", remaining, exhausted)
	}
	remaining, exhausted = DeductFrom(2, 5)
	if remaining != 0 || !exhausted {
		t.Errorf("DeductFrom(2, 5) = (%v, %v), want (0, true)", remaining, exhausted)
	}
}

func TestMemoryStoreFailureLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put(&Credential{ID: "sub", Provider: "kiro", Enabled: true})

	if err := s.ReportFailure(ctx, "sub", 500); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	c, _ := s.Get(ctx, "sub")
	if c.Status != StatusCooldown {
		t.Fatalf("after first failure status = %q, want cooldown", c.Status)
	}

	if err := s.ReportFailure(ctx, "sub", 500); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	c, _ = s.Get(ctx, "sub")
	if c.Status != StatusDead {
		t.Fatalf("after second failure status = %q, want dead", c.Status)
	}

	// Dead is terminal: success does not revive it.
	if err := s.ReportSuccess(ctx, "sub"); err != nil {
		t.Fatalf("ReportSuccess: %v", err)
	}
	c, _ = s.Get(ctx, "sub")
	if c.Status != StatusDead {
		t.Fatalf("after success status = %q, want dead", c.Status)
	}
}

func TestMemoryStoreDeductQuota(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put(&Credential{ID: "c1", Provider: "openrouter", Enabled: true, Quota: ptr(1.0)})

	if err := s.DeductQuota(ctx, "c1", 0.4); err != nil {
		t.Fatalf("DeductQuota: %v", err)
	}
	c, _ := s.Get(ctx, "c1")
	if *c.Quota != 0.6 || c.Status != StatusOK {
		t.Fatalf("after partial deduct quota=%v status=%q", *c.Quota, c.Status)
	}

	if err := s.DeductQuota(ctx, "c1", 2); err != nil {
		t.Fatalf("DeductQuota: %v", err)
	}
	c, _ = s.Get(ctx, "c1")
	if *c.Quota != 0 {
		t.Fatalf("quota floored at %v, want 0", *c.Quota)
	}
	if c.Status != StatusDegraded {
		t.Fatalf("exhausted credential status = %q, want degraded", c.Status)
	}

	// Subscription credentials have no quota to deduct.
	s.Put(&Credential{ID: "sub", Provider: "kiro", Enabled: true})
	if err := s.DeductQuota(ctx, "sub", 1); err != nil {
		t.Fatalf("DeductQuota on subscription: %v", err)
	}
	c, _ = s.Get(ctx, "sub")
	if c.Quota != nil {
		t.Fatalf("subscription quota = %v, want nil", *c.Quota)
	}
}

func TestMemoryStoreGetCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put(&Credential{ID: "c1", Provider: "openai", Enabled: true, Multiplier: 0.5})

	c, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Multiplier = 0.9

	again, _ := s.Get(ctx, "c1")
	if again.Multiplier != 0.5 {
		t.Fatalf("store mutated through returned copy: multiplier = %v", again.Multiplier)
	}

	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}
