// Package credential owns upstream credential records and their health/quota
// state machine. Availability decisions live here: the dispatcher asks for
// eligible credentials and reports outcomes, nothing else mutates status.
package credential

import (
	"context"
	"errors"
	"time"
)

// Health states. A credential starts in StatusOK; transitions go only
// through ReportSuccess, ReportFailure, and DeductQuota.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusCooldown = "cooldown"
	StatusDead     = "dead"
)

// Auth kinds.
const (
	AuthAPIKey = "api_key"
	AuthOAuth  = "oauth"
)

// Quota sources.
const (
	QuotaAuto   = "auto"   // refreshed from the provider's balance endpoint
	QuotaManual = "manual" // set by the owner, decremented per call
	QuotaNone   = "none"   // subscription credential, no metered quota
)

// CooldownWindow is how long a subscription credential sits out after a
// failure before it becomes selectable again.
const CooldownWindow = 5 * time.Hour

// ErrNotFound reports that no credential exists with the given id.
var ErrNotFound = errors.New("credential: not found")

// Credential is one stored upstream secret with its marketplace terms.
type Credential struct {
	ID       string
	OwnerID  string
	Provider string
	AuthKind string
	Secret   string

	// Quota is the remaining metered balance, nil for subscription
	// credentials.
	Quota       *float64
	QuotaSource string

	// Multiplier scales the provider's list price; never above 1.0.
	Multiplier float64

	Status          string
	Enabled         bool
	LastHealthCheck time.Time
	CreatedAt       time.Time
}

// Subscription reports whether the credential is rate-limited rather than
// billed per call.
func (c *Credential) Subscription() bool { return c.Quota == nil }

// Eligible reports whether the dispatcher may select this credential now.
// Dead credentials need owner intervention; cooldown self-heals after
// CooldownWindow.
func (c *Credential) Eligible(now time.Time) bool {
	if !c.Enabled || c.Status == StatusDead {
		return false
	}
	if c.Status == StatusCooldown && now.Sub(c.LastHealthCheck) <= CooldownWindow {
		return false
	}
	return true
}

// NextOnFailure computes the post-failure status. Subscription credentials
// cool down once and die on the second consecutive failure; metered
// credentials die on auth/billing rejections and degrade on anything else.
func NextOnFailure(subscription bool, current string, httpStatus int) string {
	if subscription {
		if current == StatusCooldown {
			return StatusDead
		}
		return StatusCooldown
	}
	switch httpStatus {
	case 401, 402, 403:
		return StatusDead
	default:
		return StatusDegraded
	}
}

// NextOnSuccess computes the post-success status. Dead stays dead.
func NextOnSuccess(current string) string {
	if current == StatusDead {
		return StatusDead
	}
	return StatusOK
}

// DeductFrom subtracts amount from quota, flooring at zero, and reports
// whether the credential is now exhausted.
func DeductFrom(quota, amount float64) (remaining float64, exhausted bool) {
	remaining = quota - amount
	if remaining < 0 {
		remaining = 0
	}
	return remaining, remaining <= 0
}

// Store is the persistence contract for credentials. Mutations must be
// atomic with respect to concurrent dispatches on the same credential.
type Store interface {
	Get(ctx context.Context, id string) (*Credential, error)
	ListByProvider(ctx context.Context, provider string) ([]*Credential, error)
	ListByQuotaSource(ctx context.Context, source string) ([]*Credential, error)

	ReportSuccess(ctx context.Context, id string) error
	ReportFailure(ctx context.Context, id string, httpStatus int) error
	DeductQuota(ctx context.Context, id string, amount float64) error
	SetQuota(ctx context.Context, id string, quota float64) error
}
