package credential

import (
	"context"
	"errors"
	"time"
)

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthRevoked  Health = "revoked"
)

var ErrCredentialNotFound = errors.New("credential not found")

// Key scopes a credential to one tenant's account on one platform.
type Key struct {
	TenantID  string `json:"tenant_id"`
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`
}

type Credential struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	Platform       string            `json:"platform"`
	AccountID      string            `json:"account_id"`
	AccessToken    string            `json:"-"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	IsActive       bool              `json:"is_active"`
	PostingEnabled bool              `json:"posting_enabled"`
	Health         Health            `json:"health"`
	HealthReason   string            `json:"health_reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CheckedAt      *time.Time        `json:"checked_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (c Credential) Key() Key {
	return Key{TenantID: c.TenantID, Platform: c.Platform, AccountID: c.AccountID}
}

// Expired reports whether the token has a known expiry at or before now.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Usable reports whether posting may be attempted at all. Degraded credentials
// are still tried; only revoked, inactive or posting-disabled ones are skipped.
func (c Credential) Usable() bool {
	return c.IsActive && c.PostingEnabled && c.Health != HealthRevoked
}

type RefreshRequest struct {
	Key
	AccessToken string            `json:"access_token"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ICredentialStore is a direct read/write facade over persisted credentials.
// Each health update is a single atomic row write.
type ICredentialStore interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, key Key) (Credential, error)
	List(ctx context.Context, tenantID string) ([]Credential, error)
	Save(ctx context.Context, cred Credential) (Credential, error)
	MarkDegraded(ctx context.Context, key Key, reason string) error
	MarkRevoked(ctx context.Context, key Key, reason string) error
	// Refresh stores new token material and clears health back to healthy.
	Refresh(ctx context.Context, req RefreshRequest) (Credential, error)
}

type RevokeRequest struct {
	Key
	Reason string `json:"reason"`
}
