package repository

import (
	"context"
	"testing"
	"time"

	domainCredential "github.com/AzielCF/az-publish/domains/credential"
	"github.com/AzielCF/az-publish/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCredentialStore(t *testing.T, secret string) *CredentialGormStore {
	t.Helper()
	cipher, err := crypto.NewTokenCipher(secret)
	require.NoError(t, err)
	store := NewCredentialGormStore(newTestDB(t), cipher)
	require.NoError(t, store.Init(context.Background()))
	return store
}

var igKey = domainCredential.Key{TenantID: "tenant-1", Platform: "instagram", AccountID: "ig-1"}

func TestCredentialStore_SaveAndGetEncryptsToken(t *testing.T) {
	store := newCredentialStore(t, "super-secret")
	ctx := context.Background()

	saved, err := store.Save(ctx, domainCredential.Credential{
		TenantID:       igKey.TenantID,
		Platform:       igKey.Platform,
		AccountID:      igKey.AccountID,
		AccessToken:    "EAAB-token",
		IsActive:       true,
		PostingEnabled: true,
		Metadata:       map[string]string{"page_id": "123"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, "EAAB-token", saved.AccessToken)
	assert.Equal(t, domainCredential.HealthHealthy, saved.Health)
	assert.Equal(t, "123", saved.Metadata["page_id"])

	var raw credentialModel
	require.NoError(t, store.db.First(&raw, "id = ?", saved.ID).Error)
	assert.NotContains(t, raw.AccessToken.String, "EAAB-token")

	_, err = store.Get(ctx, domainCredential.Key{TenantID: "tenant-1", Platform: "instagram", AccountID: "other"})
	assert.ErrorIs(t, err, domainCredential.ErrCredentialNotFound)
}

func TestCredentialStore_SaveReplacesByKey(t *testing.T) {
	store := newCredentialStore(t, "")
	ctx := context.Background()

	first, err := store.Save(ctx, domainCredential.Credential{TenantID: "tenant-1", Platform: "instagram", AccountID: "ig-1", AccessToken: "a", IsActive: true, PostingEnabled: true})
	require.NoError(t, err)

	second, err := store.Save(ctx, domainCredential.Credential{TenantID: "tenant-1", Platform: "instagram", AccountID: "ig-1", AccessToken: "b", IsActive: true, PostingEnabled: false})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "b", second.AccessToken)
	assert.False(t, second.PostingEnabled)
	assert.False(t, second.Usable())

	all, err := store.List(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCredentialStore_HealthTransitions(t *testing.T) {
	store := newCredentialStore(t, "k")
	ctx := context.Background()

	_, err := store.Save(ctx, domainCredential.Credential{TenantID: "tenant-1", Platform: "instagram", AccountID: "ig-1", AccessToken: "a", IsActive: true, PostingEnabled: true})
	require.NoError(t, err)

	require.NoError(t, store.MarkDegraded(ctx, igKey, "token expired"))
	c, err := store.Get(ctx, igKey)
	require.NoError(t, err)
	assert.Equal(t, domainCredential.HealthDegraded, c.Health)
	assert.Equal(t, "token expired", c.HealthReason)
	assert.True(t, c.Usable(), "degraded credentials are still attempted")

	require.NoError(t, store.MarkRevoked(ctx, igKey, "user removed app"))
	require.NoError(t, store.MarkDegraded(ctx, igKey, "late auth error"))
	c, err = store.Get(ctx, igKey)
	require.NoError(t, err)
	assert.Equal(t, domainCredential.HealthRevoked, c.Health, "degrade never downgrades a revocation")
	assert.False(t, c.Usable())

	expires := time.Now().Add(60 * 24 * time.Hour).UTC()
	c, err = store.Refresh(ctx, domainCredential.RefreshRequest{Key: igKey, AccessToken: "fresh", ExpiresAt: &expires})
	require.NoError(t, err)
	assert.Equal(t, domainCredential.HealthHealthy, c.Health)
	assert.Empty(t, c.HealthReason)
	assert.Equal(t, "fresh", c.AccessToken)
	require.NotNil(t, c.ExpiresAt)

	assert.ErrorIs(t, store.MarkDegraded(ctx, domainCredential.Key{TenantID: "x", Platform: "y", AccountID: "z"}, "r"), domainCredential.ErrCredentialNotFound)
}

func TestCredentialStore_RefreshCreatesUnknownAccount(t *testing.T) {
	store := newCredentialStore(t, "")
	ctx := context.Background()

	c, err := store.Refresh(ctx, domainCredential.RefreshRequest{Key: igKey, AccessToken: "tok"})
	require.NoError(t, err)
	assert.True(t, c.IsActive)
	assert.True(t, c.PostingEnabled)
	assert.Equal(t, "tok", c.AccessToken)

	_, err = store.Refresh(ctx, domainCredential.RefreshRequest{Key: igKey})
	assert.Error(t, err)
}
