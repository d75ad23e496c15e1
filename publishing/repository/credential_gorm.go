package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	domainCredential "github.com/AzielCF/az-publish/domains/credential"
	"github.com/AzielCF/az-publish/pkg/crypto"
	pkgError "github.com/AzielCF/az-publish/pkg/error"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// --- Persistence Model ---

type credentialModel struct {
	ID             string            `gorm:"primaryKey;column:id"`
	TenantID       string            `gorm:"column:tenant_id;not null;uniqueIndex:idx_credential_account,priority:1"`
	Platform       string            `gorm:"column:platform;not null;uniqueIndex:idx_credential_account,priority:2"`
	AccountID      string            `gorm:"column:account_id;not null;uniqueIndex:idx_credential_account,priority:3"`
	AccessToken    sql.NullString    `gorm:"column:access_token"`
	ExpiresAt      *time.Time        `gorm:"column:expires_at"`
	IsActive       bool              `gorm:"column:is_active;not null"`
	PostingEnabled bool              `gorm:"column:posting_enabled;not null"`
	Health         string            `gorm:"column:health;not null;default:healthy"`
	HealthReason   sql.NullString    `gorm:"column:health_reason"`
	Metadata       map[string]string `gorm:"column:metadata;serializer:json"`
	CheckedAt      *time.Time        `gorm:"column:checked_at"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (credentialModel) TableName() string {
	return "platform_credentials"
}

type CredentialGormStore struct {
	db     *gorm.DB
	cipher *crypto.TokenCipher
}

// NewCredentialGormStore persists credentials in db. A nil cipher stores
// tokens in plain text.
func NewCredentialGormStore(db *gorm.DB, cipher *crypto.TokenCipher) *CredentialGormStore {
	if cipher == nil {
		logrus.Warn("[CREDENTIAL] APP_SECRET_KEY is empty, access tokens are stored unencrypted")
	}
	return &CredentialGormStore{db: db, cipher: cipher}
}

var _ domainCredential.ICredentialStore = (*CredentialGormStore)(nil)

func (s *CredentialGormStore) ensureDB() error {
	if s.db == nil {
		return pkgError.InternalServerError("credential storage is not initialized")
	}
	return nil
}

func (s *CredentialGormStore) Init(ctx context.Context) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).AutoMigrate(&credentialModel{})
}

func byKey(db *gorm.DB, key domainCredential.Key) *gorm.DB {
	return db.Where("tenant_id = ? AND platform = ? AND account_id = ?", key.TenantID, key.Platform, key.AccountID)
}

func (s *CredentialGormStore) Get(ctx context.Context, key domainCredential.Key) (domainCredential.Credential, error) {
	if err := s.ensureDB(); err != nil {
		return domainCredential.Credential{}, err
	}

	var m credentialModel
	if err := byKey(s.db.WithContext(ctx), key).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domainCredential.Credential{}, domainCredential.ErrCredentialNotFound
		}
		return domainCredential.Credential{}, err
	}
	return s.fromModel(m)
}

func (s *CredentialGormStore) List(ctx context.Context, tenantID string) ([]domainCredential.Credential, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).Order("platform ASC, account_id ASC")
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}

	var models []credentialModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	res := make([]domainCredential.Credential, 0, len(models))
	for _, m := range models {
		c, err := s.fromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

// Save inserts or replaces the credential for its tenant/platform/account key.
func (s *CredentialGormStore) Save(ctx context.Context, cred domainCredential.Credential) (domainCredential.Credential, error) {
	if err := s.ensureDB(); err != nil {
		return domainCredential.Credential{}, err
	}
	if err := validateKey(cred.Key()); err != nil {
		return domainCredential.Credential{}, err
	}
	if cred.Health == "" {
		cred.Health = domainCredential.HealthHealthy
	}

	token, err := s.cipher.Seal(cred.AccessToken)
	if err != nil {
		return domainCredential.Credential{}, fmt.Errorf("seal access token: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing credentialModel
		err := byKey(tx, cred.Key()).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if cred.ID == "" {
				cred.ID = uuid.NewString()
			}
			m := s.toModel(cred, token)
			return tx.Create(&m).Error
		case err != nil:
			return err
		}

		cred.ID = existing.ID
		// Updates through a map so false booleans are written.
		return tx.Model(&credentialModel{}).Where("id = ?", existing.ID).Updates(map[string]any{
			"access_token":    nullString(token),
			"expires_at":      cred.ExpiresAt,
			"is_active":       cred.IsActive,
			"posting_enabled": cred.PostingEnabled,
			"health":          string(cred.Health),
			"health_reason":   nullString(cred.HealthReason),
			"metadata":        encodeJSON(cred.Metadata),
			"checked_at":      cred.CheckedAt,
		}).Error
	})
	if err != nil {
		return domainCredential.Credential{}, err
	}

	return s.Get(ctx, cred.Key())
}

// MarkDegraded flags a credential after a platform auth failure. A revoked
// credential stays revoked.
func (s *CredentialGormStore) MarkDegraded(ctx context.Context, key domainCredential.Key, reason string) error {
	return s.setHealth(ctx, key, domainCredential.HealthDegraded, reason, string(domainCredential.HealthRevoked))
}

func (s *CredentialGormStore) MarkRevoked(ctx context.Context, key domainCredential.Key, reason string) error {
	return s.setHealth(ctx, key, domainCredential.HealthRevoked, reason, "")
}

func (s *CredentialGormStore) setHealth(ctx context.Context, key domainCredential.Key, health domainCredential.Health, reason, unlessHealth string) error {
	if err := s.ensureDB(); err != nil {
		return err
	}

	now := time.Now().UTC()
	query := byKey(s.db.WithContext(ctx).Model(&credentialModel{}), key)
	if unlessHealth != "" {
		query = query.Where("health <> ?", unlessHealth)
	}
	res := query.Updates(map[string]any{
		"health":        string(health),
		"health_reason": nullString(reason),
		"checked_at":    now,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		logrus.Warnf("[CREDENTIAL] %s/%s/%s marked %s: %s", key.TenantID, key.Platform, key.AccountID, health, reason)
		return nil
	}

	var count int64
	if err := byKey(s.db.WithContext(ctx).Model(&credentialModel{}), key).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domainCredential.ErrCredentialNotFound
	}
	return nil
}

// Refresh replaces the token material of an existing credential and resets its
// health. An unknown key is created active with posting enabled.
func (s *CredentialGormStore) Refresh(ctx context.Context, req domainCredential.RefreshRequest) (domainCredential.Credential, error) {
	if err := s.ensureDB(); err != nil {
		return domainCredential.Credential{}, err
	}
	if err := validateKey(req.Key); err != nil {
		return domainCredential.Credential{}, err
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		return domainCredential.Credential{}, pkgError.ValidationError("access_token: cannot be blank.")
	}

	token, err := s.cipher.Seal(strings.TrimSpace(req.AccessToken))
	if err != nil {
		return domainCredential.Credential{}, fmt.Errorf("seal access token: %w", err)
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"access_token":  nullString(token),
		"expires_at":    req.ExpiresAt,
		"health":        string(domainCredential.HealthHealthy),
		"health_reason": nullString(""),
		"checked_at":    now,
	}
	if req.Metadata != nil {
		updates["metadata"] = encodeJSON(req.Metadata)
	}

	res := byKey(s.db.WithContext(ctx).Model(&credentialModel{}), req.Key).Updates(updates)
	if res.Error != nil {
		return domainCredential.Credential{}, res.Error
	}
	if res.RowsAffected == 0 {
		return s.Save(ctx, domainCredential.Credential{
			TenantID:       req.TenantID,
			Platform:       req.Platform,
			AccountID:      req.AccountID,
			AccessToken:    strings.TrimSpace(req.AccessToken),
			ExpiresAt:      req.ExpiresAt,
			IsActive:       true,
			PostingEnabled: true,
			Health:         domainCredential.HealthHealthy,
			Metadata:       req.Metadata,
			CheckedAt:      &now,
		})
	}
	return s.Get(ctx, req.Key)
}

func validateKey(key domainCredential.Key) error {
	switch {
	case strings.TrimSpace(key.TenantID) == "":
		return pkgError.ValidationError("tenant_id: cannot be blank.")
	case strings.TrimSpace(key.Platform) == "":
		return pkgError.ValidationError("platform: cannot be blank.")
	case strings.TrimSpace(key.AccountID) == "":
		return pkgError.ValidationError("account_id: cannot be blank.")
	}
	return nil
}

// --- Mappers ---

func (s *CredentialGormStore) toModel(c domainCredential.Credential, sealedToken string) credentialModel {
	return credentialModel{
		ID:             c.ID,
		TenantID:       c.TenantID,
		Platform:       c.Platform,
		AccountID:      c.AccountID,
		AccessToken:    nullString(sealedToken),
		ExpiresAt:      c.ExpiresAt,
		IsActive:       c.IsActive,
		PostingEnabled: c.PostingEnabled,
		Health:         string(c.Health),
		HealthReason:   nullString(c.HealthReason),
		Metadata:       c.Metadata,
		CheckedAt:      c.CheckedAt,
	}
}

func (s *CredentialGormStore) fromModel(m credentialModel) (domainCredential.Credential, error) {
	token, err := s.cipher.Open(nullStringValue(m.AccessToken))
	if err != nil {
		return domainCredential.Credential{}, fmt.Errorf("open access token for %s/%s: %w", m.Platform, m.AccountID, err)
	}
	return domainCredential.Credential{
		ID:             m.ID,
		TenantID:       m.TenantID,
		Platform:       m.Platform,
		AccountID:      m.AccountID,
		AccessToken:    token,
		ExpiresAt:      utcPtr(m.ExpiresAt),
		IsActive:       m.IsActive,
		PostingEnabled: m.PostingEnabled,
		Health:         domainCredential.Health(m.Health),
		HealthReason:   nullStringValue(m.HealthReason),
		Metadata:       m.Metadata,
		CheckedAt:      utcPtr(m.CheckedAt),
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}, nil
}
