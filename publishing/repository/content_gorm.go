package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AzielCF/az-publish/publishing/domain/content"
	"gorm.io/gorm"
)

// --- Persistence Model ---

type contentItemModel struct {
	ID             string                           `gorm:"primaryKey;column:id"`
	TenantID       string                           `gorm:"column:tenant_id;not null;index"`
	Body           content.Body                     `gorm:"column:body;serializer:json"`
	Targets        []content.Target                 `gorm:"column:targets;serializer:json"`
	Attempts       map[string]content.TargetAttempt `gorm:"column:attempts;serializer:json"`
	Status         string                           `gorm:"column:status;not null;index:idx_content_due,priority:1;index:idx_content_retry,priority:1"`
	ScheduledAt    *time.Time                       `gorm:"column:scheduled_at;index:idx_content_due,priority:2"`
	NextAttemptAt  *time.Time                       `gorm:"column:next_attempt_at;index:idx_content_retry,priority:2"`
	FollowUpPasses int                              `gorm:"column:follow_up_passes;default:0"`
	LeaseOwner     sql.NullString                   `gorm:"column:lease_owner"`
	LeaseUntil     *time.Time                       `gorm:"column:lease_until"`
	CreatedAt      time.Time                        `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time                        `gorm:"column:updated_at;not null"`
}

func (contentItemModel) TableName() string { return "content_items" }

var retryableStatuses = []string{
	string(content.StatusDispatching),
	string(content.StatusPartiallyPublished),
}

// --- Repository Implementation ---

type ContentGormRepository struct {
	db *gorm.DB
}

func NewContentGormRepository(db *gorm.DB) *ContentGormRepository {
	return &ContentGormRepository{db: db}
}

var _ content.IContentRepository = (*ContentGormRepository)(nil)

func (r *ContentGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&contentItemModel{})
}

func (r *ContentGormRepository) Create(ctx context.Context, item content.ContentItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	item.EnsureAttempts()

	model := toContentItemModel(item)
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *ContentGormRepository) Get(ctx context.Context, id string) (content.ContentItem, error) {
	var m contentItemModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return content.ContentItem{}, content.ErrItemNotFound
		}
		return content.ContentItem{}, err
	}
	return fromContentItemModel(m), nil
}

func (r *ContentGormRepository) List(ctx context.Context, filter content.ListFilter) ([]content.ContentItem, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Model(&contentItemModel{})
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query = query.Where("status IN ?", statuses)
	}
	if filter.DueBy != nil {
		query = query.Where("((scheduled_at IS NOT NULL AND scheduled_at <= ?) OR (next_attempt_at IS NOT NULL AND next_attempt_at <= ?))", *filter.DueBy, *filter.DueBy)
	}

	var models []contentItemModel
	if err := query.Order("updated_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return fromContentItemModels(models), nil
}

func (r *ContentGormRepository) ListDue(ctx context.Context, now time.Time, after *content.Cursor, limit int) ([]content.ContentItem, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", string(content.StatusScheduled), now)
	if after != nil {
		query = query.Where("(scheduled_at > ? OR (scheduled_at = ? AND id > ?))", after.ScheduledAt, after.ScheduledAt, after.ID)
	}

	var models []contentItemModel
	if err := query.Order("scheduled_at ASC, id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return fromContentItemModels(models), nil
}

func (r *ContentGormRepository) ListRetryable(ctx context.Context, now time.Time, limit int) ([]content.ContentItem, error) {
	var models []contentItemModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?", retryableStatuses, now).
		Where("(lease_until IS NULL OR lease_until < ?)", now).
		Order("next_attempt_at ASC, id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return fromContentItemModels(models), nil
}

// ClaimScheduled moves a scheduled item to dispatching only if it is still scheduled.
func (r *ContentGormRepository) ClaimScheduled(ctx context.Context, id string, lease content.Lease, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&contentItemModel{}).
		Where("id = ? AND status = ?", id, string(content.StatusScheduled)).
		Updates(map[string]any{
			"status":          string(content.StatusDispatching),
			"lease_owner":     lease.Owner,
			"lease_until":     lease.Until,
			"next_attempt_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimRetryable takes the lease of an item whose previous pass left work behind.
func (r *ContentGormRepository) ClaimRetryable(ctx context.Context, id string, lease content.Lease, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&contentItemModel{}).
		Where("id = ? AND status IN ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?", id, retryableStatuses, now).
		Where("(lease_until IS NULL OR lease_until < ?)", now).
		Updates(map[string]any{
			"status":      string(content.StatusDispatching),
			"lease_owner": lease.Owner,
			"lease_until": lease.Until,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *ContentGormRepository) SaveAttempts(ctx context.Context, id, owner string, attempts map[string]content.TargetAttempt, followUpPasses int) error {
	raw, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}

	res := r.db.WithContext(ctx).Model(&contentItemModel{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]any{
			"attempts":         string(raw),
			"follow_up_passes": followUpPasses,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return content.ErrLeaseLost
	}
	return nil
}

func (r *ContentGormRepository) Complete(ctx context.Context, id, owner string, outcome content.Outcome) error {
	raw, err := json.Marshal(outcome.Attempts)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}

	res := r.db.WithContext(ctx).Model(&contentItemModel{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]any{
			"status":           string(outcome.Status),
			"attempts":         string(raw),
			"next_attempt_at":  outcome.NextAttemptAt,
			"follow_up_passes": outcome.FollowUpPasses,
			"lease_owner":      nil,
			"lease_until":      nil,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return content.ErrLeaseLost
	}
	return nil
}

// ForceRetry resets the selected non-succeeded attempts to pending. An empty
// targetKeys selects every non-succeeded attempt.
func (r *ContentGormRepository) ForceRetry(ctx context.Context, id string, targetKeys []string, now time.Time) (content.ContentItem, error) {
	var result content.ContentItem

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m contentItemModel
		if err := tx.First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return content.ErrItemNotFound
			}
			return err
		}

		item := fromContentItemModel(m)
		if item.Status != content.StatusPartiallyPublished && item.Status != content.StatusFailed {
			return fmt.Errorf("%w: status is %s", content.ErrNotRetryable, item.Status)
		}
		if item.LeaseUntil != nil && item.LeaseUntil.After(now) {
			return fmt.Errorf("%w: item is leased until %s", content.ErrNotRetryable, item.LeaseUntil.Format(time.RFC3339))
		}

		selected := make(map[string]bool, len(targetKeys))
		for _, k := range targetKeys {
			selected[k] = true
		}

		item.EnsureAttempts()
		reset := 0
		for _, t := range item.Targets {
			key := t.Key()
			a := item.Attempts[key]
			if a.State == content.AttemptSucceeded {
				continue
			}
			if len(selected) > 0 && !selected[key] {
				continue
			}
			item.Attempts[key] = content.TargetAttempt{
				Target:         t,
				State:          content.AttemptPending,
				IdempotencyKey: a.IdempotencyKey,
			}
			reset++
		}
		if reset == 0 {
			return fmt.Errorf("%w: no matching non-succeeded targets", content.ErrNotRetryable)
		}

		raw, err := json.Marshal(item.Attempts)
		if err != nil {
			return fmt.Errorf("encode attempts: %w", err)
		}

		res := tx.Model(&contentItemModel{}).
			Where("id = ? AND status = ? AND updated_at = ?", id, m.Status, m.UpdatedAt).
			Updates(map[string]any{
				"status":           string(content.StatusDispatching),
				"attempts":         string(raw),
				"next_attempt_at":  now,
				"follow_up_passes": 0,
				"lease_owner":      nil,
				"lease_until":      nil,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: item changed concurrently", content.ErrNotRetryable)
		}

		item.Status = content.StatusDispatching
		item.NextAttemptAt = &now
		item.FollowUpPasses = 0
		item.LeaseOwner = ""
		item.LeaseUntil = nil
		item.UpdatedAt = now
		result = item
		return nil
	})

	return result, err
}

// --- Mappers ---

func toContentItemModel(item content.ContentItem) contentItemModel {
	return contentItemModel{
		ID:             item.ID,
		TenantID:       item.TenantID,
		Body:           item.Body,
		Targets:        item.Targets,
		Attempts:       item.Attempts,
		Status:         string(item.Status),
		ScheduledAt:    item.ScheduledAt,
		NextAttemptAt:  item.NextAttemptAt,
		FollowUpPasses: item.FollowUpPasses,
		LeaseOwner:     sql.NullString{String: item.LeaseOwner, Valid: item.LeaseOwner != ""},
		LeaseUntil:     item.LeaseUntil,
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      item.UpdatedAt,
	}
}

func fromContentItemModel(m contentItemModel) content.ContentItem {
	attempts := m.Attempts
	if attempts == nil {
		attempts = make(map[string]content.TargetAttempt)
	}
	return content.ContentItem{
		ID:             m.ID,
		TenantID:       m.TenantID,
		Body:           m.Body,
		Targets:        m.Targets,
		Attempts:       attempts,
		Status:         content.Status(m.Status),
		ScheduledAt:    utcPtr(m.ScheduledAt),
		NextAttemptAt:  utcPtr(m.NextAttemptAt),
		FollowUpPasses: m.FollowUpPasses,
		LeaseOwner:     nullStringValue(m.LeaseOwner),
		LeaseUntil:     utcPtr(m.LeaseUntil),
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

func fromContentItemModels(models []contentItemModel) []content.ContentItem {
	res := make([]content.ContentItem, len(models))
	for i, m := range models {
		res[i] = fromContentItemModel(m)
	}
	return res
}
