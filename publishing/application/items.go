package application

import (
	"context"
	"errors"
	"time"

	pkgError "github.com/AzielCF/az-publish/pkg/error"
	"github.com/AzielCF/az-publish/publishing/domain/content"
	"github.com/AzielCF/az-publish/validations"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Waker asks the dispatch loop to scan now.
type Waker interface {
	Notify(ctx context.Context)
}

// TargetView is the operator diagnostic for one target.
type TargetView struct {
	Target        string     `json:"target"`
	State         string     `json:"state"`
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	NextRetry     string     `json:"next_retry,omitempty"`
	ErrorClass    string     `json:"error_class,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Error         string     `json:"error,omitempty"`
	PostID        string     `json:"post_id,omitempty"`
	URL           string     `json:"url,omitempty"`
}

type ItemView struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenant_id"`
	Status         string       `json:"status"`
	ScheduledAt    *time.Time   `json:"scheduled_at,omitempty"`
	Due            string       `json:"due,omitempty"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at,omitempty"`
	FollowUpPasses int          `json:"follow_up_passes"`
	LeaseOwner     string       `json:"lease_owner,omitempty"`
	LeaseUntil     *time.Time   `json:"lease_until,omitempty"`
	Targets        []TargetView `json:"targets"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ItemService is the operator facade over content items.
type ItemService struct {
	repo  content.IContentRepository
	waker Waker
	now   func() time.Time
}

func NewItemService(repo content.IContentRepository, waker Waker) *ItemService {
	return &ItemService{repo: repo, waker: waker, now: func() time.Time { return time.Now().UTC() }}
}

func (s *ItemService) List(ctx context.Context, request content.ListRequest) ([]ItemView, error) {
	if err := validations.ValidateListRequest(ctx, request); err != nil {
		return nil, err
	}

	now := s.now()
	filter := content.ListFilter{Limit: request.Limit}
	if request.Status != "" {
		filter.Statuses = []content.Status{content.Status(request.Status)}
	}
	if request.Due {
		filter.DueBy = &now
	}

	items, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, pkgError.InternalServerError(err.Error())
	}

	views := make([]ItemView, 0, len(items))
	for _, item := range items {
		views = append(views, newItemView(item, now))
	}
	return views, nil
}

func (s *ItemService) Get(ctx context.Context, id string) (ItemView, error) {
	item, err := s.repo.Get(ctx, id)
	if errors.Is(err, content.ErrItemNotFound) {
		return ItemView{}, pkgError.NotFoundError("item " + id + " not found")
	}
	if err != nil {
		return ItemView{}, pkgError.InternalServerError(err.Error())
	}
	return newItemView(item, s.now()), nil
}

// Retry resets the selected attempts of a finished item and wakes the engine.
func (s *ItemService) Retry(ctx context.Context, request content.RetryRequest) (ItemView, error) {
	if err := validations.ValidateRetryRequest(ctx, request); err != nil {
		return ItemView{}, err
	}

	now := s.now()
	item, err := s.repo.ForceRetry(ctx, request.ItemID, request.Targets, now)
	switch {
	case errors.Is(err, content.ErrItemNotFound):
		return ItemView{}, pkgError.NotFoundError("item " + request.ItemID + " not found")
	case errors.Is(err, content.ErrNotRetryable):
		return ItemView{}, pkgError.ConflictError(err.Error())
	case err != nil:
		return ItemView{}, pkgError.InternalServerError(err.Error())
	}

	logrus.WithField("item", item.ID).Infof("[DISPATCH] Operator retry requested for %v", request.Targets)
	if s.waker != nil {
		s.waker.Notify(ctx)
	}
	return newItemView(item, now), nil
}

func newItemView(item content.ContentItem, now time.Time) ItemView {
	view := ItemView{
		ID:             item.ID,
		TenantID:       item.TenantID,
		Status:         string(item.Status),
		ScheduledAt:    item.ScheduledAt,
		NextAttemptAt:  item.NextAttemptAt,
		FollowUpPasses: item.FollowUpPasses,
		LeaseOwner:     item.LeaseOwner,
		LeaseUntil:     item.LeaseUntil,
		UpdatedAt:      item.UpdatedAt,
	}
	if item.ScheduledAt != nil && item.Status == content.StatusScheduled {
		view.Due = humanize.RelTime(*item.ScheduledAt, now, "ago", "from now")
	}

	for _, a := range item.OrderedAttempts() {
		tv := TargetView{
			Target:        a.Target.Key(),
			State:         string(a.State),
			AttemptCount:  a.AttemptCount,
			LastAttemptAt: a.LastAttemptAt,
			NextRetryAt:   a.NextRetryAt,
			ErrorClass:    string(a.ErrorClass),
			Reason:        a.Reason,
			Error:         a.Error,
			PostID:        a.ResultRef,
			URL:           a.ResultURL,
		}
		if a.NextRetryAt != nil {
			tv.NextRetry = humanize.RelTime(*a.NextRetryAt, now, "ago", "from now")
		}
		view.Targets = append(view.Targets, tv)
	}
	return view
}
