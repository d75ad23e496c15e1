package content

import (
	"context"
	"errors"
	"time"
)

var (
	ErrItemNotFound = errors.New("content item not found")
	ErrLeaseLost    = errors.New("content item lease lost")
	ErrNotRetryable = errors.New("content item is not in a retryable state")
)

// Lease identifies the dispatch pass holding an item.
type Lease struct {
	Owner string
	Until time.Time
}

// Outcome is the final write of a dispatch pass.
type Outcome struct {
	Status         Status
	Attempts       map[string]TargetAttempt
	NextAttemptAt  *time.Time
	FollowUpPasses int
}

// ListFilter drives the operator listing.
type ListFilter struct {
	Statuses []Status
	DueBy    *time.Time
	Limit    int
}

// IContentRepository is the persisted store of content items. Claim methods are
// compare-and-set updates and report false when another worker won the row.
type IContentRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, item ContentItem) error
	Get(ctx context.Context, id string) (ContentItem, error)
	List(ctx context.Context, filter ListFilter) ([]ContentItem, error)

	// ListDue pages through scheduled items due at now, ordered by (scheduled_at, id),
	// strictly after the given cursor.
	ListDue(ctx context.Context, now time.Time, after *Cursor, limit int) ([]ContentItem, error)
	// ListRetryable returns dispatching or partially published items whose next
	// attempt time has come and whose lease is free.
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]ContentItem, error)

	ClaimScheduled(ctx context.Context, id string, lease Lease, now time.Time) (bool, error)
	ClaimRetryable(ctx context.Context, id string, lease Lease, now time.Time) (bool, error)

	// SaveAttempts persists attempt records while the lease is held.
	SaveAttempts(ctx context.Context, id, owner string, attempts map[string]TargetAttempt, followUpPasses int) error
	// Complete writes the aggregate status and releases the lease.
	Complete(ctx context.Context, id, owner string, outcome Outcome) error

	// ForceRetry resets the given attempts of a partially published or failed item.
	ForceRetry(ctx context.Context, id string, targetKeys []string, now time.Time) (ContentItem, error)
}

// Cursor is the keyset position of the due-item scan.
type Cursor struct {
	ScheduledAt time.Time
	ID          string
}
