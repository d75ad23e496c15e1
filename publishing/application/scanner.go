package application

import (
	"context"
	"iter"
	"time"

	"github.com/AzielCF/az-publish/publishing/domain/content"
	"github.com/sirupsen/logrus"
)

// Scanner finds items whose work is due. It never writes.
type Scanner struct {
	repo  content.IContentRepository
	batch int
}

func NewScanner(repo content.IContentRepository, batchSize int) *Scanner {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scanner{repo: repo, batch: batchSize}
}

// Scan yields every scheduled item with scheduled_at <= now, ordered by
// (scheduled_at, id). Pages are fetched lazily; a store error is yielded once
// and ends the sequence.
func (s *Scanner) Scan(ctx context.Context, now time.Time) iter.Seq2[content.ContentItem, error] {
	return func(yield func(content.ContentItem, error) bool) {
		var cursor *content.Cursor
		for {
			if err := ctx.Err(); err != nil {
				yield(content.ContentItem{}, err)
				return
			}

			page, err := s.repo.ListDue(ctx, now, cursor, s.batch)
			if err != nil {
				logrus.WithError(err).Error("[SCANNER] Due item query failed")
				yield(content.ContentItem{}, err)
				return
			}

			for _, item := range page {
				if !yield(item, nil) {
					return
				}
			}
			if len(page) < s.batch {
				return
			}

			last := page[len(page)-1]
			cursor = &content.Cursor{ScheduledAt: *last.ScheduledAt, ID: last.ID}
		}
	}
}

// ScanRetryable yields one batch of items with retries or follow-up passes
// due, or whose previous pass died holding an expired lease.
func (s *Scanner) ScanRetryable(ctx context.Context, now time.Time) iter.Seq2[content.ContentItem, error] {
	return func(yield func(content.ContentItem, error) bool) {
		items, err := s.repo.ListRetryable(ctx, now, s.batch)
		if err != nil {
			logrus.WithError(err).Error("[SCANNER] Retryable item query failed")
			yield(content.ContentItem{}, err)
			return
		}
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}
