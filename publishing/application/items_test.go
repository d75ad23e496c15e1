package application

import (
	"context"
	"testing"
	"time"

	pkgError "github.com/AzielCF/az-publish/pkg/error"
	"github.com/AzielCF/az-publish/publishing/domain/content"
	"github.com/AzielCF/az-publish/publishing/domain/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWaker struct{ n int }

func (w *countingWaker) Notify(context.Context) { w.n++ }

func TestItemService_RetryPartialItem(t *testing.T) {
	h := newHarness(t)
	h.fb.respond = func(int, publisher.Input) (publisher.Result, error) {
		return publisher.Result{}, publisher.Validation("100", "bad caption")
	}
	item := h.createItem(t, "item-1", igTarget, fbTarget)
	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	waker := &countingWaker{}
	svc := NewItemService(h.repo, waker)

	view, err := svc.Retry(context.Background(), content.RetryRequest{ItemID: "item-1"})
	require.NoError(t, err)
	assert.Equal(t, string(content.StatusDispatching), view.Status)
	assert.Equal(t, 1, waker.n)

	states := map[string]string{}
	for _, tv := range view.Targets {
		states[tv.Target] = tv.State
	}
	assert.Equal(t, string(content.AttemptSucceeded), states[igTarget.Key()])
	assert.Equal(t, string(content.AttemptPending), states[fbTarget.Key()])
}

func TestItemService_RetryRejectsScheduledItem(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "item-1", igTarget)

	_, err := NewItemService(h.repo, nil).Retry(context.Background(), content.RetryRequest{ItemID: "item-1"})
	var conflict pkgError.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestItemService_RetryValidatesTargets(t *testing.T) {
	h := newHarness(t)
	_, err := NewItemService(h.repo, nil).Retry(context.Background(), content.RetryRequest{ItemID: "item-1", Targets: []string{"no colon"}})
	var validation pkgError.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestItemService_GetAndList(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "item-1", igTarget)
	svc := NewItemService(h.repo, nil)
	svc.now = func() time.Time { return h.clock }

	view, err := svc.Get(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, "1 minute ago", view.Due)
	require.Len(t, view.Targets, 1)
	assert.Equal(t, "instagram:ig-1", view.Targets[0].Target)

	_, err = svc.Get(context.Background(), "missing")
	var notFound pkgError.NotFoundError
	require.ErrorAs(t, err, &notFound)

	views, err := svc.List(context.Background(), content.ListRequest{Status: "scheduled", Due: true})
	require.NoError(t, err)
	assert.Len(t, views, 1)

	_, err = svc.List(context.Background(), content.ListRequest{Status: "bogus"})
	var validation pkgError.ValidationError
	require.ErrorAs(t, err, &validation)
}
