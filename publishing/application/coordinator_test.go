package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domainCredential "github.com/AzielCF/az-publish/domains/credential"
	"github.com/AzielCF/az-publish/pkg/crypto"
	"github.com/AzielCF/az-publish/publishing/domain/content"
	"github.com/AzielCF/az-publish/publishing/domain/publisher"
	"github.com/AzielCF/az-publish/publishing/receipt"
	"github.com/AzielCF/az-publish/publishing/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	igTarget = content.Target{Platform: "instagram", AccountID: "ig-1"}
	fbTarget = content.Target{Platform: "facebook", AccountID: "fb-1"}
)

// fakePublisher answers every call through respond and records what it saw.
type fakePublisher struct {
	platform string
	mu       sync.Mutex
	keys     []string
	respond  func(call int, in publisher.Input) (publisher.Result, error)
}

func (f *fakePublisher) Platform() string { return f.platform }

func (f *fakePublisher) Publish(_ context.Context, in publisher.Input) (publisher.Result, error) {
	f.mu.Lock()
	f.keys = append(f.keys, in.IdempotencyKey)
	call := len(f.keys)
	f.mu.Unlock()

	if f.respond == nil {
		return publisher.Result{PostID: f.platform + "-post", URL: "https://example.com/" + f.platform}, nil
	}
	return f.respond(call, in)
}

func (f *fakePublisher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

// hangingPublisher never answers; every call ends when its context does.
type hangingPublisher struct {
	platform string
	timeout  time.Duration

	mu          sync.Mutex
	budgets     []time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (p *hangingPublisher) Platform() string { return p.platform }

func (p *hangingPublisher) PublishTimeout() time.Duration { return p.timeout }

func (p *hangingPublisher) Publish(ctx context.Context, _ publisher.Input) (publisher.Result, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.maxInFlight.Load()
		if n <= peak || p.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	deadline, ok := ctx.Deadline()
	p.mu.Lock()
	if ok {
		p.budgets = append(p.budgets, time.Until(deadline))
	} else {
		p.budgets = append(p.budgets, -1)
	}
	p.mu.Unlock()

	<-ctx.Done()
	return publisher.Result{}, ctx.Err()
}

func (p *hangingPublisher) calls() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.budgets...)
}

type staticMedia struct{ calls atomic.Int32 }

func (m *staticMedia) Resolve(_ context.Context, refs []content.MediaRef) (string, error) {
	m.calls.Add(1)
	if len(refs) == 0 {
		return "", nil
	}
	return refs[0].URL, nil
}

type harness struct {
	repo     *repository.ContentGormRepository
	creds    *repository.CredentialGormStore
	ig       *fakePublisher
	fb       *fakePublisher
	media    *staticMedia
	receipts *receipt.MemoryLedger
	clock    time.Time
	cfg      CoordinatorConfig
	coord    *Coordinator
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db := newTestDB(t)

	cipher, err := crypto.NewTokenCipher("")
	require.NoError(t, err)

	h := &harness{
		repo:     repository.NewContentGormRepository(db),
		creds:    repository.NewCredentialGormStore(db, cipher),
		ig:       &fakePublisher{platform: "instagram"},
		fb:       &fakePublisher{platform: "facebook"},
		media:    &staticMedia{},
		receipts: receipt.NewMemoryLedger(time.Hour),
		clock:    time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, h.repo.Init(ctx))
	require.NoError(t, h.creds.Init(ctx))

	for _, target := range []content.Target{igTarget, fbTarget} {
		h.seedCredential(t, target, func(*domainCredential.Credential) {})
	}

	h.cfg = CoordinatorConfig{
		LeaseDuration:     time.Minute,
		TargetConcurrency: 2,
		FollowUpPasses:    1,
		FollowUpDelay:     time.Hour,
		Policy:            RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3},
	}
	h.rebuild(func(*CoordinatorConfig) {}, h.ig, h.fb)
	return h
}

// rebuild swaps the coordinator for one with a changed config and publishers.
func (h *harness) rebuild(mutate func(*CoordinatorConfig), pubs ...publisher.Publisher) {
	mutate(&h.cfg)
	h.coord = NewCoordinator(h.repo, h.creds, publisher.NewRegistry(pubs...), h.media, h.receipts, h.cfg)
	h.coord.now = func() time.Time { return h.clock }
}

func (h *harness) seedCredential(t *testing.T, target content.Target, mutate func(*domainCredential.Credential)) {
	t.Helper()
	cred := domainCredential.Credential{
		TenantID:       "tenant-1",
		Platform:       target.Platform,
		AccountID:      target.AccountID,
		AccessToken:    "token-" + target.AccountID,
		IsActive:       true,
		PostingEnabled: true,
		Health:         domainCredential.HealthHealthy,
	}
	mutate(&cred)
	_, err := h.creds.Save(context.Background(), cred)
	require.NoError(t, err)
}

func (h *harness) createItem(t *testing.T, id string, targets ...content.Target) content.ContentItem {
	t.Helper()
	at := h.clock.Add(-time.Minute)
	item := content.ContentItem{
		ID:          id,
		TenantID:    "tenant-1",
		Body:        content.Body{Caption: "Spring menu", Media: []content.MediaRef{{URL: "https://cdn.example.com/menu.jpg"}}, Tags: []string{"food"}},
		Targets:     targets,
		ScheduledAt: &at,
		Status:      content.StatusScheduled,
	}
	require.NoError(t, h.repo.Create(context.Background(), item))
	stored, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return stored
}

func (h *harness) reload(t *testing.T, id string) content.ContentItem {
	t.Helper()
	item, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestDispatch_AllTargetsSucceed(t *testing.T) {
	h := newHarness(t)
	item := h.createItem(t, "item-1", igTarget, fbTarget)

	got, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, content.StatusPublished, got.Status)

	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusPublished, stored.Status)
	assert.Empty(t, stored.LeaseOwner)
	assert.Nil(t, stored.NextAttemptAt)

	ig := stored.Attempts[igTarget.Key()]
	assert.Equal(t, content.AttemptSucceeded, ig.State)
	assert.Equal(t, 1, ig.AttemptCount)
	assert.Equal(t, "instagram-post", ig.ResultRef)

	assert.Equal(t, []string{content.IdempotencyKey("item-1", igTarget)}, h.ig.calls())
	assert.Equal(t, []string{content.IdempotencyKey("item-1", fbTarget)}, h.fb.calls())
	assert.EqualValues(t, 1, h.media.calls.Load(), "media is resolved once per pass")
	assert.Equal(t, 2, h.receipts.Len())
}

func TestDispatch_ValidationFailureIsPartial(t *testing.T) {
	h := newHarness(t)
	h.fb.respond = func(int, publisher.Input) (publisher.Result, error) {
		return publisher.Result{}, publisher.Validation("100", "caption too long")
	}
	item := h.createItem(t, "item-1", igTarget, fbTarget)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusPartiallyPublished, stored.Status)
	assert.Nil(t, stored.NextAttemptAt, "validation failures get no follow-up")

	fb := stored.Attempts[fbTarget.Key()]
	assert.Equal(t, content.AttemptFailed, fb.State)
	assert.Equal(t, content.ErrorValidation, fb.ErrorClass)
	assert.Contains(t, fb.Error, "caption too long")
}

func TestDispatch_TransientRetriesWithSameKey(t *testing.T) {
	h := newHarness(t)
	h.ig.respond = func(call int, in publisher.Input) (publisher.Result, error) {
		if call == 1 {
			return publisher.Result{}, publisher.Transient("503", "unavailable")
		}
		return publisher.Result{PostID: "ig-77"}, nil
	}
	item := h.createItem(t, "item-1", igTarget)

	got, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, content.StatusDispatching, got.Status)

	stored := h.reload(t, "item-1")
	ig := stored.Attempts[igTarget.Key()]
	require.Equal(t, content.AttemptRetrying, ig.State)
	require.NotNil(t, ig.NextRetryAt)
	assert.Equal(t, h.clock.Add(time.Second), *ig.NextRetryAt)
	require.NotNil(t, stored.NextAttemptAt)
	assert.Equal(t, *ig.NextRetryAt, *stored.NextAttemptAt)

	// Not due yet: the claim refuses it.
	_, err = h.coord.Resume(context.Background(), stored)
	assert.ErrorIs(t, err, ErrNotClaimed)

	h.clock = h.clock.Add(2 * time.Second)
	got, err = h.coord.Resume(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, content.StatusPublished, got.Status)

	stored = h.reload(t, "item-1")
	assert.Equal(t, 2, stored.Attempts[igTarget.Key()].AttemptCount)
	key := content.IdempotencyKey("item-1", igTarget)
	assert.Equal(t, []string{key, key}, h.ig.calls())
}

func TestDispatch_RetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.ig.respond = func(int, publisher.Input) (publisher.Result, error) {
		return publisher.Result{}, errors.New("connection reset")
	}
	item := h.createItem(t, "item-1", igTarget)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		stored := h.reload(t, "item-1")
		if stored.Status != content.StatusDispatching {
			break
		}
		h.clock = h.clock.Add(2 * time.Minute)
		_, err = h.coord.Resume(context.Background(), stored)
		require.NoError(t, err)
	}

	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusFailed, stored.Status)
	ig := stored.Attempts[igTarget.Key()]
	assert.Equal(t, content.ReasonRetriesExhausted, ig.Reason)
	assert.Equal(t, 3, ig.AttemptCount)
	assert.Len(t, h.ig.calls(), 3)
}

func TestDispatch_PublishTimeoutsExhaustRetries(t *testing.T) {
	h := newHarness(t)
	ig := &hangingPublisher{platform: "instagram"}
	h.rebuild(func(cfg *CoordinatorConfig) { cfg.PublishTimeout = 30 * time.Millisecond }, ig, h.fb)
	item := h.createItem(t, "item-1", igTarget)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusDispatching, stored.Status)
	first := stored.Attempts[igTarget.Key()]
	assert.Equal(t, content.AttemptRetrying, first.State)
	assert.Equal(t, content.ErrorTransient, first.ErrorClass)
	require.NotNil(t, first.NextRetryAt)

	for i := 0; i < 5 && stored.Status == content.StatusDispatching; i++ {
		h.clock = h.clock.Add(2 * time.Minute)
		_, err = h.coord.Resume(context.Background(), stored)
		require.NoError(t, err)
		stored = h.reload(t, "item-1")
	}

	assert.Equal(t, content.StatusFailed, stored.Status)
	last := stored.Attempts[igTarget.Key()]
	assert.Equal(t, content.AttemptFailed, last.State)
	assert.Equal(t, content.ReasonRetriesExhausted, last.Reason)
	assert.Equal(t, 3, last.AttemptCount)
	require.Len(t, ig.calls(), 3)
	for _, budget := range ig.calls() {
		assert.LessOrEqual(t, budget, 30*time.Millisecond)
	}
}

func TestDispatch_PublisherTimeoutOverridesDefault(t *testing.T) {
	h := newHarness(t)
	ig := &hangingPublisher{platform: "instagram", timeout: 20 * time.Millisecond}
	h.rebuild(func(cfg *CoordinatorConfig) { cfg.PublishTimeout = 10 * time.Second }, ig, h.fb)
	item := h.createItem(t, "item-1", igTarget)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	require.Len(t, ig.calls(), 1)
	assert.Greater(t, ig.calls()[0], time.Duration(0))
	assert.LessOrEqual(t, ig.calls()[0], 20*time.Millisecond)
}

func TestDispatch_PublishCallEndsBeforeLease(t *testing.T) {
	h := newHarness(t)
	ig := &hangingPublisher{platform: "instagram"}
	h.rebuild(func(cfg *CoordinatorConfig) {
		cfg.LeaseDuration = 300 * time.Millisecond
		cfg.PublishTimeout = 10 * time.Second
	}, ig, h.fb)
	item := h.createItem(t, "item-1", igTarget, fbTarget)

	started := time.Now()
	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 300*time.Millisecond)

	require.Len(t, ig.calls(), 1)
	assert.Less(t, ig.calls()[0], 300*time.Millisecond)

	// The outcome is recorded and the lease released, so the next pass
	// starts clean and never overlaps the first call.
	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusDispatching, stored.Status)
	assert.Empty(t, stored.LeaseOwner)
	assert.Equal(t, content.AttemptRetrying, stored.Attempts[igTarget.Key()].State)
	assert.Equal(t, content.AttemptSucceeded, stored.Attempts[fbTarget.Key()].State)

	h.clock = h.clock.Add(2 * time.Minute)
	_, err = h.coord.Resume(context.Background(), stored)
	require.NoError(t, err)
	assert.Len(t, ig.calls(), 2)
	assert.EqualValues(t, 1, ig.maxInFlight.Load())
	assert.Len(t, h.fb.calls(), 1)
}

func TestDispatch_SpentLeaseLeavesTargetsForNextPass(t *testing.T) {
	h := newHarness(t)
	h.rebuild(func(cfg *CoordinatorConfig) { cfg.RecordTimeout = cfg.LeaseDuration }, h.ig, h.fb)
	item := h.createItem(t, "item-1", igTarget)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	assert.Empty(t, h.ig.calls())
	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusDispatching, stored.Status)
	ig := stored.Attempts[igTarget.Key()]
	assert.Equal(t, content.AttemptPending, ig.State)
	assert.Equal(t, 0, ig.AttemptCount)
	require.NotNil(t, stored.NextAttemptAt)
}

func TestDispatch_RevokedCredentialSkipsNetwork(t *testing.T) {
	h := newHarness(t)
	h.seedCredential(t, fbTarget, func(c *domainCredential.Credential) {
		c.Health = domainCredential.HealthRevoked
		c.HealthReason = "revoked by operator"
	})
	item := h.createItem(t, "item-1", igTarget, fbTarget)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusPartiallyPublished, stored.Status)
	fb := stored.Attempts[fbTarget.Key()]
	assert.Equal(t, content.AttemptFailed, fb.State)
	assert.Equal(t, content.ReasonCredentialUnavailable, fb.Reason)
	assert.Contains(t, fb.Error, "revoked")
	assert.Equal(t, 0, fb.AttemptCount)
	assert.Empty(t, h.fb.calls())

	cred, err := h.creds.Get(context.Background(), domainCredential.Key{TenantID: "tenant-1", Platform: fbTarget.Platform, AccountID: fbTarget.AccountID})
	require.NoError(t, err)
	assert.Equal(t, domainCredential.HealthRevoked, cred.Health)
}

func TestDispatch_UnusableCredentialSkipsNetwork(t *testing.T) {
	h := newHarness(t)
	h.seedCredential(t, fbTarget, func(c *domainCredential.Credential) { c.PostingEnabled = false })
	item := h.createItem(t, "item-1", igTarget, fbTarget)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusPartiallyPublished, stored.Status)
	fb := stored.Attempts[fbTarget.Key()]
	assert.Equal(t, content.ReasonCredentialUnavailable, fb.Reason)
	assert.Equal(t, 0, fb.AttemptCount)
	assert.Empty(t, h.fb.calls())
}

func TestDispatch_MissingCredential(t *testing.T) {
	h := newHarness(t)
	other := content.Target{Platform: "instagram", AccountID: "ig-unknown"}
	item := h.createItem(t, "item-1", other)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusFailed, stored.Status)
	assert.Equal(t, content.ReasonCredentialUnavailable, stored.Attempts[other.Key()].Reason)
	assert.Empty(t, h.ig.calls())
}

func TestDispatch_AuthFailureDegradesCredential(t *testing.T) {
	h := newHarness(t)
	h.ig.respond = func(int, publisher.Input) (publisher.Result, error) {
		return publisher.Result{}, publisher.Auth("190", "token invalidated")
	}
	item := h.createItem(t, "item-1", igTarget)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusFailed, stored.Status)
	assert.Equal(t, content.ErrorAuth, stored.Attempts[igTarget.Key()].ErrorClass)

	cred, err := h.creds.Get(context.Background(), domainCredential.Key{TenantID: "tenant-1", Platform: "instagram", AccountID: "ig-1"})
	require.NoError(t, err)
	assert.Equal(t, domainCredential.HealthDegraded, cred.Health)
	assert.Contains(t, cred.HealthReason, "token invalidated")
}

func TestDispatch_ExpiredTokenSkipsNetwork(t *testing.T) {
	h := newHarness(t)
	expired := h.clock.Add(-time.Hour)
	h.seedCredential(t, igTarget, func(c *domainCredential.Credential) { c.ExpiresAt = &expired })
	item := h.createItem(t, "item-1", igTarget)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	assert.Empty(t, h.ig.calls())
	cred, err := h.creds.Get(context.Background(), domainCredential.Key{TenantID: "tenant-1", Platform: "instagram", AccountID: "ig-1"})
	require.NoError(t, err)
	assert.Equal(t, domainCredential.HealthDegraded, cred.Health)
}

func TestDispatch_UnsupportedPlatform(t *testing.T) {
	h := newHarness(t)
	tiktok := content.Target{Platform: "tiktok", AccountID: "tt-1"}
	item := h.createItem(t, "item-1", igTarget, tiktok)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusPartiallyPublished, stored.Status)
	assert.Equal(t, content.ReasonUnsupportedPlatform, stored.Attempts[tiktok.Key()].Reason)
}

func TestDispatch_NoTargetsFails(t *testing.T) {
	h := newHarness(t)
	item := h.createItem(t, "item-1")

	got, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, content.StatusFailed, got.Status)
}

func TestDispatch_ReceiptPreventsDuplicatePost(t *testing.T) {
	h := newHarness(t)
	key := content.IdempotencyKey("item-1", igTarget)
	require.NoError(t, h.receipts.Record(context.Background(), key, receipt.Receipt{PostID: "ig-earlier"}))
	item := h.createItem(t, "item-1", igTarget)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	assert.Empty(t, h.ig.calls())
	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusPublished, stored.Status)
	assert.Equal(t, "ig-earlier", stored.Attempts[igTarget.Key()].ResultRef)
}

func TestDispatch_ConcurrentPassesPublishOnce(t *testing.T) {
	h := newHarness(t)
	item := h.createItem(t, "item-1", igTarget, fbTarget)

	var wg sync.WaitGroup
	var won, lost atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.Dispatch(context.Background(), item)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrNotClaimed):
				lost.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, won.Load())
	assert.EqualValues(t, 3, lost.Load())
	assert.Len(t, h.ig.calls(), 1)
	assert.Len(t, h.fb.calls(), 1)
}

func TestResume_FollowUpPassRetriesAuthFailures(t *testing.T) {
	h := newHarness(t)
	h.fb.respond = func(call int, in publisher.Input) (publisher.Result, error) {
		if call == 1 {
			return publisher.Result{}, publisher.Auth("190", "session expired")
		}
		return publisher.Result{PostID: "fb-9"}, nil
	}
	item := h.createItem(t, "item-1", igTarget, fbTarget)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	stored := h.reload(t, "item-1")
	require.Equal(t, content.StatusPartiallyPublished, stored.Status)
	require.NotNil(t, stored.NextAttemptAt)
	assert.Equal(t, h.clock.Add(time.Hour), *stored.NextAttemptAt)

	h.clock = h.clock.Add(61 * time.Minute)
	got, err := h.coord.Resume(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, content.StatusPublished, got.Status)

	stored = h.reload(t, "item-1")
	assert.Equal(t, 1, stored.FollowUpPasses)
	assert.Equal(t, "fb-9", stored.Attempts[fbTarget.Key()].ResultRef)
	assert.Len(t, h.ig.calls(), 1, "succeeded targets are never resent")
}

func TestResume_FollowUpBudgetIsSpent(t *testing.T) {
	h := newHarness(t)
	h.fb.respond = func(int, publisher.Input) (publisher.Result, error) {
		return publisher.Result{}, publisher.Auth("190", "session expired")
	}
	item := h.createItem(t, "item-1", igTarget, fbTarget)

	_, err := h.coord.Dispatch(context.Background(), item)
	require.NoError(t, err)

	h.clock = h.clock.Add(61 * time.Minute)
	_, err = h.coord.Resume(context.Background(), h.reload(t, "item-1"))
	require.NoError(t, err)

	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusPartiallyPublished, stored.Status)
	assert.Nil(t, stored.NextAttemptAt)
	assert.Len(t, h.fb.calls(), 2)
}

// failingRepo loses every attempt write.
type failingRepo struct {
	*repository.ContentGormRepository
}

func (failingRepo) SaveAttempts(context.Context, string, string, map[string]content.TargetAttempt, int) error {
	return errors.New("disk full")
}

func TestDispatch_PersistenceFailureAbortsPass(t *testing.T) {
	h := newHarness(t)
	item := h.createItem(t, "item-1", igTarget, fbTarget)

	coord := NewCoordinator(failingRepo{h.repo}, h.creds, publisher.NewRegistry(h.ig, h.fb), h.media, h.receipts, CoordinatorConfig{
		LeaseDuration:     time.Minute,
		TargetConcurrency: 1,
	})
	coord.now = func() time.Time { return h.clock }

	_, err := coord.Dispatch(context.Background(), item)
	require.ErrorIs(t, err, ErrPersistence)

	stored := h.reload(t, "item-1")
	assert.Equal(t, content.StatusDispatching, stored.Status)
	assert.NotEmpty(t, stored.LeaseOwner, "lease is left to expire")
	assert.Empty(t, h.ig.calls())
	assert.Empty(t, h.fb.calls())
}

func TestDispatch_CancelledContextDoesNotClaim(t *testing.T) {
	h := newHarness(t)
	item := h.createItem(t, "item-1", igTarget)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.coord.Dispatch(ctx, item)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, content.StatusScheduled, h.reload(t, "item-1").Status)
}
