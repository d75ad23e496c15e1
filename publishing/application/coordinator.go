package application

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	domainCredential "github.com/AzielCF/az-publish/domains/credential"
	"github.com/AzielCF/az-publish/pkg/metrics"
	"github.com/AzielCF/az-publish/publishing/domain/content"
	"github.com/AzielCF/az-publish/publishing/domain/publisher"
	"github.com/AzielCF/az-publish/publishing/receipt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MediaResolver turns media references into one URL platforms can fetch.
type MediaResolver interface {
	Resolve(ctx context.Context, refs []content.MediaRef) (string, error)
}

type CoordinatorConfig struct {
	// InstanceID prefixes lease owners so operators can tell which server holds an item.
	InstanceID        string
	LeaseDuration     time.Duration
	PublishTimeout    time.Duration
	TargetConcurrency int
	FollowUpPasses    int
	FollowUpDelay     time.Duration
	// RecordTimeout bounds each store write of a pass. Publish calls stop this
	// long before the lease ends so their outcome is recorded while it is held.
	RecordTimeout time.Duration
	Policy        RetryPolicy
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 60 * time.Second
	}
	if c.TargetConcurrency <= 0 {
		c.TargetConcurrency = 4
	}
	if c.FollowUpPasses < 0 {
		c.FollowUpPasses = 0
	}
	if c.FollowUpDelay <= 0 {
		c.FollowUpDelay = time.Hour
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = min(5*time.Second, c.LeaseDuration/10)
	}
	c.Policy = c.Policy.withDefaults()
	return c
}

// Coordinator runs dispatch passes. A pass claims one item, sends every due
// target and records the outcome. Only the claim provides mutual exclusion;
// every later write is guarded by the pass lease.
type Coordinator struct {
	repo      content.IContentRepository
	creds     domainCredential.ICredentialStore
	platforms *publisher.Registry
	media     MediaResolver
	receipts  receipt.Ledger
	cfg       CoordinatorConfig
	now       func() time.Time
}

func NewCoordinator(
	repo content.IContentRepository,
	creds domainCredential.ICredentialStore,
	platforms *publisher.Registry,
	media MediaResolver,
	receipts receipt.Ledger,
	cfg CoordinatorConfig,
) *Coordinator {
	if receipts == nil {
		receipts = receipt.NewMemoryLedger(0)
	}
	return &Coordinator{
		repo:      repo,
		creds:     creds,
		platforms: platforms,
		media:     media,
		receipts:  receipts,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch claims a scheduled item and runs its first pass.
func (c *Coordinator) Dispatch(ctx context.Context, item content.ContentItem) (content.ContentItem, error) {
	return c.claimAndRun(ctx, item, c.repo.ClaimScheduled)
}

// Resume claims an item with retries, a follow-up pass or an expired lease due
// and runs another pass over its open targets.
func (c *Coordinator) Resume(ctx context.Context, item content.ContentItem) (content.ContentItem, error) {
	return c.claimAndRun(ctx, item, c.repo.ClaimRetryable)
}

type claimFunc func(ctx context.Context, id string, lease content.Lease, now time.Time) (bool, error)

func (c *Coordinator) claimAndRun(ctx context.Context, item content.ContentItem, claim claimFunc) (content.ContentItem, error) {
	if err := ctx.Err(); err != nil {
		return item, err
	}

	now := c.now()
	owner := uuid.NewString()
	if c.cfg.InstanceID != "" {
		owner = c.cfg.InstanceID + "/" + owner
	}
	lease := content.Lease{Owner: owner, Until: now.Add(c.cfg.LeaseDuration)}
	deadline := time.Now().Add(c.cfg.LeaseDuration)
	log := logrus.WithField("item", item.ID)

	ok, err := claim(ctx, item.ID, lease, now)
	if err != nil {
		metrics.IncClaim("error")
		return item, fmt.Errorf("%w: claim %s: %w", ErrPersistence, item.ID, err)
	}
	if !ok {
		metrics.IncClaim("lost")
		log.Debug("[DISPATCH] Item claimed elsewhere, skipping")
		return item, ErrNotClaimed
	}
	metrics.IncClaim("won")

	// The pass runs to completion once claimed; shutdown only stops new claims.
	// Nothing in it may outlive the lease.
	passCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancel()

	followUp := item.Status == content.StatusPartiallyPublished

	// Re-read under the lease so the pass works from the stored attempts.
	claimed, err := c.repo.Get(passCtx, item.ID)
	if err != nil {
		return item, fmt.Errorf("%w: reload %s: %w", ErrPersistence, item.ID, err)
	}
	if claimed.LeaseOwner != lease.Owner {
		return item, fmt.Errorf("%w: %w", ErrPersistence, content.ErrLeaseLost)
	}

	return c.run(passCtx, claimed, lease.Owner, followUp)
}

// pass is the mutable state of one dispatch pass.
type pass struct {
	mu      sync.Mutex
	item    content.ContentItem
	owner   string
	aborted atomic.Bool
	media   func() (string, error)
}

func (c *Coordinator) run(ctx context.Context, item content.ContentItem, owner string, followUp bool) (content.ContentItem, error) {
	now := c.now()
	item.EnsureAttempts()
	log := logrus.WithField("item", item.ID)

	if followUp {
		item.FollowUpPasses++
		reopened := reopenFailed(&item)
		log.Infof("[DISPATCH] Follow-up pass %d reopens %d failed targets", item.FollowUpPasses, reopened)
		sctx, cancel := c.storeContext(ctx)
		err := c.repo.SaveAttempts(sctx, item.ID, owner, maps.Clone(item.Attempts), item.FollowUpPasses)
		cancel()
		if err != nil {
			return item, fmt.Errorf("%w: save follow-up %s: %w", ErrPersistence, item.ID, err)
		}
	}

	p := &pass{item: item, owner: owner}
	p.media = sync.OnceValues(func() (string, error) {
		return c.media.Resolve(ctx, item.Body.Media)
	})

	var due []content.TargetAttempt
	for _, a := range item.OrderedAttempts() {
		if a.Due(now) {
			due = append(due, a)
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.TargetConcurrency)
	for _, a := range due {
		g.Go(func() error {
			if p.aborted.Load() {
				return nil
			}
			if err := c.sendTarget(ctx, p, a); err != nil {
				p.aborted.Store(true)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("[DISPATCH] Pass aborted, item stays leased until expiry")
		return p.item, err
	}

	return c.finish(ctx, p)
}

// reopenFailed resets failed attempts that a later pass could still deliver.
// Validation failures need a content change and stay failed.
func reopenFailed(item *content.ContentItem) int {
	n := 0
	for key, a := range item.Attempts {
		if a.State != content.AttemptFailed || a.ErrorClass == content.ErrorValidation {
			continue
		}
		item.Attempts[key] = content.TargetAttempt{
			Target:         a.Target,
			State:          content.AttemptPending,
			IdempotencyKey: a.IdempotencyKey,
		}
		n++
	}
	return n
}

// storeContext bounds a single write of the pass. It does not inherit the
// pass deadline, so an outcome reached just before the lease ends is still
// recorded; the lease owner guard on every write rejects it once another pass
// has claimed the item.
func (c *Coordinator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RecordTimeout)
}

// callTimeout is the publisher's own ceiling cut down to what is left of the
// lease after reserving time to record the outcome. Zero or less means the
// call must not start.
func (c *Coordinator) callTimeout(ctx context.Context, pub publisher.Publisher) time.Duration {
	timeout := c.cfg.PublishTimeout
	if tp, ok := pub.(publisher.TimeoutProvider); ok && tp.PublishTimeout() > 0 {
		timeout = tp.PublishTimeout()
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline)-c.cfg.RecordTimeout)
	}
	return timeout
}

// save records one attempt while the lease is held.
func (c *Coordinator) save(ctx context.Context, p *pass, a content.TargetAttempt) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.item.Attempts[a.Target.Key()] = a
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	err := c.repo.SaveAttempts(sctx, p.item.ID, p.owner, maps.Clone(p.item.Attempts), p.item.FollowUpPasses)
	if err != nil {
		return fmt.Errorf("%w: save attempt %s/%s: %w", ErrPersistence, p.item.ID, a.Target.Key(), err)
	}
	return nil
}

func (c *Coordinator) sendTarget(ctx context.Context, p *pass, a content.TargetAttempt) error {
	t := a.Target
	log := logrus.WithFields(logrus.Fields{"item": p.item.ID, "target": t.Key()})
	if a.IdempotencyKey == "" {
		a.IdempotencyKey = content.IdempotencyKey(p.item.ID, t)
	}

	// A receipt means an earlier pass delivered but could not record it.
	if r, found, err := c.receipts.Lookup(ctx, a.IdempotencyKey); err != nil {
		log.WithError(err).Warn("[DISPATCH] Receipt lookup failed, continuing without it")
	} else if found {
		log.Infof("[DISPATCH] Receipt found, target already delivered as %s", r.PostID)
		metrics.ObservePublish(t.Platform, "skipped", 0)
		return c.save(ctx, p, succeeded(a, r.PostID, r.URL))
	}

	pub, err := c.platforms.Get(t.Platform)
	if err != nil {
		log.Warn("[DISPATCH] No publisher for platform")
		return c.save(ctx, p, failed(a, content.ErrorValidation, content.ReasonUnsupportedPlatform, err.Error()))
	}

	key := domainCredential.Key{TenantID: p.item.TenantID, Platform: t.Platform, AccountID: t.AccountID}
	cred, err := c.creds.Get(ctx, key)
	switch {
	case errors.Is(err, domainCredential.ErrCredentialNotFound):
		log.Warn("[DISPATCH] No credential for target")
		return c.save(ctx, p, failed(a, content.ErrorAuth, content.ReasonCredentialUnavailable, "no credential for account"))
	case err != nil:
		return fmt.Errorf("%w: credential %s: %w", ErrPersistence, t.Key(), err)
	case !cred.Usable():
		log.Warnf("[DISPATCH] Credential unusable (active=%t posting=%t health=%s)", cred.IsActive, cred.PostingEnabled, cred.Health)
		return c.save(ctx, p, failed(a, content.ErrorAuth, content.ReasonCredentialUnavailable, "credential is "+unusableReason(cred)))
	case cred.Expired(c.now()):
		c.degrade(ctx, key, "access token expired")
		return c.save(ctx, p, failed(a, content.ErrorAuth, content.ReasonAuth, "access token expired"))
	}

	// Too little lease left: the next pass picks the target up untouched.
	if c.callTimeout(ctx, pub) <= 0 {
		log.Warn("[DISPATCH] Lease nearly spent, leaving target for the next pass")
		return nil
	}
	prev := a

	// The attempt counts from here, durably, before any network traffic.
	started := c.now()
	a.State = content.AttemptInFlight
	a.AttemptCount++
	a.LastAttemptAt = &started
	a.NextRetryAt = nil
	if err := c.save(ctx, p, a); err != nil {
		return err
	}

	mediaURL, err := p.media()
	if err != nil {
		pe := publisher.Classify(err)
		log.WithError(err).Warn("[DISPATCH] Media could not be resolved")
		return c.save(ctx, p, c.afterFailure(ctx, key, a, pe, content.ReasonMediaUnresolvable))
	}

	timeout := c.callTimeout(ctx, pub)
	if timeout <= 0 {
		log.Warn("[DISPATCH] Lease spent resolving media, leaving target for the next pass")
		return c.save(ctx, p, prev)
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	callStart := time.Now()

	res, err := pub.Publish(callCtx, publisher.Input{
		MediaURL:       mediaURL,
		Caption:        p.item.Body.Caption,
		Hashtags:       p.item.Body.Tags,
		Credential:     cred,
		IdempotencyKey: a.IdempotencyKey,
	})
	elapsed := time.Since(callStart)

	if err != nil {
		pe := publisher.Classify(err)
		next := c.afterFailure(ctx, key, a, pe, "")
		metrics.ObservePublish(t.Platform, string(next.State), elapsed)
		log.WithFields(logrus.Fields{"attempt": a.AttemptCount, "class": pe.Class}).
			WithError(err).Warnf("[PUBLISHER] Publish failed, target now %s", next.State)
		return c.save(ctx, p, next)
	}

	metrics.ObservePublish(t.Platform, string(content.AttemptSucceeded), elapsed)
	log.WithField("attempt", a.AttemptCount).Infof("[PUBLISHER] Published as %s", res.PostID)

	rctx, rcancel := c.storeContext(ctx)
	err = c.receipts.Record(rctx, a.IdempotencyKey, receipt.Receipt{PostID: res.PostID, URL: res.URL})
	rcancel()
	if err != nil {
		log.WithError(err).Warn("[DISPATCH] Receipt could not be recorded")
	}
	return c.save(ctx, p, succeeded(a, res.PostID, res.URL))
}

// afterFailure turns a classified failure into the attempt's next state.
func (c *Coordinator) afterFailure(ctx context.Context, key domainCredential.Key, a content.TargetAttempt, pe *publisher.Error, reason string) content.TargetAttempt {
	msg := pe.Error()
	switch pe.Class {
	case content.ErrorAuth:
		c.degrade(ctx, key, msg)
		return failed(a, content.ErrorAuth, firstNonEmpty(reason, content.ReasonAuth), msg)
	case content.ErrorValidation:
		return failed(a, content.ErrorValidation, firstNonEmpty(reason, content.ReasonValidation), msg)
	}

	delay, ok := c.cfg.Policy.NextRetryDelayWithHint(a.AttemptCount, pe.RetryAfter)
	if !ok {
		return failed(a, content.ErrorTransient, content.ReasonRetriesExhausted, msg)
	}
	at := c.now().Add(delay)
	a.State = content.AttemptRetrying
	a.NextRetryAt = &at
	a.ErrorClass = content.ErrorTransient
	a.Reason = firstNonEmpty(reason, content.ReasonTransient)
	a.Error = msg
	return a
}

func (c *Coordinator) degrade(ctx context.Context, key domainCredential.Key, reason string) {
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	if err := c.creds.MarkDegraded(sctx, key, reason); err != nil {
		logrus.WithError(err).Errorf("[CREDENTIAL] Could not mark %s/%s degraded", key.Platform, key.AccountID)
		return
	}
	metrics.IncCredentialDegraded(key.Platform)
}

func (c *Coordinator) finish(ctx context.Context, p *pass) (content.ContentItem, error) {
	item := p.item
	attempts := item.OrderedAttempts()
	status := content.Aggregate(attempts)
	now := c.now()

	var next *time.Time
	switch status {
	case content.StatusDispatching:
		next = content.EarliestRetry(attempts)
		if next == nil {
			next = &now
		}
	case content.StatusPartiallyPublished:
		if item.FollowUpPasses < c.cfg.FollowUpPasses && hasReopenable(attempts) {
			at := now.Add(c.cfg.FollowUpDelay)
			next = &at
		}
	}

	outcome := content.Outcome{
		Status:         status,
		Attempts:       maps.Clone(item.Attempts),
		NextAttemptAt:  next,
		FollowUpPasses: item.FollowUpPasses,
	}
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	if err := c.repo.Complete(sctx, item.ID, p.owner, outcome); err != nil {
		return item, fmt.Errorf("%w: complete %s: %w", ErrPersistence, item.ID, err)
	}

	item.Status = status
	item.NextAttemptAt = next
	item.LeaseOwner = ""
	item.LeaseUntil = nil
	metrics.IncDispatchPass(string(status))

	succeededCount := 0
	for _, a := range attempts {
		if a.State == content.AttemptSucceeded {
			succeededCount++
		}
	}
	logrus.WithField("item", item.ID).Infof("[DISPATCH] Pass finished: %s (%d/%d targets delivered)", status, succeededCount, len(attempts))
	return item, nil
}

func hasReopenable(attempts []content.TargetAttempt) bool {
	for _, a := range attempts {
		if a.State == content.AttemptFailed && a.ErrorClass != content.ErrorValidation {
			return true
		}
	}
	return false
}

func succeeded(a content.TargetAttempt, postID, url string) content.TargetAttempt {
	a.State = content.AttemptSucceeded
	a.ResultRef = postID
	a.ResultURL = url
	a.NextRetryAt = nil
	a.ErrorClass = ""
	a.Reason = ""
	a.Error = ""
	return a
}

func failed(a content.TargetAttempt, class content.ErrorClass, reason, msg string) content.TargetAttempt {
	a.State = content.AttemptFailed
	a.NextRetryAt = nil
	a.ErrorClass = class
	a.Reason = reason
	a.Error = msg
	return a
}

func unusableReason(cred domainCredential.Credential) string {
	switch {
	case cred.Health == domainCredential.HealthRevoked:
		return "revoked"
	case !cred.IsActive:
		return "inactive"
	default:
		return "not allowed to post"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
