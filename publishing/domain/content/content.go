package content

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type Status string

const (
	StatusDraft              Status = "draft"
	StatusScheduled          Status = "scheduled"
	StatusDispatching        Status = "dispatching"
	StatusPartiallyPublished Status = "partially_published"
	StatusPublished          Status = "published"
	StatusFailed             Status = "failed"
)

// Terminal reports whether the status is never re-dispatched automatically.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed
}

type AttemptState string

const (
	AttemptPending   AttemptState = "pending"
	AttemptInFlight  AttemptState = "in_flight"
	AttemptSucceeded AttemptState = "succeeded"
	AttemptRetrying  AttemptState = "retrying"
	AttemptFailed    AttemptState = "failed"
)

// Open reports whether the attempt still has delivery work left.
func (s AttemptState) Open() bool {
	return s == AttemptPending || s == AttemptInFlight || s == AttemptRetrying
}

type ErrorClass string

const (
	ErrorTransient   ErrorClass = "transient"
	ErrorValidation  ErrorClass = "validation"
	ErrorAuth        ErrorClass = "auth"
	ErrorPersistence ErrorClass = "persistence"
)

// Failure reasons recorded on attempts.
const (
	ReasonCredentialUnavailable = "credential_unavailable"
	ReasonRetriesExhausted      = "retries_exhausted"
	ReasonUnsupportedPlatform   = "unsupported_platform"
	ReasonMediaUnresolvable     = "media_unresolvable"
	ReasonAuth                  = "auth"
	ReasonValidation            = "validation"
	ReasonTransient             = "transient"
)

type Target struct {
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`
}

// Key identifies the target inside an item, e.g. "instagram:17841400000".
func (t Target) Key() string {
	return t.Platform + ":" + t.AccountID
}

type MediaRef struct {
	URL         string `json:"url,omitempty"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

type Body struct {
	Caption string     `json:"caption"`
	Media   []MediaRef `json:"media,omitempty"`
	Tags    []string   `json:"tags,omitempty"`
}

type TargetAttempt struct {
	Target         Target       `json:"target"`
	State          AttemptState `json:"state"`
	AttemptCount   int          `json:"attempt_count"`
	LastAttemptAt  *time.Time   `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time   `json:"next_retry_at,omitempty"`
	IdempotencyKey string       `json:"idempotency_key"`
	ResultRef      string       `json:"result_ref,omitempty"`
	ResultURL      string       `json:"result_url,omitempty"`
	ErrorClass     ErrorClass   `json:"error_class,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// Due reports whether the attempt should be sent during a pass running at now.
func (a TargetAttempt) Due(now time.Time) bool {
	switch a.State {
	case AttemptPending, AttemptInFlight:
		return true
	case AttemptRetrying:
		return a.NextRetryAt == nil || !a.NextRetryAt.After(now)
	default:
		return false
	}
}

type ContentItem struct {
	ID             string                   `json:"id"`
	TenantID       string                   `json:"tenant_id"`
	Body           Body                     `json:"body"`
	Targets        []Target                 `json:"targets"`
	ScheduledAt    *time.Time               `json:"scheduled_at,omitempty"`
	Status         Status                   `json:"status"`
	Attempts       map[string]TargetAttempt `json:"attempts"`
	FollowUpPasses int                      `json:"follow_up_passes"`
	NextAttemptAt  *time.Time               `json:"next_attempt_at,omitempty"`
	LeaseOwner     string                   `json:"lease_owner,omitempty"`
	LeaseUntil     *time.Time               `json:"lease_until,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// Attempt returns the attempt for target, creating a pending one on first use.
func (c ContentItem) Attempt(t Target) TargetAttempt {
	if a, ok := c.Attempts[t.Key()]; ok {
		return a
	}
	return TargetAttempt{
		Target:         t,
		State:          AttemptPending,
		IdempotencyKey: IdempotencyKey(c.ID, t),
	}
}

// EnsureAttempts fills in a pending attempt for every target that has none.
func (c *ContentItem) EnsureAttempts() {
	if c.Attempts == nil {
		c.Attempts = make(map[string]TargetAttempt, len(c.Targets))
	}
	for _, t := range c.Targets {
		c.Attempts[t.Key()] = c.Attempt(t)
	}
}

// OrderedAttempts returns attempts in target order.
func (c ContentItem) OrderedAttempts() []TargetAttempt {
	out := make([]TargetAttempt, 0, len(c.Targets))
	for _, t := range c.Targets {
		out = append(out, c.Attempt(t))
	}
	return out
}

// IdempotencyKey is derived from the item and target only, so every retry and
// every pass for the same pair sends the same key.
func IdempotencyKey(itemID string, t Target) string {
	sum := sha256.Sum256([]byte(itemID + "|" + t.Platform + "|" + t.AccountID))
	return hex.EncodeToString(sum[:16])
}

// Aggregate derives the item status from its attempt states.
//
//	all succeeded                      -> published
//	any pending / in_flight / retrying -> dispatching
//	some succeeded, rest failed        -> partially_published
//	all failed (or no targets)         -> failed
func Aggregate(attempts []TargetAttempt) Status {
	if len(attempts) == 0 {
		return StatusFailed
	}

	var succeeded, failed int
	for _, a := range attempts {
		switch {
		case a.State.Open():
			return StatusDispatching
		case a.State == AttemptSucceeded:
			succeeded++
		default:
			failed++
		}
	}

	switch {
	case failed == 0:
		return StatusPublished
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartiallyPublished
	}
}

// EarliestRetry returns the soonest NextRetryAt among retrying attempts.
func EarliestRetry(attempts []TargetAttempt) *time.Time {
	var earliest *time.Time
	for _, a := range attempts {
		if a.State != AttemptRetrying || a.NextRetryAt == nil {
			continue
		}
		if earliest == nil || a.NextRetryAt.Before(*earliest) {
			t := *a.NextRetryAt
			earliest = &t
		}
	}
	return earliest
}
