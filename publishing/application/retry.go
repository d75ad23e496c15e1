package application

import (
	"encoding/binary"
	"hash/fnv"
	"time"
)

const maxJitter = 0.3

// RetryPolicy is exponential backoff with deterministic jitter. The delay depends
// on the attempt count alone, so the same count always yields the same delay.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64 // 0.2 = ±20%
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		MaxAttempts: 5,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	// Beyond ±1/3 jitter a later attempt could wait less than an earlier one.
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > maxJitter {
		p.Jitter = maxJitter
	}
	return p
}

// NextRetryDelay returns the wait before the next attempt after attemptCount
// failed attempts. ok is false once attemptCount reaches MaxAttempts.
func (p RetryPolicy) NextRetryDelay(attemptCount int) (delay time.Duration, ok bool) {
	p = p.withDefaults()
	if attemptCount >= p.MaxAttempts {
		return 0, false
	}
	if attemptCount < 1 {
		attemptCount = 1
	}

	d := p.BaseDelay
	for i := 1; i < attemptCount; i++ {
		d *= 2
		if d > 2*p.MaxDelay {
			break
		}
	}

	d = time.Duration(float64(d) * p.jitterFactor(attemptCount))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d, true
}

// NextRetryDelayWithHint honours a platform Retry-After hint. The hint can only
// lengthen the wait and is bounded by MaxDelay.
func (p RetryPolicy) NextRetryDelayWithHint(attemptCount int, hint time.Duration) (time.Duration, bool) {
	d, ok := p.NextRetryDelay(attemptCount)
	if !ok {
		return 0, false
	}
	p = p.withDefaults()
	if hint > p.MaxDelay {
		hint = p.MaxDelay
	}
	if hint > d {
		d = hint
	}
	return d, true
}

// jitterFactor maps the attempt number onto [1-j, 1+j] through an FNV hash.
func (p RetryPolicy) jitterFactor(attemptCount int) float64 {
	if p.Jitter == 0 {
		return 1
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(attemptCount))
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	u := float64(h.Sum64()%10_000) / 10_000
	return 1 + p.Jitter*(2*u-1)
}
