package httpclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/AzielCF/az-publish/pkg/metrics"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned while the platform breaker rejects calls.
var ErrCircuitOpen = circuitbreaker.ErrOpen

type Config struct {
	// Name identifies the platform in logs.
	Name    string
	Timeout time.Duration

	// RatePerSecond <= 0 disables outbound rate limiting.
	RatePerSecond float64
	Burst         int

	// The breaker opens when BreakerFailures of the last BreakerWindow calls
	// failed, and half-opens after BreakerDelay.
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration

	Transport http.RoundTripper
}

// Client is an http.Client guarded by a per-platform rate limiter and circuit
// breaker. Network errors, 429 and 5xx responses count as breaker failures.
type Client struct {
	name     string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  circuitbreaker.CircuitBreaker[*http.Response]
	executor failsafe.Executor[*http.Response]
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerWindow == 0 {
		cfg.BreakerWindow = 10
	}
	if cfg.BreakerFailures == 0 || cfg.BreakerFailures > cfg.BreakerWindow {
		cfg.BreakerFailures = cfg.BreakerWindow / 2
		if cfg.BreakerFailures == 0 {
			cfg.BreakerFailures = 1
		}
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	name := cfg.Name
	breaker := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(cfg.BreakerFailures, cfg.BreakerWindow).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			return resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500)
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			metrics.SetBreakerState(name, stateValue(event.NewState))
			logrus.WithFields(logrus.Fields{
				"platform": name,
				"from":     stateName(event.OldState),
				"to":       stateName(event.NewState),
			}).Warn("[PUBLISHER] circuit breaker state change")
		}).
		Build()

	return &Client{
		name:     name,
		http:     &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		limiter:  limiter,
		breaker:  breaker,
		executor: failsafe.With[*http.Response](breaker),
	}
}

// Do waits for the rate limiter and sends req through the circuit breaker.
// While the breaker is open it fails fast with ErrCircuitOpen.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		return c.http.Do(req)
	})
}

// Open reports whether the breaker is currently rejecting calls.
func (c *Client) Open() bool {
	return c.breaker.IsOpen()
}

func (c *Client) Name() string { return c.name }

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

func stateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return 0
	}
}
