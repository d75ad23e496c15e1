package platforms

import (
	"time"

	"github.com/AzielCF/az-publish/core/config"
	"github.com/AzielCF/az-publish/infrastructure/platforms/facebook"
	"github.com/AzielCF/az-publish/infrastructure/platforms/graph"
	"github.com/AzielCF/az-publish/infrastructure/platforms/instagram"
	"github.com/AzielCF/az-publish/infrastructure/platforms/webhook"
	"github.com/AzielCF/az-publish/pkg/httpclient"
	"github.com/AzielCF/az-publish/publishing/domain/publisher"
)

// graphCallTimeout bounds a single Graph API request; the whole publish is
// bounded separately by the engine.
const graphCallTimeout = 30 * time.Second

// NewRegistry builds every publisher known to this binary. Each platform gets
// its own rate limiter and circuit breaker.
func NewRegistry(cfg config.PlatformsConfig) *publisher.Registry {
	clientFor := func(name string, timeout time.Duration) *httpclient.Client {
		return httpclient.New(httpclient.Config{
			Name:            name,
			Timeout:         timeout,
			RatePerSecond:   cfg.RatePerSecond,
			Burst:           cfg.RateBurst,
			BreakerFailures: cfg.BreakerFailures,
			BreakerWindow:   cfg.BreakerWindow,
			BreakerDelay:    cfg.BreakerDelay,
		})
	}

	igGraph := graph.NewClient(clientFor(instagram.Platform, graphCallTimeout), cfg.GraphBaseURL, cfg.GraphVersion)
	fbGraph := graph.NewClient(clientFor(facebook.Platform, graphCallTimeout), cfg.GraphBaseURL, cfg.GraphVersion)

	webhookClient := clientFor(webhook.Platform, cfg.WebhookTimeout)

	return publisher.NewRegistry(
		instagram.New(igGraph, instagram.Config{PollEvery: cfg.InstagramPollEvery, PollMax: cfg.InstagramPollMax}),
		facebook.New(fbGraph),
		webhook.New(webhookClient, cfg.WebhookTimeout),
	)
}
