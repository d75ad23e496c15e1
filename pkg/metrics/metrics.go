package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	publishAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azpublish_publish_attempts_total",
			Help: "Publish calls per platform by outcome (succeeded, retrying, failed, skipped)",
		},
		[]string{"platform", "outcome"},
	)

	publishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "azpublish_publish_duration_seconds",
			Help:    "Duration of platform publish calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"platform"},
	)

	claims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azpublish_claims_total",
			Help: "Claim attempts by result (won, lost, error)",
		},
		[]string{"result"},
	)

	credentialsDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azpublish_credentials_degraded_total",
			Help: "Credentials marked degraded after an auth failure",
		},
		[]string{"platform"},
	)

	dispatchPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azpublish_dispatch_passes_total",
			Help: "Completed dispatch passes by resulting item status",
		},
		[]string{"status"},
	)

	// breakerState values: 0=closed, 1=half-open, 2=open
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "azpublish_circuit_breaker_state",
			Help: "Current state of the per-platform circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"platform"},
	)
)

func init() {
	prometheus.MustRegister(publishAttempts, publishDuration, claims, credentialsDegraded, dispatchPasses, breakerState)
}

func ObservePublish(platform, outcome string, d time.Duration) {
	publishAttempts.WithLabelValues(platform, outcome).Inc()
	if d > 0 {
		publishDuration.WithLabelValues(platform).Observe(d.Seconds())
	}
}

func IncClaim(result string) {
	claims.WithLabelValues(result).Inc()
}

func IncCredentialDegraded(platform string) {
	credentialsDegraded.WithLabelValues(platform).Inc()
}

func IncDispatchPass(status string) {
	dispatchPasses.WithLabelValues(status).Inc()
}

func SetBreakerState(platform string, state float64) {
	breakerState.WithLabelValues(platform).Set(state)
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
