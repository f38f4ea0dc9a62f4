package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway. Scraped from /metrics.
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Current number of open WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_connections_rejected_total",
		Help: "Connections rejected before upgrade, by reason",
	}, []string{"reason"})

	AuthAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_attempts_total",
		Help: "Authentication attempts by outcome",
	}, []string{"outcome"})

	AuthRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_auth_rate_limited_total",
		Help: "Authentication attempts blocked by the backoff limiter",
	})

	GenerationsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_generations_started_total",
		Help: "Generation streams opened against the upstream",
	})

	GenerationsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_generations_completed_total",
		Help: "Generation streams finished, by outcome",
	}, []string{"outcome"})

	TokensStreamed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_tokens_streamed_total",
		Help: "Tokens forwarded from upstream to clients",
	})

	GenerationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_generation_duration_seconds",
		Help:    "Wall time of generation streams",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_sent_total",
		Help: "Frames sent to clients",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_received_total",
		Help: "Frames received from clients",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		AuthAttempts,
		AuthRateLimited,
		GenerationsStarted,
		GenerationsCompleted,
		TokensStreamed,
		GenerationDuration,
		MessagesSent,
		MessagesReceived,
	)
}

// Auth outcome labels.
const (
	AuthOutcomeSuccess          = "success"
	AuthOutcomeInvalidSignature = "invalid_signature"
	AuthOutcomeUnknownClient    = "unknown_client"
	AuthOutcomeExpiredChallenge = "expired_challenge"
	AuthOutcomeTimeout          = "timeout"
)

// Generation outcome labels.
const (
	GenOutcomeCompleted = "completed"
	GenOutcomeCancelled = "cancelled"
	GenOutcomeFailed    = "failed"
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
