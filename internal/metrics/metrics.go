// Package metrics registers the Prometheus collectors shared by the engine
// and the HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tramita_commands_total",
			Help: "Engine commands by command name and outcome.",
		},
		[]string{"command", "outcome"},
	)

	BatchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tramita_batch_items_total",
			Help: "Requests processed by batch signing, by outcome.",
		},
		[]string{"outcome"},
	)

	SignatureSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tramita_signature_seconds",
		Help:    "Duration of signature ceremonies, credential check included.",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tramita_http_requests_total",
			Help: "HTTP requests by method, route pattern and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tramita_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route pattern.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tramita_webhook_deliveries_total",
			Help: "Outbox notifications posted to webhooks, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Outcome labels.
const (
	OK    = "ok"
	Error = "error"
)
