// Package metrics exposes the ingestor's Prometheus collectors. The process
// itself serves no HTTP endpoint; Handler is exported for the external API
// layer (or an operator sidecar) to mount wherever it scrapes from.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdc_ingestor"

var (
	// EventsReceived counts change events consumed off the broker stream,
	// including filtered and dropped ones.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Change events received from the broker, per client.",
	}, []string{"client"})

	// WebhookAttempts counts terminal webhook outcomes per client, labeled
	// success or failure (a failure is one full retry cycle exhausted, or a
	// circuit-breaker short circuit).
	WebhookAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Terminal webhook delivery outcomes, per client and outcome.",
	}, []string{"client", "outcome"})

	// OffsetCommits counts replay-cursor advances written to the offset store.
	OffsetCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "offset_commits_total",
		Help:      "Replay offset commits, per client.",
	}, []string{"client"})

	// ListenerStatus is the numeric listener state per client:
	// 0 stopped, 1 starting, 2 running, 3 stopping, 4 error.
	ListenerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "listener_status",
		Help:      "Listener state per client (0 stopped, 1 starting, 2 running, 3 stopping, 4 error).",
	}, []string{"client"})
)

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
