package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated registry served on /metrics.
	Registry = prometheus.NewRegistry()

	factory = promauto.With(Registry)

	webhookDeliveries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by event type and resulting status.",
		},
		[]string{"event_type", "status"},
	)

	webhookDeliveryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Duration of outbound webhook HTTP calls.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"event_type", "outcome"},
	)

	webhookEventsProcessed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_processed_total",
			Help: "Events fanned out, by pass (new or retry).",
		},
		[]string{"pass"},
	)

	webhookLockContention = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_lock_contention_total",
			Help: "Events skipped because another worker held the lock.",
		},
	)
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordDelivery records one attempt and the status it left the log in.
func RecordDelivery(eventType, status string, success bool, duration time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	webhookDeliveries.WithLabelValues(eventType, status).Inc()
	webhookDeliveryDuration.WithLabelValues(eventType, outcome).Observe(duration.Seconds())
}

func RecordEventProcessed(pass string) {
	webhookEventsProcessed.WithLabelValues(pass).Inc()
}

func RecordLockContention() {
	webhookLockContention.Inc()
}
