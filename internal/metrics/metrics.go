package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tenantsync"
)

var (
	eventDurationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

	// Event bus metrics
	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Count of event executions by terminal outcome.",
	}, []string{"event", "outcome"})

	EventDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "event_duration_seconds",
		Help:      "Time taken to execute one event handler.",
		Buckets:   eventDurationBuckets,
	}, []string{"event"})

	EventsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_enqueued_total",
		Help:      "Count of events accepted into the queue.",
	}, []string{"event"})

	// Webhook gateway metrics
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_requests_total",
		Help:      "Count of inbound webhook requests by source and outcome.",
	}, []string{"source", "outcome"})

	// Sync metrics
	SyncPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_pages_total",
		Help:      "Count of vendor pages processed.",
	}, []string{"status"})

	UsersPushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "users_pushed_total",
		Help:      "Number of user records pushed downstream.",
	})

	ConnectionStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_status_updates_total",
		Help:      "Count of connection status updates sent to the platform.",
	}, []string{"status"})
)
