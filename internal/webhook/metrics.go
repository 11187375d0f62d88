package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_webhook_events_total",
			Help: "Webhook events processed, by outcome",
		},
		[]string{"outcome"},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crmsync_webhook_batch_duration_seconds",
			Help:    "Time to process one webhook batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	batchesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_webhook_batches_rejected_total",
			Help: "Webhook deliveries rejected before processing, by reason",
		},
		[]string{"reason"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crmsync_webhook_queue_depth",
			Help: "Sub-batches waiting for a dispatcher worker",
		},
	)
)
