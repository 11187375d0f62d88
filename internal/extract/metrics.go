package extract

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/crm-sync/internal/model"
)

var (
	recordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_extract_records_fetched_total",
			Help: "Total number of records read from upstream listings",
		},
		[]string{"source"},
	)

	gapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_extract_gaps_total",
			Help: "Total number of gap markers recorded",
		},
		[]string{"source"},
	)

	rateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_extract_rate_limited_total",
			Help: "Total number of rate-limited listing requests",
		},
		[]string{"source"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_extract_runs_total",
			Help: "Total number of extraction runs by terminal status",
		},
		[]string{"source", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_extract_run_duration_seconds",
			Help:    "Duration of extraction runs in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"source"},
	)
)

func observeRun(r *model.RunReport) {
	runsTotal.WithLabelValues(r.Source, string(r.Status)).Inc()
	runDuration.WithLabelValues(r.Source).Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
}
