package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/store"
)

// MetricsSnapshot holds a point-in-time view of sync health.
type MetricsSnapshot struct {
	// Bulk runs started within the lookback window.
	RunsTotal         int `json:"runs_total"`
	RunsComplete      int `json:"runs_complete"`
	RunsCircuitBroken int `json:"runs_circuit_broken"`
	RunsFailed        int `json:"runs_failed"`
	RunsRunning       int `json:"runs_running"`
	Gaps              int `json:"gaps"`
	Errored           int `json:"errored"`

	DLQDepth int `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsReader is the part of the store the collector reads.
type StatsReader interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.SyncRun, error)
	CountDLQ(ctx context.Context) (int, error)
}

// Collector gathers metrics from the run log and the dead letter queue.
type Collector struct {
	store StatsReader
}

// NewCollector creates a new metrics collector.
func NewCollector(st StatsReader) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: 1000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunComplete:
			snap.RunsComplete++
		case model.RunCircuitBroken:
			snap.RunsCircuitBroken++
		case model.RunFailed:
			snap.RunsFailed++
		case model.RunRunning:
			snap.RunsRunning++
		}
		if r.Report != nil {
			snap.Gaps += r.Report.Gapped
			snap.Errored += r.Report.Errored
		}
	}

	dlqCount, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
