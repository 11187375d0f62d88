package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/config"
)

var (
	dlqDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crmsync_dlq_depth",
		Help: "Webhook events waiting in the dead letter queue.",
	})
	windowRunsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crmsync_sync_runs_window",
		Help: "Bulk runs started inside the monitoring lookback window, by status.",
	}, []string{"status"})
	windowGapsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crmsync_sync_gaps_window",
		Help: "Gap markers recorded by runs inside the monitoring lookback window.",
	})
)

// Checker polls the run log and dead letter queue, publishes the snapshot
// as gauges and alerts when a threshold starts being exceeded. An alert
// type that stays over its threshold is not resent until it clears.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	firing    map[AlertType]bool
	log       *zap.Logger
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		firing:    make(map[AlertType]bool),
		log:       zap.L().With(zap.String("component", "monitoring")),
	}
}

// Run checks once immediately and then on every interval until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.log.Info("health checks started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			c.log.Info("health checks stopped")
			return
		}
		c.Check(ctx)
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot and returns the alerts that newly fired.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		c.log.Error("monitoring: collect snapshot", zap.Error(err))
		return nil
	}
	publish(snap)

	current := c.alerter.Evaluate(snap)
	still := make(map[AlertType]bool, len(current))
	var fresh []Alert
	for _, a := range current {
		still[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	for t := range c.firing {
		if !still[t] {
			c.log.Info("alert cleared", zap.String("type", string(t)))
		}
	}
	c.firing = still

	if len(fresh) > 0 {
		sent := c.alerter.SendAlerts(ctx, fresh)
		c.log.Info("alerts fired", zap.Int("fired", len(fresh)), zap.Int("sent", sent))
	}
	return fresh
}

func publish(snap *MetricsSnapshot) {
	dlqDepthGauge.Set(float64(snap.DLQDepth))
	windowGapsGauge.Set(float64(snap.Gaps))
	windowRunsGauge.WithLabelValues("complete").Set(float64(snap.RunsComplete))
	windowRunsGauge.WithLabelValues("circuit_broken").Set(float64(snap.RunsCircuitBroken))
	windowRunsGauge.WithLabelValues("failed").Set(float64(snap.RunsFailed))
	windowRunsGauge.WithLabelValues("running").Set(float64(snap.RunsRunning))
}
