package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/config"
	"github.com/sells-group/crm-sync/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunCircuitBroken AlertType = "sync_circuit_broken"
	AlertRunFailed        AlertType = "sync_failed"
	AlertGapThreshold     AlertType = "sync_gap_threshold"
	AlertFailedEvents     AlertType = "webhook_failed_events"
	AlertDLQDepth         AlertType = "webhook_dlq_depth"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates run reports, batch reports and periodic snapshots
// against configured thresholds and posts alerts to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateRun checks one finished bulk run.
func (a *Alerter) EvaluateRun(r *model.RunReport) []Alert {
	var alerts []Alert
	details := map[string]any{
		"run_id":       r.RunID,
		"source":       r.Source,
		"final_cursor": r.FinalCursor,
		"committed":    r.Committed,
		"gapped":       r.Gapped,
	}

	switch r.Status {
	case model.RunCircuitBroken:
		alerts = append(alerts, Alert{
			Type:      AlertRunCircuitBroken,
			Severity:  "high",
			Message:   fmt.Sprintf("%s sync %s stopped at cursor %q: %s", r.Source, r.RunID, r.FinalCursor, r.HaltReason),
			Details:   details,
			Timestamp: a.now(),
		})
	case model.RunFailed:
		alerts = append(alerts, Alert{
			Type:      AlertRunFailed,
			Severity:  "high",
			Message:   fmt.Sprintf("%s sync %s failed at cursor %q: %s", r.Source, r.RunID, r.FinalCursor, r.HaltReason),
			Details:   details,
			Timestamp: a.now(),
		})
	}

	if a.cfg.GapAlertThreshold > 0 && r.Gapped >= a.cfg.GapAlertThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertGapThreshold,
			Severity: "medium",
			Message: fmt.Sprintf("%s sync %s skipped %d unreadable position(s), threshold %d",
				r.Source, r.RunID, r.Gapped, a.cfg.GapAlertThreshold),
			Details:   details,
			Timestamp: a.now(),
		})
	}
	return alerts
}

// EvaluateBatch checks one processed webhook batch.
func (a *Alerter) EvaluateBatch(r *model.BatchReport) []Alert {
	if a.cfg.FailedEventsAlert <= 0 || r.Failed < a.cfg.FailedEventsAlert {
		return nil
	}
	return []Alert{{
		Type:     AlertFailedEvents,
		Severity: "medium",
		Message:  fmt.Sprintf("webhook batch %s had %d failed event(s), threshold %d", r.BatchID, r.Failed, a.cfg.FailedEventsAlert),
		Details: map[string]any{
			"batch_id": r.BatchID,
			"applied":  r.Applied,
			"skipped":  r.Skipped,
			"failed":   r.Failed,
		},
		Timestamp: a.now(),
	}}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert

	if a.cfg.DLQDepthAlert > 0 && snap.DLQDepth >= a.cfg.DLQDepthAlert {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "high",
			Message:  fmt.Sprintf("%d webhook event(s) waiting for replay, threshold %d", snap.DLQDepth, a.cfg.DLQDepthAlert),
			Details: map[string]any{
				"dlq_depth": snap.DLQDepth,
				"threshold": a.cfg.DLQDepthAlert,
			},
			Timestamp: a.now(),
		})
	}

	if a.cfg.GapAlertThreshold > 0 && snap.Gaps >= a.cfg.GapAlertThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertGapThreshold,
			Severity: "medium",
			Message: fmt.Sprintf("%d unreadable position(s) skipped across %d run(s) in last %dh",
				snap.Gaps, snap.RunsTotal, snap.LookbackHours),
			Details: map[string]any{
				"gaps":      snap.Gaps,
				"runs":      snap.RunsTotal,
				"threshold": a.cfg.GapAlertThreshold,
			},
			Timestamp: a.now(),
		})
	}
	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.AlertWebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// RunFinished evaluates and sends alerts for a finished run.
func (a *Alerter) RunFinished(ctx context.Context, r *model.RunReport) {
	a.SendAlerts(ctx, a.EvaluateRun(r))
}

// BatchFinished evaluates and sends alerts for a processed batch.
func (a *Alerter) BatchFinished(ctx context.Context, r *model.BatchReport) {
	a.SendAlerts(ctx, a.EvaluateBatch(r))
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AlertWebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
