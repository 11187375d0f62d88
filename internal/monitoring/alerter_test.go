package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-sync/internal/config"
	"github.com/sells-group/crm-sync/internal/model"
)

func TestAlerter_EvaluateRun(t *testing.T) {
	tests := []struct {
		name   string
		report model.RunReport
		want   []AlertType
	}{
		{
			name:   "complete clean run",
			report: model.RunReport{Status: model.RunComplete, Gapped: 1},
		},
		{
			name:   "circuit broken",
			report: model.RunReport{Status: model.RunCircuitBroken, Gapped: 3, HaltReason: "5 consecutive gaps"},
			want:   []AlertType{AlertRunCircuitBroken},
		},
		{
			name:   "failed",
			report: model.RunReport{Status: model.RunFailed, HaltReason: "i/o timeout"},
			want:   []AlertType{AlertRunFailed},
		},
		{
			name:   "complete over gap threshold",
			report: model.RunReport{Status: model.RunComplete, Gapped: 10},
			want:   []AlertType{AlertGapThreshold},
		},
		{
			name:   "circuit broken over gap threshold",
			report: model.RunReport{Status: model.RunCircuitBroken, Gapped: 12},
			want:   []AlertType{AlertRunCircuitBroken, AlertGapThreshold},
		},
		{
			name:   "cancelled is not alerted",
			report: model.RunReport{Status: model.RunCancelled},
		},
	}
	a := NewAlerter(config.MonitoringConfig{GapAlertThreshold: 10})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.report.RunID, tt.report.Source, tt.report.FinalCursor = "01RUN", "hubspot", "4200"
			alerts := a.EvaluateRun(&tt.report)
			var got []AlertType
			for _, al := range alerts {
				got = append(got, al.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlerter_EvaluateRun_Message(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	alerts := a.EvaluateRun(&model.RunReport{
		RunID: "01RUN", Source: "hubspot", Status: model.RunCircuitBroken,
		FinalCursor: "4200", HaltReason: "extract: 5 consecutive gaps without a successful page",
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, `cursor "4200"`)
	assert.Equal(t, "4200", alerts[0].Details["final_cursor"])
}

func TestAlerter_EvaluateBatch(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailedEventsAlert: 3})
	assert.Empty(t, a.EvaluateBatch(&model.BatchReport{BatchID: "b1", Failed: 2}))

	alerts := a.EvaluateBatch(&model.BatchReport{BatchID: "b2", Applied: 4, Failed: 3})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailedEvents, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "3 failed event(s)")

	disabled := NewAlerter(config.MonitoringConfig{})
	assert.Empty(t, disabled.EvaluateBatch(&model.BatchReport{Failed: 100}))
}

func TestAlerter_Evaluate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{DLQDepthAlert: 100, GapAlertThreshold: 10})

	assert.Empty(t, a.Evaluate(&MetricsSnapshot{DLQDepth: 99, Gaps: 9, LookbackHours: 24}))

	alerts := a.Evaluate(&MetricsSnapshot{DLQDepth: 150, Gaps: 12, RunsTotal: 3, LookbackHours: 24})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertDLQDepth, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "150 webhook event(s)")
	assert.Equal(t, AlertGapThreshold, alerts[1].Type)
	assert.Contains(t, alerts[1].Message, "across 3 run(s) in last 24h")
}

func TestAlerter_Evaluate_ZeroThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{DLQDepth: 999, Gaps: 999}))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		AlertWebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertRunCircuitBroken, Severity: "high", Message: "test alert 1"},
		{Type: AlertDLQDepth, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_RunFinished_Posts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{AlertWebhookURL: ts.URL, FailedEventsAlert: 1})
	a.RunFinished(context.Background(), &model.RunReport{Status: model.RunFailed})
	a.RunFinished(context.Background(), &model.RunReport{Status: model.RunComplete})
	a.BatchFinished(context.Background(), &model.BatchReport{Failed: 1})
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		AlertWebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertRunFailed, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		AlertWebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		AlertWebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed, Message: "test"}})
	assert.Equal(t, 0, sent)
}
