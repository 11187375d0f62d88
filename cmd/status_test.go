package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-sync/internal/model"
)

func TestCollectAndFormatStatus(t *testing.T) {
	cfg = sqliteConfig(t)
	ctx := context.Background()
	st, err := openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, err = st.StartRun(ctx, "run-1", "hubspot", time.Hour)
	require.NoError(t, err)
	require.NoError(t, st.RecordGap(ctx, model.Gap{Source: "hubspot", RunID: "run-1", Position: "500", Reason: "upstream status 500", Skipped: 1}))
	require.NoError(t, st.SaveCursor(ctx, model.SyncCursor{Source: "hubspot", Cursor: "600", RunID: "run-1", Pages: 6, Gaps: 1, UpdatedAt: time.Now()}))
	require.NoError(t, st.FinishRun(ctx, &model.RunReport{
		RunID: "run-1", Source: "hubspot", Status: model.RunCircuitBroken,
		Committed: 599, Gapped: 1, FinalCursor: "600",
	}))

	rep, err := collectStatus(ctx, st, "hubspot", 5)
	require.NoError(t, err)
	require.NotNil(t, rep.Cursor)
	assert.Equal(t, "600", rep.Cursor.Cursor)
	require.Len(t, rep.Runs, 1)
	assert.Equal(t, model.RunCircuitBroken, rep.Runs[0].Status)
	require.Len(t, rep.Gaps, 1)
	assert.Zero(t, rep.DLQDepth)

	var buf bytes.Buffer
	formatStatus(&buf, rep)
	out := buf.String()
	assert.Contains(t, out, "Cursor: 600 (run run-1, 6 pages, 1 gaps")
	assert.Contains(t, out, "circuit_broken")
	assert.Contains(t, out, "run-1 at 500: upstream status 500")
}

func TestFormatStatus_NoCursor(t *testing.T) {
	var buf bytes.Buffer
	formatStatus(&buf, &statusReport{Source: "salesforce"})
	assert.Contains(t, buf.String(), "Cursor: none")
	assert.Contains(t, buf.String(), "Dead-letter queue: 0")
}
