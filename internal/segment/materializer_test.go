package segment

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/dedup"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func setup(t *testing.T) (*store.SQLiteStore, *dedup.Resolver, *Materializer) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st, dedup.NewResolver(st), NewMaterializer(st)
}

func upsert(t *testing.T, r *dedup.Resolver, c model.Contact) {
	t.Helper()
	_, err := r.Upsert(context.Background(), c, model.ChannelBulkAPI)
	require.NoError(t, err)
}

var customers = model.Predicate{All: []model.Condition{{Field: model.FieldLifecycleStage, Op: model.OpEq, Value: "customer"}}}

var texans = model.Predicate{All: []model.Condition{{Field: model.FieldState, Op: model.OpEq, Value: "TX"}}}

func TestDefine(t *testing.T) {
	_, r, m := setup(t)
	ctx := context.Background()
	upsert(t, r, model.Contact{ExternalID: "1", Email: "a@x.com", LifecycleStage: model.StageCustomer})
	upsert(t, r, model.Contact{ExternalID: "2", Email: "b@x.com", LifecycleStage: model.StageLead})

	seg, err := m.Define(ctx, "customers", customers)
	require.NoError(t, err)
	assert.NotEmpty(t, seg.ID)
	assert.Equal(t, int64(1), seg.Count)
	assert.Equal(t, []model.Field{model.FieldLifecycleStage, model.FieldStatus}, seg.DependsOn)
	assert.NotNil(t, seg.ComputedAt)

	// Redefining keeps the id.
	again, err := m.Define(ctx, "customers", texans)
	require.NoError(t, err)
	assert.Equal(t, seg.ID, again.ID)
	assert.Equal(t, int64(0), again.Count)
}

func TestDefine_Invalid(t *testing.T) {
	_, _, m := setup(t)
	ctx := context.Background()

	_, err := m.Define(ctx, "", customers)
	require.Error(t, err)

	_, err = m.Define(ctx, "bad", model.Predicate{All: []model.Condition{{Field: "shoe_size", Op: model.OpEq, Value: "9"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestRefresh_OnlyDependentSegments(t *testing.T) {
	st, r, m := setup(t)
	ctx := context.Background()

	_, err := m.Define(ctx, "customers", customers)
	require.NoError(t, err)
	_, err = m.Define(ctx, "texans", texans)
	require.NoError(t, err)

	upsert(t, r, model.Contact{ExternalID: "1", Email: "a@x.com", State: "TX", LifecycleStage: model.StageCustomer})

	report, err := m.Refresh(ctx, model.NewFieldSet(model.FieldState))
	require.NoError(t, err)
	assert.Equal(t, &RefreshReport{Refreshed: 1, Skipped: 1}, report)

	tx, err := st.GetSegment(ctx, "texans")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tx.Count)
	cust, err := st.GetSegment(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cust.Count, "not refreshed for an unrelated change")

	// Status is a dependency of every default view.
	report, err = m.Refresh(ctx, model.NewFieldSet(model.FieldStatus))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Refreshed)
}

func TestRefresh_EmptyChangeSet(t *testing.T) {
	_, _, m := setup(t)
	report, err := m.Refresh(context.Background(), model.NewFieldSet())
	require.NoError(t, err)
	assert.Zero(t, report.Refreshed)
}

func TestRefreshAll(t *testing.T) {
	_, r, m := setup(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		_, err := m.Define(ctx, name, texans)
		require.NoError(t, err)
	}
	upsert(t, r, model.Contact{ExternalID: "1", Email: "a@x.com", State: "TX"})

	report, err := m.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Refreshed)

	segs, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 6)
	for _, s := range segs {
		assert.Equal(t, int64(1), s.Count)
	}
}

func TestDelete(t *testing.T) {
	_, _, m := setup(t)
	ctx := context.Background()
	_, err := m.Define(ctx, "customers", customers)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "customers"))
	err = m.Delete(ctx, "customers")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment not found")
}
