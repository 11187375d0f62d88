package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-sync/internal/model"
)

func TestCompilePredicate(t *testing.T) {
	tests := []struct {
		name     string
		pred     model.Predicate
		wantPG   string
		wantLite string
		wantArgs []any
	}{
		{
			name:     "eq adds implicit active",
			pred:     model.Predicate{All: []model.Condition{{Field: model.FieldLifecycleStage, Op: model.OpEq, Value: "customer"}}},
			wantPG:   "status = $1 AND lifecycle_stage = $2",
			wantLite: "status = ? AND lifecycle_stage = ?",
			wantArgs: []any{"active", "customer"},
		},
		{
			name:     "explicit status suppresses implicit",
			pred:     model.Predicate{All: []model.Condition{{Field: model.FieldStatus, Op: model.OpEq, Value: "archived"}}},
			wantPG:   "status = $1",
			wantLite: "status = ?",
			wantArgs: []any{"archived"},
		},
		{
			name:     "in expands placeholders",
			pred:     model.Predicate{All: []model.Condition{{Field: model.FieldState, Op: model.OpIn, Values: []string{"TX", "OK"}}}},
			wantPG:   "status = $1 AND state IN ($2, $3)",
			wantLite: "status = ? AND state IN (?, ?)",
			wantArgs: []any{"active", "TX", "OK"},
		},
		{
			name: "any is grouped",
			pred: model.Predicate{
				All: []model.Condition{{Field: model.FieldDNCStatus, Op: model.OpNeq, Value: "dnc"}},
				Any: []model.Condition{
					{Field: model.FieldCity, Op: model.OpEq, Value: "Austin"},
					{Field: model.FieldPhone, Op: model.OpNotEmpty},
				},
			},
			wantPG:   "status = $1 AND dnc_status <> $2 AND (city = $3 OR phone <> '')",
			wantLite: "status = ? AND dnc_status <> ? AND (city = ? OR phone <> '')",
			wantArgs: []any{"active", "dnc", "Austin"},
		},
		{
			name:     "removed upstream neq inverts",
			pred:     model.Predicate{All: []model.Condition{{Field: model.FieldRemovedUpstream, Op: model.OpNeq, Value: "true"}}},
			wantPG:   "status = $1 AND removed_upstream = $2",
			wantLite: "status = ? AND removed_upstream = ?",
			wantArgs: []any{"active", false},
		},
		{
			name:     "external id coalesces null",
			pred:     model.Predicate{All: []model.Condition{{Field: model.FieldExternalID, Op: model.OpIsEmpty}}},
			wantPG:   "status = $1 AND COALESCE(external_id, '') = ''",
			wantLite: "status = ? AND COALESCE(external_id, '') = ''",
			wantArgs: []any{"active"},
		},
		{
			name:     "tags not empty",
			pred:     model.Predicate{All: []model.Condition{{Field: model.FieldProtectionTags, Op: model.OpNotEmpty}}},
			wantPG:   "status = $1 AND NOT (jsonb_array_length(protection_tags) = 0)",
			wantLite: "status = ? AND NOT (json_array_length(protection_tags) = 0)",
			wantArgs: []any{"active"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args, err := compilePredicate(postgresDialect, tt.pred)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPG, where)
			assert.Equal(t, tt.wantArgs, args)

			where, args, err = compilePredicate(sqliteDialect, tt.pred)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLite, where)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestCompilePredicate_HasTagLowercases(t *testing.T) {
	pred := model.Predicate{All: []model.Condition{{Field: model.FieldProtectionTags, Op: model.OpHasTag, Value: " VIP "}}}

	where, args, err := compilePredicate(sqliteDialect, pred)
	require.NoError(t, err)
	assert.Equal(t, "status = ? AND EXISTS (SELECT 1 FROM json_each(protection_tags) WHERE value = ?)", where)
	assert.Equal(t, []any{"active", "vip"}, args)
}

func TestCompilePredicate_Invalid(t *testing.T) {
	tests := []model.Predicate{
		{},
		{All: []model.Condition{{Field: "favorite_color", Op: model.OpEq, Value: "x"}}},
		{All: []model.Condition{{Field: model.FieldEmail, Op: "like", Value: "x"}}},
		{All: []model.Condition{{Field: model.FieldEmail, Op: model.OpHasTag, Value: "x"}}},
	}
	for _, p := range tests {
		_, _, err := compilePredicate(postgresDialect, p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid predicate")
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b") // does not block on a
	assert.Len(t, k.locks, 2)
	unlockA()
	unlockB()
	assert.Empty(t, k.locks)
}
