package salesforce

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockClient serves queries from a func and describes nothing.
type mockClient struct {
	queryFn func(ctx context.Context, soql string, out any) error
}

func (m *mockClient) Query(ctx context.Context, soql string, out any) error {
	if m.queryFn != nil {
		return m.queryFn(ctx, soql, out)
	}
	return nil
}

func (m *mockClient) Describe(_ context.Context, object string) (*Schema, error) {
	return &Schema{Name: object}, nil
}

func TestPage(t *testing.T) {
	tests := []struct {
		name    string
		after   string
		wantSQL string
	}{
		{
			name:    "first page",
			wantSQL: "SELECT Id, Email, FirstName FROM Contact ORDER BY Id LIMIT 50",
		},
		{
			name:    "keyset after id",
			after:   "003xx0000001",
			wantSQL: "SELECT Id, Email, FirstName FROM Contact WHERE Id > '003xx0000001' ORDER BY Id LIMIT 50",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockClient{
				queryFn: func(_ context.Context, soql string, out any) error {
					assert.Equal(t, tt.wantSQL, soql)
					rows := out.(*[]map[string]any)
					*rows = []map[string]any{
						{"attributes": map[string]any{"type": "Contact"}, "Id": "003xx0000002", "Email": "a@example.com"},
					}
					return nil
				},
			}
			rows, err := Page(context.Background(), mock, "Contact", []string{"Id", "Email", "FirstName"}, tt.after, 50)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.NotContains(t, rows[0], "attributes")
			assert.Equal(t, "003xx0000002", rows[0]["Id"])
		})
	}
}

func TestPage_Error(t *testing.T) {
	mock := &mockClient{queryFn: func(context.Context, string, any) error { return errors.New("connection refused") }}
	_, err := Page(context.Background(), mock, "Contact", nil, "", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf: page Contact")
}

func TestIDs(t *testing.T) {
	mock := &mockClient{
		queryFn: func(_ context.Context, soql string, out any) error {
			assert.Equal(t, "SELECT Id FROM Contact WHERE Id > '003a' ORDER BY Id LIMIT 3", soql)
			return nil
		},
	}
	ids, err := IDs(context.Background(), mock, "Contact", "003a", 3)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFindByID(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		mock := &mockClient{
			queryFn: func(_ context.Context, soql string, out any) error {
				assert.Contains(t, soql, "WHERE Id = '003xx'")
				assert.Contains(t, soql, "LIMIT 1")
				rows := out.(*[]map[string]any)
				*rows = []map[string]any{{"attributes": map[string]any{}, "Id": "003xx", "Email": "a@example.com"}}
				return nil
			},
		}
		row, err := FindByID(context.Background(), mock, "Contact", []string{"Email"}, "003xx")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"Id": "003xx", "Email": "a@example.com"}, row)
	})

	t.Run("not found", func(t *testing.T) {
		row, err := FindByID(context.Background(), &mockClient{}, "Contact", nil, "003xx")
		require.NoError(t, err)
		assert.Nil(t, row)
	})

	t.Run("escapes quotes", func(t *testing.T) {
		mock := &mockClient{
			queryFn: func(_ context.Context, soql string, _ any) error {
				assert.Contains(t, soql, `Id = 'a\' OR Id != \'b'`)
				return nil
			},
		}
		_, err := FindByID(context.Background(), mock, "Contact", nil, "a' OR Id != 'b")
		require.NoError(t, err)
	})
}
