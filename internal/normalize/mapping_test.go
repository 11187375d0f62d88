package normalize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-sync/internal/model"
)

func TestDefaultMapping(t *testing.T) {
	m, err := DefaultMapping()
	require.NoError(t, err)

	for _, f := range model.TextFields {
		assert.NotEmpty(t, m.Fields[f], "field %s", f)
	}
	props := m.Properties()
	assert.Equal(t, "hs_object_id", props[0])
	assert.Contains(t, props, "hs_do_not_call")
	assert.Contains(t, props, "outreach_categories")
	assert.True(t, m.Consumed("lifecyclestage"))
	assert.False(t, m.Consumed("favorite_color"))
}

func TestMapping_PropertiesDeduplicated(t *testing.T) {
	m, err := ParseMapping([]byte(`
external_id: [id]
fields:
  email: [email, id]
  phone: [phone, email]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "email", "phone"}, m.Properties())
}

func TestParseMapping_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad yaml", "fields: [", "parse mapping"},
		{"no fields", "dnc_flags: [dnc]", "no fields"},
		{"unknown field", "fields:\n  email: [email]\n  status: [status]", "not a text field"},
		{"empty synonyms", "fields:\n  email: [email]\n  phone: []", "no synonyms"},
		{"missing email", "fields:\n  phone: [phone]", "email synonyms"},
		{"bad stage", "fields:\n  email: [email]\nlifecycle:\n  vip: royalty", "unknown stage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMapping([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMapping(t *testing.T) {
	m, err := LoadMapping("")
	require.NoError(t, err)
	assert.NotEmpty(t, m.Fields)

	path := filepath.Join(t.TempDir(), "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fields:\n  email: [mail]\n"), 0o644))
	m, err = LoadMapping(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"mail"}, m.Fields[model.FieldEmail])

	_, err = LoadMapping(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStageKey(t *testing.T) {
	assert.Equal(t, "marketingqualifiedlead", stageKey(" Marketing-Qualified_Lead "))
}
