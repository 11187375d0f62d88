package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-sync/internal/model"
)

func defaultNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	m, err := DefaultMapping()
	require.NoError(t, err)
	return New(m)
}

func TestNormalize_SynonymPriority(t *testing.T) {
	n := defaultNormalizer(t)

	res := n.Normalize(model.RawRecord{ID: "101", Properties: map[string]any{
		"hs_email":  "second@example.com",
		"email":     "first@example.com",
		"firstname": "  Ada ",
		"FirstName": "Augusta",
		"Title":     "Analyst",
	}})

	c := res.Contact
	assert.Equal(t, "101", c.ExternalID)
	assert.Equal(t, "first@example.com", c.Email)
	assert.Equal(t, "Ada", c.FirstName)
	assert.Equal(t, "Analyst", c.JobTitle)
	assert.Empty(t, res.Issues)
}

func TestNormalize_BlankSynonymFallsThrough(t *testing.T) {
	n := defaultNormalizer(t)

	res := n.Normalize(model.RawRecord{Properties: map[string]any{
		"email":        "   ",
		"work_email":   "w@example.com",
		"hs_object_id": json.Number("77"),
	}})

	assert.Equal(t, "w@example.com", res.Contact.Email)
	assert.Equal(t, "77", res.Contact.ExternalID)
}

func TestNormalize_DNCFlags(t *testing.T) {
	n := defaultNormalizer(t)

	tests := []struct {
		name  string
		props map[string]any
		want  model.DNCStatus
	}{
		{"none", map[string]any{}, model.DNCCallable},
		{"bool true", map[string]any{"hs_do_not_call": true}, model.DNCBlocked},
		{"bool false", map[string]any{"hs_do_not_call": false}, model.DNCCallable},
		{"string yes", map[string]any{"do_not_call": "Yes"}, model.DNCBlocked},
		{"string TRUE", map[string]any{"dnc": "TRUE"}, model.DNCBlocked},
		{"string 1", map[string]any{"donotcall": "1"}, model.DNCBlocked},
		{"numeric 1", map[string]any{"phone_opt_out": float64(1)}, model.DNCBlocked},
		{"numeric 0", map[string]any{"phone_opt_out": float64(0)}, model.DNCCallable},
		{"string no", map[string]any{"dnc": "no"}, model.DNCCallable},
		{"any flag wins", map[string]any{"hs_do_not_call": "false", "DoNotCall": true}, model.DNCBlocked},
		{"null", map[string]any{"hs_do_not_call": nil}, model.DNCCallable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := n.Normalize(model.RawRecord{ID: "1", Properties: tt.props})
			assert.Equal(t, tt.want, res.Contact.DNCStatus)
		})
	}
}

func TestNormalize_Lifecycle(t *testing.T) {
	n := defaultNormalizer(t)

	tests := []struct {
		value any
		want  model.LifecycleStage
		issue bool
	}{
		{nil, model.StageLead, false},
		{"customer", model.StageCustomer, false},
		{"Marketing Qualified Lead", model.StageMQL, false},
		{"marketingqualifiedlead", model.StageMQL, false},
		{"SQL", model.StageSQL, false},
		{"sales-qualified-lead", model.StageSQL, false},
		{"prospect", model.StageLead, true},
	}
	for _, tt := range tests {
		props := map[string]any{}
		if tt.value != nil {
			props["lifecyclestage"] = tt.value
		}
		res := n.Normalize(model.RawRecord{ID: "1", Properties: props})
		assert.Equal(t, tt.want, res.Contact.LifecycleStage, "value %v", tt.value)
		if tt.issue {
			require.Len(t, res.Issues, 1)
			assert.Equal(t, model.FieldLifecycleStage, res.Issues[0].Field)
		} else {
			assert.Empty(t, res.Issues)
		}
	}
}

func TestNormalize_InvalidEmailDropped(t *testing.T) {
	n := defaultNormalizer(t)

	for _, bad := range []string{"not-an-email", "a@b", "@example.com", "a@@example.com", "a b@example.com", "a@example."} {
		res := n.Normalize(model.RawRecord{ID: "1", Properties: map[string]any{"email": bad}})
		assert.Empty(t, res.Contact.Email, bad)
		require.Len(t, res.Issues, 1, bad)
		assert.Equal(t, model.FieldEmail, res.Issues[0].Field)
		assert.Contains(t, res.Issues[0].Error(), "email")
	}
}

func TestNormalize_ProtectionTags(t *testing.T) {
	n := defaultNormalizer(t)

	res := n.Normalize(model.RawRecord{ID: "1", Properties: map[string]any{
		"outreach_categories": "Donor; Volunteer,donor",
		"outreach_category":   "board",
	}})
	assert.Equal(t, []string{"board", "donor", "volunteer"}, res.Contact.ProtectionTags)

	res = n.Normalize(model.RawRecord{ID: "2", Properties: map[string]any{"outreach_categories": " ; "}})
	assert.Nil(t, res.Contact.ProtectionTags)
	assert.False(t, res.Contact.Protected())
}

func TestNormalize_CustomFields(t *testing.T) {
	n := defaultNormalizer(t)

	res := n.Normalize(model.RawRecord{ID: "1", Properties: map[string]any{
		"email":          "a@example.com",
		"favorite_color": "green",
		"score":          float64(12.5),
		"blank":          "",
		"nested":         map[string]any{"x": 1},
	}})
	assert.Equal(t, map[string]string{"favorite_color": "green", "score": "12.5"}, res.Contact.Custom)
}

func TestNormalize_UpstreamUpdatedAt(t *testing.T) {
	n := defaultNormalizer(t)

	res := n.Normalize(model.RawRecord{ID: "1", Properties: map[string]any{"lastmodifieddate": "2026-03-01T10:00:00.000Z"}})
	require.NotNil(t, res.Contact.UpstreamUpdatedAt)
	assert.Equal(t, 2026, res.Contact.UpstreamUpdatedAt.Year())

	res = n.Normalize(model.RawRecord{ID: "1", Properties: map[string]any{"hs_lastmodifieddate": "1767225600000"}})
	require.NotNil(t, res.Contact.UpstreamUpdatedAt)
	assert.Equal(t, int64(1767225600000), res.Contact.UpstreamUpdatedAt.UnixMilli())

	res = n.Normalize(model.RawRecord{ID: "1", Properties: map[string]any{"lastmodifieddate": "yesterday"}})
	assert.Nil(t, res.Contact.UpstreamUpdatedAt)
}

func TestNormalize_Deterministic(t *testing.T) {
	n := defaultNormalizer(t)
	raw := model.RawRecord{ID: "9", Properties: map[string]any{
		"email": "x@example.com", "hs_do_not_call": "yes", "lifecyclestage": "customer",
		"outreach_categories": "b;a", "custom_a": "1", "custom_b": true,
	}}

	first := n.Normalize(raw)
	for range 20 {
		assert.Equal(t, first, n.Normalize(raw))
	}
}

func TestNormalize_UnicodeText(t *testing.T) {
	n := defaultNormalizer(t)

	// "e" + combining acute accent composes to a single rune under NFC.
	res := n.Normalize(model.RawRecord{ID: "1", Properties: map[string]any{"firstname": "Rene\u0301e"}})
	assert.Equal(t, "Ren\u00e9e", res.Contact.FirstName)
}

func TestEmailKey(t *testing.T) {
	assert.Equal(t, "ada@example.com", EmailKey("  Ada@Example.COM "))
	assert.Equal(t, EmailKey("STRASSE@example.com"), EmailKey("strasse@example.com"))
	assert.Empty(t, EmailKey("   "))
}

func TestPhoneKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 010-2030", "15550102030"},
		{"555.010.2030", "5550102030"},
		{"ext 12", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, PhoneKey(tt.in))
		})
	}
}

func TestIsTruthy(t *testing.T) {
	for _, v := range []any{true, "true", "YES", " 1 ", float64(1), 1, int64(1), json.Number("1")} {
		assert.True(t, IsTruthy(v), "%#v", v)
	}
	for _, v := range []any{false, "false", "no", "0", "", nil, float64(2), json.Number("0"), []string{"yes"}} {
		assert.False(t, IsTruthy(v), "%#v", v)
	}
}

func TestNormalizer_Swap(t *testing.T) {
	n := defaultNormalizer(t)

	m, err := ParseMapping([]byte(`
fields:
  email: [contact_email]
`))
	require.NoError(t, err)
	n.Swap(m)

	res := n.Normalize(model.RawRecord{ID: "1", Properties: map[string]any{"contact_email": "a@example.com", "email": "b@example.com"}})
	assert.Equal(t, "a@example.com", res.Contact.Email)
	assert.Equal(t, "b@example.com", res.Contact.Custom["email"])
	assert.Equal(t, []string{"contact_email"}, n.Properties())
}
