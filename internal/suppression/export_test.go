package suppression

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type stubLister struct {
	byTag map[string][]model.Contact
	err   error
	asked string
}

func (s *stubLister) ListActiveByTag(_ context.Context, tag string) ([]model.Contact, error) {
	s.asked = tag
	return s.byTag[tag], s.err
}

func donors() *stubLister {
	return &stubLister{byTag: map[string][]model.Contact{
		"donor": {
			{ID: "c1", ExternalID: "101", Email: "ann@example.com", FirstName: "Ann", DNCStatus: model.DNCBlocked, ProtectionTags: []string{"board", "donor"}},
			{ID: "c2", Email: "bob@example.com", Phone: "+15550100", DNCStatus: model.DNCCallable, ProtectionTags: []string{"donor"}},
		},
	}}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "", want: FormatCSV},
		{in: "csv", want: FormatCSV},
		{in: " JSON ", want: FormatJSON},
		{in: "xlsx", want: FormatXLSX},
		{in: "pdf", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExport_CSV(t *testing.T) {
	l := donors()
	var buf bytes.Buffer
	n, err := Export(context.Background(), l, " Donor ", FormatCSV, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "donor", l.asked, "tag is normalized before lookup")

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, header, rows[0])
	assert.Equal(t, []string{"c1", "101", "ann@example.com", "", "Ann", "", "", "dnc", "board;donor"}, rows[1])
}

func TestExport_JSON(t *testing.T) {
	var buf bytes.Buffer
	_, err := Export(context.Background(), donors(), "donor", FormatJSON, &buf)
	require.NoError(t, err)

	var got struct {
		Tag      string  `json:"tag"`
		Count    int     `json:"count"`
		Contacts []Entry `json:"contacts"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "donor", got.Tag)
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, "+15550100", got.Contacts[1].Phone)
}

func TestExport_EmptySetJSON(t *testing.T) {
	var buf bytes.Buffer
	n, err := Export(context.Background(), donors(), "volunteer", FormatJSON, &buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, buf.String(), `"contacts": []`)
}

func TestExport_XLSX(t *testing.T) {
	var buf bytes.Buffer
	_, err := Export(context.Background(), donors(), "donor", FormatXLSX, &buf)
	require.NoError(t, err)

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)
	sheet := f.Sheets[0]
	assert.Equal(t, "donor", sheet.Name)
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, "bob@example.com", sheet.Rows[2].Cells[2].String())
}

func TestExport_Errors(t *testing.T) {
	_, err := Export(context.Background(), donors(), "  ", FormatCSV, &bytes.Buffer{})
	assert.ErrorContains(t, err, "tag is required")

	_, err = Export(context.Background(), &stubLister{err: errors.New("db down")}, "donor", FormatCSV, &bytes.Buffer{})
	assert.ErrorContains(t, err, "db down")
}

func TestSheetName(t *testing.T) {
	assert.Equal(t, "a_b", sheetName("a/b"))
	assert.Equal(t, "suppression", sheetName(""))
	assert.Len(t, []rune(sheetName(strings.Repeat("x", 40))), 31)
}
