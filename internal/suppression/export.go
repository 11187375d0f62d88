// Package suppression exports the do-not-contact sets defined by
// protection tags.
package suppression

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/crm-sync/internal/model"
)

// Format is an export encoding.
type Format string

// Export formats.
const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format name. Empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatJSON, FormatXLSX:
		return f, nil
	default:
		return "", eris.Errorf("suppression: unknown format %q", s)
	}
}

// ContentType is the HTTP media type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/csv"
	}
}

// Lister returns the active contacts carrying a protection tag.
type Lister interface {
	ListActiveByTag(ctx context.Context, tag string) ([]model.Contact, error)
}

// Entry is one exported contact.
type Entry struct {
	ID             string          `json:"id"`
	ExternalID     string          `json:"external_id,omitempty"`
	Email          string          `json:"email"`
	Phone          string          `json:"phone"`
	FirstName      string          `json:"first_name"`
	LastName       string          `json:"last_name"`
	Company        string          `json:"company"`
	DNCStatus      model.DNCStatus `json:"dnc_status"`
	ProtectionTags []string        `json:"protection_tags"`
}

var header = []string{"id", "external_id", "email", "phone", "first_name", "last_name", "company", "dnc_status", "protection_tags"}

func (e Entry) row() []string {
	return []string{e.ID, e.ExternalID, e.Email, e.Phone, e.FirstName, e.LastName, e.Company, string(e.DNCStatus), strings.Join(e.ProtectionTags, ";")}
}

// Entries lists the suppression set for tag.
func Entries(ctx context.Context, l Lister, tag string) ([]Entry, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return nil, eris.New("suppression: tag is required")
	}
	contacts, err := l.ListActiveByTag(ctx, tag)
	if err != nil {
		return nil, eris.Wrapf(err, "suppression: list tag %s", tag)
	}
	out := make([]Entry, len(contacts))
	for i, c := range contacts {
		out[i] = Entry{
			ID:             c.ID,
			ExternalID:     c.ExternalID,
			Email:          c.Email,
			Phone:          c.Phone,
			FirstName:      c.FirstName,
			LastName:       c.LastName,
			Company:        c.Company,
			DNCStatus:      c.DNCStatus,
			ProtectionTags: c.ProtectionTags,
		}
	}
	return out, nil
}

// Export writes the suppression set for tag to w and returns its size.
func Export(ctx context.Context, l Lister, tag string, format Format, w io.Writer) (int, error) {
	entries, err := Entries(ctx, l, tag)
	if err != nil {
		return 0, err
	}
	return len(entries), Write(w, format, tag, entries)
}

// Write encodes entries in format.
func Write(w io.Writer, format Format, tag string, entries []Entry) error {
	switch format {
	case FormatJSON:
		if entries == nil {
			entries = []Entry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(map[string]any{"tag": tag, "count": len(entries), "contacts": entries}), "suppression: encode json")
	case FormatXLSX:
		return writeXLSX(w, tag, entries)
	default:
		return writeCSV(w, entries)
	}
}

func writeCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "suppression: write csv header")
	}
	for _, e := range entries {
		if err := cw.Write(e.row()); err != nil {
			return eris.Wrap(err, "suppression: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "suppression: flush csv")
}

func writeXLSX(w io.Writer, tag string, entries []Entry) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName(tag))
	if err != nil {
		return eris.Wrap(err, "suppression: add sheet")
	}
	addRow(sheet, header)
	for _, e := range entries {
		addRow(sheet, e.row())
	}
	return eris.Wrap(f.Write(w), "suppression: write xlsx")
}

func addRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

// sheetName fits tag into Excel's 31-character sheet name limit.
func sheetName(tag string) string {
	name := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\"`, r) {
			return '_'
		}
		return r
	}, tag)
	if name == "" {
		name = "suppression"
	}
	if r := []rune(name); len(r) > 31 {
		name = string(r[:31])
	}
	return name
}
