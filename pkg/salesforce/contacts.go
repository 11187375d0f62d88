package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Records are walked in Id order so the last Id of a page is a stable
// keyset cursor for the next one.

// Page selects fields from object for up to limit records whose Id sorts
// after afterID. An empty afterID starts at the first record.
func Page(ctx context.Context, c Client, object string, fields []string, afterID string, limit int) ([]map[string]any, error) {
	soql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY Id LIMIT %d",
		strings.Join(withID(fields), ", "), object, afterClause(afterID), limit)

	var rows []map[string]any
	if err := c.Query(ctx, soql, &rows); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: page %s after %q", object, afterID))
	}
	for _, r := range rows {
		delete(r, "attributes")
	}
	return rows, nil
}

// IDs returns up to limit record Ids after afterID without reading any
// other field.
func IDs(ctx context.Context, c Client, object, afterID string, limit int) ([]string, error) {
	soql := fmt.Sprintf("SELECT Id FROM %s%s ORDER BY Id LIMIT %d", object, afterClause(afterID), limit)

	var rows []struct {
		ID string `json:"Id" salesforce:"Id"`
	}
	if err := c.Query(ctx, soql, &rows); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: ids %s after %q", object, afterID))
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}

// FindByID reads one record. Returns nil if no record is found.
func FindByID(ctx context.Context, c Client, object string, fields []string, id string) (map[string]any, error) {
	soql := fmt.Sprintf("SELECT %s FROM %s WHERE Id = '%s' LIMIT 1",
		strings.Join(withID(fields), ", "), object, escapeSoql(id))

	var rows []map[string]any
	if err := c.Query(ctx, soql, &rows); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find %s by id %s", object, id))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	delete(rows[0], "attributes")
	return rows[0], nil
}

func afterClause(afterID string) string {
	if afterID == "" {
		return ""
	}
	return fmt.Sprintf(" WHERE Id > '%s'", escapeSoql(afterID))
}

func withID(fields []string) []string {
	out := []string{"Id"}
	for _, f := range fields {
		if f != "Id" {
			out = append(out, f)
		}
	}
	return out
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
