package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-sync/internal/model"
)

// dialect holds the SQL differences between Postgres and SQLite that the
// predicate compiler needs.
type dialect struct {
	placeholder func(n int) string
	hasTag      func(ph string) string
	tagsEmpty   string
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	hasTag:      postgresHasTag,
	tagsEmpty:   "jsonb_array_length(protection_tags) = 0",
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	hasTag:      sqliteHasTag,
	tagsEmpty:   "json_array_length(protection_tags) = 0",
}

func postgresHasTag(ph string) string {
	return "protection_tags @> jsonb_build_array(" + ph + "::text)"
}

func sqliteHasTag(ph string) string {
	return "EXISTS (SELECT 1 FROM json_each(protection_tags) WHERE value = " + ph + ")"
}

// predicateBuilder compiles a model.Predicate into a WHERE clause.
type predicateBuilder struct {
	d    dialect
	args []any
}

func (b *predicateBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

// compilePredicate returns a WHERE clause (without the keyword) and its
// arguments. Unless the predicate mentions status, only active contacts
// match.
func compilePredicate(d dialect, p model.Predicate) (string, []any, error) {
	if err := p.Validate(); err != nil {
		return "", nil, eris.Wrap(err, "store: invalid predicate")
	}
	b := &predicateBuilder{d: d}

	var clauses []string
	if !p.ConstrainsStatus() {
		clauses = append(clauses, "status = "+b.bind(string(model.StatusActive)))
	}
	for _, c := range p.All {
		clauses = append(clauses, b.condition(c))
	}
	if len(p.Any) > 0 {
		anyClauses := make([]string, len(p.Any))
		for i, c := range p.Any {
			anyClauses[i] = b.condition(c)
		}
		clauses = append(clauses, "("+strings.Join(anyClauses, " OR ")+")")
	}
	return strings.Join(clauses, " AND "), b.args, nil
}

func (b *predicateBuilder) condition(c model.Condition) string {
	switch c.Field {
	case model.FieldProtectionTags:
		switch c.Op {
		case model.OpHasTag:
			return b.d.hasTag(b.bind(strings.ToLower(strings.TrimSpace(c.Value))))
		case model.OpIsEmpty:
			return b.d.tagsEmpty
		default:
			return "NOT (" + b.d.tagsEmpty + ")"
		}
	case model.FieldRemovedUpstream:
		v, _ := strconv.ParseBool(c.Value)
		if c.Op == model.OpNeq {
			v = !v
		}
		return "removed_upstream = " + b.bind(v)
	}

	col := string(c.Field)
	if c.Field == model.FieldExternalID {
		col = "COALESCE(external_id, '')"
	}
	switch c.Op {
	case model.OpEq:
		return col + " = " + b.bind(c.Value)
	case model.OpNeq:
		return col + " <> " + b.bind(c.Value)
	case model.OpIn:
		phs := make([]string, len(c.Values))
		for i, v := range c.Values {
			phs[i] = b.bind(v)
		}
		return col + " IN (" + strings.Join(phs, ", ") + ")"
	case model.OpIsEmpty:
		return col + " = ''"
	default:
		return col + " <> ''"
	}
}
