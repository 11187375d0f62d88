package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// copyChunk bounds the rows sent in one COPY.
var copyChunk = 5000

// Append copies rows into table, at most copyChunk rows per COPY. Chunks
// commit independently. A schema-qualified name like "crm.sync_gaps" is
// split into its parts.
func Append(ctx context.Context, pool Querier, table string, columns []string, rows [][]any) (int64, error) {
	var total int64
	for start := 0; start < len(rows); start += copyChunk {
		end := min(start+copyChunk, len(rows))
		n, err := pool.CopyFrom(ctx, ident(table), columns, pgx.CopyFromRows(rows[start:end]))
		total += n
		if err != nil {
			return total, eris.Wrapf(err, "db: copy rows %d-%d into %s", start, end, table)
		}
	}
	return total, nil
}

// Merge upserts a batch of rows keyed by a unique constraint.
type Merge struct {
	Table   string
	Columns []string
	Key     []string
	// Update lists the columns overwritten on conflict. Nil means every
	// column outside Key; an empty non-nil slice leaves existing rows as
	// they are.
	Update []string
}

// Run stages rows with COPY into a temp table shaped like Table, then
// merges them with INSERT ... ON CONFLICT, all in one transaction. Given
// an open transaction the merge runs in a savepoint.
func (m Merge) Run(ctx context.Context, pool Querier, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := m.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: begin", m.Table)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := m.stagingTable()
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{stage}.Sanitize(), ident(m.Table).Sanitize())
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: create staging table", m.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, m.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: stage rows", m.Table)
	}
	tag, err := tx.Exec(ctx, m.statement(stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: insert on conflict", m.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: commit", m.Table)
	}
	return tag.RowsAffected(), nil
}

func (m Merge) validate() error {
	switch {
	case m.Table == "":
		return eris.New("db: merge: no table")
	case len(m.Columns) == 0:
		return eris.Errorf("db: merge %s: no columns", m.Table)
	case len(m.Key) == 0:
		return eris.Errorf("db: merge %s: no conflict key", m.Table)
	}
	return nil
}

func (m Merge) updateColumns() []string {
	if m.Update != nil {
		return m.Update
	}
	key := make(map[string]bool, len(m.Key))
	for _, k := range m.Key {
		key[k] = true
	}
	var out []string
	for _, c := range m.Columns {
		if !key[c] {
			out = append(out, c)
		}
	}
	return out
}

func (m Merge) stagingTable() string {
	return "_stage_" + strings.ReplaceAll(m.Table, ".", "_")
}

func (m Merge) statement(stage string) string {
	cols := columnList(m.Columns)
	action := "DO NOTHING"
	if update := m.updateColumns(); len(update) > 0 {
		set := make([]string, len(update))
		for i, c := range update {
			q := pgx.Identifier{c}.Sanitize()
			set[i] = q + " = EXCLUDED." + q
		}
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		ident(m.Table).Sanitize(), cols, cols, pgx.Identifier{stage}.Sanitize(), columnList(m.Key), action)
}

func ident(table string) pgx.Identifier {
	return pgx.Identifier(strings.SplitN(table, ".", 2))
}

func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
