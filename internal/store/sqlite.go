package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/normalize"
	"github.com/sells-group/crm-sync/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Email group locks
// are process-local, so a SQLite database must be served by one process.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedMutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection and SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, locks: newKeyedMutex()}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS contacts (
	id                  TEXT PRIMARY KEY,
	external_id         TEXT,
	email               TEXT NOT NULL DEFAULT '',
	email_key           TEXT NOT NULL DEFAULT '',
	first_name          TEXT NOT NULL DEFAULT '',
	last_name           TEXT NOT NULL DEFAULT '',
	phone               TEXT NOT NULL DEFAULT '',
	phone_key           TEXT NOT NULL DEFAULT '',
	company             TEXT NOT NULL DEFAULT '',
	job_title           TEXT NOT NULL DEFAULT '',
	city                TEXT NOT NULL DEFAULT '',
	state               TEXT NOT NULL DEFAULT '',
	channel             TEXT NOT NULL,
	last_ingested_via   TEXT NOT NULL,
	lifecycle_stage     TEXT NOT NULL DEFAULT 'lead',
	dnc_status          TEXT NOT NULL DEFAULT 'callable',
	protection_tags     TEXT NOT NULL DEFAULT '[]',
	status              TEXT NOT NULL DEFAULT 'active',
	removed_upstream    BOOLEAN NOT NULL DEFAULT 0,
	removed_upstream_at DATETIME,
	retention_decision  TEXT NOT NULL DEFAULT '',
	decided_at          DATETIME,
	upstream_updated_at DATETIME,
	custom              TEXT NOT NULL DEFAULT '{}',
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	last_synced_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_identity ON contacts(channel, external_id);
CREATE INDEX IF NOT EXISTS idx_contacts_email_key ON contacts(email_key);
CREATE INDEX IF NOT EXISTS idx_contacts_phone_key ON contacts(phone_key);
CREATE INDEX IF NOT EXISTS idx_contacts_status ON contacts(status);

CREATE TABLE IF NOT EXISTS sync_cursors (
	source       TEXT PRIMARY KEY,
	cursor_value TEXT NOT NULL DEFAULT '',
	run_id       TEXT NOT NULL DEFAULT '',
	pages        INTEGER NOT NULL DEFAULT 0,
	errors       INTEGER NOT NULL DEFAULT 0,
	gaps         INTEGER NOT NULL DEFAULT 0,
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	report       TEXT,
	started_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	heartbeat_at DATETIME,
	finished_at  DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_runs_active ON sync_runs(source) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_sync_runs_source_started ON sync_runs(source, started_at);

CREATE TABLE IF NOT EXISTS sync_gaps (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	source          TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	cursor_position TEXT NOT NULL,
	reason          TEXT NOT NULL,
	skipped         INTEGER NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sync_gaps_source ON sync_gaps(source);

CREATE TABLE IF NOT EXISTS segments (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	predicate    TEXT NOT NULL,
	depends_on   TEXT NOT NULL,
	member_count INTEGER NOT NULL DEFAULT 0,
	computed_at  DATETIME,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	object_id      TEXT NOT NULL,
	event          TEXT NOT NULL,
	batch_id       TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Contacts

func (s *SQLiteStore) getContact(ctx context.Context, what, query string, args ...any) (*model.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get contact by %s", what)
	}
	return c, nil
}

func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	return s.getContact(ctx, "id", contactSelect+` WHERE id = ?`, id)
}

func (s *SQLiteStore) GetByExternalID(ctx context.Context, channel model.Channel, externalID string) (*model.Contact, error) {
	return s.getContact(ctx, "external id",
		contactSelect+` WHERE channel = ? AND external_id = ?`,
		string(channel), externalID,
	)
}

func (s *SQLiteStore) GetByExternalIDs(ctx context.Context, channel model.Channel, externalIDs []string) (map[string]*model.Contact, error) {
	out := make(map[string]*model.Contact, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	args := []any{string(channel)}
	for _, id := range externalIDs {
		args = append(args, id)
	}
	contacts, err := s.queryContacts(ctx, "get contacts by external ids",
		contactSelect+` WHERE channel = ? AND external_id IN (`+questionMarks(len(externalIDs))+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	for i := range contacts {
		out[contacts[i].ExternalID] = &contacts[i]
	}
	return out, nil
}

func (s *SQLiteStore) FindActiveByEmail(ctx context.Context, email string) (*model.Contact, error) {
	key := normalize.EmailKey(email)
	if key == "" {
		return nil, nil
	}
	return s.getContact(ctx, "email",
		contactSelect+` WHERE email_key = ? AND status = 'active' ORDER BY created_at, id LIMIT 1`,
		key,
	)
}

func (s *SQLiteStore) FindActiveByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	key := normalize.PhoneKey(phone)
	if key == "" {
		return nil, nil
	}
	return s.getContact(ctx, "phone",
		contactSelect+` WHERE phone_key = ? AND status = 'active' ORDER BY created_at, id LIMIT 1`,
		key,
	)
}

func (s *SQLiteStore) ListByEmailKey(ctx context.Context, key string) ([]model.Contact, error) {
	return s.queryContacts(ctx, "list contacts by email key",
		contactSelect+` WHERE email_key = ? ORDER BY created_at, id`,
		key,
	)
}

func (s *SQLiteStore) DuplicateEmailKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT email_key FROM contacts WHERE email_key <> ''
		 GROUP BY email_key HAVING COUNT(*) > 1 ORDER BY email_key`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: duplicate email keys")
	}
	defer rows.Close() //nolint:errcheck

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan email key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: duplicate email keys iterate")
}

func (s *SQLiteStore) ListContacts(ctx context.Context, filter model.ContactFilter) ([]model.Contact, error) {
	query := contactSelect + ` WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Channel != "" {
		query += ` AND channel = ?`
		args = append(args, string(filter.Channel))
	}
	if filter.Email != "" {
		query += ` AND email_key = ?`
		args = append(args, normalize.EmailKey(filter.Email))
	}
	query += ` ORDER BY created_at, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return s.queryContacts(ctx, "list contacts", query, args...)
}

func (s *SQLiteStore) ListActiveByTag(ctx context.Context, tag string) ([]model.Contact, error) {
	where, args, err := compilePredicate(sqliteDialect, model.Predicate{
		All: []model.Condition{{Field: model.FieldProtectionTags, Op: model.OpHasTag, Value: tag}},
	})
	if err != nil {
		return nil, err
	}
	return s.queryContacts(ctx, "list active by tag",
		contactSelect+` WHERE `+where+` ORDER BY email_key, id`, args...)
}

func (s *SQLiteStore) CountContacts(ctx context.Context, p model.Predicate) (int64, error) {
	where, args, err := compilePredicate(sqliteDialect, p)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts WHERE `+where, args...).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count contacts")
}

func (s *SQLiteStore) queryContacts(ctx context.Context, what, query string, args ...any) ([]model.Contact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", what)
	}
	defer rows.Close() //nolint:errcheck

	var contacts []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		contacts = append(contacts, *c)
	}
	return contacts, eris.Wrapf(rows.Err(), "sqlite: %s iterate", what)
}

var sqliteUpsertContact = `INSERT INTO contacts (` + strings.Join(contactColumns, ", ") + `)
	VALUES (` + questionMarks(len(contactColumns)) + `)
	ON CONFLICT (channel, external_id) DO UPDATE SET ` + excludedSet(contactUpsertColumns) + `
	RETURNING id`

func (s *SQLiteStore) UpsertContact(ctx context.Context, c *model.Contact) error {
	args, err := contactArgs(c)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, sqliteUpsertContact, args...).Scan(&c.ID)
	return eris.Wrapf(err, "sqlite: upsert contact %s", c.ExternalID)
}

// UpsertContacts writes the page in one transaction.
func (s *SQLiteStore) UpsertContacts(ctx context.Context, contacts []model.Contact) (int64, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert contacts")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertContact)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert contacts")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for i := range contacts {
		args, err := contactArgs(&contacts[i])
		if err != nil {
			return 0, err
		}
		if err := stmt.QueryRowContext(ctx, args...).Scan(&contacts[i].ID); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert contact %s", contacts[i].ExternalID)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert contacts")
	}
	return n, nil
}

func (s *SQLiteStore) InsertContact(ctx context.Context, c *model.Contact) error {
	args, err := contactArgs(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts (`+strings.Join(contactColumns, ", ")+`) VALUES (`+questionMarks(len(contactColumns))+`)`,
		args...,
	)
	return eris.Wrapf(err, "sqlite: insert contact %s", c.ID)
}

func (s *SQLiteStore) UpdateContact(ctx context.Context, c *model.Contact) error {
	query, args, err := contactUpdate(c, func(int) string { return "?" })
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update contact %s", c.ID)
	}
	return checkRowsAffected(res, "contact", c.ID)
}

func (s *SQLiteStore) UpdateRetention(ctx context.Context, c *model.Contact) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET status = ?, removed_upstream = ?, removed_upstream_at = ?,
		 retention_decision = ?, decided_at = ? WHERE id = ?`,
		string(c.Status), c.RemovedUpstream, c.RemovedUpstreamAt,
		string(c.RetentionDecision), c.DecidedAt, c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update retention %s", c.ID)
	}
	return checkRowsAffected(res, "contact", c.ID)
}

func (s *SQLiteStore) RestoreContact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET status = 'active' WHERE id = ? AND status = 'archived'`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: restore contact %s", id)
	}
	return checkRowsAffected(res, "archived contact", id)
}

func (s *SQLiteStore) DeleteContacts(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM contacts WHERE id IN (`+questionMarks(len(ids))+`)`, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete contacts")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) WithEmailGroupLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	unlock := s.locks.Lock(key)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Sync state

func (s *SQLiteStore) GetCursor(ctx context.Context, source string) (*model.SyncCursor, error) {
	var c model.SyncCursor
	err := s.db.QueryRowContext(ctx,
		`SELECT source, cursor_value, run_id, pages, errors, gaps, updated_at FROM sync_cursors WHERE source = ?`,
		source,
	).Scan(&c.Source, &c.Cursor, &c.RunID, &c.Pages, &c.Errors, &c.Gaps, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cursor %s", source)
	}
	return &c, nil
}

// SaveCursor checkpoints cur and heartbeats its run in one transaction.
func (s *SQLiteStore) SaveCursor(ctx context.Context, cur model.SyncCursor) error {
	now := time.Now().UTC()
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = now
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save cursor")
	}
	defer tx.Rollback() //nolint:errcheck

	if cur.RunID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_runs SET heartbeat_at = ? WHERE id = ? AND status = 'running'`,
			now, cur.RunID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: heartbeat run %s", cur.RunID)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_cursors (source, cursor_value, run_id, pages, errors, gaps, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source) DO UPDATE SET cursor_value = excluded.cursor_value, run_id = excluded.run_id,
		   pages = excluded.pages, errors = excluded.errors, gaps = excluded.gaps, updated_at = excluded.updated_at`,
		cur.Source, cur.Cursor, cur.RunID, cur.Pages, cur.Errors, cur.Gaps, cur.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save cursor %s", cur.Source)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit cursor %s", cur.Source)
}

func (s *SQLiteStore) RecordGap(ctx context.Context, gap model.Gap) error {
	if gap.CreatedAt.IsZero() {
		gap.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_gaps (source, run_id, cursor_position, reason, skipped, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		gap.Source, gap.RunID, gap.Position, gap.Reason, gap.Skipped, gap.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: record gap %s@%s", gap.Source, gap.Position)
}

func (s *SQLiteStore) ListGaps(ctx context.Context, source string, limit int) ([]model.Gap, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, run_id, cursor_position, reason, skipped, created_at
		 FROM sync_gaps WHERE source = ? ORDER BY id DESC LIMIT ?`,
		source, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list gaps")
	}
	defer rows.Close() //nolint:errcheck

	var gaps []model.Gap
	for rows.Next() {
		var g model.Gap
		if err := rows.Scan(&g.ID, &g.Source, &g.RunID, &g.Position, &g.Reason, &g.Skipped, &g.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan gap")
		}
		gaps = append(gaps, g)
	}
	return gaps, eris.Wrap(rows.Err(), "sqlite: list gaps iterate")
}

// StartRun registers a running sync for source, first abandoning running
// rows whose last checkpoint is older than staleAfter.
func (s *SQLiteStore) StartRun(ctx context.Context, runID, source string, staleAfter time.Duration) (*model.SyncRun, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin start run")
	}
	defer tx.Rollback() //nolint:errcheck

	if staleAfter > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_runs SET status = ?, finished_at = ?
			 WHERE source = ? AND status = ? AND COALESCE(heartbeat_at, started_at) < ?`,
			string(model.RunAbandoned), now, source, string(model.RunRunning), now.Add(-staleAfter),
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: abandon stale runs for %s", source)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_runs (id, source, status, started_at, heartbeat_at) VALUES (?, ?, ?, ?, ?)`,
		runID, source, string(model.RunRunning), now, now,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrRunInProgress
		}
		return nil, eris.Wrapf(err, "sqlite: insert run for %s", source)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit start run")
	}
	return &model.SyncRun{ID: runID, Source: source, Status: model.RunRunning, StartedAt: now}, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run report")
	}
	finished := report.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, report = ?, finished_at = ? WHERE id = ?`,
		string(report.Status), string(reportJSON), finished, report.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", report.RunID)
	}
	return checkRowsAffected(res, "sync run", report.RunID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error) {
	query := `SELECT id, source, status, report, started_at, finished_at FROM sync_runs WHERE 1=1`
	var args []any

	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var reportJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.Source, &r.Status, &reportJSON, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if reportJSON.Valid {
			r.Report = &model.RunReport{}
			if err := json.Unmarshal([]byte(reportJSON.String), r.Report); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal run report")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// Segments

func (s *SQLiteStore) SaveSegment(ctx context.Context, seg *model.Segment) error {
	predJSON, depsJSON, err := marshalSegment(seg)
	if err != nil {
		return err
	}
	if seg.ID == "" {
		seg.ID = uuid.New().String()
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO segments (id, name, predicate, depends_on, member_count, computed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET predicate = excluded.predicate, depends_on = excluded.depends_on,
		   member_count = excluded.member_count, computed_at = excluded.computed_at`,
		seg.ID, seg.Name, predJSON, depsJSON, seg.Count, seg.ComputedAt, seg.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save segment %s", seg.Name)
	}

	stored, err := s.GetSegment(ctx, seg.Name)
	if err != nil {
		return err
	}
	if stored != nil {
		seg.ID, seg.CreatedAt = stored.ID, stored.CreatedAt
	}
	return nil
}

func (s *SQLiteStore) GetSegment(ctx context.Context, nameOrID string) (*model.Segment, error) {
	seg, err := scanSegment(s.db.QueryRowContext(ctx, segmentSelect+` WHERE id = ? OR name = ?`, nameOrID, nameOrID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get segment %s", nameOrID)
	}
	return seg, nil
}

func (s *SQLiteStore) ListSegments(ctx context.Context) ([]model.Segment, error) {
	rows, err := s.db.QueryContext(ctx, segmentSelect+` ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list segments")
	}
	defer rows.Close() //nolint:errcheck

	var segs []model.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan segment")
		}
		segs = append(segs, *seg)
	}
	return segs, eris.Wrap(rows.Err(), "sqlite: list segments iterate")
}

func (s *SQLiteStore) UpdateSegmentCount(ctx context.Context, id string, count int64, computedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET member_count = ?, computed_at = ? WHERE id = ?`,
		count, computedAt, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update segment count %s", id)
	}
	return checkRowsAffected(res, "segment", id)
}

func (s *SQLiteStore) DeleteSegment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete segment %s", id)
	}
	return checkRowsAffected(res, "segment", id)
}

// Dead letter queue methods

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entries ...resilience.DLQEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin enqueue dlq")
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range entries {
		args, err := dlqArgs(&entries[i])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dead_letter_queue (`+strings.Join(dlqColumns, ", ")+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			   error = excluded.error, error_type = excluded.error_type, retry_count = excluded.retry_count,
			   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
			args...,
		); err != nil {
			return eris.Wrap(err, "sqlite: enqueue dlq")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + strings.Join(dlqColumns, ", ") + `
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.ObjectID != "" {
		query += ` AND object_id = ?`
		args = append(args, filter.ObjectID)
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func questionMarks(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
