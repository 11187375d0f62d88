package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-sync/internal/db"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/normalize"
	"github.com/sells-group/crm-sync/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
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
	protection_tags     JSONB NOT NULL DEFAULT '[]',
	status              TEXT NOT NULL DEFAULT 'active',
	removed_upstream    BOOLEAN NOT NULL DEFAULT false,
	removed_upstream_at TIMESTAMPTZ,
	retention_decision  TEXT NOT NULL DEFAULT '',
	decided_at          TIMESTAMPTZ,
	upstream_updated_at TIMESTAMPTZ,
	custom              JSONB NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_synced_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE contacts ADD COLUMN IF NOT EXISTS phone_key TEXT NOT NULL DEFAULT '';

CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_identity ON contacts(channel, external_id);
CREATE INDEX IF NOT EXISTS idx_contacts_email_key ON contacts(email_key) WHERE email_key <> '';
CREATE INDEX IF NOT EXISTS idx_contacts_phone_key ON contacts(phone_key) WHERE phone_key <> '';
CREATE INDEX IF NOT EXISTS idx_contacts_status ON contacts(status);
CREATE INDEX IF NOT EXISTS idx_contacts_tags ON contacts USING GIN (protection_tags);

CREATE TABLE IF NOT EXISTS sync_cursors (
	source       TEXT PRIMARY KEY,
	cursor_value TEXT NOT NULL DEFAULT '',
	run_id       TEXT NOT NULL DEFAULT '',
	pages        INTEGER NOT NULL DEFAULT 0,
	errors       INTEGER NOT NULL DEFAULT 0,
	gaps         INTEGER NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	report       JSONB,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	heartbeat_at TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ
);

ALTER TABLE sync_runs ADD COLUMN IF NOT EXISTS heartbeat_at TIMESTAMPTZ;

CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_runs_active ON sync_runs(source) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_sync_runs_source_started ON sync_runs(source, started_at DESC);

CREATE TABLE IF NOT EXISTS sync_gaps (
	id              BIGSERIAL PRIMARY KEY,
	source          TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	cursor_position TEXT NOT NULL,
	reason          TEXT NOT NULL,
	skipped         INTEGER NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sync_gaps_source ON sync_gaps(source, id DESC);

CREATE TABLE IF NOT EXISTS segments (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	predicate    JSONB NOT NULL,
	depends_on   JSONB NOT NULL,
	member_count BIGINT NOT NULL DEFAULT 0,
	computed_at  TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	object_id      TEXT NOT NULL,
	event          JSONB NOT NULL,
	batch_id       TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
CREATE INDEX IF NOT EXISTS idx_dlq_object_id ON dead_letter_queue(object_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.q(ctx).Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Contacts

func (s *PostgresStore) getContact(ctx context.Context, what, query string, args ...any) (*model.Contact, error) {
	c, err := scanContact(s.q(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get contact by %s", what)
	}
	return c, nil
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	return s.getContact(ctx, "id", contactSelect+` WHERE id = $1`, id)
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, channel model.Channel, externalID string) (*model.Contact, error) {
	return s.getContact(ctx, "external id",
		contactSelect+` WHERE channel = $1 AND external_id = $2`,
		string(channel), externalID,
	)
}

func (s *PostgresStore) GetByExternalIDs(ctx context.Context, channel model.Channel, externalIDs []string) (map[string]*model.Contact, error) {
	out := make(map[string]*model.Contact, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	contacts, err := s.queryContacts(ctx, "get contacts by external ids",
		contactSelect+` WHERE channel = $1 AND external_id = ANY($2)`,
		string(channel), externalIDs,
	)
	if err != nil {
		return nil, err
	}
	for i := range contacts {
		out[contacts[i].ExternalID] = &contacts[i]
	}
	return out, nil
}

func (s *PostgresStore) FindActiveByEmail(ctx context.Context, email string) (*model.Contact, error) {
	key := normalize.EmailKey(email)
	if key == "" {
		return nil, nil
	}
	return s.getContact(ctx, "email",
		contactSelect+` WHERE email_key = $1 AND status = 'active' ORDER BY created_at, id LIMIT 1`,
		key,
	)
}

// FindActiveByPhone returns the oldest active contact whose phone has the
// same digits, or nil.
func (s *PostgresStore) FindActiveByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	key := normalize.PhoneKey(phone)
	if key == "" {
		return nil, nil
	}
	return s.getContact(ctx, "phone",
		contactSelect+` WHERE phone_key = $1 AND status = 'active' ORDER BY created_at, id LIMIT 1`,
		key,
	)
}

func (s *PostgresStore) ListByEmailKey(ctx context.Context, key string) ([]model.Contact, error) {
	return s.queryContacts(ctx, "list contacts by email key",
		contactSelect+` WHERE email_key = $1 ORDER BY created_at, id`,
		key,
	)
}

func (s *PostgresStore) DuplicateEmailKeys(ctx context.Context) ([]string, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT email_key FROM contacts WHERE email_key <> ''
		 GROUP BY email_key HAVING COUNT(*) > 1 ORDER BY email_key`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: duplicate email keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan email key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "postgres: duplicate email keys iterate")
}

func (s *PostgresStore) ListContacts(ctx context.Context, filter model.ContactFilter) ([]model.Contact, error) {
	query := contactSelect + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Channel != "" {
		query += fmt.Sprintf(` AND channel = $%d`, argIdx)
		args = append(args, string(filter.Channel))
		argIdx++
	}
	if filter.Email != "" {
		query += fmt.Sprintf(` AND email_key = $%d`, argIdx)
		args = append(args, normalize.EmailKey(filter.Email))
		argIdx++
	}
	query += ` ORDER BY created_at, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	return s.queryContacts(ctx, "list contacts", query, args...)
}

func (s *PostgresStore) ListActiveByTag(ctx context.Context, tag string) ([]model.Contact, error) {
	where, args, err := compilePredicate(postgresDialect, model.Predicate{
		All: []model.Condition{{Field: model.FieldProtectionTags, Op: model.OpHasTag, Value: tag}},
	})
	if err != nil {
		return nil, err
	}
	return s.queryContacts(ctx, "list active by tag",
		contactSelect+` WHERE `+where+` ORDER BY email_key, id`, args...)
}

func (s *PostgresStore) CountContacts(ctx context.Context, p model.Predicate) (int64, error) {
	where, args, err := compilePredicate(postgresDialect, p)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM contacts WHERE `+where, args...).Scan(&n)
	return n, eris.Wrap(err, "postgres: count contacts")
}

func (s *PostgresStore) queryContacts(ctx context.Context, what, query string, args ...any) ([]model.Contact, error) {
	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", what)
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		contacts = append(contacts, *c)
	}
	return contacts, eris.Wrapf(rows.Err(), "postgres: %s iterate", what)
}

func (s *PostgresStore) UpsertContact(ctx context.Context, c *model.Contact) error {
	args, err := contactArgs(c)
	if err != nil {
		return err
	}
	err = s.q(ctx).QueryRow(ctx,
		`INSERT INTO contacts (`+strings.Join(contactColumns, ", ")+`)
		 VALUES (`+placeholders(len(contactColumns))+`)
		 ON CONFLICT (channel, external_id) DO UPDATE SET `+excludedSet(contactUpsertColumns)+`
		 RETURNING id`,
		args...,
	).Scan(&c.ID)
	return eris.Wrapf(err, "postgres: upsert contact %s", c.ExternalID)
}

func (s *PostgresStore) UpsertContacts(ctx context.Context, contacts []model.Contact) (int64, error) {
	rows := make([][]any, 0, len(contacts))
	for i := range contacts {
		args, err := contactArgs(&contacts[i])
		if err != nil {
			return 0, err
		}
		rows = append(rows, args)
	}
	n, err := db.Merge{
		Table:   "contacts",
		Columns: contactColumns,
		Key:     []string{"channel", "external_id"},
		Update:  contactUpsertColumns,
	}.Run(ctx, s.q(ctx), rows)
	return n, eris.Wrap(err, "postgres: upsert contacts")
}

func (s *PostgresStore) InsertContact(ctx context.Context, c *model.Contact) error {
	args, err := contactArgs(c)
	if err != nil {
		return err
	}
	_, err = s.q(ctx).Exec(ctx,
		`INSERT INTO contacts (`+strings.Join(contactColumns, ", ")+`) VALUES (`+placeholders(len(contactColumns))+`)`,
		args...,
	)
	return eris.Wrapf(err, "postgres: insert contact %s", c.ID)
}

func (s *PostgresStore) UpdateContact(ctx context.Context, c *model.Contact) error {
	query, args, err := contactUpdate(c, func(n int) string { return fmt.Sprintf("$%d", n) })
	if err != nil {
		return err
	}
	tag, err := s.q(ctx).Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update contact %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("contact not found: %s", c.ID)
	}
	return nil
}

func (s *PostgresStore) UpdateRetention(ctx context.Context, c *model.Contact) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE contacts SET status = $1, removed_upstream = $2, removed_upstream_at = $3,
		 retention_decision = $4, decided_at = $5 WHERE id = $6`,
		string(c.Status), c.RemovedUpstream, c.RemovedUpstreamAt,
		string(c.RetentionDecision), c.DecidedAt, c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update retention %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("contact not found: %s", c.ID)
	}
	return nil
}

func (s *PostgresStore) RestoreContact(ctx context.Context, id string) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE contacts SET status = 'active' WHERE id = $1 AND status = 'archived'`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: restore contact %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("archived contact not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) DeleteContacts(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM contacts WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete contacts")
	}
	return tag.RowsAffected(), nil
}

type lockTxKey struct{}

// q returns the transaction of an email group lock held by the caller, or
// the pool. Work done under the lock stays on the lock's connection, so a
// lock holder never waits on the pool for a second one.
func (s *PostgresStore) q(ctx context.Context) db.Querier {
	if tx, ok := ctx.Value(lockTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// WithEmailGroupLock holds a transaction-scoped advisory lock on the key
// while fn runs. Store calls made with fn's context join the transaction,
// and committing it releases the lock. Nested locks take a savepoint on the
// same connection.
func (s *PostgresStore) WithEmailGroupLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	tx, err := s.q(ctx).Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin lock tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return eris.Wrapf(err, "postgres: lock email group %s", key)
	}
	if err := fn(context.WithValue(ctx, lockTxKey{}, tx)); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: release email group lock")
}

// Sync state

func (s *PostgresStore) GetCursor(ctx context.Context, source string) (*model.SyncCursor, error) {
	var c model.SyncCursor
	err := s.q(ctx).QueryRow(ctx,
		`SELECT source, cursor_value, run_id, pages, errors, gaps, updated_at FROM sync_cursors WHERE source = $1`,
		source,
	).Scan(&c.Source, &c.Cursor, &c.RunID, &c.Pages, &c.Errors, &c.Gaps, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get cursor %s", source)
	}
	return &c, nil
}

// SaveCursor checkpoints cur and heartbeats its run in the same statement.
func (s *PostgresStore) SaveCursor(ctx context.Context, cur model.SyncCursor) error {
	now := time.Now().UTC()
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = now
	}
	_, err := s.q(ctx).Exec(ctx,
		`WITH beat AS (
		   UPDATE sync_runs SET heartbeat_at = $8 WHERE id = $3 AND status = 'running'
		 )
		 INSERT INTO sync_cursors (source, cursor_value, run_id, pages, errors, gaps, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (source) DO UPDATE SET cursor_value = $2, run_id = $3, pages = $4,
		   errors = $5, gaps = $6, updated_at = $7`,
		cur.Source, cur.Cursor, cur.RunID, cur.Pages, cur.Errors, cur.Gaps, cur.UpdatedAt, now,
	)
	return eris.Wrapf(err, "postgres: save cursor %s", cur.Source)
}

func (s *PostgresStore) RecordGap(ctx context.Context, gap model.Gap) error {
	if gap.CreatedAt.IsZero() {
		gap.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO sync_gaps (source, run_id, cursor_position, reason, skipped, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		gap.Source, gap.RunID, gap.Position, gap.Reason, gap.Skipped, gap.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: record gap %s@%s", gap.Source, gap.Position)
}

func (s *PostgresStore) ListGaps(ctx context.Context, source string, limit int) ([]model.Gap, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, source, run_id, cursor_position, reason, skipped, created_at
		 FROM sync_gaps WHERE source = $1 ORDER BY id DESC LIMIT $2`,
		source, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list gaps")
	}
	defer rows.Close()

	var gaps []model.Gap
	for rows.Next() {
		var g model.Gap
		if err := rows.Scan(&g.ID, &g.Source, &g.RunID, &g.Position, &g.Reason, &g.Skipped, &g.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan gap")
		}
		gaps = append(gaps, g)
	}
	return gaps, eris.Wrap(rows.Err(), "postgres: list gaps iterate")
}

// StartRun registers a running sync for source. Running rows that have
// not checkpointed for staleAfter are marked abandoned first so a crashed
// process does not block the source forever. A live run heartbeats on
// every SaveCursor and is never abandoned.
func (s *PostgresStore) StartRun(ctx context.Context, runID, source string, staleAfter time.Duration) (*model.SyncRun, error) {
	now := time.Now().UTC()

	tx, err := s.q(ctx).Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin start run")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if staleAfter > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE sync_runs SET status = $1, finished_at = $2
			 WHERE source = $3 AND status = $4 AND COALESCE(heartbeat_at, started_at) < $5`,
			string(model.RunAbandoned), now, source, string(model.RunRunning), now.Add(-staleAfter),
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: abandon stale runs for %s", source)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO sync_runs (id, source, status, started_at, heartbeat_at) VALUES ($1, $2, $3, $4, $4)`,
		runID, source, string(model.RunRunning), now,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrRunInProgress
		}
		return nil, eris.Wrapf(err, "postgres: insert run for %s", source)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit start run")
	}
	return &model.SyncRun{ID: runID, Source: source, Status: model.RunRunning, StartedAt: now}, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run report")
	}
	finished := report.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE sync_runs SET status = $1, report = $2, finished_at = $3 WHERE id = $4`,
		string(report.Status), reportJSON, finished, report.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", report.RunID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("sync run not found: %s", report.RunID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error) {
	query := `SELECT id, source, status, report, started_at, finished_at FROM sync_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, filter.Source)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var reportJSON []byte
		if err := rows.Scan(&r.ID, &r.Source, &r.Status, &reportJSON, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if len(reportJSON) > 0 {
			r.Report = &model.RunReport{}
			if err := json.Unmarshal(reportJSON, r.Report); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal run report")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// Segments

func (s *PostgresStore) SaveSegment(ctx context.Context, seg *model.Segment) error {
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
	err = s.q(ctx).QueryRow(ctx,
		`INSERT INTO segments (id, name, predicate, depends_on, member_count, computed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE SET predicate = $3, depends_on = $4, member_count = $5, computed_at = $6
		 RETURNING id, created_at`,
		seg.ID, seg.Name, predJSON, depsJSON, seg.Count, seg.ComputedAt, seg.CreatedAt,
	).Scan(&seg.ID, &seg.CreatedAt)
	return eris.Wrapf(err, "postgres: save segment %s", seg.Name)
}

func (s *PostgresStore) GetSegment(ctx context.Context, nameOrID string) (*model.Segment, error) {
	seg, err := scanSegment(s.q(ctx).QueryRow(ctx, segmentSelect+` WHERE id = $1 OR name = $1`, nameOrID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get segment %s", nameOrID)
	}
	return seg, nil
}

func (s *PostgresStore) ListSegments(ctx context.Context) ([]model.Segment, error) {
	rows, err := s.q(ctx).Query(ctx, segmentSelect+` ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list segments")
	}
	defer rows.Close()

	var segs []model.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan segment")
		}
		segs = append(segs, *seg)
	}
	return segs, eris.Wrap(rows.Err(), "postgres: list segments iterate")
}

func (s *PostgresStore) UpdateSegmentCount(ctx context.Context, id string, count int64, computedAt time.Time) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE segments SET member_count = $1, computed_at = $2 WHERE id = $3`,
		count, computedAt, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update segment count %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("segment not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) DeleteSegment(ctx context.Context, id string) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM segments WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete segment %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("segment not found: %s", id)
	}
	return nil
}

// Dead letter queue methods

var dlqColumns = []string{
	"id", "object_id", "event", "batch_id", "error", "error_type",
	"retry_count", "max_retries", "next_retry_at", "created_at", "last_failed_at",
}

// EnqueueDLQ stores failed events. A single entry is upserted by id; a
// batch of entries is written with COPY.
func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entries ...resilience.DLQEntry) error {
	rows := make([][]any, 0, len(entries))
	for i := range entries {
		row, err := dlqArgs(&entries[i])
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	switch len(rows) {
	case 0:
		return nil
	case 1:
		_, err := s.q(ctx).Exec(ctx,
			`INSERT INTO dead_letter_queue (`+strings.Join(dlqColumns, ", ")+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (id) DO UPDATE SET
			   error = $5, error_type = $6, retry_count = $7,
			   next_retry_at = $9, last_failed_at = $11`,
			rows[0]...,
		)
		return eris.Wrap(err, "postgres: enqueue dlq")
	default:
		_, err := db.Append(ctx, s.q(ctx), "dead_letter_queue", dlqColumns, rows)
		return eris.Wrap(err, "postgres: enqueue dlq batch")
	}
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + strings.Join(dlqColumns, ", ") + `
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.ObjectID != "" {
		query += fmt.Sprintf(` AND object_id = $%d`, argIdx)
		args = append(args, filter.ObjectID)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq_entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

// helpers

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ph, ", ")
}

func excludedSet(cols []string) string {
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = c + " = EXCLUDED." + c
	}
	return strings.Join(set, ", ")
}
