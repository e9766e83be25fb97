package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hollisho/go-mq-transaction/internal/sqlutil"
	"github.com/hollisho/go-mq-transaction/mqerror"
)

// Dialect selects the SQL flavor the store emits.
type Dialect string

const (
	// Postgres is the default dialect ($n placeholders, TIMESTAMPTZ).
	Postgres Dialect = "postgres"
	// MySQL rebinds placeholders to ? and uses ENUM/DATETIME columns.
	MySQL Dialect = "mysql"
)

// DefaultTable is the outbox table name.
const DefaultTable = "mq_messages"

const (
	insertSQL = `INSERT INTO %s (message_id, topic, data, options, status, error, created_at, updated_at, retry_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	selectPendingSQL = `SELECT id, message_id, topic, data, options, status, error, created_at, updated_at, retry_count
FROM %s
WHERE status = 'pending'
ORDER BY created_at ASC
LIMIT $1`

	selectFailedSQL = `SELECT id, message_id, topic, data, options, status, error, created_at, updated_at, retry_count
FROM %s
WHERE status = 'failed'
ORDER BY updated_at ASC
LIMIT $1`

	markSentSQL = `UPDATE %s SET status = 'sent', updated_at = NOW() WHERE message_id = $1 AND status = 'pending'`

	markFailedSQL = `UPDATE %s SET status = 'failed', error = $1, retry_count = retry_count + 1, updated_at = NOW() WHERE message_id = $2 AND status = 'pending'`

	markCompensatedSQL = `UPDATE %s SET status = 'compensated', updated_at = NOW() WHERE message_id = $1 AND status = 'failed'`

	incrementRetrySQL = `UPDATE %s SET retry_count = retry_count + 1, updated_at = NOW() WHERE message_id = $1 AND status = 'pending'`

	// claimSuffix locks fetched rows until the surrounding transaction
	// ends so concurrent dispatchers skip them.
	claimSuffix = " FOR UPDATE SKIP LOCKED"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// settings are shared by the SQL and pgx store constructors.
type settings struct {
	table   string
	dialect Dialect
	claim   bool
	debug   bool
	lg      zerolog.Logger
}

func defaultSettings() settings {
	return settings{
		table:   DefaultTable,
		dialect: Postgres,
		claim:   true,
		lg:      zerolog.Nop(),
	}
}

// Option configures a store constructor.
type Option func(*settings)

// WithTable overrides the outbox table name.
func WithTable(name string) Option {
	return func(s *settings) { s.table = name }
}

// WithDialect selects the SQL dialect. Default is Postgres; PoolStore
// ignores this and always emits Postgres SQL.
func WithDialect(d Dialect) Option {
	return func(s *settings) { s.dialect = d }
}

// WithLogger attaches a logger for diagnostics.
func WithLogger(lg zerolog.Logger) Option {
	return func(s *settings) { s.lg = lg }
}

// WithDebug enables diagnostic logging of soft failures, such as commit
// or rollback without an open transaction.
func WithDebug() Option {
	return func(s *settings) { s.debug = true }
}

// WithoutClaiming disables FOR UPDATE SKIP LOCKED row claiming on
// FetchPending. Only needed for engines without SKIP LOCKED support;
// delivery then relies on at-least-once semantics alone.
func WithoutClaiming() Option {
	return func(s *settings) { s.claim = false }
}

// queries holds the statements prepared for a table and dialect.
type queries struct {
	insert          string
	selectPending   string
	selectFailed    string
	markSent        string
	markFailed      string
	markCompensated string
	incrementRetry  string
}

func buildQueries(table string, rebind bool) queries {
	build := func(tmpl string) string {
		return sqlutil.Rebind(fmt.Sprintf(tmpl, table), rebind)
	}
	return queries{
		insert:          build(insertSQL),
		selectPending:   build(selectPendingSQL),
		selectFailed:    build(selectFailedSQL),
		markSent:        build(markSentSQL),
		markFailed:      build(markFailedSQL),
		markCompensated: build(markCompensatedSQL),
		incrementRetry:  build(incrementRetrySQL),
	}
}

// SQLStore is a Store over database/sql. One instance owns at most one
// physical transaction at a time; concurrent producers use separate
// instances (the nesting counter is instance-scoped).
type SQLStore struct {
	db *sql.DB
	settings
	queries

	mu    sync.Mutex
	tx    *sql.Tx
	depth int
}

// NewSQLStore builds a SQLStore on db.
func NewSQLStore(db *sql.DB, opts ...Option) *SQLStore {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.lg = cfg.lg.With().Str("component", "outbox_store").Logger()

	return &SQLStore{
		db:       db,
		settings: cfg,
		queries:  buildQueries(cfg.table, cfg.dialect == MySQL),
	}
}

// Begin opens the physical transaction at depth 0 and increments the
// nesting depth otherwise.
func (s *SQLStore) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return mqerror.NewStore("begin transaction", err)
		}
		s.tx = tx
	}
	s.depth++
	return nil
}

// Commit decrements the nesting depth and commits the physical transaction
// when the depth returns to zero. Committing with no open transaction is a
// soft failure: it returns false without error.
func (s *SQLStore) Commit(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		if s.debug {
			s.lg.Warn().Str("op", "commit").Msg("no open transaction")
		}
		return false, nil
	}
	s.depth--
	if s.depth > 0 {
		return true, nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return false, mqerror.NewStore("commit transaction", err)
	}
	return true, nil
}

// Rollback aborts the physical transaction regardless of depth and resets
// the counter. Rolling back with no open transaction is a soft failure.
func (s *SQLStore) Rollback(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		if s.debug {
			s.lg.Warn().Str("op", "rollback").Msg("no open transaction")
		}
		return false, nil
	}
	tx := s.tx
	s.tx = nil
	s.depth = 0
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return false, mqerror.NewStore("rollback transaction", err)
	}
	return true, nil
}

// Save inserts rec as a pending row inside the open transaction.
func (s *SQLStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx == nil {
		return mqerror.NewInvariant("save requires an open transaction")
	}

	now := time.Now().UTC()
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	var options any
	if len(rec.Options) > 0 {
		options = string(rec.Options)
	}
	var errText any
	if rec.Error != "" {
		errText = rec.Error
	}

	_, err := tx.ExecContext(ctx, s.insert,
		rec.MessageID, rec.Topic, string(rec.Payload), options,
		string(rec.Status), errText, rec.CreatedAt, rec.UpdatedAt, rec.RetryCount)
	if err != nil {
		if sqlutil.IsUniqueViolation(err) {
			return mqerror.NewStore("duplicate message_id "+rec.MessageID, err)
		}
		return mqerror.NewStore("insert outbox record", err)
	}
	return nil
}

// FetchPending returns up to limit pending records in created_at order.
// Inside an open transaction with claiming enabled, rows are locked with
// SKIP LOCKED until the transaction ends.
func (s *SQLStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	var run querier = s.db
	inTx := s.tx != nil
	if inTx {
		run = s.tx
	}
	s.mu.Unlock()

	query := s.selectPending
	if s.claim && inTx {
		query += claimSuffix
	}
	return s.fetch(ctx, run, query, limit)
}

// FetchFailed returns up to limit failed records in updated_at order.
func (s *SQLStore) FetchFailed(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.fetch(ctx, s.runner(), s.selectFailed, limit)
}

func (s *SQLStore) fetch(ctx context.Context, run querier, query string, limit int) ([]Record, error) {
	rows, err := run.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, mqerror.NewStore("query outbox records", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			rec     Record
			data    string
			options sql.NullString
			status  string
			errText sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.MessageID, &rec.Topic, &data, &options,
			&status, &errText, &rec.CreatedAt, &rec.UpdatedAt, &rec.RetryCount); err != nil {
			return nil, mqerror.NewStore("scan outbox record", err)
		}
		rec.Payload = []byte(data)
		if options.Valid {
			rec.Options = []byte(options.String)
		}
		rec.Status = Status(status)
		if errText.Valid {
			rec.Error = errText.String
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mqerror.NewStore("iterate outbox records", err)
	}
	return recs, nil
}

// MarkSent transitions a pending row to sent.
func (s *SQLStore) MarkSent(ctx context.Context, messageID string) (bool, error) {
	return s.exec(ctx, "mark sent", s.markSent, messageID)
}

// MarkFailed transitions a pending row to failed, recording the error and
// counting the terminal attempt.
func (s *SQLStore) MarkFailed(ctx context.Context, messageID, errText string) (bool, error) {
	return s.exec(ctx, "mark failed", s.markFailed, errText, messageID)
}

// MarkCompensated transitions a failed row to compensated.
func (s *SQLStore) MarkCompensated(ctx context.Context, messageID string) (bool, error) {
	return s.exec(ctx, "mark compensated", s.markCompensated, messageID)
}

// IncrementRetry bumps the retry counter of a pending row.
func (s *SQLStore) IncrementRetry(ctx context.Context, messageID string) (bool, error) {
	return s.exec(ctx, "increment retry", s.incrementRetry, messageID)
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.runner().ExecContext(ctx, query, args...)
	if err != nil {
		return false, mqerror.NewStore(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mqerror.NewStore(op, err)
	}
	return n > 0, nil
}

// runner picks the open transaction when there is one so mark and fetch
// operations join an in-flight claim.
func (s *SQLStore) runner() querier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Tx returns the open physical transaction, or nil outside one. Business
// writes issued on it commit and roll back together with the staged
// messages.
func (s *SQLStore) Tx() *sql.Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

// CreateSchema creates the outbox table if missing.
func (s *SQLStore) CreateSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.table, s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return mqerror.NewStore("create outbox schema", err)
		}
	}
	return nil
}

func schemaStatements(table string, dialect Dialect) []string {
	if dialect == MySQL {
		return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    message_id VARCHAR(64) NOT NULL UNIQUE,
    topic VARCHAR(255) NOT NULL,
    data TEXT NOT NULL,
    options TEXT NULL,
    status ENUM('pending','sent','failed','compensated') NOT NULL DEFAULT 'pending',
    error TEXT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    retry_count INT NOT NULL DEFAULT 0,
    INDEX idx_%s_status_created (status, created_at)
)`, table, table)}
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    message_id VARCHAR(64) NOT NULL UNIQUE,
    topic VARCHAR(255) NOT NULL,
    data TEXT NOT NULL,
    options TEXT,
    status VARCHAR(20) NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','sent','failed','compensated')),
    error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    retry_count INTEGER NOT NULL DEFAULT 0
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status_created ON %s (status, created_at)`, table, table),
	}
}
