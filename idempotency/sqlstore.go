package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hollisho/go-mq-transaction/internal/sqlutil"
	"github.com/hollisho/go-mq-transaction/mqerror"
)

// Dialect selects the SQL flavor the store emits.
type Dialect string

const (
	// Postgres is the default dialect.
	Postgres Dialect = "postgres"
	// MySQL rebinds placeholders to ? and uses ENUM/DATETIME columns.
	MySQL Dialect = "mysql"
)

// DefaultTable is the consumption ledger table name.
const DefaultTable = "mq_consumption_records"

const (
	upsertProcessingPG = `INSERT INTO %s (message_id, topic, data, status, error, created_at, updated_at)
VALUES ($1, $2, $3, 'processing', NULL, $4, $5)
ON CONFLICT (message_id) DO UPDATE SET status = 'processing', topic = EXCLUDED.topic, data = EXCLUDED.data, error = NULL, updated_at = EXCLUDED.updated_at`

	upsertProcessingMySQL = `INSERT INTO %s (message_id, topic, data, status, error, created_at, updated_at)
VALUES ($1, $2, $3, 'processing', NULL, $4, $5)
ON DUPLICATE KEY UPDATE status = 'processing', topic = VALUES(topic), data = VALUES(data), error = NULL, updated_at = VALUES(updated_at)`

	selectProcessedSQL = `SELECT 1 FROM %s WHERE message_id = $1 AND status = 'processed'`

	selectFailedSQL = `SELECT id, message_id, topic, data, status, error, created_at, updated_at
FROM %s
WHERE status = 'failed'
ORDER BY updated_at ASC
LIMIT $1`

	// markProcessed also matches rows already processed so that a second
	// call remains a successful no-op.
	markProcessedSQL = `UPDATE %s SET status = 'processed', updated_at = NOW() WHERE message_id = $1 AND status IN ('processing', 'processed')`

	markFailedSQL = `UPDATE %s SET status = 'failed', error = $1, updated_at = NOW() WHERE message_id = $2 AND status = 'processing'`

	markCompensatedSQL = `UPDATE %s SET status = 'compensated', updated_at = NOW() WHERE message_id = $1 AND status = 'failed'`
)

// settings are shared by the store constructors.
type settings struct {
	table   string
	dialect Dialect
	lg      zerolog.Logger
}

func defaultSettings() settings {
	return settings{
		table:   DefaultTable,
		dialect: Postgres,
		lg:      zerolog.Nop(),
	}
}

// Option configures a store constructor.
type Option func(*settings)

// WithTable overrides the ledger table name.
func WithTable(name string) Option {
	return func(s *settings) { s.table = name }
}

// WithDialect selects the SQL dialect. Default is Postgres.
func WithDialect(d Dialect) Option {
	return func(s *settings) { s.dialect = d }
}

// WithLogger attaches a logger for diagnostics.
func WithLogger(lg zerolog.Logger) Option {
	return func(s *settings) { s.lg = lg }
}

// SQLStore is a Store over database/sql. Unlike the outbox store it has no
// transactional surface: every mark is a single self-contained statement.
type SQLStore struct {
	db *sql.DB
	settings

	upsertProcessing string
	selectProcessed  string
	selectFailed     string
	markProcessed    string
	markFailed       string
	markCompensated  string
}

// NewSQLStore builds a SQLStore on db.
func NewSQLStore(db *sql.DB, opts ...Option) *SQLStore {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.lg = cfg.lg.With().Str("component", "idempotency_store").Logger()

	rebind := cfg.dialect == MySQL
	build := func(tmpl string) string {
		return sqlutil.Rebind(fmt.Sprintf(tmpl, cfg.table), rebind)
	}
	upsert := upsertProcessingPG
	if cfg.dialect == MySQL {
		upsert = upsertProcessingMySQL
	}

	return &SQLStore{
		db:               db,
		settings:         cfg,
		upsertProcessing: build(upsert),
		selectProcessed:  build(selectProcessedSQL),
		selectFailed:     build(selectFailedSQL),
		markProcessed:    build(markProcessedSQL),
		markFailed:       build(markFailedSQL),
		markCompensated:  build(markCompensatedSQL),
	}
}

// IsProcessed reports whether messageID has a processed ledger row.
func (s *SQLStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.selectProcessed, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, mqerror.NewStore("query consumption record", err)
	}
	return true, nil
}

// MarkProcessing upserts a processing row for messageID.
func (s *SQLStore) MarkProcessing(ctx context.Context, messageID, topic string, payload []byte) error {
	var topicArg any
	if topic != "" {
		topicArg = topic
	}
	var dataArg any
	if len(payload) > 0 {
		dataArg = string(payload)
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, s.upsertProcessing, messageID, topicArg, dataArg, now, now); err != nil {
		return mqerror.NewStore("mark processing", err)
	}
	return nil
}

// MarkProcessed transitions a processing row to processed. It is idempotent:
// a row already processed counts as a successful transition.
func (s *SQLStore) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	return s.exec(ctx, "mark processed", s.markProcessed, messageID)
}

// MarkFailed transitions a processing row to failed, recording the error.
func (s *SQLStore) MarkFailed(ctx context.Context, messageID, errText string) (bool, error) {
	return s.exec(ctx, "mark failed", s.markFailed, errText, messageID)
}

// MarkCompensated transitions a failed row to compensated.
func (s *SQLStore) MarkCompensated(ctx context.Context, messageID string) (bool, error) {
	return s.exec(ctx, "mark compensated", s.markCompensated, messageID)
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, mqerror.NewStore(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mqerror.NewStore(op, err)
	}
	return n > 0, nil
}

// FetchFailed returns up to limit failed records in updated_at order.
func (s *SQLStore) FetchFailed(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.selectFailed, limit)
	if err != nil {
		return nil, mqerror.NewStore("query consumption records", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			rec     Record
			topic   sql.NullString
			data    sql.NullString
			status  string
			errText sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.MessageID, &topic, &data,
			&status, &errText, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, mqerror.NewStore("scan consumption record", err)
		}
		if topic.Valid {
			rec.Topic = topic.String
		}
		if data.Valid {
			rec.Payload = []byte(data.String)
		}
		rec.Status = Status(status)
		if errText.Valid {
			rec.Error = errText.String
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mqerror.NewStore("iterate consumption records", err)
	}
	return recs, nil
}

// CreateSchema creates the ledger table if missing.
func (s *SQLStore) CreateSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.table, s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return mqerror.NewStore("create consumption schema", err)
		}
	}
	return nil
}

func schemaStatements(table string, dialect Dialect) []string {
	if dialect == MySQL {
		return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    message_id VARCHAR(64) NOT NULL UNIQUE,
    topic VARCHAR(255) NULL,
    data TEXT NULL,
    status ENUM('processing','processed','failed','compensated') NOT NULL DEFAULT 'processing',
    error TEXT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    INDEX idx_%s_status_updated (status, updated_at)
)`, table, table)}
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    message_id VARCHAR(64) NOT NULL UNIQUE,
    topic VARCHAR(255),
    data TEXT,
    status VARCHAR(20) NOT NULL DEFAULT 'processing' CHECK (status IN ('processing','processed','failed','compensated')),
    error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status_updated ON %s (status, updated_at)`, table, table),
	}
}
