package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hollisho/go-mq-transaction/internal/sqlutil"
	"github.com/hollisho/go-mq-transaction/mqerror"
)

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PoolStore is a Store over a pgx connection pool. Semantics match
// SQLStore; the dialect is always Postgres.
type PoolStore struct {
	pool *pgxpool.Pool
	settings
	queries

	mu    sync.Mutex
	tx    pgx.Tx
	depth int
}

// NewPoolStore builds a PoolStore on pool.
func NewPoolStore(pool *pgxpool.Pool, opts ...Option) *PoolStore {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.dialect = Postgres
	cfg.lg = cfg.lg.With().Str("component", "outbox_store").Logger()

	return &PoolStore{
		pool:     pool,
		settings: cfg,
		queries:  buildQueries(cfg.table, false),
	}
}

func (s *PoolStore) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return mqerror.NewStore("begin transaction", err)
		}
		s.tx = tx
	}
	s.depth++
	return nil
}

func (s *PoolStore) Commit(ctx context.Context) (bool, error) {
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
	if err := tx.Commit(ctx); err != nil {
		return false, mqerror.NewStore("commit transaction", err)
	}
	return true, nil
}

func (s *PoolStore) Rollback(ctx context.Context) (bool, error) {
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
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return false, mqerror.NewStore("rollback transaction", err)
	}
	return true, nil
}

func (s *PoolStore) Save(ctx context.Context, rec *Record) error {
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

	_, err := tx.Exec(ctx, s.insert,
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

func (s *PoolStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	var run pgxQuerier = s.pool
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

func (s *PoolStore) FetchFailed(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.fetch(ctx, s.runner(), s.selectFailed, limit)
}

func (s *PoolStore) fetch(ctx context.Context, run pgxQuerier, query string, limit int) ([]Record, error) {
	rows, err := run.Query(ctx, query, limit)
	if err != nil {
		return nil, mqerror.NewStore("query outbox records", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			rec     Record
			data    string
			options *string
			status  string
			errText *string
		)
		if err := rows.Scan(&rec.ID, &rec.MessageID, &rec.Topic, &data, &options,
			&status, &errText, &rec.CreatedAt, &rec.UpdatedAt, &rec.RetryCount); err != nil {
			return nil, mqerror.NewStore("scan outbox record", err)
		}
		rec.Payload = []byte(data)
		if options != nil {
			rec.Options = []byte(*options)
		}
		rec.Status = Status(status)
		if errText != nil {
			rec.Error = *errText
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mqerror.NewStore("iterate outbox records", err)
	}
	return recs, nil
}

func (s *PoolStore) MarkSent(ctx context.Context, messageID string) (bool, error) {
	return s.exec(ctx, "mark sent", s.markSent, messageID)
}

func (s *PoolStore) MarkFailed(ctx context.Context, messageID, errText string) (bool, error) {
	return s.exec(ctx, "mark failed", s.markFailed, errText, messageID)
}

func (s *PoolStore) MarkCompensated(ctx context.Context, messageID string) (bool, error) {
	return s.exec(ctx, "mark compensated", s.markCompensated, messageID)
}

func (s *PoolStore) IncrementRetry(ctx context.Context, messageID string) (bool, error) {
	return s.exec(ctx, "increment retry", s.incrementRetry, messageID)
}

func (s *PoolStore) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	tag, err := s.runner().Exec(ctx, query, args...)
	if err != nil {
		return false, mqerror.NewStore(op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PoolStore) runner() pgxQuerier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.pool
}

func (s *PoolStore) CreateSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.table, Postgres) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return mqerror.NewStore("create outbox schema", err)
		}
	}
	return nil
}
