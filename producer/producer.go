// Package producer stages messages inside the caller's database transaction
// so business writes and their outbound messages commit or roll back as one
// unit. Messages become pending outbox rows on commit; the dispatcher
// publishes them later.
package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hollisho/go-mq-transaction/broker"
	"github.com/hollisho/go-mq-transaction/metrics"
	"github.com/hollisho/go-mq-transaction/mqerror"
	"github.com/hollisho/go-mq-transaction/outbox"
)

// Sentinel invariant violations. Both are programmer errors: the producer
// state machine is idle → in-transaction → idle, nothing else.
var (
	ErrAlreadyInTransaction = mqerror.NewInvariant("producer: already in transaction")
	ErrNotInTransaction     = mqerror.NewInvariant("producer: not in transaction")
)

// Option configures a Producer.
type Option func(*Producer)

// WithLogger attaches a logger.
func WithLogger(lg zerolog.Logger) Option {
	return func(p *Producer) { p.lg = lg }
}

// Producer is the transactional message producer. One producer serves one
// unit of work at a time; it is not safe for concurrent use, and its store
// must not be shared with another in-flight producer (the transaction
// counter is instance-scoped).
type Producer struct {
	store  outbox.Store
	lg     zerolog.Logger
	inTxn  bool
	staged []outbox.Record
}

// New builds a Producer over store.
func New(store outbox.Store, opts ...Option) *Producer {
	p := &Producer{
		store: store,
		lg:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lg = p.lg.With().Str("component", "producer").Logger()
	return p
}

// Begin opens the outbox transaction and clears the staged list. The
// caller's business writes on the same store connection now share the
// transaction with the staged messages.
func (p *Producer) Begin(ctx context.Context) error {
	if p.inTxn {
		return ErrAlreadyInTransaction
	}
	if err := p.store.Begin(ctx); err != nil {
		return err
	}
	p.inTxn = true
	p.staged = p.staged[:0]
	return nil
}

// Prepare stages a message for topic and returns its freshly generated
// message id. Nothing is persisted until Commit.
func (p *Producer) Prepare(ctx context.Context, topic string, payload []byte, opts broker.Options) (string, error) {
	if !p.inTxn {
		return "", ErrNotInTransaction
	}

	var optBytes []byte
	if len(opts) > 0 {
		b, err := json.Marshal(opts)
		if err != nil {
			return "", mqerror.NewInvariant("producer: options are not serializable: " + err.Error())
		}
		optBytes = b
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	p.staged = append(p.staged, outbox.Record{
		MessageID: id,
		Topic:     topic,
		Payload:   payload,
		Options:   optBytes,
		Status:    outbox.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})

	p.lg.Debug().Str("message_id", id).Str("topic", topic).Msg("message staged")
	return id, nil
}

// Commit persists every staged message and commits the transaction. After
// a successful return all staged messages are durably pending in the
// outbox together with the caller's business writes; on any failure the
// whole transaction is rolled back and nothing is durable.
func (p *Producer) Commit(ctx context.Context) error {
	if !p.inTxn {
		return ErrNotInTransaction
	}

	for i := range p.staged {
		rec := &p.staged[i]
		if err := p.store.Save(ctx, rec); err != nil {
			p.lg.Error().Err(err).Str("message_id", rec.MessageID).Msg("save failed; rolling back")
			_ = p.rollback(ctx)
			return mqerror.NewStore("producer: save staged message "+rec.MessageID, err)
		}
	}

	if _, err := p.store.Commit(ctx); err != nil {
		_ = p.rollback(ctx)
		return err
	}

	for i := range p.staged {
		metrics.RecordStaged(p.staged[i].Topic)
	}
	p.inTxn = false
	p.staged = nil
	return nil
}

// Rollback aborts the transaction and discards the staged list. It is
// unconditional and idempotent: calling it when no transaction is open,
// or again after a failed Commit already rolled back, is a no-op.
func (p *Producer) Rollback(ctx context.Context) error {
	if !p.inTxn {
		return nil
	}
	return p.rollback(ctx)
}

func (p *Producer) rollback(ctx context.Context) error {
	p.inTxn = false
	p.staged = nil
	_, err := p.store.Rollback(ctx)
	return err
}

// Staged reports how many messages wait for Commit.
func (p *Producer) Staged() int {
	return len(p.staged)
}
