// Package dispatcher drains pending outbox rows into the broker with
// bounded retries. Delivery is at-least-once: a message can be published
// again if recording the sent state fails, or when two dispatcher
// instances race on the same row without claiming; the consumer-side
// ledger deduplicates.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/hollisho/go-mq-transaction/broker"
	"github.com/hollisho/go-mq-transaction/metrics"
	"github.com/hollisho/go-mq-transaction/outbox"
)

// MaxRetryError is the terminal failure text recorded on an exhausted row.
const MaxRetryError = "max retry exceeded"

// Defaults.
const (
	DefaultBatchSize    = 100
	DefaultMaxRetry     = 5
	DefaultPollInterval = 5 * time.Second
)

// Config tunes one dispatcher.
type Config struct {
	// BatchSize bounds how many rows one DispatchOnce drains.
	BatchSize int
	// MaxRetry bounds send attempts per message before it goes failed.
	MaxRetry int
	// PollInterval is the sleep between Run iterations.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Dispatcher drains one outbox into one broker.
type Dispatcher struct {
	store  outbox.Store
	broker broker.Broker
	cfg    Config
	lg     zerolog.Logger
}

// New builds a Dispatcher. Zero config fields take the defaults.
func New(store outbox.Store, b broker.Broker, cfg Config, lg zerolog.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		store:  store,
		broker: b,
		cfg:    cfg,
		lg:     lg.With().Str("component", "dispatcher").Logger(),
	}
}

// DispatchOnce drains up to BatchSize pending rows in created_at order and
// returns how many were sent. The batch runs inside a store transaction so
// fetched rows stay claimed until the batch ends; a single record's
// failure never aborts the rest.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if err := d.store.Begin(ctx); err != nil {
		return 0, err
	}

	recs, err := d.store.FetchPending(ctx, d.cfg.BatchSize)
	if err != nil {
		_, _ = d.store.Rollback(ctx)
		return 0, err
	}
	if len(recs) == 0 {
		// nothing to claim; don't touch the broker
		_, _ = d.store.Commit(ctx)
		return 0, nil
	}

	sent := 0
	for i := range recs {
		if ctx.Err() != nil {
			break
		}
		if d.dispatch(ctx, &recs[i]) {
			sent++
		}
	}

	if _, err := d.store.Commit(ctx); err != nil {
		return sent, err
	}
	return sent, nil
}

// dispatch publishes one record and advances its state. It reports whether
// the record was sent.
func (d *Dispatcher) dispatch(ctx context.Context, rec *outbox.Record) bool {
	lg := d.lg.With().Str("message_id", rec.MessageID).Str("topic", rec.Topic).Logger()

	opts := decodeOptions(rec.Options, lg)

	start := time.Now()
	sendErr := d.broker.Send(ctx, rec.Topic, rec.Payload, rec.MessageID, opts)
	took := time.Since(start)

	if sendErr == nil {
		metrics.RecordDispatched(rec.Topic, metrics.ResultSent, took)
		if ok, err := d.store.MarkSent(ctx, rec.MessageID); err != nil {
			// the publish happened; at-least-once lets the row be
			// retried and deduplicated downstream
			lg.Error().Err(err).Msg("mark sent failed after publish")
		} else if !ok {
			lg.Warn().Msg("row no longer pending; possible concurrent dispatcher")
		}
		lg.Debug().Dur("took", took).Msg("message sent")
		return true
	}

	if rec.RetryCount+1 >= d.cfg.MaxRetry {
		metrics.RecordDispatched(rec.Topic, metrics.ResultFailed, took)
		lg.Warn().Err(sendErr).Int("retry_count", rec.RetryCount).Msg("retries exhausted; marking failed")
		if _, err := d.store.MarkFailed(ctx, rec.MessageID, MaxRetryError); err != nil {
			lg.Error().Err(err).Msg("mark failed failed")
		}
		return false
	}

	metrics.RecordDispatched(rec.Topic, metrics.ResultRetry, took)
	lg.Warn().Err(sendErr).Int("retry_count", rec.RetryCount).Msg("send failed; will retry")
	if _, err := d.store.IncrementRetry(ctx, rec.MessageID); err != nil {
		lg.Error().Err(err).Msg("increment retry failed")
	}
	return false
}

// decodeOptions re-hydrates the JSON options column. A corrupt column is
// logged and the message is sent without options rather than stuck.
func decodeOptions(raw []byte, lg zerolog.Logger) broker.Options {
	if len(raw) == 0 {
		return nil
	}
	var opts broker.Options
	if err := json.Unmarshal(raw, &opts); err != nil {
		lg.Warn().Err(err).Msg("undecodable options; sending without")
		return nil
	}
	return opts
}

// Run loops DispatchOnce every PollInterval until ctx is cancelled or, when
// maxIterations is positive, that many iterations have run. Store errors
// are logged and the loop continues; cancellation lands at the sleep
// boundary.
func (d *Dispatcher) Run(ctx context.Context, maxIterations int) error {
	for i := 0; maxIterations <= 0 || i < maxIterations; i++ {
		sent, err := d.DispatchOnce(ctx)
		if err != nil {
			d.lg.Error().Err(err).Msg("dispatch failed")
		} else if sent > 0 {
			d.lg.Info().Int("sent", sent).Msg("dispatched batch")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
	return nil
}
