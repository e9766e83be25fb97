// Package idempotency persists the consumer-side ledger of message ids and
// answers whether a delivery has already been applied. A message counts as
// delivered only once its record reaches processed; records move processing
// → processed or processing → failed under the consumer, and failed →
// compensated under the compensation scanner.
package idempotency

import "context"

// Store is the consumption ledger contract.
//
// MarkProcessing is the only write that may create a row; the other marks
// transition existing rows and return false, without error, when no row is
// in a state the transition is legal from.
type Store interface {
	// IsProcessed reports whether the handler for messageID already
	// succeeded. Only status processed counts; processing and failed
	// rows are not "already delivered".
	IsProcessed(ctx context.Context, messageID string) (bool, error)

	// MarkProcessing upserts the row to processing before the handler
	// runs, recording topic and payload for later compensation.
	MarkProcessing(ctx context.Context, messageID, topic string, payload []byte) error

	MarkProcessed(ctx context.Context, messageID string) (bool, error)
	MarkFailed(ctx context.Context, messageID, errText string) (bool, error)
	MarkCompensated(ctx context.Context, messageID string) (bool, error)

	// FetchFailed returns up to limit failed records, oldest updated_at
	// first.
	FetchFailed(ctx context.Context, limit int) ([]Record, error)

	// CreateSchema creates the backing table if it does not exist.
	CreateSchema(ctx context.Context) error
}
