// Package outbox persists messages staged for publication and owns the
// logical transaction shared with the caller's business writes. Records move
// pending → sent or pending → failed under the dispatcher, and failed →
// compensated under the compensation scanner.
package outbox

import "context"

// Store is the outbox contract.
//
// Begin, Commit and Rollback manage nested logical transactions over a
// single physical database transaction: the physical transaction opens when
// the nesting depth goes 0→1 and commits when it returns 1→0. Rollback at
// any depth aborts the physical transaction and resets the depth. Commit and
// Rollback report false, with no error, when no transaction is open.
type Store interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) (bool, error)
	Rollback(ctx context.Context) (bool, error)

	// Save persists a record as pending. It requires an open transaction
	// and fails on duplicate message ids.
	Save(ctx context.Context, rec *Record) error

	// FetchPending returns up to limit pending records, oldest created_at
	// first. FetchFailed is the same shape over failed records, oldest
	// updated_at first.
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	FetchFailed(ctx context.Context, limit int) ([]Record, error)

	// Mark transitions and the retry counter. All return false without
	// error when no row matches, either because the id is absent or
	// because the row is not in a state the transition is legal from.
	MarkSent(ctx context.Context, messageID string) (bool, error)
	MarkFailed(ctx context.Context, messageID, errText string) (bool, error)
	MarkCompensated(ctx context.Context, messageID string) (bool, error)
	IncrementRetry(ctx context.Context, messageID string) (bool, error)

	// CreateSchema creates the backing table if it does not exist.
	CreateSchema(ctx context.Context) error
}
