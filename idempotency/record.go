package idempotency

import "time"

// Status is the consumption state of a ledger record.
type Status string

const (
	// StatusProcessing marks a message a consumer has picked up.
	StatusProcessing Status = "processing"
	// StatusProcessed marks a message whose handler succeeded; duplicates
	// of it are acked without another handler invocation.
	StatusProcessed Status = "processed"
	// StatusFailed marks a message whose handler returned false or
	// panicked.
	StatusFailed Status = "failed"
	// StatusCompensated marks a failed message resolved by a compensator.
	StatusCompensated Status = "compensated"
)

// Record is one consumption ledger entry, keyed by message id.
type Record struct {
	ID        int64
	MessageID string
	Topic     string
	Payload   []byte
	Status    Status
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
