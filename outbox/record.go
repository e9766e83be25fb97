package outbox

import "time"

// Status is the delivery state of an outbox record.
type Status string

const (
	// StatusPending marks a record waiting for dispatch.
	StatusPending Status = "pending"
	// StatusSent marks a record whose publish was acknowledged.
	StatusSent Status = "sent"
	// StatusFailed marks a record whose delivery attempts are exhausted.
	StatusFailed Status = "failed"
	// StatusCompensated marks a failed record resolved by a compensator.
	StatusCompensated Status = "compensated"
)

// Record is one message staged for publication. It is written in the same
// database transaction as the business writes that caused it.
type Record struct {
	ID         int64
	MessageID  string
	Topic      string
	Payload    []byte
	Options    []byte
	Status     Status
	Error      string
	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
