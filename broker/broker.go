// Package broker defines the adapter surface the coordinator uses to talk
// to a concrete message broker. Adapters live in the subpackages rabbitmq,
// kafka and memory; the core never depends on broker-specific types.
package broker

import "context"

// Options carries per-message hints for the adapter: content type, headers,
// priority, expiration, partition key. Unknown keys are ignored, so options
// written for one adapter pass harmlessly through another.
type Options map[string]any

// Envelope is one incoming delivery. Raw is the adapter-owned handle for
// the delivery; only the adapter that produced it may interpret it.
type Envelope struct {
	MessageID string
	Topic     string
	Payload   []byte
	Raw       any
}

// Handler consumes one delivery. Returning true acks the message, false
// nacks it for redelivery or dead-lettering, depending on the adapter.
type Handler func(ctx context.Context, env Envelope) bool

// Broker is the capability set the dispatcher and consumer depend on.
//
// Send is a best-effort synchronous publish: an error means the broker
// refused the message or the round-trip timed out, and the caller should
// treat the publish as not having happened. A timed-out publish may still
// have landed; delivery is at-least-once. Send must be safe for
// concurrent use.
//
// Consume blocks, invoking fn for every delivery on the given topics,
// until the context is cancelled or the adapter is closed.
type Broker interface {
	Send(ctx context.Context, topic string, payload []byte, messageID string, opts Options) error
	Consume(ctx context.Context, topics []string, fn Handler) error
	Ack(raw any) error
	Nack(raw any, requeue bool) error
	Close() error
}
