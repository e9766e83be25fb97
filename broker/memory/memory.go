// Package memory is an in-process broker for tests and local development.
// It delivers published messages to any active Consume loop on the topic
// and records every publish for assertions.
package memory

import (
	"context"
	"sync"

	"github.com/hollisho/go-mq-transaction/broker"
	"github.com/hollisho/go-mq-transaction/mqerror"
)

// Published is one recorded publish.
type Published struct {
	Topic     string
	Payload   []byte
	MessageID string
	Options   broker.Options
}

type delivery struct {
	env broker.Envelope
}

// Broker is the in-process adapter. Nack with requeue puts the message back
// on its topic queue; nack without requeue drops it.
type Broker struct {
	mu        sync.Mutex
	queues    map[string][]broker.Envelope
	published []Published
	wake      chan struct{}
	closed    bool

	closeOnce sync.Once
	done      chan struct{}
}

// New builds an empty in-process broker.
func New() *Broker {
	return &Broker{
		queues: make(map[string][]broker.Envelope),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send enqueues the message on topic.
func (b *Broker) Send(ctx context.Context, topic string, payload []byte, messageID string, opts broker.Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return mqerror.NewBroker("broker is closed", nil)
	}

	b.published = append(b.published, Published{
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		MessageID: messageID,
		Options:   opts,
	})
	b.queues[topic] = append(b.queues[topic], broker.Envelope{
		MessageID: messageID,
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
	})
	b.signal()
	return nil
}

// Consume drains the given topics, invoking fn per message, until the
// context is cancelled or the broker is closed. The handler's bool acks or
// requeues the message.
func (b *Broker) Consume(ctx context.Context, topics []string, fn broker.Handler) error {
	for {
		env, ok := b.next(topics)
		if ok {
			env.Raw = &delivery{env: env}
			if !fn(ctx, env) {
				_ = b.Nack(env.Raw, true)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case <-b.wake:
		}
	}
}

func (b *Broker) next(topics []string) (broker.Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		q := b.queues[topic]
		if len(q) == 0 {
			continue
		}
		env := q[0]
		b.queues[topic] = q[1:]
		return env, true
	}
	return broker.Envelope{}, false
}

// Ack is a no-op; a consumed message is already off its queue.
func (b *Broker) Ack(raw any) error {
	if _, ok := raw.(*delivery); !ok {
		return mqerror.NewBroker("foreign delivery handle", nil)
	}
	return nil
}

// Nack requeues the message at the back of its topic queue when requeue is
// true and drops it otherwise.
func (b *Broker) Nack(raw any, requeue bool) error {
	d, ok := raw.(*delivery)
	if !ok {
		return mqerror.NewBroker("foreign delivery handle", nil)
	}
	if !requeue {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.queues[d.env.Topic] = append(b.queues[d.env.Topic], d.env)
	b.signal()
	return nil
}

// Close releases active Consume loops. It is idempotent.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)
	})
	return nil
}

func (b *Broker) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Published returns copies of every publish recorded so far.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Depth reports how many messages wait on topic.
func (b *Broker) Depth(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[topic])
}
