// Package rabbitmq adapts an AMQP topic broker to the broker.Broker
// surface. Publishes run in confirm mode with mandatory routing so an
// unroutable or unconfirmed message surfaces as a send failure; consumption
// declares a durable queue bound per topic and fans deliveries out to a
// bounded worker pool, re-dialing with backoff until closed.
package rabbitmq

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/hollisho/go-mq-transaction/broker"
	"github.com/hollisho/go-mq-transaction/internal/workerpool"
	"github.com/hollisho/go-mq-transaction/mqerror"
)

// Defaults.
const (
	DefaultExchange    = "mq.messages"
	DefaultQueue       = "mq.consume"
	DefaultPrefetch    = 10
	DefaultSendTimeout = 5 * time.Second
	DefaultWorkers     = 4

	// returnGrace is how long a confirm waits for a racing Return frame;
	// with mandatory publishing the Return usually arrives first, but the
	// two frames are not ordered.
	returnGrace = 50 * time.Millisecond

	reconnectBase = 1 * time.Second
	reconnectMax  = 30 * time.Second
)

// Config holds the adapter settings.
type Config struct {
	// URL is the amqp:// dial string.
	URL string
	// Exchange is the durable topic exchange publishes go to and the
	// consume queue binds on.
	Exchange string
	// Queue is the durable queue Consume declares.
	Queue string
	// Prefetch bounds unacked deliveries per consumer channel.
	Prefetch int
	// SendTimeout bounds one publish round-trip including the confirm.
	SendTimeout time.Duration
	// Workers sizes the consumer fan-out pool.
	Workers int
	// DeadLetterExchange, when set, is declared and attached to the
	// consume queue so dropped messages land somewhere inspectable.
	DeadLetterExchange string
}

func (c *Config) applyDefaults() {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
}

// Broker is the AMQP adapter. Send is safe for concurrent use; Consume is
// meant to run on one goroutine per adapter instance.
type Broker struct {
	cfg Config
	lg  zerolog.Logger

	pubMu     sync.Mutex
	pubConn   *amqp.Connection
	pubCh     *amqp.Channel
	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return

	closeOnce sync.Once
	done      chan struct{}
}

// New builds the adapter. The connection is dialed lazily on first use.
func New(cfg Config, lg zerolog.Logger) *Broker {
	cfg.applyDefaults()
	return &Broker{
		cfg:  cfg,
		lg:   lg.With().Str("component", "rabbitmq_broker").Logger(),
		done: make(chan struct{}),
	}
}

// Send publishes payload to topic and waits for the broker's confirm. Any
// refusal, unroutable return or timeout is an error; the caller's retry
// counter absorbs it.
func (b *Broker) Send(ctx context.Context, topic string, payload []byte, messageID string, opts broker.Options) error {
	select {
	case <-b.done:
		return mqerror.NewBroker("broker is closed", nil)
	default:
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.SendTimeout)
		defer cancel()
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if err := b.ensurePublisher(); err != nil {
		return mqerror.NewBroker("connect publisher", err)
	}

	// Drain confirms and returns left over from a previous publish so
	// this one only sees its own frames. A closed notify channel means
	// the AMQP channel died underneath us; rebuild once and re-drain.
	if !drainStale(b.confirmCh, b.returnCh) {
		b.resetPublisher()
		if err := b.ensurePublisher(); err != nil {
			return mqerror.NewBroker("reconnect publisher", err)
		}
		drainStale(b.confirmCh, b.returnCh)
	}

	err := b.pubCh.PublishWithContext(ctx, b.cfg.Exchange, topic,
		true,  // mandatory
		false, // immediate
		publishing(payload, messageID, opts))
	if err != nil {
		b.resetPublisher()
		return mqerror.NewBroker("publish", err)
	}

	select {
	case ret, ok := <-b.returnCh:
		if !ok {
			b.resetPublisher()
			return mqerror.NewBroker("channel closed during publish: topic="+topic, nil)
		}
		return mqerror.NewBroker(
			fmt.Sprintf("unroutable: topic=%s code=%d text=%s", topic, ret.ReplyCode, ret.ReplyText), nil)

	case conf, ok := <-b.confirmCh:
		if !ok {
			b.resetPublisher()
			return mqerror.NewBroker("channel closed during publish: topic="+topic, nil)
		}
		// The Return for a mandatory publish is not ordered against the
		// confirm; give it a short grace window.
		select {
		case ret, ok := <-b.returnCh:
			if ok {
				return mqerror.NewBroker(
					fmt.Sprintf("unroutable: topic=%s code=%d text=%s", topic, ret.ReplyCode, ret.ReplyText), nil)
			}
		case <-time.After(returnGrace):
		}
		if !conf.Ack {
			return mqerror.NewBroker(fmt.Sprintf("nacked by broker: topic=%s", topic), nil)
		}
		return nil

	case <-ctx.Done():
		// A timed-out publish may still land; at-least-once covers it.
		b.resetPublisher()
		return mqerror.NewBroker("publish timeout: topic="+topic, ctx.Err())
	}
}

func (b *Broker) ensurePublisher() error {
	// A channel can die while its connection stays up (channel-level
	// protocol errors), so both are checked.
	if b.pubConn != nil && !b.pubConn.IsClosed() && b.pubCh != nil && !b.pubCh.IsClosed() {
		return nil
	}
	b.resetPublisher()

	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("exchange declare: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("confirm mode: %w", err)
	}

	b.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	b.returnCh = ch.NotifyReturn(make(chan amqp.Return, 1))
	b.pubConn = conn
	b.pubCh = ch
	return nil
}

func (b *Broker) resetPublisher() {
	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
	if b.pubConn != nil {
		_ = b.pubConn.Close()
		b.pubConn = nil
	}
}

// Consume binds topics to the configured queue and invokes fn per delivery
// on the worker pool; fn's bool acks or nacks. The loop re-dials with
// exponential backoff after connection loss and returns once ctx is
// cancelled or the adapter is closed.
func (b *Broker) Consume(ctx context.Context, topics []string, fn broker.Handler) error {
	if len(topics) == 0 {
		return mqerror.NewInvariant("consume requires at least one topic")
	}

	pool := workerpool.New(b.cfg.Workers)
	defer pool.Stop()

	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		default:
		}

		conn, ch, deliveries, err := b.subscribe(topics)
		if err != nil {
			b.lg.Error().Err(err).Dur("backoff", backoff).Msg("subscribe failed; retrying")
			if !sleepOrDone(ctx, b.done, jitter(backoff)) {
				return nil
			}
			backoff = minDur(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectBase

		b.lg.Info().
			Str("exchange", b.cfg.Exchange).
			Str("queue", b.cfg.Queue).
			Strs("topics", topics).
			Int("prefetch", b.cfg.Prefetch).
			Msg("consumer ready")

		b.deliveryLoop(ctx, deliveries, pool, fn)
		_ = ch.Close()
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		default:
		}
		b.lg.Warn().Dur("backoff", backoff).Msg("deliveries closed; reconnecting")
		if !sleepOrDone(ctx, b.done, jitter(backoff)) {
			return nil
		}
		backoff = minDur(backoff*2, reconnectMax)
	}
}

func (b *Broker) subscribe(topics []string) (*amqp.Connection, *amqp.Channel, <-chan amqp.Delivery, error) {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("channel: %w", err)
	}

	closeAll := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	if err := ch.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		closeAll()
		return nil, nil, nil, fmt.Errorf("exchange declare: %w", err)
	}

	var args amqp.Table
	if b.cfg.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(b.cfg.DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("dlx declare: %w", err)
		}
		args = amqp.Table{"x-dead-letter-exchange": b.cfg.DeadLetterExchange}
	}
	if _, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, args); err != nil {
		closeAll()
		return nil, nil, nil, fmt.Errorf("queue declare: %w", err)
	}
	for _, topic := range topics {
		if err := ch.QueueBind(b.cfg.Queue, topic, b.cfg.Exchange, false, nil); err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("queue bind (%s): %w", topic, err)
		}
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		closeAll()
		return nil, nil, nil, fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.Consume(b.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		closeAll()
		return nil, nil, nil, fmt.Errorf("consume: %w", err)
	}
	return conn, ch, deliveries, nil
}

func (b *Broker) deliveryLoop(ctx context.Context, deliveries <-chan amqp.Delivery, pool *workerpool.Pool, fn broker.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			pool.Submit(func() { b.handle(ctx, d, fn) })
		}
	}
}

func (b *Broker) handle(ctx context.Context, d amqp.Delivery, fn broker.Handler) {
	env := broker.Envelope{
		MessageID: d.MessageId,
		Topic:     d.RoutingKey,
		Payload:   d.Body,
		Raw:       d,
	}
	if fn(ctx, env) {
		if err := d.Ack(false); err != nil {
			b.lg.Error().Err(err).Str("message_id", env.MessageID).Msg("ack failed")
		}
		return
	}
	// Requeue unless the delivery already came back once; a second nack
	// without requeue hands it to the DLX when one is configured.
	if err := d.Nack(false, !d.Redelivered); err != nil {
		b.lg.Error().Err(err).Str("message_id", env.MessageID).Msg("nack failed")
	}
}

// Ack acknowledges a delivery handle obtained from Consume.
func (b *Broker) Ack(raw any) error {
	d, ok := raw.(amqp.Delivery)
	if !ok {
		return mqerror.NewBroker("foreign delivery handle", nil)
	}
	if err := d.Ack(false); err != nil {
		return mqerror.NewBroker("ack", err)
	}
	return nil
}

// Nack rejects a delivery handle, optionally requeueing it.
func (b *Broker) Nack(raw any, requeue bool) error {
	d, ok := raw.(amqp.Delivery)
	if !ok {
		return mqerror.NewBroker("foreign delivery handle", nil)
	}
	if err := d.Nack(false, requeue); err != nil {
		return mqerror.NewBroker("nack", err)
	}
	return nil
}

// Close releases the publisher connection and stops any Consume loop. It is
// idempotent.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.pubMu.Lock()
		b.resetPublisher()
		b.pubMu.Unlock()
	})
	return nil
}

// drainStale discards pending confirm and return frames. It reports false
// when either notify channel is closed, which means the library tore the
// AMQP channel down and the publisher must be rebuilt; receiving from a
// closed channel is always ready, so looping on one would never terminate.
func drainStale(confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) bool {
	for {
		select {
		case _, ok := <-confirms:
			if !ok {
				return false
			}
		case _, ok := <-returns:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

func sleepOrDone(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-done:
		return false
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
