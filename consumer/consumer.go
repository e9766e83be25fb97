// Package consumer routes incoming deliveries to registered handlers under
// the idempotency ledger: a handler runs at most once per message id, and
// every outcome is recorded so failed messages can be compensated later.
package consumer

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/hollisho/go-mq-transaction/broker"
	"github.com/hollisho/go-mq-transaction/idempotency"
	"github.com/hollisho/go-mq-transaction/metrics"
)

// HandlerFalseError is the ledger text recorded when a handler declines a
// message without an error.
const HandlerFalseError = "handler returned false"

// Handler applies one delivery. Returning (true, nil) marks the message
// processed; (false, nil) or an error marks it failed with the
// corresponding reason.
type Handler func(ctx context.Context, env broker.Envelope) (bool, error)

// Registry resolves a service name to a handler, for deployments that wire
// handlers through a service container rather than direct callables.
type Registry interface {
	Resolve(name string) (Handler, error)
}

// route is one registered topic: either a direct handler or a service name
// resolved lazily at first dispatch.
type route struct {
	handler Handler
	service string
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger attaches a logger.
func WithLogger(lg zerolog.Logger) Option {
	return func(c *Consumer) { c.lg = lg }
}

// WithRegistry injects the service registry used by HandleService routes.
func WithRegistry(reg Registry) Option {
	return func(c *Consumer) { c.registry = reg }
}

// Consumer routes deliveries from one broker through one ledger.
// Registration is not safe once Start is running.
type Consumer struct {
	broker   broker.Broker
	ledger   idempotency.Store
	registry Registry
	lg       zerolog.Logger
	routes   map[string]*route
}

// New builds a Consumer.
func New(b broker.Broker, ledger idempotency.Store, opts ...Option) *Consumer {
	c := &Consumer{
		broker: b,
		ledger: ledger,
		lg:     zerolog.Nop(),
		routes: make(map[string]*route),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lg = c.lg.With().Str("component", "consumer").Logger()
	return c
}

// Handle registers fn for topic. A later registration for the same topic
// replaces the earlier one.
func (c *Consumer) Handle(topic string, fn Handler) {
	c.routes[topic] = &route{handler: fn}
}

// HandleService registers a service-name route for topic, resolved through
// the injected registry at first dispatch.
func (c *Consumer) HandleService(topic, serviceName string) {
	c.routes[topic] = &route{service: serviceName}
}

// Topics returns the registered topics, sorted.
func (c *Consumer) Topics() []string {
	topics := make([]string, 0, len(c.routes))
	for topic := range c.routes {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Process applies one envelope under the ledger and reports ack (true) or
// nack (false) to the broker adapter.
func (c *Consumer) Process(ctx context.Context, env broker.Envelope) bool {
	lg := c.lg.With().Str("message_id", env.MessageID).Str("topic", env.Topic).Logger()

	if env.MessageID == "" || env.Topic == "" {
		c.lg.Warn().Str("message_id", env.MessageID).Str("topic", env.Topic).Msg("invalid format")
		metrics.RecordConsumed(env.Topic, metrics.ResultSkipped)
		return false
	}

	processed, err := c.ledger.IsProcessed(ctx, env.MessageID)
	if err != nil {
		lg.Error().Err(err).Msg("ledger lookup failed")
		return false
	}
	if processed {
		lg.Debug().Msg("already processed")
		metrics.RecordConsumed(env.Topic, metrics.ResultDuplicate)
		return true
	}

	handler, err := c.resolve(env.Topic)
	if err != nil {
		lg.Warn().Err(err).Msg("no handler")
		metrics.RecordConsumed(env.Topic, metrics.ResultSkipped)
		return false
	}

	if err := c.ledger.MarkProcessing(ctx, env.MessageID, env.Topic, env.Payload); err != nil {
		lg.Error().Err(err).Msg("mark processing failed")
		return false
	}

	ok, handlerErr := c.invoke(ctx, handler, env)

	switch {
	case handlerErr != nil:
		lg.Warn().Err(handlerErr).Msg("handler failed")
		metrics.RecordConsumed(env.Topic, metrics.ResultFailed)
		if _, err := c.ledger.MarkFailed(ctx, env.MessageID, handlerErr.Error()); err != nil {
			lg.Error().Err(err).Msg("mark failed failed")
		}
		return false

	case !ok:
		lg.Warn().Msg("handler returned false")
		metrics.RecordConsumed(env.Topic, metrics.ResultFailed)
		if _, err := c.ledger.MarkFailed(ctx, env.MessageID, HandlerFalseError); err != nil {
			lg.Error().Err(err).Msg("mark failed failed")
		}
		return false

	default:
		if _, err := c.ledger.MarkProcessed(ctx, env.MessageID); err != nil {
			// the handler ran; nack so the redelivery hits the
			// duplicate path once the ledger recovers
			lg.Error().Err(err).Msg("mark processed failed")
			return false
		}
		metrics.RecordConsumed(env.Topic, metrics.ResultProcessed)
		return true
	}
}

// invoke runs the handler, converting a panic into a handler failure.
func (c *Consumer) invoke(ctx context.Context, handler Handler, env broker.Envelope) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("%v", r)
		}
	}()
	return handler(ctx, env)
}

// resolve returns the handler for topic, resolving and caching service
// routes on first use.
func (c *Consumer) resolve(topic string) (Handler, error) {
	rt, ok := c.routes[topic]
	if !ok {
		return nil, fmt.Errorf("no handler registered for topic %s", topic)
	}
	if rt.handler != nil {
		return rt.handler, nil
	}
	if c.registry == nil {
		return nil, fmt.Errorf("service route %q for topic %s without a registry", rt.service, topic)
	}
	handler, err := c.registry.Resolve(rt.service)
	if err != nil {
		return nil, fmt.Errorf("resolve service %q: %w", rt.service, err)
	}
	rt.handler = handler
	return handler, nil
}

// Start subscribes to the given topics, defaulting to every registered
// one, and blocks processing deliveries until the context is cancelled or
// the broker adapter closes.
func (c *Consumer) Start(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		topics = c.Topics()
	}
	c.lg.Info().Strs("topics", topics).Msg("consumer starting")
	return c.broker.Consume(ctx, topics, c.Process)
}
