// Package compensation rescues terminally failed records on both sides of
// the pipeline. Mechanical retry is already exhausted by the time a record
// is failed, so resolution is a topic-scoped business callback: refund,
// restock, cancel. A compensator that succeeds moves the record to
// compensated; anything else leaves it failed for the next scan or a
// human.
package compensation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hollisho/go-mq-transaction/idempotency"
	"github.com/hollisho/go-mq-transaction/metrics"
	"github.com/hollisho/go-mq-transaction/outbox"
)

// Message is the normalized failed record handed to a compensator.
type Message struct {
	MessageID string
	Topic     string
	Payload   []byte
	Reason    string
}

// Compensator resolves one failed message. Returning (true, nil) marks the
// record compensated; (false, nil) or an error leaves it failed.
type Compensator interface {
	Compensate(ctx context.Context, msg Message) (bool, error)
}

// Func adapts a plain function to Compensator.
type Func func(ctx context.Context, msg Message) (bool, error)

// Compensate implements Compensator.
func (f Func) Compensate(ctx context.Context, msg Message) (bool, error) {
	return f(ctx, msg)
}

// Registry resolves a service name to a compensator, mirroring the
// consumer's handler registry.
type Registry interface {
	Resolve(name string) (Compensator, error)
}

// Defaults.
const (
	DefaultBatchSize    = 50
	DefaultPollInterval = 60 * time.Second
)

// Config tunes one scanner.
type Config struct {
	// BatchSize bounds how many failed rows one check scans per side.
	BatchSize int
	// PollInterval is the sleep between Run iterations.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

type route struct {
	compensator Compensator
	service     string
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger attaches a logger.
func WithLogger(lg zerolog.Logger) Option {
	return func(s *Scanner) { s.lg = lg }
}

// WithRegistry injects the service registry used by the *Service
// registration variants.
func WithRegistry(reg Registry) Option {
	return func(s *Scanner) { s.registry = reg }
}

// Scanner walks failed outbox rows and failed consumption records,
// invoking the compensator registered for each topic. Registration is not
// safe once Run is running.
type Scanner struct {
	outbox   outbox.Store
	ledger   idempotency.Store
	registry Registry
	cfg      Config
	lg       zerolog.Logger

	producerRoutes map[string]*route
	consumerRoutes map[string]*route
}

// New builds a Scanner. Zero config fields take the defaults.
func New(ob outbox.Store, ledger idempotency.Store, cfg Config, opts ...Option) *Scanner {
	cfg.applyDefaults()
	s := &Scanner{
		outbox:         ob,
		ledger:         ledger,
		cfg:            cfg,
		lg:             zerolog.Nop(),
		producerRoutes: make(map[string]*route),
		consumerRoutes: make(map[string]*route),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lg = s.lg.With().Str("component", "compensation").Logger()
	return s
}

// OnProducerFailure registers a compensator for failed outbox rows on
// topic.
func (s *Scanner) OnProducerFailure(topic string, c Compensator) {
	s.producerRoutes[topic] = &route{compensator: c}
}

// OnProducerFailureService registers a service-name compensator for failed
// outbox rows on topic, resolved through the registry at first use.
func (s *Scanner) OnProducerFailureService(topic, serviceName string) {
	s.producerRoutes[topic] = &route{service: serviceName}
}

// OnConsumerFailure registers a compensator for failed consumption records
// on topic.
func (s *Scanner) OnConsumerFailure(topic string, c Compensator) {
	s.consumerRoutes[topic] = &route{compensator: c}
}

// OnConsumerFailureService is the service-name variant of
// OnConsumerFailure.
func (s *Scanner) OnConsumerFailureService(topic, serviceName string) {
	s.consumerRoutes[topic] = &route{service: serviceName}
}

// CheckProducer scans one batch of failed outbox rows and returns how many
// were compensated.
func (s *Scanner) CheckProducer(ctx context.Context) (int, error) {
	recs, err := s.outbox.FetchFailed(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range recs {
		msg := Message{
			MessageID: recs[i].MessageID,
			Topic:     recs[i].Topic,
			Payload:   recs[i].Payload,
			Reason:    recs[i].Error,
		}
		if s.compensate(ctx, metrics.SideProducer, s.producerRoutes, msg, s.outbox.MarkCompensated) {
			count++
		}
	}
	return count, nil
}

// CheckConsumer scans one batch of failed consumption records and returns
// how many were compensated.
func (s *Scanner) CheckConsumer(ctx context.Context) (int, error) {
	recs, err := s.ledger.FetchFailed(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range recs {
		msg := Message{
			MessageID: recs[i].MessageID,
			Topic:     recs[i].Topic,
			Payload:   recs[i].Payload,
			Reason:    recs[i].Error,
		}
		if s.compensate(ctx, metrics.SideConsumer, s.consumerRoutes, msg, s.ledger.MarkCompensated) {
			count++
		}
	}
	return count, nil
}

// compensate runs one record through its topic's compensator. False means
// the record stays failed; the batch always continues, and a record is
// never retried within the same scan.
func (s *Scanner) compensate(ctx context.Context, side string, routes map[string]*route, msg Message,
	mark func(context.Context, string) (bool, error)) bool {

	lg := s.lg.With().Str("side", side).Str("message_id", msg.MessageID).Str("topic", msg.Topic).Logger()

	comp, err := s.resolve(routes, msg.Topic)
	if err != nil {
		lg.Warn().Err(err).Msg("no compensator; skipping")
		metrics.RecordCompensation(side, "skipped")
		return false
	}

	ok, err := s.invoke(ctx, comp, msg)
	if err != nil {
		lg.Error().Err(err).Msg("compensator failed")
		metrics.RecordCompensation(side, "error")
		return false
	}
	if !ok {
		lg.Error().Msg("compensator declined")
		metrics.RecordCompensation(side, "declined")
		return false
	}

	marked, err := mark(ctx, msg.MessageID)
	if err != nil {
		lg.Error().Err(err).Msg("mark compensated failed")
		metrics.RecordCompensation(side, "error")
		return false
	}
	if !marked {
		// raced with another scanner; the record is already resolved
		lg.Debug().Msg("record no longer failed")
		return false
	}
	metrics.RecordCompensation(side, "compensated")
	lg.Info().Msg("compensated")
	return true
}

// invoke runs the compensator, converting a panic into an error.
func (s *Scanner) invoke(ctx context.Context, comp Compensator, msg Message) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("%v", r)
		}
	}()
	return comp.Compensate(ctx, msg)
}

func (s *Scanner) resolve(routes map[string]*route, topic string) (Compensator, error) {
	rt, ok := routes[topic]
	if !ok {
		return nil, fmt.Errorf("no compensator registered for topic %s", topic)
	}
	if rt.compensator != nil {
		return rt.compensator, nil
	}
	if s.registry == nil {
		return nil, fmt.Errorf("service route %q for topic %s without a registry", rt.service, topic)
	}
	comp, err := s.registry.Resolve(rt.service)
	if err != nil {
		return nil, fmt.Errorf("resolve service %q: %w", rt.service, err)
	}
	rt.compensator = comp
	return comp, nil
}

// Run loops both checks every PollInterval until ctx is cancelled or, when
// maxIterations is positive, that many iterations have run.
func (s *Scanner) Run(ctx context.Context, maxIterations int) error {
	for i := 0; maxIterations <= 0 || i < maxIterations; i++ {
		if n, err := s.CheckProducer(ctx); err != nil {
			s.lg.Error().Err(err).Msg("producer scan failed")
		} else if n > 0 {
			s.lg.Info().Int("compensated", n).Msg("producer scan done")
		}

		if n, err := s.CheckConsumer(ctx); err != nil {
			s.lg.Error().Err(err).Msg("consumer scan failed")
		} else if n > 0 {
			s.lg.Info().Int("compensated", n).Msg("consumer scan done")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
	return nil
}
