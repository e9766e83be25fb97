// Package kafka adapts a partitioned log broker to the broker.Broker
// surface over franz-go. Publishes are synchronous with the message id as
// the record key; consumption runs a group consumer with auto-commit
// disabled and commits each record only after its handler acks, so a nack
// is simply "do not advance the offset" and the record comes back on the
// next rebalance or restart.
package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hollisho/go-mq-transaction/broker"
	"github.com/hollisho/go-mq-transaction/mqerror"
)

// MessageIDHeader is the record header carrying the outbox message id.
const MessageIDHeader = "message_id"

// OptKey overrides the record key, and with it the partition the message
// lands on. Default is the message id.
const OptKey = "key"

// Defaults.
const (
	DefaultGroupID     = "mq-consumer"
	DefaultSendTimeout = 5 * time.Second
)

// Config holds the adapter settings.
type Config struct {
	// Brokers are the seed broker addresses.
	Brokers []string
	// GroupID names the consumer group Consume joins.
	GroupID string
	// SendTimeout bounds one synchronous produce.
	SendTimeout time.Duration
	// EnsureTopics creates missing topics at construction with the given
	// partition count (broker default replication).
	EnsureTopics    []string
	TopicPartitions int32
}

func (c *Config) applyDefaults() {
	if c.GroupID == "" {
		c.GroupID = DefaultGroupID
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.TopicPartitions <= 0 {
		c.TopicPartitions = 1
	}
}

// Broker is the Kafka adapter.
type Broker struct {
	cfg Config
	lg  zerolog.Logger

	producer *kgo.Client

	mu       sync.Mutex
	consumer *kgo.Client

	closeOnce sync.Once
	done      chan struct{}
}

// New builds the adapter and dials the producer client. When
// cfg.EnsureTopics is set the topics are created if missing.
func New(cfg Config, lg zerolog.Logger) (*Broker, error) {
	cfg.applyDefaults()
	if len(cfg.Brokers) == 0 {
		return nil, mqerror.NewInvariant("kafka: at least one broker address is required")
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProduceRequestTimeout(cfg.SendTimeout),
	)
	if err != nil {
		return nil, mqerror.NewBroker("create producer client", err)
	}

	b := &Broker{
		cfg:      cfg,
		lg:       lg.With().Str("component", "kafka_broker").Logger(),
		producer: producer,
		done:     make(chan struct{}),
	}

	if len(cfg.EnsureTopics) > 0 {
		if err := b.ensureTopics(context.Background()); err != nil {
			producer.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *Broker) ensureTopics(ctx context.Context) error {
	adm := kadm.NewClient(b.producer)
	resps, err := adm.CreateTopics(ctx, b.cfg.TopicPartitions, -1, nil, b.cfg.EnsureTopics...)
	if err != nil {
		return mqerror.NewBroker("create topics", err)
	}
	for _, resp := range resps {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return mqerror.NewBroker("create topic "+resp.Topic, resp.Err)
		}
	}
	return nil
}

// Send produces payload to topic synchronously. The message id rides both
// as the record key (unless overridden) and in the message_id header.
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

	rec := record(topic, payload, messageID, opts)
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return mqerror.NewBroker("produce: topic="+topic, err)
	}
	return nil
}

// record maps a message and its options onto the kgo record.
func record(topic string, payload []byte, messageID string, opts broker.Options) *kgo.Record {
	key := messageID
	if k, ok := opts[OptKey].(string); ok && k != "" {
		key = k
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: MessageIDHeader, Value: []byte(messageID)},
		},
	}
}

// Consume joins the consumer group on the given topics and invokes fn per
// record. Records whose handler returns true are committed immediately;
// the rest keep the offset where it was.
func (b *Broker) Consume(ctx context.Context, topics []string, fn broker.Handler) error {
	if len(topics) == 0 {
		return mqerror.NewInvariant("consume requires at least one topic")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ConsumerGroup(b.cfg.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return mqerror.NewBroker("create consumer client", err)
	}

	b.mu.Lock()
	b.consumer = client
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.consumer = nil
		b.mu.Unlock()
		client.Close()
	}()

	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-cancelCtx.Done():
		}
	}()

	for {
		fetches := client.PollFetches(cancelCtx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := cancelCtx.Err(); err != nil {
			select {
			case <-b.done:
				return nil
			default:
				return err
			}
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			b.lg.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			env := broker.Envelope{
				MessageID: messageIDOf(rec),
				Topic:     rec.Topic,
				Payload:   rec.Value,
				Raw:       rec,
			}
			if fn(cancelCtx, env) {
				if err := client.CommitRecords(cancelCtx, rec); err != nil {
					b.lg.Error().Err(err).Str("message_id", env.MessageID).Msg("commit failed")
				}
			}
			// No commit on nack: the record is redelivered after a
			// rebalance or restart.
		})
	}
}

func messageIDOf(rec *kgo.Record) string {
	for _, h := range rec.Headers {
		if h.Key == MessageIDHeader {
			return string(h.Value)
		}
	}
	return string(rec.Key)
}

// Ack commits the record's offset.
func (b *Broker) Ack(raw any) error {
	rec, ok := raw.(*kgo.Record)
	if !ok {
		return mqerror.NewBroker("foreign delivery handle", nil)
	}
	b.mu.Lock()
	client := b.consumer
	b.mu.Unlock()
	if client == nil {
		return mqerror.NewBroker("no active consumer", nil)
	}
	if err := client.CommitRecords(context.Background(), rec); err != nil {
		return mqerror.NewBroker("commit record", err)
	}
	return nil
}

// Nack leaves the record's offset where it is; the log broker has no
// per-message reject, redelivery happens by not committing.
func (b *Broker) Nack(raw any, requeue bool) error {
	if _, ok := raw.(*kgo.Record); !ok {
		return mqerror.NewBroker("foreign delivery handle", nil)
	}
	return nil
}

// Close releases both clients and stops any Consume loop. It is idempotent.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.producer.Close()
	})
	return nil
}
