package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hollisho/go-mq-transaction/mqerror"
)

const (
	// DefaultKeyPrefix namespaces ledger keys in a shared Redis.
	DefaultKeyPrefix = "mq:consumption:"
	// DefaultRetention bounds how long processed entries survive.
	DefaultRetention = 7 * 24 * time.Hour

	failedIndexKey = "failed"
)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRetention sets the TTL applied when a record reaches processed.
// Zero disables expiry.
func WithRetention(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.retention = ttl }
}

// RedisStore is a Store over Redis. Each message id owns a hash under
// <prefix><id>; failed ids are additionally indexed in a sorted set scored
// by update time so FetchFailed can scan oldest-first. Processed entries
// expire after the retention window, which bounds the dedup horizon: a
// duplicate arriving later than the retention is redelivered to the
// handler.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisStore builds a RedisStore on client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		prefix:    DefaultKeyPrefix,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(messageID string) string {
	return s.prefix + messageID
}

func (s *RedisStore) failedIndex() string {
	return s.prefix + failedIndexKey
}

// IsProcessed reports whether messageID has a processed entry.
func (s *RedisStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	status, err := s.client.HGet(ctx, s.key(messageID), "status").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mqerror.NewStore("get consumption record", err)
	}
	return Status(status) == StatusProcessed, nil
}

// MarkProcessing upserts the entry to processing.
func (s *RedisStore) MarkProcessing(ctx context.Context, messageID, topic string, payload []byte) error {
	now := time.Now().UTC()
	key := s.key(messageID)

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "created_at", now.Format(time.RFC3339Nano))
	fields := map[string]any{
		"message_id": messageID,
		"status":     string(StatusProcessing),
		"error":      "",
		"updated_at": now.Format(time.RFC3339Nano),
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if len(payload) > 0 {
		fields["data"] = string(payload)
	}
	pipe.HSet(ctx, key, fields)
	pipe.Persist(ctx, key)
	pipe.ZRem(ctx, s.failedIndex(), messageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return mqerror.NewStore("mark processing", err)
	}
	return nil
}

// MarkProcessed transitions a processing entry to processed and applies the
// retention TTL. A second call on a processed entry remains a success.
func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	ok, err := s.transition(ctx, messageID, "", []Status{StatusProcessing, StatusProcessed}, StatusProcessed)
	if err != nil || !ok {
		return ok, err
	}
	if s.retention > 0 {
		if err := s.client.Expire(ctx, s.key(messageID), s.retention).Err(); err != nil {
			return true, mqerror.NewStore("set retention", err)
		}
	}
	return true, nil
}

// MarkFailed transitions a processing entry to failed and indexes it for
// the compensation scanner.
func (s *RedisStore) MarkFailed(ctx context.Context, messageID, errText string) (bool, error) {
	ok, err := s.transition(ctx, messageID, errText, []Status{StatusProcessing}, StatusFailed)
	if err != nil || !ok {
		return ok, err
	}
	score := float64(time.Now().UTC().UnixNano())
	if err := s.client.ZAdd(ctx, s.failedIndex(), redis.Z{Score: score, Member: messageID}).Err(); err != nil {
		return true, mqerror.NewStore("index failed record", err)
	}
	return true, nil
}

// MarkCompensated transitions a failed entry to compensated and drops it
// from the failed index.
func (s *RedisStore) MarkCompensated(ctx context.Context, messageID string) (bool, error) {
	ok, err := s.transition(ctx, messageID, "", []Status{StatusFailed}, StatusCompensated)
	if err != nil || !ok {
		return ok, err
	}
	if err := s.client.ZRem(ctx, s.failedIndex(), messageID).Err(); err != nil {
		return true, mqerror.NewStore("unindex failed record", err)
	}
	return true, nil
}

// transitionScript checks the current status against the legal from-states
// and applies the new status in one server-side step, so two consumers
// racing on the same message id cannot interleave check and write.
// ARGV: to, updated_at, error ("" keeps the field), from-states...
var transitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 0
end
local legal = false
for i = 4, #ARGV do
  if status == ARGV[i] then
    legal = true
    break
  end
end
if not legal then
  return 0
end
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2], 'error', ARGV[3])
else
  redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
end
return 1
`)

func (s *RedisStore) transition(ctx context.Context, messageID, errText string, from []Status, to Status) (bool, error) {
	args := make([]any, 0, len(from)+3)
	args = append(args, string(to), time.Now().UTC().Format(time.RFC3339Nano), errText)
	for _, f := range from {
		args = append(args, string(f))
	}

	n, err := transitionScript.Run(ctx, s.client, []string{s.key(messageID)}, args...).Int()
	if err != nil {
		return false, mqerror.NewStore("update consumption record", err)
	}
	return n == 1, nil
}

// FetchFailed returns up to limit failed records, oldest failure first.
func (s *RedisStore) FetchFailed(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.client.ZRange(ctx, s.failedIndex(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, mqerror.NewStore("scan failed index", err)
	}

	var recs []Record
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
		if err != nil {
			return nil, mqerror.NewStore("get consumption record", err)
		}
		if len(fields) == 0 || Status(fields["status"]) != StatusFailed {
			// Entry expired or moved on since it was indexed.
			s.client.ZRem(ctx, s.failedIndex(), id)
			continue
		}
		rec := Record{
			MessageID: id,
			Topic:     fields["topic"],
			Status:    StatusFailed,
			Error:     fields["error"],
		}
		if data, ok := fields["data"]; ok && data != "" {
			rec.Payload = []byte(data)
		}
		if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
			rec.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
			rec.UpdatedAt = t
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// CreateSchema is a no-op; Redis needs no schema.
func (s *RedisStore) CreateSchema(ctx context.Context) error { return nil }
