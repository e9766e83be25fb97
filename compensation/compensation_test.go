package compensation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollisho/go-mq-transaction/idempotency"
	"github.com/hollisho/go-mq-transaction/outbox"
)

func seedFailedOutbox(t *testing.T, store *outbox.MemoryStore, id, topic, errText string, payload []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Begin(ctx))
	require.NoError(t, store.Save(ctx, &outbox.Record{MessageID: id, Topic: topic, Payload: payload}))
	_, err := store.Commit(ctx)
	require.NoError(t, err)
	ok, err := store.MarkFailed(ctx, id, errText)
	require.NoError(t, err)
	require.True(t, ok)
}

func seedFailedLedger(t *testing.T, ledger *idempotency.MemoryStore, id, topic, errText string, payload []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ledger.MarkProcessing(ctx, id, topic, payload))
	ok, err := ledger.MarkFailed(ctx, id, errText)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckProducerCompensates(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	ledger := idempotency.NewMemoryStore()
	seedFailedOutbox(t, store, "m1", "order.created", "max retry exceeded", []byte(`{"order_id":1001}`))

	var got Message
	s := New(store, ledger, Config{})
	s.OnProducerFailure("order.created", Func(func(ctx context.Context, msg Message) (bool, error) {
		got = msg
		return true, nil
	}))

	n, err := s.CheckProducer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, "order.created", got.Topic)
	assert.Equal(t, []byte(`{"order_id":1001}`), got.Payload)
	assert.Equal(t, "max retry exceeded", got.Reason)

	rec, ok := store.Get("m1")
	require.True(t, ok)
	assert.Equal(t, outbox.StatusCompensated, rec.Status)
}

func TestCheckConsumerCompensates(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	ledger := idempotency.NewMemoryStore()
	seedFailedLedger(t, ledger, "m1", "order.created", "boom", []byte(`{"order_id":1001}`))

	var got Message
	s := New(store, ledger, Config{})
	s.OnConsumerFailure("order.created", Func(func(ctx context.Context, msg Message) (bool, error) {
		got = msg
		return true, nil
	}))

	n, err := s.CheckConsumer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "boom", got.Reason)

	rec, ok := ledger.Get("m1")
	require.True(t, ok)
	assert.Equal(t, idempotency.StatusCompensated, rec.Status)

	// the record is resolved; a second scan finds nothing
	n, err = s.CheckConsumer(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMissingCompensatorSkips(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	seedFailedOutbox(t, store, "m1", "unrouted", "max retry exceeded", []byte(`{}`))

	s := New(store, idempotency.NewMemoryStore(), Config{})
	n, err := s.CheckProducer(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, ok := store.Get("m1")
	require.True(t, ok)
	assert.Equal(t, outbox.StatusFailed, rec.Status, "row stays failed")
}

func TestCompensatorDeclineErrorAndPanicStayFailed(t *testing.T) {
	ctx := context.Background()
	ledger := idempotency.NewMemoryStore()
	seedFailedLedger(t, ledger, "m1", "a", "boom", nil)
	seedFailedLedger(t, ledger, "m2", "b", "boom", nil)
	seedFailedLedger(t, ledger, "m3", "c", "boom", nil)

	s := New(outbox.NewMemoryStore(), ledger, Config{})
	s.OnConsumerFailure("a", Func(func(ctx context.Context, msg Message) (bool, error) { return false, nil }))
	s.OnConsumerFailure("b", Func(func(ctx context.Context, msg Message) (bool, error) {
		return false, errors.New("refund service down")
	}))
	s.OnConsumerFailure("c", Func(func(ctx context.Context, msg Message) (bool, error) { panic("boom") }))

	n, err := s.CheckConsumer(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, id := range []string{"m1", "m2", "m3"} {
		rec, ok := ledger.Get(id)
		require.True(t, ok)
		assert.Equal(t, idempotency.StatusFailed, rec.Status, id)
	}
}

func TestOneFailureDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	seedFailedOutbox(t, store, "m1", "a", "max retry exceeded", nil)
	seedFailedOutbox(t, store, "m2", "b", "max retry exceeded", nil)

	s := New(store, idempotency.NewMemoryStore(), Config{})
	s.OnProducerFailure("a", Func(func(ctx context.Context, msg Message) (bool, error) { panic("boom") }))
	s.OnProducerFailure("b", Func(func(ctx context.Context, msg Message) (bool, error) { return true, nil }))

	n, err := s.CheckProducer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r2, _ := store.Get("m2")
	assert.Equal(t, outbox.StatusCompensated, r2.Status)
}

type mapRegistry map[string]Compensator

func (r mapRegistry) Resolve(name string) (Compensator, error) {
	c, ok := r[name]
	if !ok {
		return nil, errors.New("unknown service " + name)
	}
	return c, nil
}

func TestServiceRouteResolution(t *testing.T) {
	ctx := context.Background()
	ledger := idempotency.NewMemoryStore()
	seedFailedLedger(t, ledger, "m1", "order.created", "boom", nil)

	var calls atomic.Int32
	reg := mapRegistry{
		"orders.compensator": Func(func(ctx context.Context, msg Message) (bool, error) {
			calls.Add(1)
			return true, nil
		}),
	}

	s := New(outbox.NewMemoryStore(), ledger, Config{}, WithRegistry(reg))
	s.OnConsumerFailureService("order.created", "orders.compensator")

	n, err := s.CheckConsumer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), calls.Load())
}

func TestServiceRouteWithoutRegistrySkips(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	seedFailedOutbox(t, store, "m1", "t", "max retry exceeded", nil)

	s := New(store, idempotency.NewMemoryStore(), Config{})
	s.OnProducerFailureService("t", "any")

	n, err := s.CheckProducer(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
}

func TestRunHonorsIterationBound(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore()
	seedFailedOutbox(t, store, "m1", "t", "max retry exceeded", nil)

	s := New(store, idempotency.NewMemoryStore(), Config{PollInterval: time.Millisecond})
	s.OnProducerFailure("t", Func(func(ctx context.Context, msg Message) (bool, error) { return true, nil }))

	require.NoError(t, s.Run(ctx, 2))
	rec, _ := store.Get("m1")
	assert.Equal(t, outbox.StatusCompensated, rec.Status)
}

func TestRunCancelsAtSleepBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(outbox.NewMemoryStore(), idempotency.NewMemoryStore(), Config{PollInterval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 0) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not stop on cancellation")
	}
}
