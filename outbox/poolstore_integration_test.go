package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hollisho/go-mq-transaction/mqerror"
)

// setupTestDatabase starts a PostgreSQL container and returns its DSN.
func setupTestDatabase(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if _, err := testcontainers.NewDockerClientWithOpts(ctx); err != nil {
		t.Skipf("Skipping integration test because Docker is unavailable: %v", err)
	}

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:17"),
		postgres.WithDatabase("mqtest"),
		postgres.WithUsername("mq"),
		postgres.WithPassword("mq"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestPoolStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	connStr := setupTestDatabase(t)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPoolStore(pool)
	require.NoError(t, store.CreateSchema(ctx))
	// schema creation is idempotent
	require.NoError(t, store.CreateSchema(ctx))

	base := time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)

	require.NoError(t, store.Begin(ctx))
	require.NoError(t, store.Save(ctx, &Record{
		MessageID: "itest-m1",
		Topic:     "order.created",
		Payload:   []byte(`{"order_id":1001}`),
		CreatedAt: base,
		UpdatedAt: base,
	}))
	require.NoError(t, store.Save(ctx, &Record{
		MessageID: "itest-m2",
		Topic:     "order.created",
		Payload:   []byte(`{"order_id":1002}`),
		Options:   []byte(`{"priority":5}`),
		CreatedAt: base.Add(time.Second),
		UpdatedAt: base.Add(time.Second),
	}))
	ok, err := store.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("fetch pending in created order", func(t *testing.T) {
		recs, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "itest-m1", recs[0].MessageID)
		assert.Equal(t, "itest-m2", recs[1].MessageID)
		assert.Equal(t, []byte(`{"order_id":1001}`), recs[0].Payload)
		assert.Nil(t, recs[0].Options)
		assert.Equal(t, []byte(`{"priority":5}`), recs[1].Options)
	})

	t.Run("duplicate message id", func(t *testing.T) {
		require.NoError(t, store.Begin(ctx))
		err := store.Save(ctx, &Record{MessageID: "itest-m1", Topic: "t", Payload: []byte(`{}`)})
		require.Error(t, err)
		assert.Equal(t, mqerror.CodeStore, mqerror.CodeOf(err))
		assert.Contains(t, err.Error(), "duplicate message_id")
		_, err = store.Rollback(ctx)
		require.NoError(t, err)
	})

	t.Run("claimed rows are skipped by a second store", func(t *testing.T) {
		claimer := NewPoolStore(pool)
		require.NoError(t, claimer.Begin(ctx))
		claimed, err := claimer.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)

		other := NewPoolStore(pool)
		require.NoError(t, other.Begin(ctx))
		rest, err := other.FetchPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, rest)

		_, err = other.Rollback(ctx)
		require.NoError(t, err)
		_, err = claimer.Rollback(ctx)
		require.NoError(t, err)
	})

	t.Run("transitions", func(t *testing.T) {
		ok, err := store.MarkSent(ctx, "itest-m1")
		require.NoError(t, err)
		assert.True(t, ok)

		// no longer pending, so the transition no-ops
		ok, err = store.MarkSent(ctx, "itest-m1")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.IncrementRetry(ctx, "itest-m2")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.MarkFailed(ctx, "itest-m2", "max retry exceeded")
		require.NoError(t, err)
		assert.True(t, ok)

		failed, err := store.FetchFailed(ctx, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "itest-m2", failed[0].MessageID)
		assert.Equal(t, "max retry exceeded", failed[0].Error)
		assert.Equal(t, 2, failed[0].RetryCount)

		ok, err = store.MarkCompensated(ctx, "itest-m2")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.MarkCompensated(ctx, "itest-m2")
		require.NoError(t, err)
		assert.False(t, ok, "already compensated")
	})
}
