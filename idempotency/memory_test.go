package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ok, err := store.IsProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.MarkProcessing(ctx, "m1", "order.created", []byte(`{"order_id":1001}`)))

	ok, err = store.IsProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok, "processing is not processed")

	ok, err = store.MarkProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.IsProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok, "mark processed is idempotent")

	rec, found := store.Get("m1")
	require.True(t, found)
	assert.Equal(t, StatusProcessed, rec.Status)
	assert.Equal(t, "order.created", rec.Topic)
}

func TestMemoryStoreFailureAndCompensation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.MarkProcessing(ctx, "m1", "x", nil))
	time.Sleep(time.Millisecond)
	require.NoError(t, store.MarkProcessing(ctx, "m2", "x", nil))

	ok, err := store.MarkFailed(ctx, "m1", "boom")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkFailed(ctx, "m2", "boom")
	require.NoError(t, err)
	require.True(t, ok)

	// processed rows cannot fail
	ok, err = store.MarkFailed(ctx, "m1", "again")
	require.NoError(t, err)
	assert.False(t, ok)

	recs, err := store.FetchFailed(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "m1", recs[0].MessageID)

	ok, err = store.MarkCompensated(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	// only failed rows compensate
	ok, err = store.MarkCompensated(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, found := store.Get("m1")
	require.True(t, found)
	assert.Equal(t, StatusCompensated, rec.Status)
	assert.Equal(t, "boom", rec.Error)
}

func TestMemoryStoreMarksOnAbsentRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ok, err := store.MarkProcessed(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.MarkFailed(ctx, "nope", "boom")
	require.NoError(t, err)
	assert.False(t, ok)
}
