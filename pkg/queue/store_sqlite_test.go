package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testQueueStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(testDB(t))
	require.NoError(t, err)
	return store
}

func testItem(orderID string) *Item {
	return &Item{
		TenantID:       "resto-1",
		BranchID:       "succ-01",
		DeviceID:       "DEV-1",
		Environment:    "ESSAI",
		Operation:      OpTransaction,
		OrderID:        orderID,
		IdempotencyKey: "key-" + orderID,
		Payload:        []byte(`{"order_id":"` + orderID + `"}`),
	}
}

func TestEnqueueDefaults(t *testing.T) {
	store := testQueueStore(t)
	it := testItem("O-1")
	require.NoError(t, store.Enqueue(context.Background(), it))

	assert.NotEmpty(t, it.ID)
	assert.Equal(t, StatusPending, it.Status)
	assert.Equal(t, MaxRetries, it.MaxRetries)
	assert.False(t, it.NextAttemptAt.IsZero())
}

func TestEnqueueDuplicateIdempotencyKey(t *testing.T) {
	store := testQueueStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testItem("O-1")))

	dup := testItem("O-1")
	assert.ErrorIs(t, store.Enqueue(ctx, dup), ErrAlreadyQueued)
}

func TestEnqueueRequiresExactlyOneEntity(t *testing.T) {
	store := testQueueStore(t)
	ctx := context.Background()

	both := testItem("O-1")
	both.ClosingID = "C-1"
	assert.Error(t, store.Enqueue(ctx, both))

	neither := testItem("")
	neither.IdempotencyKey = "key-x"
	assert.Error(t, store.Enqueue(ctx, neither))
}

func TestEligibleOrderingAndFutureItems(t *testing.T) {
	store := testQueueStore(t)
	ctx := context.Background()

	early := testItem("O-1")
	early.CreatedAt = time.Now().Add(-2 * time.Hour).UTC()
	require.NoError(t, store.Enqueue(ctx, early))

	late := testItem("O-2")
	late.CreatedAt = time.Now().Add(-1 * time.Hour).UTC()
	require.NoError(t, store.Enqueue(ctx, late))

	future := testItem("O-3")
	future.NextAttemptAt = time.Now().Add(time.Hour).UTC()
	require.NoError(t, store.Enqueue(ctx, future))

	items, err := store.Eligible(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "O-1", items[0].OrderID)
	assert.Equal(t, "O-2", items[1].OrderID)
}

func TestEligibleRespectsLimit(t *testing.T) {
	store := testQueueStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		it := testItem("O-" + string(rune('a'+i)))
		require.NoError(t, store.Enqueue(ctx, it))
	}
	items, err := store.Eligible(ctx, time.Now(), 3)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestClaimIsConditional(t *testing.T) {
	store := testQueueStore(t)
	ctx := context.Background()
	it := testItem("O-1")
	require.NoError(t, store.Enqueue(ctx, it))

	require.NoError(t, store.Claim(ctx, it.ID))
	assert.ErrorIs(t, store.Claim(ctx, it.ID), ErrNotClaimed)

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestCompleteTransition(t *testing.T) {
	store := testQueueStore(t)
	ctx := context.Background()
	it := testItem("O-1")
	require.NoError(t, store.Enqueue(ctx, it))
	require.NoError(t, store.Claim(ctx, it.ID))
	require.NoError(t, store.Complete(ctx, it.ID, "PSI-0001", "OK"))

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.False(t, got.CompletedAt.IsZero())
	assert.Equal(t, "PSI-0001", got.RegulatorID)
	assert.Equal(t, "OK", got.LastErrorCode)
}

func TestRescheduleIncrementsRetry(t *testing.T) {
	store := testQueueStore(t)
	ctx := context.Background()
	it := testItem("O-1")
	require.NoError(t, store.Enqueue(ctx, it))
	require.NoError(t, store.Claim(ctx, it.ID))

	next := time.Now().Add(2 * time.Minute).UTC()
	require.NoError(t, store.Reschedule(ctx, it.ID, next, "TEMP_UNAVAILABLE", "regulator 503"))

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "TEMP_UNAVAILABLE", got.LastErrorCode)
	assert.WithinDuration(t, next, got.NextAttemptAt, time.Second)

	// Not eligible until the backoff elapses.
	items, err := store.Eligible(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDeferKeepsRetryCount(t *testing.T) {
	store := testQueueStore(t)
	ctx := context.Background()
	it := testItem("O-1")
	require.NoError(t, store.Enqueue(ctx, it))
	require.NoError(t, store.Claim(ctx, it.ID))
	require.NoError(t, store.Defer(ctx, it.ID, time.Now().Add(time.Minute)))

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestFailTransition(t *testing.T) {
	store := testQueueStore(t)
	ctx := context.Background()
	it := testItem("O-1")
	require.NoError(t, store.Enqueue(ctx, it))
	require.NoError(t, store.Claim(ctx, it.ID))
	require.NoError(t, store.Fail(ctx, it.ID, "INVALID_SIGNATURE", "signa rejetee"))

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "INVALID_SIGNATURE", got.LastErrorCode)
}

func TestCancelOnlyPending(t *testing.T) {
	store := testQueueStore(t)
	ctx := context.Background()

	it := testItem("O-1")
	require.NoError(t, store.Enqueue(ctx, it))
	require.NoError(t, store.Cancel(ctx, it.ID))

	got, err := store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	claimed := testItem("O-2")
	require.NoError(t, store.Enqueue(ctx, claimed))
	require.NoError(t, store.Claim(ctx, claimed.ID))
	assert.Error(t, store.Cancel(ctx, claimed.ID))
}

func TestStatusCounts(t *testing.T) {
	store := testQueueStore(t)
	ctx := context.Background()

	a := testItem("O-1")
	require.NoError(t, store.Enqueue(ctx, a))

	b := testItem("O-2")
	require.NoError(t, store.Enqueue(ctx, b))
	require.NoError(t, store.Claim(ctx, b.ID))
	require.NoError(t, store.Complete(ctx, b.ID, "PSI-0002", "OK"))

	c := testItem("O-3")
	require.NoError(t, store.Enqueue(ctx, c))
	require.NoError(t, store.Claim(ctx, c.ID))
	require.NoError(t, store.Fail(ctx, c.ID, "UNKNOWN", ""))

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 1, counts.Failed)
}

func TestIdempotencyKeyStable(t *testing.T) {
	ts := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	a := IdempotencyKey("ESSAI", "resto-1", "O-1", ts, "", 1838)
	b := IdempotencyKey("ESSAI", "resto-1", "O-1", ts, "", 1838)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Any component change produces a different key.
	assert.NotEqual(t, a, IdempotencyKey("PROD", "resto-1", "O-1", ts, "", 1838))
	assert.NotEqual(t, a, IdempotencyKey("ESSAI", "resto-2", "O-1", ts, "", 1838))
	assert.NotEqual(t, a, IdempotencyKey("ESSAI", "resto-1", "O-2", ts, "", 1838))
	assert.NotEqual(t, a, IdempotencyKey("ESSAI", "resto-1", "O-1", ts.Add(time.Second), "", 1838))
	assert.NotEqual(t, a, IdempotencyKey("ESSAI", "resto-1", "O-1", ts, "", 1839))
}
