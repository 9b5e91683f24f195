package queue

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue_items").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresEnqueue(t *testing.T) {
	store, mock := testPostgresStore(t)

	mock.ExpectExec("INSERT INTO queue_items").
		WithArgs(
			sqlmock.AnyArg(), "resto-1", "succ-01", "DEV-1", "ESSAI", "transaction",
			"O-1", "", "key-O-1", []byte(`{"order_id":"O-1"}`), "pending", 0,
			MaxRetries, sqlmock.AnyArg(), "", "",
			sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	it := testItem("O-1")
	require.NoError(t, store.Enqueue(context.Background(), it))
	assert.NotEmpty(t, it.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnqueueUniqueViolation(t *testing.T) {
	store, mock := testPostgresStore(t)

	mock.ExpectExec("INSERT INTO queue_items").
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.Enqueue(context.Background(), testItem("O-1"))
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimConditional(t *testing.T) {
	store, mock := testPostgresStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE queue_items SET status = 'processing'")).
		WithArgs(sqlmock.AnyArg(), "item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Claim(ctx, "item-1"))

	// Second claim finds the row already processing.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE queue_items SET status = 'processing'")).
		WithArgs(sqlmock.AnyArg(), "item-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Claim(ctx, "item-1"), ErrNotClaimed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEligibleScan(t *testing.T) {
	store, mock := testPostgresStore(t)
	now := time.Now().UTC()

	cols := []string{
		"id", "tenant_id", "branch_id", "device_id", "environment", "operation",
		"order_id", "closing_id", "idempotency_key", "payload", "status", "retry_count",
		"max_retries", "next_attempt_at", "last_error", "last_error_code", "regulator_id",
		"created_at", "updated_at", "completed_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM queue_items").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"item-1", "resto-1", "succ-01", "DEV-1", "ESSAI", "transaction",
			"O-1", "", "key-O-1", []byte(`{}`), "pending", 1,
			MaxRetries, now, "regulator 503", "TEMP_UNAVAILABLE", "",
			now.Add(-time.Hour), now, nil,
		))

	items, err := store.Eligible(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, OpTransaction, items[0].Operation)
	assert.Equal(t, StatusPending, items[0].Status)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Equal(t, "TEMP_UNAVAILABLE", items[0].LastErrorCode)
	assert.True(t, items[0].CompletedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRescheduleIncrements(t *testing.T) {
	store, mock := testPostgresStore(t)
	next := time.Now().Add(2 * time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("retry_count = retry_count + 1")).
		WithArgs(sqlmock.AnyArg(), "TEMP_UNAVAILABLE", "regulator 503", sqlmock.AnyArg(), "item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Reschedule(context.Background(), "item-1", next, "TEMP_UNAVAILABLE", "regulator 503"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCancelNotPending(t *testing.T) {
	store, mock := testPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE queue_items SET status = 'cancelled'")).
		WithArgs(sqlmock.AnyArg(), "item-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.Error(t, store.Cancel(context.Background(), "item-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
