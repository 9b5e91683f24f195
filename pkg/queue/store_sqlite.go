package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Store is the durable queue contract.
type Store interface {
	Enqueue(ctx context.Context, it *Item) error
	// Eligible returns up to limit pending items whose next attempt time has
	// passed, oldest first.
	Eligible(ctx context.Context, now time.Time, limit int) ([]*Item, error)
	// Claim transitions one item pending -> processing with a conditional
	// update; ErrNotClaimed means another worker won.
	Claim(ctx context.Context, id string) error
	// Complete marks a processing item completed, recording the regulator's
	// transaction id and the final response code (NETWORK_DISABLED on dry
	// runs, DUPLICATE when the regulator already had it).
	Complete(ctx context.Context, id, regulatorID, code string) error
	// Reschedule returns a processing item to pending with an incremented
	// retry count and a future attempt time.
	Reschedule(ctx context.Context, id string, next time.Time, errCode, errMsg string) error
	// Defer returns a processing item to pending without consuming a retry
	// (circuit open, tenant rate limited).
	Defer(ctx context.Context, id string, next time.Time) error
	Fail(ctx context.Context, id, errCode, errMsg string) error
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Item, error)
	StatusCounts(ctx context.Context) (*Counts, error)
}

// SQLiteStore is the default durable queue backing.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore migrates the queue table and returns a store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, logger: slog.Default().With("component", "queue")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS queue_items (
        id TEXT PRIMARY KEY,
        tenant_id TEXT NOT NULL,
        branch_id TEXT NOT NULL DEFAULT '',
        device_id TEXT NOT NULL DEFAULT '',
        environment TEXT NOT NULL,
        operation TEXT NOT NULL,
        order_id TEXT NOT NULL DEFAULT '',
        closing_id TEXT NOT NULL DEFAULT '',
        idempotency_key TEXT NOT NULL UNIQUE,
        payload BLOB NOT NULL,
        status TEXT NOT NULL DEFAULT 'pending',
        retry_count INTEGER NOT NULL DEFAULT 0,
        max_retries INTEGER NOT NULL DEFAULT 10,
        next_attempt_at DATETIME NOT NULL,
        last_error TEXT NOT NULL DEFAULT '',
        last_error_code TEXT NOT NULL DEFAULT '',
        regulator_id TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        completed_at DATETIME
    );
    CREATE INDEX IF NOT EXISTS idx_queue_status_next ON queue_items (status, next_attempt_at);
    CREATE INDEX IF NOT EXISTS idx_queue_tenant ON queue_items (tenant_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const itemColumns = `id, tenant_id, branch_id, device_id, environment, operation,
	order_id, closing_id, idempotency_key, payload, status, retry_count,
	max_retries, next_attempt_at, last_error, last_error_code, regulator_id,
	created_at, updated_at, completed_at`

// Enqueue inserts a pending item. A UNIQUE hit on the idempotency key maps
// to ErrAlreadyQueued; the caller treats that as success.
func (s *SQLiteStore) Enqueue(ctx context.Context, it *Item) error {
	if (it.OrderID == "") == (it.ClosingID == "") {
		return fmt.Errorf("queue: exactly one of order_id / closing_id must be set")
	}
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.Status == "" {
		it.Status = StatusPending
	}
	if it.MaxRetries == 0 {
		it.MaxRetries = MaxRetries
	}
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.NextAttemptAt.IsZero() {
		it.NextAttemptAt = now
	}
	it.UpdatedAt = now

	query := `
    INSERT INTO queue_items (
        id, tenant_id, branch_id, device_id, environment, operation,
        order_id, closing_id, idempotency_key, payload, status, retry_count,
        max_retries, next_attempt_at, last_error, last_error_code,
        created_at, updated_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		it.ID, it.TenantID, it.BranchID, it.DeviceID, it.Environment, string(it.Operation),
		it.OrderID, it.ClosingID, it.IdempotencyKey, it.Payload, string(it.Status), it.RetryCount,
		it.MaxRetries, it.NextAttemptAt.Format(time.RFC3339Nano), it.LastError, it.LastErrorCode,
		it.CreatedAt.Format(time.RFC3339Nano), it.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "duplicate key value") {
			return fmt.Errorf("%w: %s", ErrAlreadyQueued, it.IdempotencyKey)
		}
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Eligible(ctx context.Context, now time.Time, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	if limit > MaxBatchLimit {
		limit = MaxBatchLimit
	}

	query := `SELECT ` + itemColumns + `
    FROM queue_items
    WHERE status = 'pending' AND next_attempt_at <= ?
    ORDER BY created_at ASC
    LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Claim(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'processing', updated_at = ?
         WHERE id = ? AND status = 'pending'`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id, regulatorID, code string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'completed', completed_at = ?, updated_at = ?,
         regulator_id = ?, last_error = '', last_error_code = ?
         WHERE id = ? AND status = 'processing'`,
		now, now, regulatorID, code, id,
	)
	return err
}

func (s *SQLiteStore) Reschedule(ctx context.Context, id string, next time.Time, errCode, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending', retry_count = retry_count + 1,
         next_attempt_at = ?, last_error_code = ?, last_error = ?, updated_at = ?
         WHERE id = ? AND status = 'processing'`,
		next.UTC().Format(time.RFC3339Nano), errCode, errMsg,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	return err
}

func (s *SQLiteStore) Defer(ctx context.Context, id string, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending', next_attempt_at = ?, updated_at = ?
         WHERE id = ? AND status = 'processing'`,
		next.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	return err
}

func (s *SQLiteStore) Fail(ctx context.Context, id, errCode, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'failed', last_error_code = ?, last_error = ?, updated_at = ?
         WHERE id = ? AND status = 'processing'`,
		errCode, errMsg, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	return err
}

// Cancel marks a still-pending item cancelled. Items already claimed or
// terminal are left alone.
func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'cancelled', updated_at = ?
         WHERE id = ? AND status = 'pending'`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue: item %s not pending", id)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	return scanItem(row)
}

func (s *SQLiteStore) StatusCounts(ctx context.Context) (*Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	c := &Counts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusProcessing:
			c.Processing = n
		case StatusCompleted:
			c.Completed = n
		case StatusFailed:
			c.Failed = n
		case StatusCancelled:
			c.Cancelled = n
		}
	}
	return c, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		it          Item
		op, status  string
		next        string
		createdAt   string
		updatedAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(
		&it.ID, &it.TenantID, &it.BranchID, &it.DeviceID, &it.Environment, &op,
		&it.OrderID, &it.ClosingID, &it.IdempotencyKey, &it.Payload, &status, &it.RetryCount,
		&it.MaxRetries, &next, &it.LastError, &it.LastErrorCode, &it.RegulatorID,
		&createdAt, &updatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	it.Operation = Operation(op)
	it.Status = Status(status)
	it.NextAttemptAt = parseTime(next)
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid {
		it.CompletedAt = parseTime(completedAt.String)
	}
	return &it, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
