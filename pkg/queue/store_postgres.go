package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore backs the queue with Postgres for deployments where several
// worker processes share one database. Claims rely on the same conditional
// update as SQLite; Postgres row locking makes them safe across processes.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore migrates the queue table and returns a store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, logger: slog.Default().With("component", "queue")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
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
        payload BYTEA NOT NULL,
        status TEXT NOT NULL DEFAULT 'pending',
        retry_count INTEGER NOT NULL DEFAULT 0,
        max_retries INTEGER NOT NULL DEFAULT 10,
        next_attempt_at TIMESTAMPTZ NOT NULL,
        last_error TEXT NOT NULL DEFAULT '',
        last_error_code TEXT NOT NULL DEFAULT '',
        regulator_id TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL,
        completed_at TIMESTAMPTZ
    );
    CREATE INDEX IF NOT EXISTS idx_queue_status_next ON queue_items (status, next_attempt_at);
    CREATE INDEX IF NOT EXISTS idx_queue_tenant ON queue_items (tenant_id)`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Enqueue(ctx context.Context, it *Item) error {
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
    ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := s.db.ExecContext(ctx, query,
		it.ID, it.TenantID, it.BranchID, it.DeviceID, it.Environment, string(it.Operation),
		it.OrderID, it.ClosingID, it.IdempotencyKey, it.Payload, string(it.Status), it.RetryCount,
		it.MaxRetries, it.NextAttemptAt, it.LastError, it.LastErrorCode,
		it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrAlreadyQueued, it.IdempotencyKey)
		}
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

func (s *PostgresStore) Eligible(ctx context.Context, now time.Time, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	if limit > MaxBatchLimit {
		limit = MaxBatchLimit
	}

	query := `SELECT id, tenant_id, branch_id, device_id, environment, operation,
           order_id, closing_id, idempotency_key, payload, status, retry_count,
           max_retries, next_attempt_at, last_error, last_error_code, regulator_id,
           created_at, updated_at, completed_at
    FROM queue_items
    WHERE status = 'pending' AND next_attempt_at <= $1
    ORDER BY created_at ASC
    LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []*Item
	for rows.Next() {
		it, err := scanItemPG(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *PostgresStore) Claim(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'processing', updated_at = $1
         WHERE id = $2 AND status = 'pending'`,
		time.Now().UTC(), id,
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

func (s *PostgresStore) Complete(ctx context.Context, id, regulatorID, code string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'completed', completed_at = $1, updated_at = $2,
         regulator_id = $3, last_error = '', last_error_code = $4
         WHERE id = $5 AND status = 'processing'`,
		now, now, regulatorID, code, id,
	)
	return err
}

func (s *PostgresStore) Reschedule(ctx context.Context, id string, next time.Time, errCode, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending', retry_count = retry_count + 1,
         next_attempt_at = $1, last_error_code = $2, last_error = $3, updated_at = $4
         WHERE id = $5 AND status = 'processing'`,
		next.UTC(), errCode, errMsg, time.Now().UTC(), id,
	)
	return err
}

func (s *PostgresStore) Defer(ctx context.Context, id string, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending', next_attempt_at = $1, updated_at = $2
         WHERE id = $3 AND status = 'processing'`,
		next.UTC(), time.Now().UTC(), id,
	)
	return err
}

func (s *PostgresStore) Fail(ctx context.Context, id, errCode, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'failed', last_error_code = $1, last_error = $2, updated_at = $3
         WHERE id = $4 AND status = 'processing'`,
		errCode, errMsg, time.Now().UTC(), id,
	)
	return err
}

func (s *PostgresStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'cancelled', updated_at = $1
         WHERE id = $2 AND status = 'pending'`,
		time.Now().UTC(), id,
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

func (s *PostgresStore) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, branch_id, device_id, environment, operation,
               order_id, closing_id, idempotency_key, payload, status, retry_count,
               max_retries, next_attempt_at, last_error, last_error_code, regulator_id,
               created_at, updated_at, completed_at
        FROM queue_items WHERE id = $1`, id)
	return scanItemPG(row)
}

func (s *PostgresStore) StatusCounts(ctx context.Context) (*Counts, error) {
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

// scanItemPG scans with native TIMESTAMPTZ columns instead of text stamps.
func scanItemPG(row rowScanner) (*Item, error) {
	var (
		it          Item
		op, status  string
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&it.ID, &it.TenantID, &it.BranchID, &it.DeviceID, &it.Environment, &op,
		&it.OrderID, &it.ClosingID, &it.IdempotencyKey, &it.Payload, &status, &it.RetryCount,
		&it.MaxRetries, &it.NextAttemptAt, &it.LastError, &it.LastErrorCode, &it.RegulatorID,
		&it.CreatedAt, &it.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	it.Operation = Operation(op)
	it.Status = Status(status)
	if completedAt.Valid {
		it.CompletedAt = completedAt.Time
	}
	return &it, nil
}
