package queue

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

const (
	// BreakerThreshold is the consecutive-failure count that opens a circuit.
	BreakerThreshold = 5

	// BreakerCooldown is how long an open circuit blocks submissions.
	BreakerCooldown = 60 * time.Second
)

// Breaker is a durable circuit breaker keyed by (environment, tenant,
// operation). State survives process restarts so a flapping regulator does
// not get hammered after a redeploy.
type Breaker struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewBreaker migrates the breaker table and returns a breaker. The clock is
// injectable for tests.
func NewBreaker(db *sql.DB, now func() time.Time) (*Breaker, error) {
	if now == nil {
		now = time.Now
	}
	b := &Breaker{db: db, now: now, logger: slog.Default().With("component", "breaker")}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Breaker) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS circuit_breakers (
        environment TEXT NOT NULL,
        tenant_id TEXT NOT NULL,
        operation TEXT NOT NULL,
        failure_count INTEGER NOT NULL DEFAULT 0,
        opened_at DATETIME,
        updated_at DATETIME NOT NULL,
        PRIMARY KEY (environment, tenant_id, operation)
    );`
	_, err := b.db.ExecContext(context.Background(), query)
	return err
}

// Allow reports whether a submission for the key may proceed. An open
// circuit whose cooldown has elapsed is reset and allowed through; the next
// failure re-opens it immediately at the threshold.
func (b *Breaker) Allow(ctx context.Context, env, tenantID string, op Operation) (bool, error) {
	var (
		failures int
		openedAt sql.NullString
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT failure_count, opened_at FROM circuit_breakers
         WHERE environment = ? AND tenant_id = ? AND operation = ?`,
		env, tenantID, string(op),
	).Scan(&failures, &openedAt)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if failures < BreakerThreshold || !openedAt.Valid {
		return true, nil
	}

	opened := parseTime(openedAt.String)
	if b.now().UTC().Sub(opened) < BreakerCooldown {
		return false, nil
	}

	// Cooldown elapsed: half-open by resetting and letting the caller probe.
	if err := b.Reset(ctx, env, tenantID, op); err != nil {
		return false, err
	}
	b.logger.Info("circuit half-open", "tenant", tenantID, "operation", string(op))
	return true, nil
}

// RecordFailure increments the consecutive-failure count and stamps the open
// time when the threshold is crossed.
func (b *Breaker) RecordFailure(ctx context.Context, env, tenantID string, op Operation) error {
	now := b.now().UTC().Format(time.RFC3339Nano)
	_, err := b.db.ExecContext(ctx, `
    INSERT INTO circuit_breakers (environment, tenant_id, operation, failure_count, opened_at, updated_at)
    VALUES (?, ?, ?, 1, NULL, ?)
    ON CONFLICT (environment, tenant_id, operation) DO UPDATE SET
        failure_count = circuit_breakers.failure_count + 1,
        opened_at = CASE
            WHEN circuit_breakers.failure_count + 1 >= ? THEN excluded.updated_at
            ELSE circuit_breakers.opened_at
        END,
        updated_at = excluded.updated_at`,
		env, tenantID, string(op), now, BreakerThreshold,
	)
	if err != nil {
		return err
	}

	var failures int
	if err := b.db.QueryRowContext(ctx,
		`SELECT failure_count FROM circuit_breakers
         WHERE environment = ? AND tenant_id = ? AND operation = ?`,
		env, tenantID, string(op),
	).Scan(&failures); err == nil && failures == BreakerThreshold {
		b.logger.Warn("circuit opened", "tenant", tenantID, "operation", string(op), "failures", failures)
	}
	return nil
}

// RecordSuccess resets the circuit for the key.
func (b *Breaker) RecordSuccess(ctx context.Context, env, tenantID string, op Operation) error {
	return b.Reset(ctx, env, tenantID, op)
}

// Reset clears failure state for the key.
func (b *Breaker) Reset(ctx context.Context, env, tenantID string, op Operation) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE circuit_breakers SET failure_count = 0, opened_at = NULL, updated_at = ?
         WHERE environment = ? AND tenant_id = ? AND operation = ?`,
		b.now().UTC().Format(time.RFC3339Nano), env, tenantID, string(op),
	)
	return err
}
