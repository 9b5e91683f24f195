// Package audit records one entry per processed queue attempt: what was
// sent, what came back, and how it was classified. Entries are the primary
// forensic record when a submission is disputed.
package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const (
	// DefaultListLimit is applied when a caller asks for zero entries.
	DefaultListLimit = 50

	// MaxListLimit caps one listing query.
	MaxListLimit = 200
)

// Entry is one processed attempt.
type Entry struct {
	ID           string
	TenantID     string
	OrderID      string // exactly one of OrderID / ClosingID is set
	ClosingID    string
	Operation    string // "transaction" | "closing"
	Method       string
	Path         string
	RequestHash  string // SHA-256 hex of the canonical request body
	Signature    string // base64 request signature
	Status       int
	ResponseHash string
	RegulatorID  string
	DurationMs   int64
	ErrorCode    string // classified code, empty on success
	ErrorMsg     string // sanitized
	CodRetour    string // regulator return code
	CreatedAt    time.Time
}

// Store persists audit entries.
type Store interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, orderID string, limit int) ([]*Entry, error)
}

// SQLiteStore is the default durable audit sink.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore migrates the audit_logs table and returns a store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, logger: slog.Default().With("component", "audit")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_logs (
        id TEXT PRIMARY KEY,
        tenant_id TEXT NOT NULL,
        order_id TEXT NOT NULL DEFAULT '',
        closing_id TEXT NOT NULL DEFAULT '',
        operation TEXT NOT NULL,
        method TEXT NOT NULL,
        path TEXT NOT NULL,
        request_hash TEXT NOT NULL DEFAULT '',
        signature TEXT NOT NULL DEFAULT '',
        status INTEGER NOT NULL DEFAULT 0,
        response_hash TEXT NOT NULL DEFAULT '',
        regulator_id TEXT NOT NULL DEFAULT '',
        duration_ms INTEGER NOT NULL DEFAULT 0,
        error_code TEXT NOT NULL DEFAULT '',
        error_msg TEXT NOT NULL DEFAULT '',
        cod_retour TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_order ON audit_logs (order_id);
    CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_logs (tenant_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Record inserts an entry, assigning id and timestamp if unset.
func (s *SQLiteStore) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `
    INSERT INTO audit_logs (
        id, tenant_id, order_id, closing_id, operation, method, path,
        request_hash, signature, status, response_hash, regulator_id,
        duration_ms, error_code, error_msg, cod_retour, created_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.TenantID, e.OrderID, e.ClosingID, e.Operation, e.Method, e.Path,
		e.RequestHash, e.Signature, e.Status, e.ResponseHash, e.RegulatorID,
		e.DurationMs, e.ErrorCode, e.ErrorMsg, e.CodRetour,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Error("audit record failed", "tenant", e.TenantID, "err", err)
	}
	return err
}

// List returns the most recent entries, optionally filtered to one order.
// The limit is clamped to MaxListLimit.
func (s *SQLiteStore) List(ctx context.Context, orderID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	query := `
    SELECT id, tenant_id, order_id, closing_id, operation, method, path,
           request_hash, signature, status, response_hash, regulator_id,
           duration_ms, error_code, error_msg, cod_retour, created_at
    FROM audit_logs`
	args := []any{}
	if orderID != "" {
		query += ` WHERE order_id = ?`
		args = append(args, orderID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.OrderID, &e.ClosingID, &e.Operation, &e.Method, &e.Path,
			&e.RequestHash, &e.Signature, &e.Status, &e.ResponseHash, &e.RegulatorID,
			&e.DurationMs, &e.ErrorCode, &e.ErrorMsg, &e.CodRetour, &createdAt,
		); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
