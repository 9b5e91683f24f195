package receipt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Target selects where receipts are persisted.
type Target string

const (
	TargetFiles   Target = "files"
	TargetStorage Target = "storage"
	TargetNone    Target = "none"
)

// Store is the persistence contract the worker writes through.
type Store interface {
	// Persist appends a receipt; a second receipt for the same
	// (tenant, entity) fails with ErrAlreadyExists.
	Persist(ctx context.Context, r *Receipt) error
	// LatestForDevice returns the most recent receipt for (tenant, device)
	// ordered by transaction timestamp, or nil when the chain is empty.
	LatestForDevice(ctx context.Context, tenantID, deviceID string) (*Receipt, error)
	// SetRegulatorID records the regulator-assigned id after the fact. This
	// is the one permitted mutation: it fills a column that was null, never
	// rewrites signature material.
	SetRegulatorID(ctx context.Context, tenantID, entityID, regulatorID string) error
}

// NewStore builds the store for a target. files needs dir; storage needs db
// and the explicit allow-write flag.
func NewStore(target Target, dir string, db *sql.DB, allowWrites bool) (Store, error) {
	switch target {
	case TargetFiles:
		return &FileStore{dir: dir}, nil
	case TargetStorage:
		return NewSQLStore(db, allowWrites)
	case TargetNone:
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("receipt: unknown target %q", target)
	}
}

// FileStore appends receipts as JSON documents under a local directory.
// Chain lookups scan the directory, which is fine for the dev and
// certification volumes this target is meant for.
type FileStore struct {
	dir string
}

func (s *FileStore) Persist(ctx context.Context, r *Receipt) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("receipt: create dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", r.EntityID, r.Timestamp.UTC().Format("20060102150405"))
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, r.EntityID)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("receipt: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("receipt: write: %w", err)
	}
	return nil
}

func (s *FileStore) LatestForDevice(ctx context.Context, tenantID, deviceID string) (*Receipt, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	var latest *Receipt
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var r Receipt
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		if r.TenantID != tenantID || r.DeviceID != deviceID {
			continue
		}
		if latest == nil || r.Timestamp.After(latest.Timestamp) {
			cp := r
			latest = &cp
		}
	}
	return latest, nil
}

func (s *FileStore) SetRegulatorID(ctx context.Context, tenantID, entityID, regulatorID string) error {
	// File receipts are written after the regulator id is known; nothing to
	// update.
	return nil
}

// SQLStore inserts receipts into a durable table. Writes are blocked unless
// the storage-writes-allowed flag was set at construction.
type SQLStore struct {
	db          *sql.DB
	allowWrites bool
}

// NewSQLStore migrates the receipts table.
func NewSQLStore(db *sql.DB, allowWrites bool) (*SQLStore, error) {
	s := &SQLStore{db: db, allowWrites: allowWrites}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS receipts (
        tenant_id TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        device_id TEXT NOT NULL,
        environment TEXT NOT NULL,
        previous_signature TEXT NOT NULL,
        current_signature TEXT NOT NULL,
        canonical_hash TEXT NOT NULL,
        qr TEXT NOT NULL DEFAULT '',
        print_mode TEXT NOT NULL DEFAULT 'PAP',
        format TEXT NOT NULL DEFAULT '',
        regulator_id TEXT,
        software_id TEXT NOT NULL DEFAULT '',
        software_version TEXT NOT NULL DEFAULT '',
        timestamp DATETIME NOT NULL,
        metadata JSON,
        PRIMARY KEY (tenant_id, entity_id)
    );
    CREATE INDEX IF NOT EXISTS idx_receipts_device ON receipts (tenant_id, device_id, timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLStore) Persist(ctx context.Context, r *Receipt) error {
	if !s.allowWrites {
		return fmt.Errorf("receipt: storage writes are not allowed")
	}
	if err := r.Validate(); err != nil {
		return err
	}

	metaJSON, _ := json.Marshal(r.Metadata)
	query := `
    INSERT INTO receipts (
        tenant_id, entity_id, device_id, environment, previous_signature,
        current_signature, canonical_hash, qr, print_mode, format,
        regulator_id, software_id, software_version, timestamp, metadata
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		r.TenantID, r.EntityID, r.DeviceID, r.Environment, r.Previous,
		r.Current, r.Hash, r.QR, string(r.PrintMode), r.Format,
		nullable(r.RegulatorID), r.SoftwareID, r.SoftwareVer,
		r.Timestamp.UTC().Format(time.RFC3339Nano), string(metaJSON),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, r.EntityID)
		}
		return fmt.Errorf("receipt: insert: %w", err)
	}
	return nil
}

func (s *SQLStore) LatestForDevice(ctx context.Context, tenantID, deviceID string) (*Receipt, error) {
	query := `
    SELECT tenant_id, entity_id, device_id, environment, previous_signature,
           current_signature, canonical_hash, qr, print_mode, format,
           regulator_id, software_id, software_version, timestamp, metadata
    FROM receipts
    WHERE tenant_id = ? AND device_id = ?
    ORDER BY timestamp DESC
    LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, tenantID, deviceID)
	r, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLStore) SetRegulatorID(ctx context.Context, tenantID, entityID, regulatorID string) error {
	if !s.allowWrites {
		return fmt.Errorf("receipt: storage writes are not allowed")
	}
	query := `UPDATE receipts SET regulator_id = ? WHERE tenant_id = ? AND entity_id = ? AND regulator_id IS NULL`
	_, err := s.db.ExecContext(ctx, query, regulatorID, tenantID, entityID)
	return err
}

// NopStore discards receipts.
type NopStore struct{}

func (NopStore) Persist(ctx context.Context, r *Receipt) error { return nil }
func (NopStore) LatestForDevice(ctx context.Context, tenantID, deviceID string) (*Receipt, error) {
	return nil, nil
}
func (NopStore) SetRegulatorID(ctx context.Context, tenantID, entityID, regulatorID string) error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var (
		r         Receipt
		printMode string
		regID     sql.NullString
		ts        string
		metaJSON  sql.NullString
	)
	if err := row.Scan(
		&r.TenantID, &r.EntityID, &r.DeviceID, &r.Environment, &r.Previous,
		&r.Current, &r.Hash, &r.QR, &printMode, &r.Format,
		&regID, &r.SoftwareID, &r.SoftwareVer, &ts, &metaJSON,
	); err != nil {
		return nil, err
	}
	r.PrintMode = PrintMode(printMode)
	r.RegulatorID = regID.String
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		r.Timestamp = t
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
	}
	return &r, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	// Both modernc.org/sqlite and lib/pq surface constraint violations with
	// recognizable text; the queue store shares this heuristic.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
