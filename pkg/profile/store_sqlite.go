package profile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/maisonpos/fiscalcore/pkg/config"
	"github.com/maisonpos/fiscalcore/pkg/kms"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists profiles with the private key encrypted at rest.
type SQLiteStore struct {
	db      *sql.DB
	secrets *kms.Store
}

// NewSQLiteStore migrates the profiles table and returns a store.
func NewSQLiteStore(db *sql.DB, secrets *kms.Store) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, secrets: secrets}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS profiles (
        tenant_id TEXT NOT NULL,
        branch_id TEXT NOT NULL DEFAULT '',
        device_id TEXT NOT NULL,
        environment TEXT NOT NULL,
        partner_id TEXT NOT NULL,
        certificate_code TEXT NOT NULL,
        software_id TEXT NOT NULL,
        software_version TEXT NOT NULL,
        protocol_version TEXT NOT NULL,
        partner_version TEXT NOT NULL,
        test_case_code TEXT NOT NULL DEFAULT '',
        private_key_enc TEXT NOT NULL DEFAULT '',
        certificate_pem TEXT NOT NULL DEFAULT '',
        certificate_chain_pem TEXT NOT NULL DEFAULT '',
        gst_number TEXT NOT NULL,
        qst_number TEXT NOT NULL,
        billing_number TEXT NOT NULL DEFAULT '',
        is_active INTEGER NOT NULL DEFAULT 1,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        PRIMARY KEY (tenant_id, branch_id, device_id)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const profileColumns = `tenant_id, branch_id, device_id, environment, partner_id,
	certificate_code, software_id, software_version, protocol_version,
	partner_version, test_case_code, private_key_enc, certificate_pem,
	certificate_chain_pem, gst_number, qst_number, billing_number, is_active,
	created_at, updated_at`

// Resolve returns the active profile for the triple, decrypting the private
// key. Empty branch and device select the tenant's single active profile;
// more than one match is an error.
func (s *SQLiteStore) Resolve(ctx context.Context, tenantID, branchID, deviceID string) (*Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE tenant_id = ? AND is_active = 1`
	args := []any{tenantID}
	if branchID != "" {
		query += ` AND branch_id = ?`
		args = append(args, branchID)
	}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var matches []*Profile
	for rows.Next() {
		p, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: tenant=%s branch=%s device=%s", ErrNotFound, tenantID, branchID, deviceID)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: ambiguous resolution for tenant=%s (%d matches)", ErrInvalid, tenantID, len(matches))
	}
}

// Save upserts a profile, encrypting the private key before storage.
func (s *SQLiteStore) Save(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	keyEnc := ""
	if len(p.PrivateKeyPEM) > 0 {
		enc, err := s.secrets.Encrypt(p.PrivateKeyPEM)
		if err != nil {
			return fmt.Errorf("profile: encrypt key: %w", err)
		}
		keyEnc = enc
	}

	now := time.Now().UTC()
	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
    INSERT INTO profiles (` + profileColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT (tenant_id, branch_id, device_id) DO UPDATE SET
        environment = excluded.environment,
        partner_id = excluded.partner_id,
        certificate_code = excluded.certificate_code,
        software_id = excluded.software_id,
        software_version = excluded.software_version,
        protocol_version = excluded.protocol_version,
        partner_version = excluded.partner_version,
        test_case_code = excluded.test_case_code,
        private_key_enc = excluded.private_key_enc,
        certificate_pem = excluded.certificate_pem,
        certificate_chain_pem = excluded.certificate_chain_pem,
        gst_number = excluded.gst_number,
        qst_number = excluded.qst_number,
        billing_number = excluded.billing_number,
        is_active = excluded.is_active,
        updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		p.TenantID, p.BranchID, p.DeviceID, string(p.Environment), p.PartnerID,
		p.CertificateCode, p.SoftwareID, p.SoftwareVersion, p.ProtocolVersion,
		p.PartnerVersion, p.TestCaseCode, keyEnc, string(p.CertificatePEM),
		string(p.CertificateChainPEM), p.GSTNumber, p.QSTNumber, p.BillingNumber,
		boolToInt(p.IsActive), created.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("profile: save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scan(rows *sql.Rows) (*Profile, error) {
	var (
		p         Profile
		env       string
		keyEnc    string
		certPEM   string
		chainPEM  string
		isActive  int
		createdAt string
		updatedAt string
	)
	if err := rows.Scan(
		&p.TenantID, &p.BranchID, &p.DeviceID, &env, &p.PartnerID,
		&p.CertificateCode, &p.SoftwareID, &p.SoftwareVersion, &p.ProtocolVersion,
		&p.PartnerVersion, &p.TestCaseCode, &keyEnc, &certPEM, &chainPEM,
		&p.GSTNumber, &p.QSTNumber, &p.BillingNumber, &isActive, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	p.Environment = config.Environment(env)
	p.CertificatePEM = []byte(certPEM)
	if chainPEM != "" {
		p.CertificateChainPEM = []byte(chainPEM)
	}
	p.IsActive = isActive != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)

	if keyEnc != "" {
		pem, err := s.secrets.Decrypt(keyEnc)
		if err != nil {
			return nil, err
		}
		p.PrivateKeyPEM = pem
	}
	return &p, nil
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
