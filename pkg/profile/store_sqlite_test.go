package profile

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maisonpos/fiscalcore/pkg/config"
	"github.com/maisonpos/fiscalcore/pkg/crypto"
	"github.com/maisonpos/fiscalcore/pkg/kms"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	secrets, err := kms.New(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	store, err := NewSQLiteStore(db, secrets)
	require.NoError(t, err)
	return store
}

func testKeyMaterial(t *testing.T) (keyPEM, certPEM []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(99),
		Subject:      pkix.Name{CommonName: "DEV-1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyPEM, err = crypto.EncodePrivateKeyPEM(key)
	require.NoError(t, err)
	return keyPEM, crypto.EncodeCertificatePEM(der)
}

func validProfile(t *testing.T, deviceID string) *Profile {
	keyPEM, certPEM := testKeyMaterial(t)
	return &Profile{
		TenantID:        "resto-1",
		BranchID:        "succ-01",
		DeviceID:        deviceID,
		Environment:     config.EnvCertification,
		PartnerID:       "PART-77",
		CertificateCode: "FOB123456789",
		SoftwareID:      "SEV-0001",
		SoftwareVersion: "2.3.1",
		ProtocolVersion: "1.15",
		PartnerVersion:  "1.0",
		PrivateKeyPEM:   keyPEM,
		CertificatePEM:  certPEM,
		GSTNumber:       "123456789RT0001",
		QSTNumber:       "1234567890TQ0001",
		IsActive:        true,
	}
}

func TestSaveResolveRoundtrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	p := validProfile(t, "DEV-1")
	p.CertificateChainPEM = p.CertificatePEM

	require.NoError(t, store.Save(ctx, p))

	got, err := store.Resolve(ctx, "resto-1", "succ-01", "DEV-1")
	require.NoError(t, err)
	assert.Equal(t, p.SoftwareID, got.SoftwareID)
	assert.Equal(t, p.PrivateKeyPEM, got.PrivateKeyPEM)
	assert.Equal(t, string(p.CertificatePEM), string(got.CertificatePEM))
	assert.Equal(t, string(p.CertificateChainPEM), string(got.CertificateChainPEM))

	// The decrypted material must still form a consistent keypair.
	_, err = got.Keypair()
	require.NoError(t, err)
}

func TestPrivateKeyEncryptedAtRest(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	p := validProfile(t, "DEV-1")
	require.NoError(t, store.Save(ctx, p))

	var stored string
	err := store.db.QueryRowContext(ctx,
		`SELECT private_key_enc FROM profiles WHERE device_id = 'DEV-1'`).Scan(&stored)
	require.NoError(t, err)
	assert.NotContains(t, stored, "EC PRIVATE KEY")
	assert.NotEqual(t, string(p.PrivateKeyPEM), stored)
}

func TestResolveNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.Resolve(context.Background(), "nobody", "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveAmbiguous(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, validProfile(t, "DEV-1")))
	require.NoError(t, store.Save(ctx, validProfile(t, "DEV-2")))

	// Tenant-only resolution with two active devices is ambiguous.
	_, err := store.Resolve(ctx, "resto-1", "", "")
	assert.ErrorIs(t, err, ErrInvalid)

	// Narrowing by device resolves.
	got, err := store.Resolve(ctx, "resto-1", "", "DEV-2")
	require.NoError(t, err)
	assert.Equal(t, "DEV-2", got.DeviceID)
}

func TestResolveSkipsInactive(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	p := validProfile(t, "DEV-1")
	p.IsActive = false
	require.NoError(t, store.Save(ctx, p))

	_, err := store.Resolve(ctx, "resto-1", "succ-01", "DEV-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRejectsInvalid(t *testing.T) {
	store := testStore(t)
	p := validProfile(t, "DEV-1")
	p.SoftwareVersion = "not-semver"
	assert.Error(t, store.Save(context.Background(), p))

	p = validProfile(t, "DEV-1")
	p.GSTNumber = ""
	assert.Error(t, store.Save(context.Background(), p))

	p = validProfile(t, "DEV-1")
	p.Environment = "STAGING"
	assert.Error(t, store.Save(context.Background(), p))
}

func TestSaveUpsert(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	p := validProfile(t, "DEV-1")
	require.NoError(t, store.Save(ctx, p))

	p.SoftwareVersion = "2.4.0"
	require.NoError(t, store.Save(ctx, p))

	got, err := store.Resolve(ctx, "resto-1", "succ-01", "DEV-1")
	require.NoError(t, err)
	assert.Equal(t, "2.4.0", got.SoftwareVersion)
}
