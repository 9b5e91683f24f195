package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `tenant_id: resto-1
branch_id: succ-01
device_id: DEV-9
environment: ESSAI
partner_id: PART-77
certificate_code: FOB123456789
software_id: SEV-0001
software_version: 2.3.1
protocol_version: "1.15"
partner_version: "1.0"
gst_number: 123456789RT0001
qst_number: 1234567890TQ0001
billing_number: AUTH-42
private_key_file: dev9.key
certificate_file: dev9.crt
`

func writeSeed(t *testing.T, dir string) {
	t.Helper()
	keyPEM, certPEM := testKeyMaterial(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_dev9.yaml"), []byte(seedYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev9.key"), keyPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev9.crt"), certPEM, 0o600))
}

func TestLoadSeed(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir)

	p, err := LoadSeed(filepath.Join(dir, "profile_dev9.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "DEV-9", p.DeviceID)
	assert.Equal(t, "AUTH-42", p.BillingNumber)
	assert.True(t, p.IsActive)

	// Key material is resolved relative to the seed file.
	_, err = p.Keypair()
	require.NoError(t, err)
}

func TestLoadSeedMissingKeyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_bad.yaml"), []byte(seedYAML), 0o600))

	_, err := LoadSeed(filepath.Join(dir, "profile_bad.yaml"))
	assert.Error(t, err)
}

func TestSeedDir(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir)
	// Files outside the profile_*.yaml pattern are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.yaml"), []byte("x: 1"), 0o600))

	store := testStore(t)
	n, err := SeedDir(context.Background(), store, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Resolve(context.Background(), "resto-1", "succ-01", "DEV-9")
	require.NoError(t, err)
	assert.Equal(t, "SEV-0001", got.SoftwareID)
}
