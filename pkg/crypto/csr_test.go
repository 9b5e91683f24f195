package crypto

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCSRSubject(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	csrPEM, err := BuildCSR(key, CSRSubject{
		Country:           "CA",
		Province:          "QC",
		Locality:          "Montreal",
		AuthorizationCode: "A1B2C3",
		TaxRegistration:   "1234567890TQ0001",
		Surname:           "Tremblay",
		GivenName:         "Marie",
		SerialNumber:      "DEV-042",
	})
	require.NoError(t, err)

	block, _ := pem.Decode(csrPEM)
	require.NotNil(t, block)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())

	assert.Equal(t, "1234567890TQ0001", csr.Subject.CommonName)
	assert.Equal(t, []string{"A1B2C3"}, csr.Subject.Organization)
	assert.Equal(t, []string{"CA"}, csr.Subject.Country)
	assert.Equal(t, "DEV-042", csr.Subject.SerialNumber)
	assert.Equal(t, x509.ECDSAWithSHA256, csr.SignatureAlgorithm)
}

func TestBuildCSRKeyUsageExtension(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	csrPEM, err := BuildCSR(key, CSRSubject{Country: "CA", TaxRegistration: "X"})
	require.NoError(t, err)

	block, _ := pem.Decode(csrPEM)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)

	var found bool
	for _, ext := range csr.Extensions {
		if !ext.Id.Equal(oidKeyUsage) {
			continue
		}
		found = true
		assert.True(t, ext.Critical)

		var bits asn1.BitString
		_, err := asn1.Unmarshal(ext.Value, &bits)
		require.NoError(t, err)
		// digitalSignature (bit 0) and nonRepudiation (bit 1), nothing else.
		assert.Equal(t, 2, bits.BitLength)
		assert.Equal(t, []byte{0xC0}, bits.Bytes)
	}
	assert.True(t, found, "key usage extension missing")
}

func TestBuildCSRSingleLineBody(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	csrPEM, err := BuildCSR(key, CSRSubject{Country: "CA", TaxRegistration: "X"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(csrPEM)), "\n")
	// Header, one base64 line, footer.
	require.Len(t, lines, 3)
	assert.Equal(t, "-----BEGIN CERTIFICATE REQUEST-----", lines[0])
	assert.Equal(t, "-----END CERTIFICATE REQUEST-----", lines[2])
	assert.Greater(t, len(lines[1]), 64)
}

func TestParseKeypairMismatch(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	kp := testKeypair(t)

	keyPEM, err := EncodePrivateKeyPEM(k1)
	require.NoError(t, err)
	certPEM := EncodeCertificatePEM(kp.Certificate.Raw)

	_, err = ParseKeypair(keyPEM, certPEM)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestParsePrivateKeyRoundtrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	pemBytes, err := EncodePrivateKeyPEM(key)
	require.NoError(t, err)

	parsed, err := ParsePrivateKey(pemBytes)
	require.NoError(t, err)
	assert.True(t, parsed.PublicKey.Equal(&key.PublicKey))
}
