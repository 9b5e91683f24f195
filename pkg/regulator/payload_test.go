package regulator

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maisonpos/fiscalcore/pkg/config"
	"github.com/maisonpos/fiscalcore/pkg/crypto"
	"github.com/maisonpos/fiscalcore/pkg/order"
	"github.com/maisonpos/fiscalcore/pkg/profile"
)

func testProfile(env config.Environment) *profile.Profile {
	return &profile.Profile{
		TenantID:        "resto-1",
		BranchID:        "succ-01",
		DeviceID:        "DEV-1",
		Environment:     env,
		PartnerID:       "PART-77",
		CertificateCode: "FOB123456789",
		SoftwareID:      "SEV-0001",
		SoftwareVersion: "2.3.1",
		ProtocolVersion: "1.15",
		PartnerVersion:  "1.0",
		TestCaseCode:    "100.00",
		GSTNumber:       "123456789RT0001",
		QSTNumber:       "1234567890TQ0001",
		BillingNumber:   "AUTH-42",
		IsActive:        true,
	}
}

func testSnapshot() *order.Snapshot {
	return &order.Snapshot{
		OrderID:   "O-1001",
		TenantID:  "resto-1",
		BranchID:  "succ-01",
		DeviceID:  "DEV-1",
		Category:  order.CategorySale,
		Timestamp: time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		Lines: []order.Line{
			{Description: "Poutine classique", Quantity: 1, UnitPrice: "15.99", LineTotal: "15.99"},
		},
		Subtotal:      "15.99",
		GST:           "0.80",
		QST:           "1.59",
		Tip:           "0.00",
		Total:         "18.38",
		PaymentMethod: "CRE",
		ServiceType:   "TBL",
	}
}

func testKeypair(t *testing.T) *crypto.Keypair {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "DEV-1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &crypto.Keypair{PrivateKey: key, Certificate: cert}
}

func TestBuildTransactionPayload(t *testing.T) {
	payload := BuildTransactionPayload(testSnapshot(), testProfile(config.EnvCertification))

	trans, ok := payload["reqTrans"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "O-1001", trans["noTrans"])
	assert.Equal(t, "20250115103000", trans["datTrans"])
	assert.Equal(t, "ENR", trans["typTrans"])

	mont := trans["mont"].(map[string]any)
	assert.Equal(t, "15.99", mont["avantTax"])
	assert.Equal(t, "0.80", mont["TPS"])
	assert.Equal(t, "1.59", mont["TVQ"])
	assert.Equal(t, "18.38", mont["apresTax"])

	// Certification carries the authorization code in the body.
	assert.Equal(t, "AUTH-42", trans["codAutor"])
}

func TestBuildTransactionPayloadProductionOmitsBodyAuthCode(t *testing.T) {
	payload := BuildTransactionPayload(testSnapshot(), testProfile(config.EnvProduction))
	trans := payload["reqTrans"].(map[string]any)
	_, present := trans["codAutor"]
	assert.False(t, present)
}

func TestBuildClosingPayload(t *testing.T) {
	cl := &order.Closing{
		ClosingID:        "C-2025-01-15",
		TenantID:         "resto-1",
		DeviceID:         "DEV-1",
		Timestamp:        time.Date(2025, 1, 15, 23, 59, 0, 0, time.UTC),
		TransactionCount: 184,
		GrossTotal:       "4211.80",
		GSTTotal:         "182.94",
		QSTTotal:         "365.06",
	}
	payload := BuildClosingPayload(cl, testProfile(config.EnvCertification))

	fer, ok := payload["reqFer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "C-2025-01-15", fer["noFer"])
	assert.Equal(t, 184, fer["nbTrans"])
	mont := fer["mont"].(map[string]any)
	assert.Equal(t, "4211.80", mont["brut"])
}

func TestInjectEnvelopeAndSchema(t *testing.T) {
	p := testProfile(config.EnvCertification)
	payload := BuildTransactionPayload(testSnapshot(), p)

	signer := crypto.NewSigner(testKeypair(t))
	env, err := signer.Sign(payload, "", "20250115103000")
	require.NoError(t, err)

	body, err := InjectEnvelope(payload, env)
	require.NoError(t, err)

	require.NoError(t, ValidateTransactionBody(body))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	signa := decoded["reqTrans"].(map[string]any)["signa"].(map[string]any)
	assert.Len(t, signa["actu"], 88)
	assert.Len(t, signa["preced"], 88)
	assert.Len(t, signa["empreinte"], 64)
	assert.Len(t, signa["emprCertifSEV"], 64)
}

func TestValidateTransactionBodyRejectsMissingSignature(t *testing.T) {
	payload := BuildTransactionPayload(testSnapshot(), testProfile(config.EnvCertification))
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Error(t, ValidateTransactionBody(raw))
}

func TestValidateTransactionBodyRejectsNonJSON(t *testing.T) {
	err := ValidateTransactionBody([]byte("pas du json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not JSON")
}

func TestPayloadNormalizesLineDescriptions(t *testing.T) {
	snap := testSnapshot()
	snap.Lines[0].Description = "Crème brûlée"
	payload := BuildTransactionPayload(snap, testProfile(config.EnvCertification))
	items := payload["reqTrans"].(map[string]any)["items"].([]any)
	descr := items[0].(map[string]any)["descr"].(string)
	assert.Equal(t, "Crème brûlée", descr)
}
