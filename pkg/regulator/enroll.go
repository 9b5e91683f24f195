package regulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maisonpos/fiscalcore/pkg/crypto"
	"github.com/maisonpos/fiscalcore/pkg/profile"
)

// EnrollAction selects between obtaining and annulling a certificate.
type EnrollAction string

const (
	EnrollAdd    EnrollAction = "AJO"
	EnrollRevoke EnrollAction = "SUP"
)

// enrollRequest is the enrollment body. The CSR travels PEM-encoded; during
// certification the authorization code rides in the body as well.
type enrollRequest struct {
	ReqCertif struct {
		Modif    string `json:"modif"`
		CSR      string `json:"csr,omitempty"`
		AuthCode string `json:"codAutor,omitempty"`
		Serial   string `json:"noSerie,omitempty"`
	} `json:"reqCertif"`
}

// enrollResponse carries the issued device certificate and its issuing chain.
type enrollResponse struct {
	RetourCertif struct {
		Certificate string      `json:"certif"`
		Chain       []string    `json:"listCertifChaine,omitempty"`
		ListErr     []WireError `json:"listErr,omitempty"`
	} `json:"retourCertif"`
}

// Enroller performs the one-time certificate exchange for a device.
type Enroller struct {
	client *Client
	store  *profile.SQLiteStore
	logger *slog.Logger
}

// NewEnroller wires an enrollment client against the profile store.
func NewEnroller(client *Client, store *profile.SQLiteStore) *Enroller {
	return &Enroller{
		client: client,
		store:  store,
		logger: slog.Default().With("component", "enroller"),
	}
}

// Enroll generates a keypair, submits a CSR, and persists the returned
// certificate alongside the (re-encrypted) private key. The profile must
// already exist; enrollment fills in its key material.
func (e *Enroller) Enroll(ctx context.Context, p *profile.Profile, subject crypto.CSRSubject) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}

	csrPEM, err := crypto.BuildCSR(key, subject)
	if err != nil {
		return err
	}

	var req enrollRequest
	req.ReqCertif.Modif = string(EnrollAdd)
	req.ReqCertif.CSR = string(csrPEM)
	req.ReqCertif.AuthCode = BodyAuthCode(p)

	resp, err := e.post(ctx, p, &req)
	if err != nil {
		return err
	}

	certPEM := []byte(resp.RetourCertif.Certificate)
	if _, err := crypto.ParseCertificate(certPEM); err != nil {
		return fmt.Errorf("regulator: enrollment returned unusable certificate: %w", err)
	}

	keyPEM, err := crypto.EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}

	// Sanity-check the pair before persisting.
	if _, err := crypto.ParseKeypair(keyPEM, certPEM); err != nil {
		return fmt.Errorf("regulator: issued certificate does not match generated key: %w", err)
	}

	p.PrivateKeyPEM = keyPEM
	p.CertificatePEM = certPEM
	p.CertificateChainPEM = joinChain(resp.RetourCertif.Chain)
	if err := e.store.Save(ctx, p); err != nil {
		return err
	}

	e.logger.Info("device enrolled",
		"tenant", p.TenantID, "device", p.DeviceID,
		"fingerprint", fingerprintOf(certPEM))
	return nil
}

// Revoke annuls the device's current certificate with the regulator. Key
// material is kept locally for audit of previously signed receipts.
func (e *Enroller) Revoke(ctx context.Context, p *profile.Profile) error {
	kp, err := p.Keypair()
	if err != nil {
		return err
	}

	var req enrollRequest
	req.ReqCertif.Modif = string(EnrollRevoke)
	req.ReqCertif.AuthCode = BodyAuthCode(p)
	req.ReqCertif.Serial = kp.Certificate.SerialNumber.String()

	if _, err := e.post(ctx, p, &req); err != nil {
		return err
	}

	e.logger.Info("certificate revoked", "tenant", p.TenantID, "device", p.DeviceID)
	return nil
}

func (e *Enroller) post(ctx context.Context, p *profile.Profile, req *enrollRequest) (*enrollResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("regulator: marshal enrollment: %w", err)
	}

	wire, err := e.client.Post(ctx, PathEnrollment, body, BaseHeaders(p, true), "")
	if err != nil {
		return nil, err
	}
	if wire.TransportCode != TransportNone {
		return nil, fmt.Errorf("regulator: enrollment transport failure: %s", wire.TransportCode)
	}

	var resp enrollResponse
	if err := json.Unmarshal(wire.Body, &resp); err != nil {
		return nil, fmt.Errorf("regulator: enrollment response not JSON (status %d)", wire.Status)
	}
	if errs := resp.RetourCertif.ListErr; len(errs) > 0 {
		return nil, fmt.Errorf("regulator: enrollment rejected: %s (%s)", errs[0].Mess, errs[0].CodRetour)
	}
	if wire.Status < 200 || wire.Status >= 300 {
		return nil, fmt.Errorf("regulator: enrollment failed with status %d", wire.Status)
	}
	return &resp, nil
}

// joinChain concatenates the issuing chain as returned, leaf-side first,
// normalizing each block to end with a single newline.
func joinChain(chain []string) []byte {
	if len(chain) == 0 {
		return nil
	}
	var buf []byte
	for _, block := range chain {
		buf = append(buf, []byte(strings.TrimRight(block, "\n"))...)
		buf = append(buf, '\n')
	}
	return buf
}

func fingerprintOf(certPEM []byte) string {
	cert, err := crypto.ParseCertificate(certPEM)
	if err != nil {
		return ""
	}
	return crypto.Fingerprint(cert.Raw)
}
