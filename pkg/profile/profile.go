// Package profile resolves and validates compliance profiles: the bundle of
// device identifiers, software identifiers, and key material for one
// point-of-sale device. Resolution is read-only; the rest of the core treats
// profiles as opaque inputs.
package profile

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/maisonpos/fiscalcore/pkg/config"
	"github.com/maisonpos/fiscalcore/pkg/crypto"
)

var (
	// ErrNotFound indicates no active profile for the requested triple.
	ErrNotFound = errors.New("profile: not found")
	// ErrInvalid indicates a profile that fails validation.
	ErrInvalid = errors.New("profile: invalid")
)

// Profile is the active compliance profile for a (tenant, branch, device)
// triple.
type Profile struct {
	TenantID string
	BranchID string
	DeviceID string

	Environment     config.Environment
	PartnerID       string
	CertificateCode string
	SoftwareID      string
	SoftwareVersion string
	ProtocolVersion string
	PartnerVersion  string
	TestCaseCode    string // certification only

	PrivateKeyPEM []byte
	// CertificatePEM holds the device certificate; CertificateChainPEM the
	// issuing chain returned at enrollment, concatenated leaf-first.
	CertificatePEM      []byte
	CertificateChainPEM []byte

	GSTNumber string
	QSTNumber string

	BillingNumber string // authorization code from the regulator
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks required fields, PEM material, and identifiers.
func (p *Profile) Validate() error {
	required := map[string]string{
		"tenant_id":        p.TenantID,
		"device_id":        p.DeviceID,
		"partner_id":       p.PartnerID,
		"certificate_code": p.CertificateCode,
		"software_id":      p.SoftwareID,
		"software_version": p.SoftwareVersion,
		"protocol_version": p.ProtocolVersion,
		"partner_version":  p.PartnerVersion,
		"gst_number":       p.GSTNumber,
		"qst_number":       p.QSTNumber,
	}
	for field, v := range required {
		if v == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalid, field)
		}
	}
	if !p.Environment.Valid() {
		return fmt.Errorf("%w: unknown environment %q", ErrInvalid, p.Environment)
	}
	if _, err := semver.NewVersion(p.SoftwareVersion); err != nil {
		return fmt.Errorf("%w: software version %q is not semver: %v", ErrInvalid, p.SoftwareVersion, err)
	}
	if len(p.PrivateKeyPEM) > 0 {
		if _, err := crypto.ParsePrivateKey(p.PrivateKeyPEM); err != nil {
			return fmt.Errorf("%w: private key: %v", ErrInvalid, err)
		}
	}
	if len(p.CertificatePEM) > 0 {
		if _, err := crypto.ParseCertificate(p.CertificatePEM); err != nil {
			return fmt.Errorf("%w: certificate: %v", ErrInvalid, err)
		}
	}
	return nil
}

// Keypair parses the profile's key material into the signer's value object,
// enforcing key/certificate consistency.
func (p *Profile) Keypair() (*crypto.Keypair, error) {
	if len(p.PrivateKeyPEM) == 0 || len(p.CertificatePEM) == 0 {
		return nil, fmt.Errorf("%w: device not enrolled", ErrInvalid)
	}
	return crypto.ParseKeypair(p.PrivateKeyPEM, p.CertificatePEM)
}

// CertificateExpired reports whether the device certificate has expired at
// now. Resolution does not fail on expiry; the regulator will reject the
// submission and the classifier surfaces it.
func (p *Profile) CertificateExpired(now time.Time) bool {
	cert, err := crypto.ParseCertificate(p.CertificatePEM)
	if err != nil {
		return false
	}
	return now.After(cert.NotAfter)
}
