package regulator

import (
	"github.com/maisonpos/fiscalcore/pkg/config"
	"github.com/maisonpos/fiscalcore/pkg/profile"
)

// Header names are dictated by the regulator; casing is exact and a missing
// header is rejected wire-side as INVALID_HEADER.
const (
	HdrEnvironment     = "ENVIRN"
	HdrTestCase        = "CASESSAI"
	HdrInitialization  = "APPRLINIT"
	HdrDeviceID        = "IDAPPRL"
	HdrSoftwareID      = "IDSEV"
	HdrSoftwareVersion = "IDVERSI"
	HdrCertCode        = "CODCERTIF"
	HdrPartnerID       = "IDPARTN"
	HdrProtocolVersion = "VERSI"
	HdrPartnerVersion  = "VERSIPARN"
	HdrAuthCode        = "AUTHCODE"
	HdrSignatureFlag   = "SIGNATRANSM"
	HdrFingerprintFlag = "EMPRCERTIFTRANSM"
	HdrGSTNumber       = "NOTPS"
	HdrQSTNumber       = "NOTVQ"
)

// BaseHeaders builds the header set every regulator call carries, derived
// from the resolved profile.
func BaseHeaders(p *profile.Profile, initialization bool) map[string]string {
	h := map[string]string{
		HdrEnvironment:     string(p.Environment),
		HdrInitialization:  boolFlag(initialization),
		HdrSoftwareID:      p.SoftwareID,
		HdrSoftwareVersion: p.SoftwareVersion,
		HdrCertCode:        p.CertificateCode,
		HdrPartnerID:       p.PartnerID,
		HdrProtocolVersion: p.ProtocolVersion,
		HdrPartnerVersion:  p.PartnerVersion,
	}
	if p.DeviceID != "" {
		h[HdrDeviceID] = p.DeviceID
	}
	if p.TestCaseCode != "" && p.Environment == config.EnvCertification {
		h[HdrTestCase] = p.TestCaseCode
	}
	// The authorization code travels in the header in production only;
	// during certification it is carried inside the request body instead.
	if p.Environment == config.EnvProduction && p.BillingNumber != "" {
		h[HdrAuthCode] = p.BillingNumber
	}
	return h
}

// TransactionHeaders extends BaseHeaders with the transaction-only fields:
// transmit flags and tax registration identifiers.
func TransactionHeaders(p *profile.Profile) map[string]string {
	h := BaseHeaders(p, false)
	h[HdrSignatureFlag] = "O"
	h[HdrFingerprintFlag] = "O"
	h[HdrGSTNumber] = p.GSTNumber
	h[HdrQSTNumber] = p.QSTNumber
	return h
}

// BodyAuthCode returns the authorization code when it must travel in the
// request body (certification), or "" when it belongs in the header.
func BodyAuthCode(p *profile.Profile) string {
	if p.Environment == config.EnvCertification {
		return p.BillingNumber
	}
	return ""
}

func boolFlag(b bool) string {
	if b {
		return "O"
	}
	return "N"
}
