// Package receipt persists the durable, append-only record of every fiscal
// event: the chained signatures, the canonical payload hash, and the QR
// string a renderer would print. Receipts are never updated in place.
package receipt

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// MaxQRLength bounds the QR payload.
const MaxQRLength = 2048

// ErrAlreadyExists indicates a second insert for the same entity.
var ErrAlreadyExists = errors.New("receipt: already exists for entity")

// PrintMode distinguishes paper and electronic delivery.
type PrintMode string

const (
	PrintPaper      PrintMode = "PAP"
	PrintElectronic PrintMode = "ELE"
)

// Receipt is one persisted fiscal record for a (tenant, entity) pair.
type Receipt struct {
	TenantID    string            `json:"tenant_id"`
	EntityID    string            `json:"entity_id"` // order or closing id
	DeviceID    string            `json:"device_id"`
	Environment string            `json:"environment"`
	Previous    string            `json:"previous_signature"` // 88 base64 chars or the '=' sentinel
	Current     string            `json:"current_signature"`  // 88 base64 chars
	Hash        string            `json:"canonical_hash"`     // 64 lowercase hex
	QR          string            `json:"qr"`
	PrintMode   PrintMode         `json:"print_mode"`
	Format      string            `json:"format"`
	RegulatorID string            `json:"regulator_id,omitempty"`
	SoftwareID  string            `json:"software_id"`
	SoftwareVer string            `json:"software_version"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate enforces the structural invariants before persistence.
func (r *Receipt) Validate() error {
	if r.TenantID == "" || r.EntityID == "" {
		return fmt.Errorf("receipt: missing tenant or entity id")
	}
	if len(r.Current) != 88 {
		return fmt.Errorf("receipt: current signature length %d, want 88", len(r.Current))
	}
	if len(r.Previous) != 88 {
		return fmt.Errorf("receipt: previous signature length %d, want 88", len(r.Previous))
	}
	if len(r.Hash) != 64 {
		return fmt.Errorf("receipt: canonical hash length %d, want 64", len(r.Hash))
	}
	if len(r.QR) > MaxQRLength {
		return fmt.Errorf("receipt: QR length %d exceeds %d", len(r.QR), MaxQRLength)
	}
	return nil
}

// BuildQR renders the verification QR payload: the regulator's public check
// URL carrying the entity, device, and a signature fragment.
func BuildQR(baseURL, entityID, deviceID, signature string) string {
	frag := signature
	if len(frag) > 20 {
		frag = frag[:20]
	}
	v := url.Values{}
	v.Set("no", entityID)
	v.Set("ap", deviceID)
	v.Set("sg", frag)
	qr := baseURL + "/verify?" + v.Encode()
	if len(qr) > MaxQRLength {
		qr = qr[:MaxQRLength]
	}
	return qr
}

// NormalizeTimestamp converts a compact YYYYMMDDHHMMSS stamp to ISO-8601
// with a .000Z suffix. Already-ISO input is passed through.
func NormalizeTimestamp(ts string) (string, error) {
	if ts == "" {
		return "", fmt.Errorf("receipt: empty timestamp")
	}
	if t, err := time.Parse("20060102150405", ts); err == nil {
		return t.UTC().Format("2006-01-02T15:04:05") + ".000Z", nil
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.UTC().Format("2006-01-02T15:04:05") + ".000Z", nil
	}
	return "", fmt.Errorf("receipt: unparseable timestamp %q", ts)
}
