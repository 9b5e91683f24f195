package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/maisonpos/fiscalcore/pkg/canonical"
)

// ChainSentinel is the previous-signature value of the first receipt in a
// (tenant, device) chain: 88 '=' characters, the same length as a real
// signature.
var ChainSentinel = strings.Repeat("=", 88)

// Envelope is the signature block injected into a regulator payload.
type Envelope struct {
	Previous    string `json:"preced"`
	Current     string `json:"actu"`
	Hash        string `json:"empreinte"`
	Fingerprint string `json:"emprCertifSEV"`
	Timestamp   string `json:"datActu"`
}

// Signer signs canonical transaction payloads with a device keypair.
type Signer struct {
	kp *Keypair
}

// NewSigner wraps a parsed keypair.
func NewSigner(kp *Keypair) *Signer {
	return &Signer{kp: kp}
}

// Sign canonicalizes v (which must not already contain a signature envelope),
// hashes it, and signs the hash with the device key.
//
// The signature is the raw 64-byte big-endian r||s pair, base64 encoded:
// always 88 characters. previous is the prior receipt's current signature,
// or ChainSentinel for the first receipt of a (tenant, device) pair.
func (s *Signer) Sign(v any, previous, timestamp string) (*Envelope, error) {
	if previous == "" {
		previous = ChainSentinel
	}
	if len(previous) != 88 {
		return nil, fmt.Errorf("crypto: previous signature has length %d, want 88", len(previous))
	}

	hash, err := canonical.Hash(v)
	if err != nil {
		return nil, err
	}

	sig, err := signHash(s.kp.PrivateKey, hash)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Previous:    previous,
		Current:     sig,
		Hash:        hash,
		Fingerprint: Fingerprint(s.kp.Certificate.Raw),
		Timestamp:   timestamp,
	}, nil
}

// Verify checks an 88-character signature against the canonical hash of v
// using the signer's own certificate. Used by enrollment self-checks and
// tests; the regulator performs the authoritative verification.
func (s *Signer) Verify(v any, signature string) (bool, error) {
	hash, err := canonical.Hash(v)
	if err != nil {
		return false, err
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(raw) != 64 {
		return false, fmt.Errorf("crypto: malformed signature")
	}
	digest := sha256.Sum256([]byte(hash))
	pub, ok := s.kp.Certificate.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return false, ErrKeyMismatch
	}
	r := new(big.Int).SetBytes(raw[:32])
	sv := new(big.Int).SetBytes(raw[32:])
	return ecdsa.Verify(pub, digest[:], r, sv), nil
}

// Fingerprint returns the SHA-256 digest of certificate DER bytes as 64
// lowercase hex characters.
func Fingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	return hex.EncodeToString(sum[:])
}

// signHash signs the ASCII bytes of the hex hash string. The message is the
// hash string itself, not the raw digest it encodes.
func signHash(key *ecdsa.PrivateKey, hash string) (string, error) {
	digest := sha256.Sum256([]byte(hash))
	r, sv, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return "", fmt.Errorf("crypto: sign failed: %w", err)
	}
	// Fixed-width r||s keeps the base64 form at exactly 88 characters.
	raw := make([]byte, 64)
	r.FillBytes(raw[:32])
	sv.FillBytes(raw[32:])
	return base64.StdEncoding.EncodeToString(raw), nil
}
