// Package crypto implements the device-side cryptography of the fiscal core:
// P-256 keypairs, the chained transaction signer, certificate fingerprints,
// and the enrollment CSR builder.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	// ErrPEMInvalid indicates key or certificate material that does not parse.
	ErrPEMInvalid = errors.New("crypto: invalid PEM material")
	// ErrKeyMismatch indicates a certificate whose public key does not match
	// the private key it is stored with.
	ErrKeyMismatch = errors.New("crypto: certificate does not match private key")
)

// Keypair is the opaque value object the signer consumes. PEM material is
// parsed once at construction; the signer never touches the filesystem.
type Keypair struct {
	PrivateKey  *ecdsa.PrivateKey
	Certificate *x509.Certificate
}

// GenerateKey produces a fresh P-256 private key for enrollment.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return key, nil
}

// ParseKeypair builds a Keypair from PEM-encoded key and certificate bytes
// and verifies they are mutually consistent.
func ParseKeypair(keyPEM, certPEM []byte) (*Keypair, error) {
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, ErrKeyMismatch
	}
	return &Keypair{PrivateKey: key, Certificate: cert}, nil
}

// ParsePrivateKey decodes a PEM-encoded EC private key (SEC1 or PKCS#8).
func ParsePrivateKey(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in key", ErrPEMInvalid)
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPEMInvalid, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an EC key", ErrPEMInvalid)
	}
	return key, nil
}

// ParseCertificate decodes a PEM-encoded X.509 certificate.
func ParseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in certificate", ErrPEMInvalid)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPEMInvalid, err)
	}
	return cert, nil
}

// EncodePrivateKeyPEM renders a private key as SEC1 PEM.
func EncodePrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// EncodeCertificatePEM renders certificate DER bytes as PEM.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
