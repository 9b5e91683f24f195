// Package kms encrypts PEM key material at rest with AES-256-GCM.
//
// Ciphertext wire format: three hex fields joined by ':', as in
// iv_hex:auth_tag_hex:ciphertext_hex. The 16-byte tag travels separately
// from the ciphertext so rows are inspectable without decryption.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrDecryptFailed covers malformed ciphertext and authentication failures.
var ErrDecryptFailed = errors.New("kms: decrypt failed")

const (
	keySize = 32
	ivSize  = 16
	tagSize = 16

	// hkdfInfo domain-separates passphrase-derived keys from other uses.
	hkdfInfo = "fiscalcore/secret-store/v1"
)

// Store encrypts and decrypts secrets with a process-level 256-bit key.
type Store struct {
	key []byte
}

// New builds a Store from a raw 32-byte key.
func New(key []byte) (*Store, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("kms: key must be %d bytes, got %d", keySize, len(key))
	}
	return &Store{key: key}, nil
}

// NewFromPassphrase derives the store key from a passphrase via HKDF-SHA256.
func NewFromPassphrase(passphrase string) (*Store, error) {
	if passphrase == "" {
		return nil, errors.New("kms: empty passphrase")
	}
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(passphrase), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("kms: derive key: %w", err)
	}
	return &Store{key: key}, nil
}

// Encrypt seals plaintext and returns iv_hex:tag_hex:ciphertext_hex.
func (s *Store) Encrypt(plaintext []byte) (string, error) {
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("kms: iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// gcm.Seal appends the tag to the ciphertext.
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens ciphertext produced by Encrypt. Returns ErrDecryptFailed if
// the format is not exactly three segments or the tag does not verify.
func (s *Store) Decrypt(ciphertext string) ([]byte, error) {
	parts := strings.Split(ciphertext, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrDecryptFailed, len(parts))
	}

	iv, err1 := hex.DecodeString(parts[0])
	tag, err2 := hex.DecodeString(parts[1])
	ct, err3 := hex.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || len(iv) != ivSize || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: malformed segments", ErrDecryptFailed)
	}

	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

func (s *Store) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	return gcm, nil
}
