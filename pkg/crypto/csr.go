package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
)

// CSRSubject carries the distinguished-name fields the regulator dictates
// for device enrollment.
type CSRSubject struct {
	Country           string // "CA"
	Province          string
	Locality          string
	AuthorizationCode string // becomes the O field
	TaxRegistration   string // becomes the CN field
	Surname           string
	GivenName         string
	SerialNumber      string
}

var (
	oidKeyUsage  = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidSurname   = asn1.ObjectIdentifier{2, 5, 4, 4}
	oidGivenName = asn1.ObjectIdentifier{2, 5, 4, 42}
)

// BuildCSR produces a PEM-encoded certificate signing request for key.
//
// The key-usage extension is exactly {digitalSignature, nonRepudiation},
// marked critical; no extended-key-usage extension is included. The PEM body
// is a single continuous base64 line because the enrollment endpoint rejects
// 64-column wrapped bodies.
func BuildCSR(key *ecdsa.PrivateKey, subject CSRSubject) ([]byte, error) {
	keyUsage, err := marshalKeyUsage()
	if err != nil {
		return nil, err
	}

	name := pkix.Name{
		Country:      []string{subject.Country},
		Province:     []string{subject.Province},
		Locality:     []string{subject.Locality},
		Organization: []string{subject.AuthorizationCode},
		CommonName:   subject.TaxRegistration,
		SerialNumber: subject.SerialNumber,
		ExtraNames: []pkix.AttributeTypeAndValue{
			{Type: oidSurname, Value: subject.Surname},
			{Type: oidGivenName, Value: subject.GivenName},
		},
	}

	tmpl := &x509.CertificateRequest{
		Subject:            name,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		ExtraExtensions: []pkix.Extension{
			{Id: oidKeyUsage, Critical: true, Value: keyUsage},
		},
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create CSR: %w", err)
	}
	return encodeCSRPEM(der), nil
}

// marshalKeyUsage encodes the digitalSignature|nonRepudiation bit string.
func marshalKeyUsage() ([]byte, error) {
	// Bit 0 = digitalSignature, bit 1 = nonRepudiation.
	bits := asn1.BitString{Bytes: []byte{0xC0}, BitLength: 2}
	der, err := asn1.Marshal(bits)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal key usage: %w", err)
	}
	return der, nil
}

// encodeCSRPEM emits the request with an unwrapped base64 body.
func encodeCSRPEM(der []byte) []byte {
	body := base64.StdEncoding.EncodeToString(der)
	return []byte("-----BEGIN CERTIFICATE REQUEST-----\n" + body + "\n-----END CERTIFICATE REQUEST-----\n")
}
