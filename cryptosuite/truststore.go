package cryptosuite

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/arner/fabric-client/ferrors"
)

// TrustStore holds the trusted root and intermediate certificates of a
// client. Additions are idempotent by subject+serial; a duplicate overwrites
// the existing entry. Validation returns a boolean, never an error, for
// certificates that simply do not chain.
type TrustStore struct {
	mu    sync.RWMutex
	certs map[string]*x509.Certificate
}

func NewTrustStore() *TrustStore {
	return &TrustStore{certs: map[string]*x509.Certificate{}}
}

func storeKey(cert *x509.Certificate) string {
	return cert.Subject.String() + "/" + cert.SerialNumber.String()
}

// AddCert adds a parsed certificate.
func (t *TrustStore) AddCert(cert *x509.Certificate) error {
	if cert == nil {
		return ferrors.New(ferrors.Argument, "certificate is nil")
	}
	t.mu.Lock()
	t.certs[storeKey(cert)] = cert
	t.mu.Unlock()
	return nil
}

// AddPEM adds every certificate found in a PEM bundle.
func (t *TrustStore) AddPEM(pemBytes []byte) error {
	if strings.TrimSpace(string(pemBytes)) == "" {
		return ferrors.New(ferrors.Argument, "PEM input is blank")
	}
	added := 0
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return ferrors.Wrap(ferrors.Crypto, err, "parse certificate")
		}
		if err := t.AddCert(cert); err != nil {
			return err
		}
		added++
	}
	if added == 0 {
		return ferrors.New(ferrors.Crypto, "no certificate found in PEM input")
	}
	return nil
}

// AddFile reads a PEM file and adds its certificates.
func (t *TrustStore) AddFile(path string) error {
	if path == "" {
		return ferrors.New(ferrors.Argument, "path is blank")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ferrors.Wrap(ferrors.Crypto, err, "read certificate file")
	}
	return t.AddPEM(b)
}

// Size returns the number of distinct anchors.
func (t *TrustStore) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.certs)
}

// Validate chain-builds cert to any anchor in the store. Expired
// certificates and self-signed certificates that are not anchors fail.
func (t *TrustStore) Validate(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	roots := x509.NewCertPool()
	intermediates := x509.NewCertPool()
	t.mu.RLock()
	for _, c := range t.certs {
		if c.IsCA && isSelfSigned(c) {
			roots.AddCert(c)
		} else {
			intermediates.AddCert(c)
		}
	}
	t.mu.RUnlock()

	_, err := cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   time.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err == nil
}

// ValidatePEM parses a single PEM certificate and validates it.
func (t *TrustStore) ValidatePEM(certPEM []byte) bool {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return false
	}
	return t.Validate(cert)
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.CheckSignatureFrom(cert) == nil
}
