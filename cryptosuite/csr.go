package cryptosuite

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"

	"github.com/arner/fabric-client/ferrors"
)

// GenerateCSR produces a PEM-encoded PKCS#10 certificate signing request
// with CN=commonName, signed by key. The signature algorithm follows the
// key's curve.
func GenerateCSR(commonName string, key *ecdsa.PrivateKey) ([]byte, error) {
	if commonName == "" {
		return nil, ferrors.New(ferrors.Argument, "common name is blank")
	}
	if key == nil {
		return nil, ferrors.New(ferrors.Argument, "key is nil")
	}

	alg := x509.ECDSAWithSHA256
	if key.Curve == elliptic.P384() {
		alg = x509.ECDSAWithSHA384
	}
	template := x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: commonName},
		SignatureAlgorithm: alg,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Crypto, err, "create certificate request")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}
