package cryptosuite

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/arner/fabric-client/ferrors"
)

// ParsePrivateKeyPEM decodes an EC private key from PEM, accepting both
// PKCS#8 and SEC1 encodings.
func ParsePrivateKeyPEM(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, ferrors.New(ferrors.Crypto, "failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		pk, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, ferrors.New(ferrors.Crypto, "not an ECDSA private key")
		}
		return pk, nil
	}
	pk, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Crypto, err, "parse private key")
	}
	return pk, nil
}

// PrivateKeyToDER exports a key as raw PKCS#8 DER.
func PrivateKeyToDER(key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, ferrors.New(ferrors.Argument, "private key is nil")
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Crypto, err, "marshal private key")
	}
	return der, nil
}

// PrivateKeyToPEM exports a key as a PKCS#8 PEM block.
func PrivateKeyToPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := PrivateKeyToDER(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
