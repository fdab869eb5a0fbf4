// Package cryptosuite implements the signing, hashing and certificate
// primitives the client uses to bind payloads: ECDSA keys on the curve
// selected by the security level, low-S canonical signatures, SHA2/SHA3
// hashing, an X.509 trust store and CSR generation.
package cryptosuite

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"hash"
	"sync"

	"github.com/arner/fabric-client/ferrors"
	"github.com/hyperledger/fabric-lib-go/bccsp/utils"
	"golang.org/x/crypto/sha3"
)

// Options is the enumerated option set of a suite. Two suites constructed
// from equal options are interchangeable.
type Options struct {
	SecurityLevel      int    // 256 or 384
	HashAlgorithm      string // "SHA2" or "SHA3"
	AsymmetricKeyType  string // "EC"
	CertificateFormat  string // "X.509"
	SignatureAlgorithm string // "SHA256withECDSA" or "SHA384withECDSA"
}

// DefaultOptions returns P-256 / SHA2-256 options.
func DefaultOptions() Options {
	return Options{
		SecurityLevel:      256,
		HashAlgorithm:      "SHA2",
		AsymmetricKeyType:  "EC",
		CertificateFormat:  "X.509",
		SignatureAlgorithm: "SHA256withECDSA",
	}
}

func (o Options) key() string {
	return fmt.Sprintf("%d/%s/%s/%s/%s",
		o.SecurityLevel, o.HashAlgorithm, o.AsymmetricKeyType, o.CertificateFormat, o.SignatureAlgorithm)
}

// Suite is safe for concurrent use after construction.
type Suite struct {
	opts  Options
	curve elliptic.Curve
}

var suites sync.Map // Options.key() -> *Suite

// New returns a suite for the given options. Suites are cached by option
// set, so repeated calls with equal options return the same instance.
func New(opts Options) (*Suite, error) {
	if opts.AsymmetricKeyType != "EC" {
		return nil, ferrors.Errorf(ferrors.Crypto, "unsupported asymmetric key type %q", opts.AsymmetricKeyType)
	}
	if opts.CertificateFormat != "X.509" {
		return nil, ferrors.Errorf(ferrors.Crypto, "unsupported certificate format %q", opts.CertificateFormat)
	}
	if opts.HashAlgorithm != "SHA2" && opts.HashAlgorithm != "SHA3" {
		return nil, ferrors.Errorf(ferrors.Crypto, "hash algorithm must be SHA2 or SHA3, got %q", opts.HashAlgorithm)
	}
	var curve elliptic.Curve
	switch opts.SecurityLevel {
	case 256:
		curve = elliptic.P256()
	case 384:
		curve = elliptic.P384()
	default:
		return nil, ferrors.Errorf(ferrors.Crypto, "unsupported security level %d", opts.SecurityLevel)
	}
	switch opts.SignatureAlgorithm {
	case "SHA256withECDSA", "SHA384withECDSA":
	default:
		return nil, ferrors.Errorf(ferrors.Crypto, "unsupported signature algorithm %q", opts.SignatureAlgorithm)
	}

	if s, ok := suites.Load(opts.key()); ok {
		return s.(*Suite), nil
	}
	s := &Suite{opts: opts, curve: curve}
	actual, _ := suites.LoadOrStore(opts.key(), s)
	return actual.(*Suite), nil
}

// Options returns a copy of the suite's option set.
func (s *Suite) Options() Options { return s.opts }

// Curve returns the elliptic curve selected by the security level.
func (s *Suite) Curve() elliptic.Curve { return s.curve }

// KeyGen generates an EC key on the suite's curve.
func (s *Suite) KeyGen() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(s.curve, rand.Reader)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Crypto, err, "generate EC key")
	}
	return key, nil
}

// NewHash returns a fresh hash of the suite's family and size.
func (s *Suite) NewHash() hash.Hash {
	if s.opts.HashAlgorithm == "SHA3" {
		if s.opts.SecurityLevel == 384 {
			return sha3.New384()
		}
		return sha3.New256()
	}
	if s.opts.SecurityLevel == 384 {
		return sha512.New384()
	}
	return sha256.New()
}

// Hash digests msg with the suite's hash.
func (s *Suite) Hash(msg []byte) []byte {
	h := s.NewHash()
	h.Write(msg)
	return h.Sum(nil)
}

// Sign produces a DER-encoded ECDSA signature over the digest of msg.
// Signatures are canonicalized to low-S; Fabric rejects high-S signatures.
func (s *Suite) Sign(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	if key == nil {
		return nil, ferrors.New(ferrors.Argument, "signing key is nil")
	}
	digest := s.Hash(msg)
	r, sig, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Crypto, err, "ecdsa sign")
	}
	sig, err = utils.ToLowS(&key.PublicKey, sig)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Crypto, err, "canonicalize signature")
	}
	der, err := utils.MarshalECDSASignature(r, sig)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Crypto, err, "marshal signature")
	}
	return der, nil
}

// Verify checks signature over msg against the public key in certPEM.
// A malformed certificate is a Crypto error; a cryptographic mismatch
// (including a non-canonical high-S signature) returns false without error.
func (s *Suite) Verify(certPEM, signature, msg []byte) (bool, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return false, err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return false, ferrors.New(ferrors.Crypto, "certificate public key is not ECDSA")
	}
	r, sig, err := utils.UnmarshalECDSASignature(signature)
	if err != nil {
		return false, nil
	}
	lowS, err := utils.IsLowS(pub, sig)
	if err != nil || !lowS {
		return false, nil
	}
	return ecdsa.Verify(pub, s.Hash(msg), r, sig), nil
}

// ParseCertificatePEM decodes a single PEM certificate block.
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ferrors.New(ferrors.Crypto, "failed to decode PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Crypto, err, "parse certificate")
	}
	return cert, nil
}
