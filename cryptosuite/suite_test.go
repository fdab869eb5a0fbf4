package cryptosuite

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/arner/fabric-client/ferrors"
	"github.com/hyperledger/fabric-lib-go/bccsp/utils"
)

func newSuite(t *testing.T, level int, hashAlg string) *Suite {
	t.Helper()
	opts := DefaultOptions()
	opts.SecurityLevel = level
	opts.HashAlgorithm = hashAlg
	if level == 384 {
		opts.SignatureAlgorithm = "SHA384withECDSA"
	}
	s, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewSuite(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{name: "defaults"},
		{name: "P-384", mutate: func(o *Options) { o.SecurityLevel = 384 }},
		{name: "SHA3", mutate: func(o *Options) { o.HashAlgorithm = "SHA3" }},
		{name: "unsupported level", mutate: func(o *Options) { o.SecurityLevel = 512 }, wantErr: true},
		{name: "unsupported hash", mutate: func(o *Options) { o.HashAlgorithm = "MD5" }, wantErr: true},
		{name: "unsupported key type", mutate: func(o *Options) { o.AsymmetricKeyType = "RSA" }, wantErr: true},
		{name: "unsupported cert format", mutate: func(o *Options) { o.CertificateFormat = "PGP" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			if tt.mutate != nil {
				tt.mutate(&opts)
			}
			_, err := New(opts)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !ferrors.HasKind(err, ferrors.Crypto) {
					t.Fatalf("expected crypto error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestSuiteCachedByOptions(t *testing.T) {
	a := newSuite(t, 256, "SHA2")
	b := newSuite(t, 256, "SHA2")
	if a != b {
		t.Fatal("expected equal options to yield the same suite")
	}
	c := newSuite(t, 384, "SHA2")
	if a == c {
		t.Fatal("expected different options to yield a different suite")
	}
}

func TestKeyGenCurve(t *testing.T) {
	if k, _ := newSuite(t, 256, "SHA2").KeyGen(); k.Curve != elliptic.P256() {
		t.Fatal("expected P-256 for level 256")
	}
	if k, _ := newSuite(t, 384, "SHA2").KeyGen(); k.Curve != elliptic.P384() {
		t.Fatal("expected P-384 for level 384")
	}
}

func TestHashSizes(t *testing.T) {
	tests := []struct {
		level int
		alg   string
		size  int
	}{
		{256, "SHA2", 32},
		{384, "SHA2", 48},
		{256, "SHA3", 32},
		{384, "SHA3", 48},
	}
	for _, tt := range tests {
		s := newSuite(t, tt.level, tt.alg)
		if got := len(s.Hash([]byte("payload"))); got != tt.size {
			t.Errorf("%s-%d: expected digest of %d bytes, got %d", tt.alg, tt.level, tt.size, got)
		}
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, level := range []int{256, 384} {
		s := newSuite(t, level, "SHA2")
		key, err := s.KeyGen()
		if err != nil {
			t.Fatal(err)
		}
		certPEM := selfSignedCert(t, key)

		msg := []byte("the quick brown fox")
		sig, err := s.Sign(key, msg)
		if err != nil {
			t.Fatal(err)
		}

		ok, err := s.Verify(certPEM, sig, msg)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("expected signature to verify")
		}

		ok, err = s.Verify(certPEM, sig, []byte("tampered"))
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("expected tampered message to fail verification")
		}
	}
}

func TestVerifyMalformedCert(t *testing.T) {
	s := newSuite(t, 256, "SHA2")
	_, err := s.Verify([]byte("not a cert"), []byte{1}, []byte("msg"))
	if !ferrors.HasKind(err, ferrors.Crypto) {
		t.Fatalf("expected crypto error, got %v", err)
	}
}

func TestSignaturesAreLowS(t *testing.T) {
	s := newSuite(t, 256, "SHA2")
	key, err := s.KeyGen()
	if err != nil {
		t.Fatal(err)
	}
	halfOrder := new(big.Int).Rsh(key.Curve.Params().N, 1)

	// enough iterations that raw ECDSA would produce a high S with
	// overwhelming probability
	for i := 0; i < 64; i++ {
		sig, err := s.Sign(key, []byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		_, sVal, err := utils.UnmarshalECDSASignature(sig)
		if err != nil {
			t.Fatal(err)
		}
		if sVal.Cmp(halfOrder) > 0 {
			t.Fatalf("iteration %d: signature S exceeds half the curve order", i)
		}
	}
}

func TestHighSSignatureRejected(t *testing.T) {
	s := newSuite(t, 256, "SHA2")
	key, err := s.KeyGen()
	if err != nil {
		t.Fatal(err)
	}
	certPEM := selfSignedCert(t, key)
	msg := []byte("payload")
	sig, err := s.Sign(key, msg)
	if err != nil {
		t.Fatal(err)
	}

	// flip the canonical signature to its high-S twin
	r, sVal, err := utils.UnmarshalECDSASignature(sig)
	if err != nil {
		t.Fatal(err)
	}
	highS := new(big.Int).Sub(key.Curve.Params().N, sVal)
	badSig, err := utils.MarshalECDSASignature(r, highS)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := s.Verify(certPEM, badSig, msg)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected high-S signature to be rejected")
	}
}

func TestHashDeterministic(t *testing.T) {
	s := newSuite(t, 256, "SHA2")
	if !bytes.Equal(s.Hash([]byte("x")), s.Hash([]byte("x"))) {
		t.Fatal("expected hash to be deterministic")
	}
}

// selfSignedCert issues a throwaway certificate for the key.
func selfSignedCert(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
