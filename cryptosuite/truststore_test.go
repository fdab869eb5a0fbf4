package cryptosuite

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

type testCA struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
	pem  []byte
}

func newTestCA(t *testing.T, cn string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &testCA{
		key:  key,
		cert: cert,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (ca *testCA) issue(t *testing.T, cn string, notAfter time.Time) (*x509.Certificate, []byte, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-2 * time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), key
}

func TestTrustStoreValidate(t *testing.T) {
	ca := newTestCA(t, "root-ca")
	other := newTestCA(t, "other-ca")

	leaf, _, _ := ca.issue(t, "peer0", time.Now().Add(time.Hour))
	expired, _, _ := ca.issue(t, "old-peer", time.Now().Add(-time.Hour))
	foreign, _, _ := other.issue(t, "intruder", time.Now().Add(time.Hour))

	ts := NewTrustStore()
	if err := ts.AddCert(ca.cert); err != nil {
		t.Fatal(err)
	}

	if !ts.Validate(leaf) {
		t.Error("expected leaf issued by the anchor to validate")
	}
	if ts.Validate(expired) {
		t.Error("expected expired certificate to fail")
	}
	if ts.Validate(foreign) {
		t.Error("expected certificate from an unknown CA to fail")
	}
	if ts.Validate(other.cert) {
		t.Error("expected self-signed non-anchor to fail")
	}
	if ts.Validate(nil) {
		t.Error("expected nil certificate to fail")
	}
}

func TestTrustStoreIdempotentAdd(t *testing.T) {
	ca := newTestCA(t, "root-ca")
	leaf, _, _ := ca.issue(t, "peer0", time.Now().Add(time.Hour))

	ts := NewTrustStore()
	for i := 0; i < 3; i++ {
		if err := ts.AddCert(ca.cert); err != nil {
			t.Fatal(err)
		}
	}
	if ts.Size() != 1 {
		t.Fatalf("expected 1 anchor after duplicate adds, got %d", ts.Size())
	}
	if !ts.Validate(leaf) {
		t.Fatal("expected validation to be unchanged by duplicate adds")
	}
}

func TestTrustStoreAddPEM(t *testing.T) {
	ca := newTestCA(t, "root-ca")

	tests := []struct {
		name    string
		input   []byte
		wantErr bool
	}{
		{name: "valid", input: ca.pem},
		{name: "blank", input: []byte("   "), wantErr: true},
		{name: "empty", input: nil, wantErr: true},
		{name: "garbage", input: []byte("garbage"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewTrustStore().AddPEM(tt.input)
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestTrustStoreIntermediateChain(t *testing.T) {
	root := newTestCA(t, "root-ca")

	// intermediate signed by root
	interKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	interTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(42),
		Subject:               pkix.Name{CommonName: "intermediate-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	interDER, err := x509.CreateCertificate(rand.Reader, interTemplate, root.cert, &interKey.PublicKey, root.key)
	if err != nil {
		t.Fatal(err)
	}
	interCert, err := x509.ParseCertificate(interDER)
	if err != nil {
		t.Fatal(err)
	}

	interCA := &testCA{key: interKey, cert: interCert}
	leaf, _, _ := interCA.issue(t, "peer1", time.Now().Add(time.Hour))

	ts := NewTrustStore()
	if err := ts.AddCert(root.cert); err != nil {
		t.Fatal(err)
	}
	if err := ts.AddCert(interCert); err != nil {
		t.Fatal(err)
	}
	if !ts.Validate(leaf) {
		t.Fatal("expected leaf to chain through the intermediate")
	}
}
