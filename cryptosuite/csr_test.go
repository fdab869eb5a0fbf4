package cryptosuite

import (
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func TestGenerateCSR(t *testing.T) {
	s := newSuite(t, 256, "SHA2")
	key, err := s.KeyGen()
	if err != nil {
		t.Fatal(err)
	}

	csrPEM, err := GenerateCSR("user1@org1", key)
	if err != nil {
		t.Fatal(err)
	}

	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		t.Fatal("expected a CERTIFICATE REQUEST PEM block")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if csr.Subject.CommonName != "user1@org1" {
		t.Fatalf("expected CN user1@org1, got %s", csr.Subject.CommonName)
	}
	if err := csr.CheckSignature(); err != nil {
		t.Fatalf("CSR signature invalid: %v", err)
	}
}

func TestGenerateCSRArguments(t *testing.T) {
	s := newSuite(t, 256, "SHA2")
	key, _ := s.KeyGen()

	if _, err := GenerateCSR("", key); err == nil {
		t.Error("expected error for blank common name")
	}
	if _, err := GenerateCSR("cn", nil); err == nil {
		t.Error("expected error for nil key")
	}
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	s := newSuite(t, 256, "SHA2")
	key, err := s.KeyGen()
	if err != nil {
		t.Fatal(err)
	}
	pemBytes, err := PrivateKeyToPEM(key)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(key) {
		t.Fatal("expected key to survive the PEM round trip")
	}
}

func TestParsePrivateKeySEC1(t *testing.T) {
	s := newSuite(t, 256, "SHA2")
	key, err := s.KeyGen()
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParsePrivateKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(key) {
		t.Fatal("expected SEC1 key to parse")
	}
}
