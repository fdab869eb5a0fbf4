package client

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/arner/fabric-client/comm"
	"github.com/arner/fabric-client/config"
	"github.com/arner/fabric-client/endpoint"
	"github.com/arner/fabric-client/ferrors"
	"github.com/arner/fabric-client/identity"
)

func testUser(t *testing.T) *identity.User {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "admin"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	user, err := identity.New("admin", "Org1MSP",
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	if err != nil {
		t.Fatal(err)
	}
	return user
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetUserContext(testUser(t)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func TestUserContextRequired(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.UserContext(); !ferrors.HasKind(err, ferrors.Argument) {
		t.Fatalf("expected argument error, got %v", err)
	}
	if _, err := c.NewChannel("mychannel"); !ferrors.HasKind(err, ferrors.Argument) {
		t.Fatalf("expected argument error without user context, got %v", err)
	}
}

func TestChannelRegistry(t *testing.T) {
	c := newTestClient(t)

	ch, err := c.NewChannel("mychannel")
	if err != nil {
		t.Fatal(err)
	}
	if c.Channel("mychannel") != ch {
		t.Fatal("expected the registered channel back")
	}
	if c.Channel("other") != nil {
		t.Fatal("expected nil for an unknown channel")
	}
	if _, err := c.NewChannel("mychannel"); !ferrors.HasKind(err, ferrors.Argument) {
		t.Fatalf("expected duplicate registration to fail, got %v", err)
	}

	c.RemoveChannel("mychannel")
	if c.Channel("mychannel") != nil {
		t.Fatal("expected the channel to be gone")
	}
}

func TestSaveAndRestoreChannel(t *testing.T) {
	c := newTestClient(t)
	if err := c.OpenStore(filepath.Join(t.TempDir(), "client.db")); err != nil {
		t.Fatal(err)
	}

	ch, err := c.NewChannel("mychannel")
	if err != nil {
		t.Fatal(err)
	}
	p, err := c.NewPeer("grpc://peer0:7051", endpoint.Properties{}, comm.RoleEndorsing|comm.RoleLedgerQuery)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.AddPeer(p); err != nil {
		t.Fatal(err)
	}
	o, err := c.NewOrderer("grpc://orderer:7050", endpoint.Properties{})
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.AddOrderer(o); err != nil {
		t.Fatal(err)
	}

	if err := c.SaveChannel(ch); err != nil {
		t.Fatal(err)
	}
	c.RemoveChannel("mychannel")

	restored, err := c.RestoreChannel("mychannel", func(url string) endpoint.Properties {
		return endpoint.Properties{}
	})
	if err != nil {
		t.Fatal(err)
	}
	peers := restored.Peers()
	if len(peers) != 1 || peers[0].URL() != "grpc://peer0:7051" {
		t.Fatalf("unexpected restored peers %v", peers)
	}
	if !peers[0].HasRole(comm.RoleLedgerQuery) || peers[0].HasRole(comm.RoleEventSource) {
		t.Fatal("expected roles to survive the round trip")
	}
	orderers := restored.Orderers()
	if len(orderers) != 1 || orderers[0].URL() != "grpc://orderer:7050" {
		t.Fatalf("unexpected restored orderers %v", orderers)
	}

	if _, err := c.RestoreChannel("unknown", func(string) endpoint.Properties { return endpoint.Properties{} }); !ferrors.HasKind(err, ferrors.Argument) {
		t.Fatalf("expected argument error for an unknown channel, got %v", err)
	}
}

func TestSuiteFollowsConfig(t *testing.T) {
	cfg := config.Default()
	cfg.SecurityLevel = 384
	cfg.SignatureAlgorithm = "SHA384withECDSA"
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.CryptoSuite().Options().SecurityLevel; got != 384 {
		t.Fatalf("expected suite at level 384, got %d", got)
	}

	cfg = config.Default()
	cfg.SecurityLevel = 512
	if _, err := New(cfg); !ferrors.HasKind(err, ferrors.Crypto) {
		t.Fatalf("expected crypto error for unsupported level, got %v", err)
	}
}
