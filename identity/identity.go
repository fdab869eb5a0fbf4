// Package identity binds a user (MSP id, enrollment certificate, private
// key) into the serialized identities and signatures carried by proposals
// and envelopes.
package identity

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arner/fabric-client/cryptosuite"
	"github.com/arner/fabric-client/ferrors"
	"github.com/hyperledger/fabric-protos-go-apiv2/msp"
	"google.golang.org/protobuf/proto"
)

// User is an enrolled identity. Immutable after construction: the private
// key's public point is checked against the certificate's subject public key
// at creation time.
type User struct {
	Name        string
	MSPID       string
	Affiliation string
	Account     string
	Roles       []string

	certPEM []byte
	key     *ecdsa.PrivateKey
}

// New creates a user from an enrollment certificate and its private key.
// The key must match the certificate's public key.
func New(name, mspID string, certPEM, keyPEM []byte) (*User, error) {
	if name == "" {
		return nil, ferrors.New(ferrors.Argument, "user name is blank")
	}
	if mspID == "" {
		return nil, ferrors.New(ferrors.Argument, "MSP id is blank")
	}
	key, err := cryptosuite.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	cert, err := cryptosuite.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, ferrors.New(ferrors.Crypto, "enrollment certificate is not ECDSA")
	}
	if !pub.Equal(&key.PublicKey) {
		return nil, ferrors.New(ferrors.Crypto, "private key does not match enrollment certificate")
	}

	return &User{
		Name:    name,
		MSPID:   mspID,
		certPEM: certPEM,
		key:     key,
	}, nil
}

// FromMSPDir loads a user from a Fabric MSP directory layout
// (keystore/*_sk, signcerts/*.pem).
func FromMSPDir(name, dir, mspID string) (*User, error) {
	keyFiles, err := filepath.Glob(filepath.Join(dir, "keystore", "*_sk"))
	if err != nil || len(keyFiles) == 0 {
		return nil, ferrors.Errorf(ferrors.Argument, "no private key found in %s", dir)
	}
	keyPEM, err := os.ReadFile(keyFiles[0])
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Argument, err, "read private key")
	}

	certFiles, err := filepath.Glob(filepath.Join(dir, "signcerts", "*.pem"))
	if err != nil || len(certFiles) == 0 {
		return nil, ferrors.Errorf(ferrors.Argument, "no signcert found in %s", dir)
	}
	certPEM, err := os.ReadFile(certFiles[0])
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Argument, err, "read signcert")
	}

	return New(name, mspID, certPEM, keyPEM)
}

// EnrollmentCert returns the PEM certificate of the user.
func (u *User) EnrollmentCert() []byte { return u.certPEM }

// SigningIdentity is a user bound to a crypto suite. It implements the
// Signer interfaces of the proposal and transport layers.
type SigningIdentity struct {
	user  *User
	suite *cryptosuite.Suite
}

// NewSigningIdentity binds user and suite. If a trust store is supplied the
// enrollment certificate must chain to one of its anchors.
func NewSigningIdentity(user *User, suite *cryptosuite.Suite, trust *cryptosuite.TrustStore) (*SigningIdentity, error) {
	if user == nil {
		return nil, ferrors.New(ferrors.Argument, "user is nil")
	}
	if suite == nil {
		return nil, ferrors.New(ferrors.Argument, "crypto suite is nil")
	}
	if trust != nil && !trust.ValidatePEM(user.certPEM) {
		return nil, ferrors.Errorf(ferrors.Crypto, "enrollment certificate of %s does not chain to a trusted root", user.Name)
	}
	return &SigningIdentity{user: user, suite: suite}, nil
}

// Sign signs msg with the user's private key via the suite.
func (s *SigningIdentity) Sign(msg []byte) ([]byte, error) {
	return s.suite.Sign(s.user.key, msg)
}

// Verify checks a signature against the user's own certificate.
func (s *SigningIdentity) Verify(msg, sig []byte) error {
	ok, err := s.suite.Verify(s.user.certPEM, sig, msg)
	if err != nil {
		return err
	}
	if !ok {
		return ferrors.New(ferrors.Crypto, "invalid signature")
	}
	return nil
}

// Serialize returns the msp.SerializedIdentity bytes used as the creator in
// transaction headers.
func (s *SigningIdentity) Serialize() ([]byte, error) {
	b, err := proto.Marshal(&msp.SerializedIdentity{Mspid: s.user.MSPID, IdBytes: s.user.certPEM})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Crypto, err, "marshal serialized identity")
	}
	return b, nil
}

// MSPID returns the MSP this identity belongs to.
func (s *SigningIdentity) MSPID() string { return s.user.MSPID }

func (s *SigningIdentity) String() string {
	return fmt.Sprintf("%s@%s", s.user.Name, s.user.MSPID)
}
