// Package fabrictx assembles and decodes the protobuf payloads of the
// Fabric transaction flow: proposals for the chaincode lifecycle and for
// invoke/query, endorser transaction envelopes, and deliver seek requests.
package fabrictx

import (
	"crypto/rand"
	"encoding/hex"

	"google.golang.org/protobuf/proto"
)

// Signer provides the creator identity and payload signatures. Implemented
// by identity.SigningIdentity.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	Serialize() ([]byte, error)
}

// Hasher selects the channel's configured hash. Implemented by
// cryptosuite.Suite.
type Hasher interface {
	Hash(msg []byte) []byte
}

// Verifier checks a signature against a PEM certificate. Implemented by
// cryptosuite.Suite.
type Verifier interface {
	Verify(certPEM, signature, msg []byte) (bool, error)
}

const nonceLength = 24

func newNonce() []byte {
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		panic(err)
	}
	return nonce
}

// ComputeTxID derives the transaction id from the nonce and the creator's
// serialized identity. The same pair must appear in the signature header.
func ComputeTxID(hasher Hasher, nonce, creator []byte) string {
	return hex.EncodeToString(hasher.Hash(append(append([]byte{}, nonce...), creator...)))
}

func mustMarshal(msg proto.Message) []byte {
	b, err := proto.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return b
}
