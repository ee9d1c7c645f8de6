// Package handshake derives the 32-byte session key installed on a
// connection after accept: X25519 ephemeral key agreement expanded with
// HKDF-SHA256, split by direction so the two sides never share a key
// stream.
package handshake

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/frand"
)

var (
	ErrKeyAgreement = errors.New("key agreement failed")
	ErrBadPublicKey = errors.New("invalid peer public key")
)

const (
	// KeySize is the derived session key size, matching the cipher suites.
	KeySize = 32
	// NonceSize is the per-side handshake nonce contributed to derivation.
	NonceSize = 12

	clientKeyInfo = "NALIX_KEY_CLIENT"
	serverKeyInfo = "NALIX_KEY_SERVER"
)

// Keypair is an ephemeral X25519 key pair, generated per connection.
type Keypair struct {
	Private [curve25519.ScalarSize]byte
	Public  [curve25519.PointSize]byte
}

// GenerateKeypair creates a fresh ephemeral key pair.
func GenerateKeypair() (*Keypair, error) {
	var kp Keypair
	frand.Read(kp.Private[:])
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, ErrKeyAgreement
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// NewNonce returns a fresh handshake nonce.
func NewNonce() []byte {
	return frand.Bytes(NonceSize)
}

// DeriveShared computes the X25519 shared secret with the peer's public key.
func DeriveShared(kp *Keypair, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, ErrBadPublicKey
	}
	secret, err := curve25519.X25519(kp.Private[:], peerPublic)
	if err != nil {
		return nil, ErrKeyAgreement
	}
	return secret, nil
}

// SessionKeys expands the shared secret into the two directional keys.
// Both sides compute identical values: the client's send key is the
// server's receive key and vice versa.
func SessionKeys(shared, clientNonce, serverNonce []byte) (clientToServer, serverToClient []byte) {
	salt := append(append([]byte(nil), clientNonce...), serverNonce...)
	clientToServer = deriveKey(shared, salt, []byte(clientKeyInfo))
	salt = append(append([]byte(nil), serverNonce...), clientNonce...)
	serverToClient = deriveKey(shared, salt, []byte(serverKeyInfo))
	return clientToServer, serverToClient
}

// Hash is the collaborator digest primitive.
func Hash(data []byte) [sha256.Size]byte {
	return sha256.Sum256(data)
}

func deriveKey(secret, salt, info []byte) []byte {
	r := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF cannot fail on valid inputs; a failure here is a broken build.
		panic(fmt.Sprintf("handshake: HKDF derivation failed: %v", err))
	}
	return key
}
