// Package secure implements the AEAD sub-envelope carried in the payload of
// encrypted packets, the cipher suites that seal it, and replay protection
// over the envelope sequence number.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKey        = errors.New("encryption key must be 32 bytes")
	ErrUnknownSuite      = errors.New("unknown cipher suite")
	ErrAuthTagMismatch   = errors.New("authentication tag mismatch")
	ErrEnvelopeMalformed = errors.New("malformed secure envelope")
	ErrReplayDetected    = errors.New("replayed sequence number")
)

// KeySize is the symmetric key size shared by all suites.
const KeySize = 32

// Suite selects the cipher sealing the secure envelope.
type Suite uint8

const (
	SuiteXtea             Suite = 0
	SuiteAesGcm           Suite = 1
	SuiteChaCha20Poly1305 Suite = 2
)

func (s Suite) String() string {
	switch s {
	case SuiteXtea:
		return "xtea"
	case SuiteAesGcm:
		return "aes-gcm"
	case SuiteChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// NonceSize returns the nonce length the suite requires.
func (s Suite) NonceSize() int {
	if s == SuiteXtea {
		return 8
	}
	return 12
}

// newAEAD constructs the AEAD for the suite over a 32-byte key.
func newAEAD(s Suite, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	switch s {
	case SuiteXtea:
		return newXteaAEAD(key)
	case SuiteAesGcm:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, ErrInvalidKey
		}
		return cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, ErrUnknownSuite
	}
}
