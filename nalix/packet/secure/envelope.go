package secure

import (
	"encoding/binary"

	"lukechampine.com/frand"
)

// Envelope layout, carried as the packet payload when the Encrypted flag
// is set. The outer header stays in cleartext for routing.
//
//	[0:4]  magic "NALX"
//	[4]    version (1)
//	[5]    cipher suite
//	[6]    flags (reserved, zero)
//	[7]    nonce length
//	[8:12] seq (u32 LE), strictly increasing per connection direction
//	[12:]  nonce ‖ ciphertext ‖ tag
const (
	EnvelopeVersion = 1
	prefixSize      = 12
)

var envelopeMagic = [4]byte{'N', 'A', 'L', 'X'}

// Seal encrypts plaintext into a complete secure envelope using a random
// nonce. The envelope prefix is bound as AEAD associated data.
func Seal(suite Suite, key []byte, seq uint32, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, suite.NonceSize())
	frand.Read(nonce)
	return SealWithNonce(suite, key, seq, nonce, plaintext)
}

// SealWithNonce is Seal with a caller-chosen nonce. Reusing a nonce under
// the same key breaks the AEAD; outside tests, use Seal.
func SealWithNonce(suite Suite, key []byte, seq uint32, nonce, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != suite.NonceSize() {
		return nil, ErrEnvelopeMalformed
	}

	out := make([]byte, prefixSize, prefixSize+len(nonce)+len(plaintext)+aead.Overhead())
	copy(out[0:4], envelopeMagic[:])
	out[4] = EnvelopeVersion
	out[5] = byte(suite)
	out[6] = 0
	out[7] = byte(len(nonce))
	binary.LittleEndian.PutUint32(out[8:12], seq)

	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, out[:prefixSize]), nil
}

// Peek parses the envelope prefix without decrypting, returning suite and
// sequence number. Used for replay pre-checks and routing decisions.
func Peek(env []byte) (Suite, uint32, error) {
	if len(env) < prefixSize {
		return 0, 0, ErrEnvelopeMalformed
	}
	if [4]byte(env[0:4]) != envelopeMagic || env[4] != EnvelopeVersion {
		return 0, 0, ErrEnvelopeMalformed
	}
	suite := Suite(env[5])
	if suite > SuiteChaCha20Poly1305 {
		return 0, 0, ErrUnknownSuite
	}
	if int(env[7]) != suite.NonceSize() {
		return 0, 0, ErrEnvelopeMalformed
	}
	return suite, binary.LittleEndian.Uint32(env[8:12]), nil
}

// Open authenticates and decrypts a complete envelope, returning the
// plaintext and the envelope sequence number.
func Open(key, env []byte) ([]byte, uint32, error) {
	suite, seq, err := Peek(env)
	if err != nil {
		return nil, 0, err
	}
	nonceLen := suite.NonceSize()
	aead, err := newAEAD(suite, key)
	if err != nil {
		return nil, 0, err
	}
	if len(env) < prefixSize+nonceLen+aead.Overhead() {
		return nil, 0, ErrEnvelopeMalformed
	}
	nonce := env[prefixSize : prefixSize+nonceLen]
	ct := env[prefixSize+nonceLen:]

	pt, err := aead.Open(nil, nonce, ct, env[:prefixSize])
	if err != nil {
		return nil, 0, ErrAuthTagMismatch
	}
	return pt, seq, nil
}
