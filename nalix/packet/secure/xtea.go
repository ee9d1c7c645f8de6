package secure

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"

	"golang.org/x/crypto/xtea"
)

// xteaAEAD adapts XTEA to the AEAD shape used by the other suites: a CTR
// keystream built from the 8-byte block cipher, authenticated encrypt-then-MAC
// with HMAC-SHA256 truncated to 16 bytes. The first 16 key bytes drive the
// block cipher, the full 32 drive the MAC.
type xteaAEAD struct {
	block *xtea.Cipher
	mac   []byte
}

const (
	xteaNonceSize = 8
	xteaTagSize   = 16
)

func newXteaAEAD(key []byte) (*xteaAEAD, error) {
	block, err := xtea.NewCipher(key[:16])
	if err != nil {
		return nil, ErrInvalidKey
	}
	mac := make([]byte, KeySize)
	copy(mac, key)
	return &xteaAEAD{block: block, mac: mac}, nil
}

func (x *xteaAEAD) NonceSize() int { return xteaNonceSize }
func (x *xteaAEAD) Overhead() int  { return xteaTagSize }

// xorKeystream XORs src into dst under a CTR stream keyed by nonce.
func (x *xteaAEAD) xorKeystream(dst, src, nonce []byte) {
	var ctr, ks [8]byte
	base := binary.LittleEndian.Uint64(nonce)
	for i := 0; i < len(src); i += 8 {
		binary.LittleEndian.PutUint64(ctr[:], base+uint64(i/8))
		x.block.Encrypt(ks[:], ctr[:])
		for j := 0; j < 8 && i+j < len(src); j++ {
			dst[i+j] = src[i+j] ^ ks[j]
		}
	}
}

func (x *xteaAEAD) tag(nonce, data, aad []byte) []byte {
	h := hmac.New(sha256.New, x.mac)
	h.Write(aad)
	h.Write(nonce)
	h.Write(data)
	return h.Sum(nil)[:xteaTagSize]
}

func (x *xteaAEAD) Seal(dst, nonce, plaintext, aad []byte) []byte {
	if len(nonce) != xteaNonceSize {
		panic("secure: invalid xtea nonce size")
	}
	ct := make([]byte, len(plaintext))
	x.xorKeystream(ct, plaintext, nonce)
	out := append(dst, ct...)
	return append(out, x.tag(nonce, ct, aad)...)
}

func (x *xteaAEAD) Open(dst, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != xteaNonceSize || len(ciphertext) < xteaTagSize {
		return nil, ErrAuthTagMismatch
	}
	ct := ciphertext[:len(ciphertext)-xteaTagSize]
	want := ciphertext[len(ciphertext)-xteaTagSize:]
	if subtle.ConstantTimeCompare(x.tag(nonce, ct, aad), want) != 1 {
		return nil, ErrAuthTagMismatch
	}
	pt := make([]byte, len(ct))
	x.xorKeystream(pt, ct, nonce)
	return append(dst, pt...), nil
}
