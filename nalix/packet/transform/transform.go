// Package transform provides the four pure packet operations: compress,
// decompress, encrypt, decrypt. Each returns a new packet and leaves its
// input untouched; the caller disposes of whichever value it stops using.
//
// Ordering is fixed: outbound packets compress before they encrypt, inbound
// packets decrypt before they decompress.
package transform

import (
	"errors"
	"hash/crc32"

	"github.com/gosuda/nalix/nalix/packet"
	"github.com/gosuda/nalix/nalix/packet/secure"
)

var (
	ErrEmptyPayload              = errors.New("packet payload is empty")
	ErrAlreadyCompressed         = errors.New("packet is already compressed")
	ErrNotCompressed             = errors.New("packet is not compressed")
	ErrCompressEncrypted         = errors.New("cannot compress an encrypted packet")
	ErrCorruptCompressedStream   = errors.New("corrupt compressed stream")
	ErrAlreadyEncrypted          = errors.New("packet is already encrypted")
	ErrNotEncrypted              = errors.New("packet is not encrypted")
	ErrSignedCannotBeTransformed = errors.New("signed packets cannot be encrypted or decrypted")
)

// Compression candidacy thresholds per transport. TCP payloads above an MTU
// benefit; mid-sized UDP payloads do, large ones are usually already-packed
// media.
const (
	tcpCompressMin = 1500
	udpCompressMin = 600
	udpCompressMax = 1200
)

// ShouldCompress reports whether the packet's serialized size makes it a
// compression candidate on its transport.
func ShouldCompress(p *packet.Packet) bool {
	n := p.Length()
	switch p.Protocol {
	case packet.ProtocolTCP:
		return n > tcpCompressMin
	case packet.ProtocolUDP:
		return n > udpCompressMin && n < udpCompressMax
	default:
		return false
	}
}

// rebuild stamps a derived packet with a fresh checksum over its new payload.
func rebuild(p *packet.Packet, payload []byte, flags packet.Flags) *packet.Packet {
	out := *p
	out.Payload = payload
	out.Flags = flags
	out.Checksum = crc32.ChecksumIEEE(payload)
	return &out
}

// Compress produces a compressed copy of p using the given algorithm.
func Compress(p *packet.Packet, alg Algorithm) (*packet.Packet, error) {
	switch {
	case p.Flags.Has(packet.FlagCompressed):
		return nil, ErrAlreadyCompressed
	case p.Flags.Has(packet.FlagEncrypted):
		return nil, ErrCompressEncrypted
	case len(p.Payload) == 0:
		return nil, ErrEmptyPayload
	}
	compressed, err := compressBytes(alg, p.Payload)
	if err != nil {
		return nil, err
	}
	if packet.HeaderSize+len(compressed) > packet.MaxPacketSize {
		return nil, packet.ErrPacketTooLarge
	}
	return rebuild(p, compressed, p.Flags|packet.FlagCompressed), nil
}

// Decompress inverts Compress.
func Decompress(p *packet.Packet) (*packet.Packet, error) {
	if !p.Flags.Has(packet.FlagCompressed) {
		return nil, ErrNotCompressed
	}
	plain, err := decompressBytes(p.Payload)
	if err != nil {
		return nil, err
	}
	if packet.HeaderSize+len(plain) > packet.MaxPacketSize {
		return nil, packet.ErrPacketTooLarge
	}
	return rebuild(p, plain, p.Flags&^packet.FlagCompressed), nil
}

// Encrypt seals the payload into a secure envelope under key and suite,
// drawing the next sequence number from seq.
func Encrypt(p *packet.Packet, key []byte, suite secure.Suite, seq *secure.SeqCounter) (*packet.Packet, error) {
	switch {
	case p.Flags.Has(packet.FlagSigned):
		return nil, ErrSignedCannotBeTransformed
	case p.Flags.Has(packet.FlagEncrypted):
		return nil, ErrAlreadyEncrypted
	case len(p.Payload) == 0:
		return nil, ErrEmptyPayload
	}
	if len(key) != secure.KeySize {
		return nil, secure.ErrInvalidKey
	}
	env, err := secure.Seal(suite, key, seq.Next(), p.Payload)
	if err != nil {
		return nil, err
	}
	if packet.HeaderSize+len(env) > packet.MaxPacketSize {
		return nil, packet.ErrPacketTooLarge
	}
	return rebuild(p, env, p.Flags|packet.FlagEncrypted), nil
}

// Decrypt opens the secure envelope. With a non-nil guard the envelope
// sequence number is committed against replay only after the tag
// authenticates; a duplicate delivery fails with ErrReplayDetected.
func Decrypt(p *packet.Packet, key []byte, suite secure.Suite, guard *secure.ReplayGuard) (*packet.Packet, error) {
	switch {
	case p.Flags.Has(packet.FlagSigned):
		return nil, ErrSignedCannotBeTransformed
	case !p.Flags.Has(packet.FlagEncrypted):
		return nil, ErrNotEncrypted
	}
	if len(key) != secure.KeySize {
		return nil, secure.ErrInvalidKey
	}

	envSuite, seqNum, err := secure.Peek(p.Payload)
	if err != nil {
		return nil, err
	}
	if envSuite != suite {
		return nil, secure.ErrEnvelopeMalformed
	}
	if guard != nil {
		if err := guard.Check(seqNum); err != nil {
			return nil, err
		}
	}

	plain, _, err := secure.Open(key, p.Payload)
	if err != nil {
		return nil, err
	}
	if guard != nil {
		if err := guard.Accept(seqNum); err != nil {
			return nil, err
		}
	}
	return rebuild(p, plain, p.Flags&^packet.FlagEncrypted), nil
}
