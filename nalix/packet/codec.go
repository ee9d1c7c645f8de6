package packet

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

var (
	ErrTruncatedHeader     = errors.New("packet shorter than header")
	ErrLengthMismatch      = errors.New("declared length does not match data")
	ErrChecksumMismatch    = errors.New("payload checksum mismatch")
	ErrUnsupportedFlags    = errors.New("reserved flag bits set")
	ErrDestinationTooSmall = errors.New("destination buffer too small")
	ErrPacketTooLarge      = errors.New("packet exceeds maximum size")
)

// Encode serializes p into dst and returns the number of bytes written.
// The checksum is recomputed from the payload; whatever p.Checksum held
// before is ignored.
func Encode(p *Packet, dst []byte) (int, error) {
	total := p.Length()
	if total > MaxPacketSize {
		return 0, ErrPacketTooLarge
	}
	if len(dst) < total {
		return 0, ErrDestinationTooSmall
	}
	sum := crc32.ChecksumIEEE(p.Payload)

	binary.LittleEndian.PutUint16(dst[0:2], uint16(total))
	binary.LittleEndian.PutUint16(dst[2:4], p.Opcode)
	dst[4] = byte(p.Protocol)
	binary.LittleEndian.PutUint32(dst[5:9], sum)
	dst[9] = byte(p.Type)
	dst[10] = byte(p.Flags)
	dst[11] = byte(p.Priority)
	clear(dst[12:HeaderSize])
	copy(dst[HeaderSize:], p.Payload)
	return total, nil
}

// Append serializes p onto the end of dst and returns the extended slice.
func Append(p *Packet, dst []byte) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, p.Length())...)
	if _, err := Encode(p, dst[start:]); err != nil {
		return dst[:start], err
	}
	return dst, nil
}

// Decode parses one packet from src. The payload slice is copied out of src
// so the caller may recycle the input buffer immediately.
func Decode(src []byte) (*Packet, error) {
	if len(src) < HeaderSize {
		return nil, ErrTruncatedHeader
	}
	declared := int(binary.LittleEndian.Uint16(src[0:2]))
	if declared < HeaderSize || declared > len(src) {
		return nil, ErrLengthMismatch
	}
	flags := Flags(src[10])
	if flags&reservedFlagBits != 0 {
		return nil, ErrUnsupportedFlags
	}

	payload := append([]byte(nil), src[HeaderSize:declared]...)
	sum := binary.LittleEndian.Uint32(src[5:9])
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, ErrChecksumMismatch
	}

	return &Packet{
		Opcode:    binary.LittleEndian.Uint16(src[2:4]),
		Protocol:  Protocol(src[4]),
		Type:      Type(src[9]),
		Flags:     flags,
		Priority:  Priority(src[11]),
		Timestamp: NowMicros(),
		Checksum:  sum,
		Payload:   payload,
	}, nil
}
