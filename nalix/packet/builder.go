package packet

import (
	"errors"
	"hash/crc32"
)

var ErrPayloadTooLarge = errors.New("payload exceeds maximum packet size")

// Builder assembles outbound packets. Zero value is usable; methods chain.
type Builder struct {
	p   Packet
	err error
}

// NewBuilder starts a builder for the given opcode.
func NewBuilder(opcode uint16) *Builder {
	return &Builder{p: Packet{
		Opcode:   opcode,
		Protocol: ProtocolTCP,
		Type:     TypeBinary,
		Priority: PriorityLow,
	}}
}

func (b *Builder) Protocol(proto Protocol) *Builder { b.p.Protocol = proto; return b }
func (b *Builder) Type(t Type) *Builder             { b.p.Type = t; return b }
func (b *Builder) Priority(pr Priority) *Builder    { b.p.Priority = pr; return b }

// Flags ORs the given flags into the packet.
func (b *Builder) Flags(f Flags) *Builder { b.p.Flags |= f; return b }

// Payload sets the payload. The slice is referenced, not copied; the caller
// hands over ownership.
func (b *Builder) Payload(data []byte) *Builder {
	if HeaderSize+len(data) > MaxPacketSize {
		b.err = ErrPayloadTooLarge
		return b
	}
	b.p.Payload = data
	return b
}

// StringPayload sets a UTF-8 payload and the String type tag.
func (b *Builder) StringPayload(s string) *Builder {
	b.p.Type = TypeString
	return b.Payload([]byte(s))
}

// Build finalizes the packet, stamping timestamp and checksum.
func (b *Builder) Build() (*Packet, error) {
	if b.err != nil {
		return nil, b.err
	}
	p := b.p
	p.Timestamp = NowMicros()
	p.Checksum = crc32.ChecksumIEEE(p.Payload)
	return &p, nil
}
