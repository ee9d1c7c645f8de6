package packet

import (
	"hash/crc32"
	"time"

	"github.com/cockroachdb/crlib/crtime"
)

// Wire format (little-endian, HeaderSize bytes, payload follows):
//
//	[0:2]   length   - total serialized size including header
//	[2:4]   opcode   - routing identifier
//	[4]     protocol - transport discriminator
//	[5:9]   checksum - CRC32-IEEE over payload only
//	[9]     type     - payload type tag
//	[10]    flags
//	[11]    priority
//	[12:16] reserved - zero on the wire
const HeaderSize = 16

// MaxPacketSize is the largest serializable packet; length is a u16.
const MaxPacketSize = 65535

// Protocol discriminates the carrying transport.
type Protocol uint8

const (
	ProtocolTCP Protocol = 1
	ProtocolUDP Protocol = 2
)

// Type tags the payload encoding.
type Type uint8

const (
	TypeNone   Type = 0x00
	TypeBinary Type = 0x14
	TypeString Type = 0x15
	TypeJSON   Type = 0x16
)

// Flags is the packet flag bitset.
type Flags uint8

const (
	FlagCompressed Flags = 0x04
	FlagEncrypted  Flags = 0x08
	FlagSigned     Flags = 0x10
	FlagReliable   Flags = 0x20
	FlagFragmented Flags = 0x40
)

// reservedFlagBits are bit positions with no assigned meaning; packets
// carrying them are rejected on decode.
const reservedFlagBits = Flags(0x01 | 0x02 | 0x80)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Priority orders packets for scheduling hints. Higher is more urgent.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

// Packet is one message on the wire. Values are immutable after
// construction; transformer operations produce new packets.
type Packet struct {
	Opcode    uint16
	Protocol  Protocol
	Type      Type
	Flags     Flags
	Priority  Priority
	Timestamp int64 // microseconds, monotonic process clock
	Checksum  uint32
	Payload   []byte
}

// Length returns the total serialized size including the header.
func (p *Packet) Length() int { return HeaderSize + len(p.Payload) }

// VerifyChecksum recomputes the payload CRC and compares it to the stored one.
func (p *Packet) VerifyChecksum() bool {
	return crc32.ChecksumIEEE(p.Payload) == p.Checksum
}

// Clone returns a deep copy with its own payload buffer.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	return &c
}

// NowMicros returns the current monotonic timestamp in microseconds,
// measured from process start.
func NowMicros() int64 {
	return int64(crtime.NowMono()) / int64(time.Microsecond)
}
