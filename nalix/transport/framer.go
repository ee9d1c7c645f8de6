// Package transport adapts byte channels (TCP streams, websockets) to the
// connection.Transport interface and frames inbound streams into packets
// using the envelope's own length prefix.
package transport

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/gosuda/nalix/nalix/packet"
)

var ErrFrameTooShort = errors.New("frame shorter than packet header")

// Framer reads whole packets off a byte stream. The packet header's leading
// u16 little-endian length covers header and payload, so the framer reads
// the prefix, then the remainder.
type Framer struct {
	r io.Reader
}

func NewFramer(r io.Reader) *Framer { return &Framer{r: r} }

// ReadFrame returns the next complete serialized packet.
func (f *Framer) ReadFrame() ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(f.r, prefix[:]); err != nil {
		return nil, err
	}
	total := int(binary.LittleEndian.Uint16(prefix[:]))
	if total < packet.HeaderSize {
		return nil, ErrFrameTooShort
	}

	frame := make([]byte, total)
	copy(frame, prefix[:])
	if _, err := io.ReadFull(f.r, frame[2:]); err != nil {
		return nil, err
	}
	return frame, nil
}
