package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gosuda/nalix/nalix/connection"
	"github.com/gosuda/nalix/nalix/packet"
)

// Ctx is the per-invocation context threaded through the middleware chain
// and into the handler.
type Ctx struct {
	// Packet is the message under dispatch. The Unwrap stage replaces it
	// with the decrypted/decompressed form before the handler sees it.
	Packet *packet.Packet
	// Conn is the originating connection.
	Conn *connection.Conn
	// Descriptor is the matched registration record; nil until lookup.
	Descriptor *Descriptor
	// Context bounds the invocation; it is derived from the connection
	// context so a disconnect cancels in-flight work.
	Context context.Context
	// Logger carries opcode and connection fields for handler logs.
	Logger zerolog.Logger

	// Response holds a packet queued for the post pipeline; the Wrap stage
	// transforms it and the dispatcher sends whatever remains.
	Response *packet.Packet

	// returned is the raw handler return value, consumed by ReturnHandle.
	returned any
	// sent marks that a response already went out on the raw byte path.
	sent bool

	props map[string]any
}

// SetProperty attaches invocation-scoped metadata.
func (c *Ctx) SetProperty(k string, v any) {
	if c.props == nil {
		c.props = make(map[string]any)
	}
	c.props[k] = v
}

// Property reads invocation-scoped metadata.
func (c *Ctx) Property(k string) (any, bool) {
	v, ok := c.props[k]
	return v, ok
}

// Reply queues p as the response packet for the post pipeline.
func (c *Ctx) Reply(p *packet.Packet) { c.Response = p }

// ReplyError queues a policy/protocol error response.
func (c *Ctx) ReplyError(code ErrorCode, msg string) {
	c.Response = ErrorPacket(code, msg)
}
