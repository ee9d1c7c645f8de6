package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StreamTransport sends framed packets over a net.Conn. Writes are
// serialized; packets are already self-framing so no extra prefix is added.
type StreamTransport struct {
	mu   sync.Mutex
	conn net.Conn
}

func NewStreamTransport(conn net.Conn) *StreamTransport {
	return &StreamTransport{conn: conn}
}

// Send writes one serialized packet, honoring ctx via a write deadline.
func (t *StreamTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	_, err := t.conn.Write(data)
	return err
}

// Close tears down the stream.
func (t *StreamTransport) Close(reason string) error {
	log.Debug().
		Str("remote", t.conn.RemoteAddr().String()).
		Str("reason", reason).
		Msg("[Transport] stream closed")
	return t.conn.Close()
}
