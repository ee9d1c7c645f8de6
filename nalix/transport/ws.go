package transport

import (
	"context"

	"github.com/coder/websocket"
)

// WebSocketTransport carries packets as binary websocket messages, one
// packet per message. Message boundaries replace the stream framer.
type WebSocketTransport struct {
	conn *websocket.Conn
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// Send writes one packet as a single binary message.
func (t *WebSocketTransport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageBinary, data)
}

// Receive reads the next binary message, which is one serialized packet.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

// Close completes the websocket closing handshake.
func (t *WebSocketTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
