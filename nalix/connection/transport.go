package connection

import "context"

// Transport is the per-connection byte channel the runtime writes responses
// to. Implementations live outside the core; see the transport package for
// stream and websocket adapters.
type Transport interface {
	// Send writes one framed message. It may block until the transport
	// accepts the bytes or ctx is done.
	Send(ctx context.Context, data []byte) error
	// Close tears the transport down. reason is advisory, for peers and logs.
	Close(reason string) error
}
