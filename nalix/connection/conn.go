// Package connection holds per-connection runtime state: identity, the
// negotiated encryption parameters, the outbound send queue and the serial
// inbound work queue that preserves receive order.
package connection

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/nalix/nalix/packet"
	"github.com/gosuda/nalix/nalix/packet/secure"
)

var (
	ErrConnClosed    = errors.New("connection is closed")
	ErrQueueOverflow = errors.New("connection queue is full")
)

var nextConnID atomic.Uint64

const (
	sendQueueDepth    = 256
	inboundQueueDepth = 256
)

// Conn is the per-connection context threaded through dispatch. All exported
// methods are safe for concurrent use; inbound jobs submitted via Submit run
// one at a time, in order.
type Conn struct {
	id      uint64
	traceID xid.ID
	remote  net.Addr

	transport Transport

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	key       [secure.KeySize]byte
	hasKey    bool
	suite     secure.Suite
	authority Authority
	props     map[string]any

	replayIn *secure.ReplayGuard
	seqOut   *secure.SeqCounter

	lastActivity atomic.Int64 // unix micros

	sendQ     chan []byte
	inbound   chan func()
	closed    atomic.Bool
	closeErr  error
	closeOnce sync.Once
	done      chan struct{}
}

// New wires a connection over the given transport and starts its writer and
// serial executor goroutines.
func New(parent context.Context, transport Transport, remote net.Addr) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		id:        nextConnID.Add(1),
		traceID:   xid.New(),
		remote:    remote,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		authority: AuthorityGuest,
		props:     make(map[string]any),
		replayIn:  secure.NewReplayGuard(),
		seqOut:    secure.NewSeqCounter(),
		sendQ:     make(chan []byte, sendQueueDepth),
		inbound:   make(chan func(), inboundQueueDepth),
		done:      make(chan struct{}),
	}
	c.Touch()
	go c.writeLoop()
	go c.serialLoop()
	return c
}

func (c *Conn) ID() uint64           { return c.id }
func (c *Conn) TraceID() xid.ID      { return c.traceID }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// Context is cancelled when the connection closes; in-flight handlers
// observe it through their invocation context.
func (c *Conn) Context() context.Context { return c.ctx }

// ReplayIn guards inbound envelope sequence numbers.
func (c *Conn) ReplayIn() *secure.ReplayGuard { return c.replayIn }

// SeqOut issues outbound envelope sequence numbers.
func (c *Conn) SeqOut() *secure.SeqCounter { return c.seqOut }

// Authority returns the connection's permission tier.
func (c *Conn) Authority() Authority {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authority
}

// SetAuthority mutates the permission tier. Only authenticated operations
// (login handlers, admin actions) may call this.
func (c *Conn) SetAuthority(a Authority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authority = a
}

// SetKey installs the 32-byte session key and cipher suite negotiated by
// the handshake.
func (c *Conn) SetKey(key []byte, suite secure.Suite) error {
	if len(key) != secure.KeySize {
		return secure.ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.key[:], key)
	c.hasKey = true
	c.suite = suite
	return nil
}

// Key returns a copy of the session key, or false if the handshake has not
// completed.
func (c *Conn) Key() ([]byte, secure.Suite, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasKey {
		return nil, 0, false
	}
	key := make([]byte, secure.KeySize)
	copy(key, c.key[:])
	return key, c.suite, true
}

// Encrypted reports whether the connection negotiated a session key.
func (c *Conn) Encrypted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasKey
}

// SetProperty attaches middleware metadata to the connection.
func (c *Conn) SetProperty(k string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props[k] = v
}

// Property reads middleware metadata.
func (c *Conn) Property(k string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.props[k]
	return v, ok
}

// Touch records activity now. The idle sweeper reads LastActivity.
func (c *Conn) Touch() { c.lastActivity.Store(time.Now().UnixMicro()) }

// LastActivity returns the time of the most recent Touch.
func (c *Conn) LastActivity() time.Time {
	return time.UnixMicro(c.lastActivity.Load())
}

// Submit queues an inbound job on the connection's serial executor. Jobs run
// one at a time in submission order, preserving receive order end-to-end.
func (c *Conn) Submit(job func()) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.inbound <- job:
		return nil
	default:
		return ErrQueueOverflow
	}
}

// Send queues raw bytes for the transport writer.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.sendQ <- data:
		return nil
	default:
		return ErrQueueOverflow
	}
}

// SendPacket serializes p and queues it.
func (c *Conn) SendPacket(p *packet.Packet) error {
	buf := make([]byte, p.Length())
	if _, err := packet.Encode(p, buf); err != nil {
		return err
	}
	return c.Send(buf)
}

// Close cancels in-flight handlers, zeroes the session key and closes the
// transport. Safe to call more than once.
func (c *Conn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		c.mu.Lock()
		clear(c.key[:])
		c.hasKey = false
		c.mu.Unlock()

		close(c.done)
		c.closeErr = c.transport.Close(reason)
		log.Debug().
			Uint64("conn", c.id).
			Str("trace", c.traceID.String()).
			Str("reason", reason).
			Msg("[Conn] closed")
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed.Load() }

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendQ:
			if err := c.transport.Send(c.ctx, data); err != nil {
				log.Warn().
					Uint64("conn", c.id).
					Err(err).
					Msg("[Conn] transport send failed")
				c.Close("send failure")
				return
			}
			c.Touch()
		}
	}
}

func (c *Conn) serialLoop() {
	for {
		select {
		case <-c.done:
			return
		case job := <-c.inbound:
			job()
		}
	}
}
