// Package client is the Go SDK for talking to a nalix packet server: it
// dials, runs the key agreement handshake and exchanges packets with
// transparent wrap/unwrap of the secure envelope.
package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/nalix/nalix/handshake"
	"github.com/gosuda/nalix/nalix/packet"
	"github.com/gosuda/nalix/nalix/packet/secure"
	"github.com/gosuda/nalix/nalix/packet/transform"
	"github.com/gosuda/nalix/nalix/transport"
)

var ErrClientClosed = errors.New("client is closed")

// Config tunes client construction.
type Config struct {
	// Handshake runs the key agreement after connect. Must match the
	// server's --handshake setting.
	Handshake bool
	// Suite is the cipher suite used once a key is negotiated.
	Suite secure.Suite
}

// Option mutates the client configuration.
type Option func(*Config)

// WithHandshake enables the key agreement on connect.
func WithHandshake() Option {
	return func(c *Config) { c.Handshake = true }
}

// WithSuite selects the cipher suite for encrypted packets.
func WithSuite(s secure.Suite) Option {
	return func(c *Config) { c.Suite = s }
}

// Client is a packet connection to a server. Send and Receive are each safe
// for one concurrent caller.
type Client struct {
	conn   net.Conn
	framer *transport.Framer

	key      []byte
	suite    secure.Suite
	seqOut   *secure.SeqCounter
	replayIn *secure.ReplayGuard

	mu     sync.Mutex
	closed bool
}

// Dial connects to addr over TCP and completes the configured handshake.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an established connection, completing the configured
// handshake before returning.
func NewClient(conn net.Conn, opts ...Option) (*Client, error) {
	cfg := Config{Suite: secure.SuiteChaCha20Poly1305}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Client{
		conn:     conn,
		framer:   transport.NewFramer(conn),
		suite:    cfg.Suite,
		seqOut:   secure.NewSeqCounter(),
		replayIn: secure.NewReplayGuard(),
	}
	if cfg.Handshake {
		if err := c.handshake(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// handshake is the client side of the fixed-size key agreement: send our
// ephemeral public key and nonce, read the server's, derive the session key.
func (c *Client) handshake() error {
	kp, err := handshake.GenerateKeypair()
	if err != nil {
		return err
	}
	clientNonce := handshake.NewNonce()
	if _, err := c.conn.Write(append(kp.Public[:], clientNonce...)); err != nil {
		return err
	}

	var serverHello [handshake.KeySize + handshake.NonceSize]byte
	if _, err := io.ReadFull(c.conn, serverHello[:]); err != nil {
		return err
	}
	serverPub := serverHello[:handshake.KeySize]
	serverNonce := serverHello[handshake.KeySize:]

	shared, err := handshake.DeriveShared(kp, serverPub)
	if err != nil {
		return err
	}
	sessionKey, _ := handshake.SessionKeys(shared, clientNonce, serverNonce)
	c.key = sessionKey

	log.Debug().Str("suite", c.suite.String()).Msg("[Client] session key negotiated")
	return nil
}

// Encrypted reports whether a session key was negotiated.
func (c *Client) Encrypted() bool { return c.key != nil }

// Send serializes p and writes it. With a negotiated key the packet is
// sealed into the secure envelope first.
func (c *Client) Send(p *packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}

	if c.key != nil && !p.Flags.Has(packet.FlagEncrypted) && len(p.Payload) > 0 {
		sealed, err := transform.Encrypt(p, c.key, c.suite, c.seqOut)
		if err != nil {
			return err
		}
		p = sealed
	}

	buf := make([]byte, p.Length())
	if _, err := packet.Encode(p, buf); err != nil {
		return err
	}
	_, err := c.conn.Write(buf)
	return err
}

// SendRaw writes pre-serialized bytes without touching them.
func (c *Client) SendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	_, err := c.conn.Write(data)
	return err
}

// Receive reads the next packet, opening the secure envelope and inflating
// compressed payloads as needed.
func (c *Client) Receive() (*packet.Packet, error) {
	frame, err := c.framer.ReadFrame()
	if err != nil {
		return nil, err
	}
	p, err := packet.Decode(frame)
	if err != nil {
		return nil, err
	}

	if p.Flags.Has(packet.FlagEncrypted) {
		if c.key == nil {
			return nil, secure.ErrInvalidKey
		}
		p, err = transform.Decrypt(p, c.key, c.suite, c.replayIn)
		if err != nil {
			return nil, err
		}
	}
	if p.Flags.Has(packet.FlagCompressed) {
		p, err = transform.Decompress(p)
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
