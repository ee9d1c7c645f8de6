package main

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/nalix/nalix/buffer"
	"github.com/gosuda/nalix/nalix/connection"
	"github.com/gosuda/nalix/nalix/dispatch"
	"github.com/gosuda/nalix/nalix/handshake"
	"github.com/gosuda/nalix/nalix/packet/secure"
	"github.com/gosuda/nalix/nalix/security/scorecard"
	"github.com/gosuda/nalix/nalix/transport"
)

type server struct {
	dispatcher *dispatch.Dispatcher
	pool       *buffer.Pool
	board      *scorecard.Board

	promRegistry *prometheus.Registry

	mu    sync.Mutex
	conns map[uint64]*connection.Conn
}

func newServer(board *scorecard.Board) (*server, error) {
	return &server{
		pool:         buffer.NewPool(buffer.DefaultMaxBufferSize),
		board:        board,
		promRegistry: prometheus.NewRegistry(),
		conns:        make(map[uint64]*connection.Conn),
	}, nil
}

func (s *server) poolOutstanding() float64 {
	return float64(s.pool.Stats().Outstanding)
}

func (s *server) track(c *connection.Conn) {
	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()
}

func (s *server) untrack(c *connection.Conn) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
	s.dispatcher.Limiter().Forget(c.ID())
}

func (s *server) closeAll(reason string) {
	s.mu.Lock()
	conns := make([]*connection.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(reason)
	}
}

func (s *server) serveTCP(ctx context.Context, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("[Server] tcp listen failed")
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("[Server] accept failed")
			continue
		}
		go s.handleTCP(ctx, raw)
	}
}

func (s *server) handleTCP(ctx context.Context, raw net.Conn) {
	conn := connection.New(ctx, transport.NewStreamTransport(raw), raw.RemoteAddr())
	s.track(conn)
	defer s.untrack(conn)
	defer conn.Close("read loop ended")

	log.Info().
		Uint64("conn", conn.ID()).
		Str("trace", conn.TraceID().String()).
		Str("remote", raw.RemoteAddr().String()).
		Msg("[Server] tcp connection accepted")

	if flagHandshake {
		if err := serverHandshake(raw, conn); err != nil {
			log.Warn().Err(err).Uint64("conn", conn.ID()).Msg("[Server] handshake failed")
			return
		}
	}

	framer := transport.NewFramer(raw)
	for {
		frame, err := framer.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !conn.Closed() {
				log.Debug().Err(err).Uint64("conn", conn.ID()).Msg("[Server] read failed")
			}
			return
		}
		s.dispatcher.Handle(frame, conn)
	}
}

// serverHandshake runs the fixed-size key agreement: the client sends its
// ephemeral public key and nonce, the server replies in kind, both derive
// the session key. ChaCha20-Poly1305 is the negotiated suite for TCP.
func serverHandshake(raw net.Conn, conn *connection.Conn) error {
	var clientHello [handshake.KeySize + handshake.NonceSize]byte
	raw.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(raw, clientHello[:]); err != nil {
		return err
	}
	raw.SetReadDeadline(time.Time{})
	clientPub := clientHello[:handshake.KeySize]
	clientNonce := clientHello[handshake.KeySize:]

	kp, err := handshake.GenerateKeypair()
	if err != nil {
		return err
	}
	serverNonce := handshake.NewNonce()
	if _, err := raw.Write(append(kp.Public[:], serverNonce...)); err != nil {
		return err
	}

	shared, err := handshake.DeriveShared(kp, clientPub)
	if err != nil {
		return err
	}
	sessionKey, _ := handshake.SessionKeys(shared, clientNonce, serverNonce)
	return conn.SetKey(sessionKey, secure.SuiteChaCha20Poly1305)
}

// udpTransport answers a UDP peer through the shared socket.
type udpTransport struct {
	socket *net.UDPConn
	peer   *net.UDPAddr
}

func (t *udpTransport) Send(ctx context.Context, data []byte) error {
	_, err := t.socket.WriteToUDP(data, t.peer)
	return err
}

func (t *udpTransport) Close(reason string) error { return nil }

func (s *server) serveUDP(ctx context.Context, addr string) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("[Server] udp resolve failed")
		return
	}
	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("[Server] udp listen failed")
		return
	}
	go func() {
		<-ctx.Done()
		socket.Close()
	}()

	peers := make(map[string]*connection.Conn)
	var peersMu sync.Mutex

	buf := make([]byte, buffer.DefaultMaxBufferSize)
	for {
		n, peer, err := socket.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("[Server] udp read failed")
			continue
		}

		peersMu.Lock()
		conn := peers[peer.String()]
		if conn != nil && conn.Closed() {
			conn = nil
		}
		if conn == nil {
			conn = connection.New(ctx, &udpTransport{socket: socket, peer: peer}, peer)
			peers[peer.String()] = conn
			s.track(conn)
		}
		peersMu.Unlock()

		frame := append([]byte(nil), buf[:n]...)
		s.dispatcher.Handle(frame, conn)
	}
}

func (s *server) sweepIdle(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := make([]*connection.Conn, 0)
			for _, c := range s.conns {
				if time.Since(c.LastActivity()) > timeout {
					stale = append(stale, c)
				}
			}
			s.mu.Unlock()
			for _, c := range stale {
				log.Info().Uint64("conn", c.ID()).Msg("[Server] closing idle connection")
				c.Close("idle timeout")
				s.untrack(c)
			}
		}
	}
}
