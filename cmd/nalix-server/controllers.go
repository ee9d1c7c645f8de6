package main

import (
	"fmt"
	"time"

	"github.com/gosuda/nalix/nalix/buffer"
	"github.com/gosuda/nalix/nalix/connection"
	"github.com/gosuda/nalix/nalix/dispatch"
	"github.com/gosuda/nalix/nalix/packet"
)

// Demo opcodes.
const (
	OpPing   uint16 = 0x0001
	OpEcho   uint16 = 0x0002
	OpTime   uint16 = 0x0003
	OpStats  uint16 = 0x0004
	OpDrop   uint16 = 0x0005
	OpLogin  uint16 = 0x0010
	OpWhoAmI uint16 = 0x0011
)

// PingController exercises the bytes, packet, string and void return kinds
// over a handful of toy opcodes.
type PingController struct{}

func (c *PingController) Handlers() []dispatch.Descriptor {
	return []dispatch.Descriptor{
		dispatch.NewHandler(OpPing, c.Ping,
			dispatch.WithName("ping"),
			dispatch.WithReturnKind(dispatch.ReturnBytes)),
		dispatch.NewHandler(OpEcho, c.Echo,
			dispatch.WithName("echo"),
			dispatch.WithReturnKind(dispatch.ReturnPacket),
			dispatch.WithRateLimit(32, time.Second, 10*time.Second)),
		dispatch.NewHandler(OpTime, c.Time,
			dispatch.WithName("time"),
			dispatch.WithReturnKind(dispatch.ReturnString)),
		dispatch.NewHandler(OpDrop, c.Drop,
			dispatch.WithName("drop"),
			dispatch.WithReturnKind(dispatch.ReturnVoid)),
	}
}

// Ping returns the payload untouched on the raw byte path.
func (c *PingController) Ping(ctx *dispatch.Ctx) (any, error) {
	return ctx.Packet.Payload, nil
}

// Echo answers with a packet mirroring the request payload.
func (c *PingController) Echo(ctx *dispatch.Ctx) (any, error) {
	return packet.NewBuilder(OpEcho).
		Type(ctx.Packet.Type).
		Payload(append([]byte(nil), ctx.Packet.Payload...)).
		Build()
}

// Time returns the server's monotonic clock as a string packet.
func (c *PingController) Time(ctx *dispatch.Ctx) (any, error) {
	return fmt.Sprintf("%d", packet.NowMicros()), nil
}

// Drop accepts and intentionally answers nothing.
func (c *PingController) Drop(ctx *dispatch.Ctx) (any, error) {
	return nil, nil
}

// SessionController covers authenticated operations: login mutates the
// connection authority; whoami and stats require it.
type SessionController struct {
	pool *buffer.Pool
}

func (c *SessionController) Handlers() []dispatch.Descriptor {
	return []dispatch.Descriptor{
		dispatch.NewHandler(OpLogin, c.Login,
			dispatch.WithName("login"),
			dispatch.WithEncryptionRequired(),
			dispatch.WithRateLimit(5, time.Minute, 5*time.Minute),
			dispatch.WithReturnKind(dispatch.ReturnString)),
		dispatch.NewHandler(OpWhoAmI, c.WhoAmI,
			dispatch.WithName("whoami"),
			dispatch.WithAuthority(connection.AuthorityUser),
			dispatch.WithReturnKind(dispatch.ReturnString)),
		dispatch.NewHandler(OpStats, c.Stats,
			dispatch.WithName("stats"),
			dispatch.WithAuthority(connection.AuthoritySupervisor),
			dispatch.WithReturnKind(dispatch.ReturnAsync)),
	}
}

// Login is a toy credential check: any non-empty payload authenticates as
// User. Real deployments replace this handler.
func (c *SessionController) Login(ctx *dispatch.Ctx) (any, error) {
	if len(ctx.Packet.Payload) == 0 {
		return "login rejected", nil
	}
	ctx.Conn.SetAuthority(connection.AuthorityUser)
	return "login ok", nil
}

func (c *SessionController) WhoAmI(ctx *dispatch.Ctx) (any, error) {
	return fmt.Sprintf("conn %d authority %s", ctx.Conn.ID(), ctx.Conn.Authority()), nil
}

// Stats gathers pool numbers off the invocation goroutine and answers with
// leased memory on the raw byte path.
func (c *SessionController) Stats(ctx *dispatch.Ctx) (any, error) {
	pool := c.pool
	return dispatch.Go(func() (any, error) {
		stats := pool.Stats()
		line := fmt.Sprintf("rented=%d returned=%d outstanding=%d",
			stats.Rented, stats.Returned, stats.Outstanding)
		lease, err := pool.Rent(len(line))
		if err != nil {
			return nil, err
		}
		n := copy(lease.Writable(), line)
		if err := lease.SetLength(n); err != nil {
			lease.Release()
			return nil, err
		}
		return lease, nil
	}), nil
}
