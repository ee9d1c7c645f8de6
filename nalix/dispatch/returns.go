package dispatch

import (
	"fmt"
	"sync"

	"github.com/gosuda/nalix/nalix/buffer"
	"github.com/gosuda/nalix/nalix/packet"
)

// propUnsupportedReturn marks a context whose handler returned a value the
// runtime cannot map to the wire.
const propUnsupportedReturn = "UnsupportedReturnType"

// returnHandle is the first post stage: it maps the handler's return value
// onto the wire per its kind. Byte-shaped returns go out raw on the
// transport; string and packet returns are queued for the Wrap stage.
type returnHandle struct {
	mu       sync.Mutex
	reported map[string]struct{} // unsupported types already logged
}

func newReturnHandle() *returnHandle {
	return &returnHandle{reported: make(map[string]struct{})}
}

func (rh *returnHandle) Invoke(ctx *Ctx, next Next) {
	rh.handle(ctx, ctx.returned)
	next()
}

func (rh *returnHandle) handle(ctx *Ctx, value any) {
	switch v := value.(type) {
	case nil:
		// void: no response

	case *Future:
		inner, err := v.Await(ctx.Context)
		if err != nil {
			ctx.Logger.Error().Err(err).Msg("[ReturnHandle] async handler failed")
			ctx.ReplyError(CodeInternal, genericHandlerError)
			return
		}
		rh.handle(ctx, inner)

	case []byte:
		// raw bytes bypass packet framing entirely
		if err := ctx.Conn.Send(v); err != nil {
			ctx.Logger.Warn().Err(err).Msg("[ReturnHandle] raw send failed")
			return
		}
		ctx.sent = true

	case string:
		p, err := packet.NewBuilder(0).StringPayload(v).Build()
		if err != nil {
			ctx.Logger.Error().Err(err).Msg("[ReturnHandle] string response too large")
			ctx.ReplyError(CodeInternal, genericHandlerError)
			return
		}
		ctx.Reply(p)

	case *packet.Packet:
		ctx.Reply(v)

	case *buffer.Lease:
		rh.sendLease(ctx, v)

	default:
		rh.reportUnsupported(ctx, value)
	}
}

// sendLease ships leased memory without copying it into a packet. Ownership
// transfers out of the pool so the bytes survive the queued send; a shared
// lease falls back to a copy.
func (rh *returnHandle) sendLease(ctx *Ctx, l *buffer.Lease) {
	buf, n, err := l.TryDetach()
	if err != nil {
		data := append([]byte(nil), l.Bytes()...)
		l.Release()
		if err := ctx.Conn.Send(data); err != nil {
			ctx.Logger.Warn().Err(err).Msg("[ReturnHandle] memory send failed")
			return
		}
		ctx.sent = true
		return
	}
	l.Release()
	if err := ctx.Conn.Send(buf[:n]); err != nil {
		ctx.Logger.Warn().Err(err).Msg("[ReturnHandle] memory send failed")
		return
	}
	ctx.sent = true
}

func (rh *returnHandle) reportUnsupported(ctx *Ctx, value any) {
	typeName := fmt.Sprintf("%T", value)
	rh.mu.Lock()
	_, seen := rh.reported[typeName]
	if !seen {
		rh.reported[typeName] = struct{}{}
	}
	rh.mu.Unlock()

	if !seen {
		ctx.Logger.Error().
			Str("type", typeName).
			Uint16("opcode", ctx.Packet.Opcode).
			Msg("[ReturnHandle] unsupported handler return type")
	}
	ctx.SetProperty(propUnsupportedReturn, typeName)
}
