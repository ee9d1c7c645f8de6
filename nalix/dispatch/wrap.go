package dispatch

import (
	"github.com/gosuda/nalix/nalix/packet/transform"
)

// wrap is the outbound transformation stage: compress large responses, then
// encrypt when the connection negotiated a session key. It operates on the
// packet queued in ctx.Response; raw byte responses bypass it.
type wrap struct {
	compression transform.Algorithm
}

func (w *wrap) Invoke(ctx *Ctx, next Next) {
	p := ctx.Response
	if p == nil {
		next()
		return
	}

	if transform.ShouldCompress(p) {
		compressed, err := transform.Compress(p, w.compression)
		if err == nil && compressed.Length() < p.Length() {
			p = compressed
		} else if err != nil {
			ctx.Logger.Debug().Err(err).Msg("[Wrap] compression skipped")
		}
	}

	if key, suite, ok := ctx.Conn.Key(); ok {
		encrypted, err := transform.Encrypt(p, key, suite, ctx.Conn.SeqOut())
		if err != nil {
			ctx.Logger.Error().Err(err).Msg("[Wrap] response encryption failed, dropping")
			ctx.Response = nil
			return
		}
		p = encrypted
	}

	ctx.Response = p
	next()
}
