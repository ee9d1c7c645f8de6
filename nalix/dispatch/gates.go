package dispatch

import (
	"github.com/gosuda/nalix/nalix/internal/ratelimit"
	"github.com/gosuda/nalix/nalix/packet"
	"github.com/gosuda/nalix/nalix/telemetry"
)

// policyGate enforces the per-descriptor policies in fixed order:
// encryption requirement, permission, rate limit. The first failure replies
// with an error packet and stops the chain; the handler timeout is applied
// by the terminal dispatch stage.
type policyGate struct {
	limiter *ratelimit.Limiter
	metrics *telemetry.Metrics
}

func (g *policyGate) Invoke(ctx *Ctx, next Next) {
	d := ctx.Descriptor

	if d.EncryptionRequired && !ctx.wasEncrypted() {
		ctx.Logger.Debug().Msg("[PolicyGate] cleartext packet on encrypted-only opcode")
		ctx.ReplyError(CodeEncryptionRequired, "this operation requires an encrypted connection")
		return
	}

	if !ctx.Conn.Authority().AtLeast(d.RequiredAuthority) {
		ctx.Logger.Debug().
			Str("have", ctx.Conn.Authority().String()).
			Str("need", d.RequiredAuthority.String()).
			Msg("[PolicyGate] permission denied")
		ctx.ReplyError(CodePermissionDenied, "insufficient permission")
		return
	}

	if !g.limiter.Allow(ctx.Conn.ID(), d.RateGroup, d.RateLimit) {
		g.metrics.RateLimited.Inc()
		ctx.ReplyError(CodeRateLimited, "rate limit exceeded")
		return
	}

	next()
}

// wasEncrypted reports whether the packet arrived under the secure envelope.
// The Unwrap stage clears the flag when it decrypts, so the gate reads the
// marker it leaves behind instead.
func (c *Ctx) wasEncrypted() bool {
	if c.Packet.Flags.Has(packet.FlagEncrypted) {
		return true
	}
	_, ok := c.Property(propUnwrappedEncrypted)
	return ok
}
