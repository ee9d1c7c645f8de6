package dispatch

import (
	"errors"

	"github.com/gosuda/nalix/nalix/packet"
	"github.com/gosuda/nalix/nalix/packet/secure"
	"github.com/gosuda/nalix/nalix/packet/transform"
	"github.com/gosuda/nalix/nalix/security/scorecard"
	"github.com/gosuda/nalix/nalix/telemetry"
)

// propUnwrappedEncrypted marks a context whose packet arrived encrypted and
// was opened by the Unwrap stage.
const propUnwrappedEncrypted = "UnwrappedEncrypted"

// unwrap is the inbound transformation stage: decrypt first, then
// decompress. Any failure replies with the matching error packet and stops
// the chain; decryption failures also record the violation on the scorecard.
type unwrap struct {
	metrics *telemetry.Metrics
	board   *scorecard.Board
}

func (u *unwrap) Invoke(ctx *Ctx, next Next) {
	p := ctx.Packet

	if p.Flags.Has(packet.FlagEncrypted) {
		key, suite, ok := ctx.Conn.Key()
		if !ok {
			ctx.Logger.Warn().Msg("[Unwrap] encrypted packet before handshake")
			ctx.ReplyError(CodeEnvelopeMalformed, "no session key negotiated")
			return
		}
		plain, err := transform.Decrypt(p, key, suite, ctx.Conn.ReplayIn())
		if err != nil {
			u.fail(ctx, err)
			return
		}
		ctx.Packet = plain
		ctx.SetProperty(propUnwrappedEncrypted, true)
		p = plain
	}

	if p.Flags.Has(packet.FlagCompressed) {
		plain, err := transform.Decompress(p)
		if err != nil {
			ctx.Logger.Warn().Err(err).Msg("[Unwrap] decompression failed")
			ctx.ReplyError(CodeInternal, "corrupt compressed payload")
			return
		}
		ctx.Packet = plain
	}

	next()
}

func (u *unwrap) fail(ctx *Ctx, err error) {
	remote := ctx.Conn.RemoteAddr().String()
	var (
		code      ErrorCode
		violation scorecard.Violation
	)
	switch {
	case errors.Is(err, secure.ErrReplayDetected):
		code, violation = CodeReplayDetected, scorecard.ViolationReplay
		u.metrics.ReplaysDetected.Inc()
	case errors.Is(err, secure.ErrAuthTagMismatch):
		code, violation = CodeAuthTagMismatch, scorecard.ViolationAuthTagMismatch
		u.metrics.AuthTagMismatch.Inc()
	default:
		code, violation = CodeEnvelopeMalformed, scorecard.ViolationMalformedEnvelope
	}

	ctx.Logger.Warn().Err(err).Str("code", code.String()).Msg("[Unwrap] packet rejected")
	ctx.ReplyError(code, code.String())

	if u.board != nil && u.board.Record(remote, violation) {
		ctx.Logger.Warn().Str("remote", remote).Msg("[Unwrap] violation threshold exceeded, disconnecting")
		ctx.SetProperty("DisconnectAfterReply", true)
	}
}
