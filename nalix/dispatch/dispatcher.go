// Package dispatch routes decoded packets to registered handlers through an
// ordered middleware pipeline, enforcing per-opcode policy on the way in and
// shaping return values on the way out.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/gosuda/nalix/nalix/connection"
	"github.com/gosuda/nalix/nalix/internal/ratelimit"
	"github.com/gosuda/nalix/nalix/packet"
	"github.com/gosuda/nalix/nalix/packet/transform"
	"github.com/gosuda/nalix/nalix/security/scorecard"
	"github.com/gosuda/nalix/nalix/telemetry"
)

// DefaultMaxConcurrency caps handler invocations in flight across all
// connections.
const DefaultMaxConcurrency = 1024

// Config tunes dispatcher construction. The zero value is usable.
type Config struct {
	// MaxConcurrency caps concurrent handler invocations; 0 means
	// DefaultMaxConcurrency.
	MaxConcurrency int64
	// Compression selects the outbound compression codec.
	Compression transform.Algorithm
	// Metrics receives runtime counters; nil means unregistered collectors.
	Metrics *telemetry.Metrics
	// Scorecard, when set, records protocol violations per remote.
	Scorecard *scorecard.Board
	// Logger overrides the global logger.
	Logger *zerolog.Logger
}

// Dispatcher is the packet entry point: parse, look up, run the pipeline,
// send whatever response the post stages leave behind.
type Dispatcher struct {
	registry *Registry
	pipeline *Pipeline
	limiter  *ratelimit.Limiter
	metrics  *telemetry.Metrics
	returns  *returnHandle
	sem      *semaphore.Weighted
	logger   zerolog.Logger
}

// NewDispatcher wires the dispatcher with its built-in pipeline stages.
func NewDispatcher(registry *Registry, cfg Config) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Nop()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	d := &Dispatcher{
		registry: registry,
		pipeline: NewPipeline(),
		limiter:  ratelimit.NewLimiter(),
		metrics:  cfg.Metrics,
		returns:  newReturnHandle(),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrency),
		logger:   logger,
	}
	d.pipeline.
		UsePre("unwrap", OrderUnwrap, &unwrap{metrics: d.metrics, board: cfg.Scorecard}).
		UsePre("policy", OrderPolicyGate, &policyGate{limiter: d.limiter, metrics: d.metrics}).
		UsePost("return", OrderReturnHandle, d.returns).
		UsePost("wrap", OrderWrap, &wrap{compression: cfg.Compression})
	return d
}

// Pipeline exposes the middleware pipeline for UsePre/UsePost extension.
// Mutate it before the first packet arrives.
func (d *Dispatcher) Pipeline() *Pipeline { return d.pipeline }

// Limiter exposes the rate-limit table, e.g. to Forget a closed connection.
func (d *Dispatcher) Limiter() *ratelimit.Limiter { return d.limiter }

// Handle parses raw bytes and dispatches the packet. Parse failures are
// answered with a protocol error packet; the connection stays open.
func (d *Dispatcher) Handle(raw []byte, conn *connection.Conn) {
	p, err := packet.Decode(raw)
	if err != nil {
		d.replyParseError(conn, err)
		return
	}
	d.HandlePacket(p, conn)
}

// HandlePacket queues the packet on the connection's serial executor.
// Packets of one connection run in receive order; connections run
// concurrently.
func (d *Dispatcher) HandlePacket(p *packet.Packet, conn *connection.Conn) {
	err := conn.Submit(func() { d.process(p, conn) })
	if err != nil {
		if errors.Is(err, connection.ErrQueueOverflow) {
			d.sendError(conn, CodeConcurrencyRejected, "server busy, try again")
		}
		d.logger.Warn().
			Uint64("conn", conn.ID()).
			Err(err).
			Msg("[Dispatch] inbound queue rejected packet")
	}
}

func (d *Dispatcher) process(p *packet.Packet, conn *connection.Conn) {
	conn.Touch()
	d.metrics.PacketsTotal.WithLabelValues("in").Inc()

	descriptor := d.registry.Find(p.Opcode)
	if descriptor == nil {
		d.metrics.UnknownOpcode.Inc()
		d.logger.Debug().
			Uint16("opcode", p.Opcode).
			Uint64("conn", conn.ID()).
			Msg("[Dispatch] unknown opcode")
		d.sendError(conn, CodeUnknownOpcode, "unknown opcode")
		return
	}

	if !d.sem.TryAcquire(1) {
		d.sendError(conn, CodeConcurrencyRejected, "server busy, try again")
		return
	}
	defer d.sem.Release(1)

	ctx := &Ctx{
		Packet:     p,
		Conn:       conn,
		Descriptor: descriptor,
		Context:    conn.Context(),
		Logger: d.logger.With().
			Uint16("opcode", p.Opcode).
			Uint64("conn", conn.ID()).
			Str("handler", descriptor.Name).
			Logger(),
	}

	d.pipeline.Execute(ctx, MiddlewareFunc(d.invoke))
	d.finish(ctx)
}

// invoke is the terminal pipeline stage: run the handler under its timeout,
// then continue into the post phase regardless of outcome so cleanup stages
// still run.
func (d *Dispatcher) invoke(ctx *Ctx, next Next) {
	invocationCtx, cancel := context.WithTimeout(ctx.Context, ctx.Descriptor.Timeout)
	defer cancel()
	ctx.Context = invocationCtx

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		v, err := ctx.Descriptor.Fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		d.metrics.HandlerDuration.Observe(time.Since(start).Seconds())
		if r.err != nil {
			d.metrics.HandlerErrors.Inc()
			ctx.Logger.Error().Err(r.err).Msg("[Dispatch] handler failed")
			ctx.ReplyError(CodeInternal, genericHandlerError)
		} else {
			ctx.returned = r.value
		}
	case <-invocationCtx.Done():
		// Cooperative cancellation: the handler sees ctx.Context done; its
		// eventual result is discarded.
		d.metrics.HandlerTimeouts.Inc()
		ctx.Logger.Warn().
			Dur("timeout", ctx.Descriptor.Timeout).
			Msg("[Dispatch] handler timed out")
		ctx.ReplyError(CodeHandlerTimeout, "request timed out")
	}

	next()
}

// finish sends whatever response survived the post pipeline and applies any
// disconnect decision middleware recorded.
func (d *Dispatcher) finish(ctx *Ctx) {
	if ctx.Response != nil && !ctx.sent {
		if err := ctx.Conn.SendPacket(ctx.Response); err != nil {
			ctx.Logger.Warn().Err(err).Msg("[Dispatch] response send failed")
		} else {
			d.metrics.PacketsTotal.WithLabelValues("out").Inc()
		}
	} else if ctx.sent {
		d.metrics.PacketsTotal.WithLabelValues("out").Inc()
	}

	if _, ok := ctx.Property("DisconnectAfterReply"); ok {
		ctx.Conn.Close("protocol violations")
	}
}

func (d *Dispatcher) replyParseError(conn *connection.Conn, err error) {
	var code ErrorCode
	switch {
	case errors.Is(err, packet.ErrTruncatedHeader):
		code = CodeInvalidHeader
	case errors.Is(err, packet.ErrLengthMismatch):
		code = CodeLengthMismatch
	case errors.Is(err, packet.ErrChecksumMismatch):
		code = CodeChecksumMismatch
	case errors.Is(err, packet.ErrUnsupportedFlags):
		code = CodeUnsupportedFlags
	default:
		code = CodeInvalidHeader
	}
	d.logger.Debug().
		Uint64("conn", conn.ID()).
		Err(err).
		Msg("[Dispatch] parse failure")
	d.sendError(conn, code, code.String())
}

func (d *Dispatcher) sendError(conn *connection.Conn, code ErrorCode, msg string) {
	if err := conn.SendPacket(ErrorPacket(code, msg)); err != nil {
		d.logger.Debug().Uint64("conn", conn.ID()).Err(err).Msg("[Dispatch] error reply failed")
	}
}
