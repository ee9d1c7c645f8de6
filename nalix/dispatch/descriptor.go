package dispatch

import (
	"time"

	"github.com/gosuda/nalix/nalix/connection"
	"github.com/gosuda/nalix/nalix/internal/ratelimit"
)

// DefaultTimeout bounds handler execution when a descriptor sets none.
const DefaultTimeout = 5 * time.Second

// HandlerFunc is the uniform handler shape. The returned value is mapped to
// the wire by return kind; see ReturnKind.
type HandlerFunc func(ctx *Ctx) (any, error)

// Descriptor is the registration record for one opcode: the handler plus
// the policies enforced around every invocation.
type Descriptor struct {
	Opcode             uint16
	Fn                 HandlerFunc
	RequiredAuthority  connection.Authority
	RateLimit          ratelimit.Policy
	RateGroup          string
	Timeout            time.Duration
	EncryptionRequired bool
	ReturnKind         ReturnKind
	Name               string // for logs; defaults to the rate group
}

// Option mutates a descriptor during registration.
type Option func(*Descriptor)

// WithAuthority requires at least the given tier.
func WithAuthority(a connection.Authority) Option {
	return func(d *Descriptor) { d.RequiredAuthority = a }
}

// WithTimeout overrides the default handler timeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Descriptor) { d.Timeout = t }
}

// WithRateLimit allows max requests per window, locking the group out for
// lockout once exceeded.
func WithRateLimit(max int, window, lockout time.Duration) Option {
	return func(d *Descriptor) {
		d.RateLimit = ratelimit.Policy{MaxRequests: max, Window: window, Lockout: lockout}
	}
}

// WithRateGroup shares a rate counter between handlers under one name.
func WithRateGroup(group string) Option {
	return func(d *Descriptor) { d.RateGroup = group }
}

// WithEncryptionRequired rejects cleartext packets for this opcode.
func WithEncryptionRequired() Option {
	return func(d *Descriptor) { d.EncryptionRequired = true }
}

// WithReturnKind declares the handler's return kind up front. At return time
// the dispatcher maps the actual value by its type; the declared kind is not
// compared against it.
func WithReturnKind(k ReturnKind) Option {
	return func(d *Descriptor) { d.ReturnKind = k }
}

// WithName sets the log name for the handler.
func WithName(name string) Option {
	return func(d *Descriptor) { d.Name = name }
}

// NewHandler assembles a descriptor with defaults: guest authority, default
// timeout, no rate limit, no encryption requirement.
func NewHandler(opcode uint16, fn HandlerFunc, opts ...Option) Descriptor {
	d := Descriptor{
		Opcode:  opcode,
		Fn:      fn,
		Timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&d)
	}
	if d.Name == "" && d.RateGroup != "" {
		d.Name = d.RateGroup
	}
	if d.RateGroup == "" {
		d.RateGroup = d.Name
	}
	return d
}

// Controller groups handlers for registration as one unit.
type Controller interface {
	Handlers() []Descriptor
}
