package dispatch

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry maps opcodes to handler descriptors. Registration happens at
// startup; lookups afterwards are read-mostly and O(1).
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint16]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint16]*Descriptor)}
}

// Register walks a controller and inserts each of its handlers. A duplicate
// opcode or an invalid descriptor aborts registration with an error; the
// caller treats that as fatal misconfiguration.
func (r *Registry) Register(c Controller) error {
	for _, d := range c.Handlers() {
		if err := r.insert(d); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFunc inserts a single handler built from fn and options.
func (r *Registry) RegisterFunc(opcode uint16, fn HandlerFunc, opts ...Option) error {
	return r.insert(NewHandler(opcode, fn, opts...))
}

func (r *Registry) insert(d Descriptor) error {
	if d.Fn == nil {
		return fmt.Errorf("%w: opcode 0x%04X has no handler func", ErrInvalidHandlerSignature, d.Opcode)
	}
	if d.ReturnKind > ReturnUnsupported {
		return fmt.Errorf("%w: opcode 0x%04X declares unknown return kind %d", ErrInvalidHandlerSignature, d.Opcode, d.ReturnKind)
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.Name == "" {
		d.Name = fmt.Sprintf("opcode_0x%04X", d.Opcode)
	}
	if d.RateGroup == "" {
		d.RateGroup = d.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[d.Opcode]; exists {
		return fmt.Errorf("%w: 0x%04X", ErrDuplicateOpcode, d.Opcode)
	}
	r.handlers[d.Opcode] = &d
	log.Debug().
		Uint16("opcode", d.Opcode).
		Str("handler", d.Name).
		Str("authority", d.RequiredAuthority.String()).
		Dur("timeout", d.Timeout).
		Bool("encryption_required", d.EncryptionRequired).
		Msg("[Registry] handler registered")
	return nil
}

// Find returns the descriptor for opcode, or nil.
func (r *Registry) Find(opcode uint16) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[opcode]
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
