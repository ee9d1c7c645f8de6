package buffer

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrBufferTooLarge = errors.New("requested buffer exceeds pool maximum")
	ErrPoolClosed     = errors.New("buffer pool is closed")
)

// size classes rented out by the pool; requests round up to the next class.
var sizeClasses = []int{256, 1024, 4096, 16384, 65536}

// DefaultMaxBufferSize is the largest buffer the default pool hands out.
// It covers the maximum serialized packet size (65535 bytes, u16 length
// prefix).
const DefaultMaxBufferSize = 65536

// Stats is a snapshot of pool activity.
type Stats struct {
	Rented      int64 `json:"rented"`
	Returned    int64 `json:"returned"`
	Misses      int64 `json:"misses"` // rents that allocated instead of reusing
	Outstanding int64 `json:"outstanding"`
}

// Pool hands out reference-counted leases over recycled byte buffers.
// Multiple goroutines may rent and return concurrently.
type Pool struct {
	classes []sync.Pool
	max     int

	rented   atomic.Int64
	returned atomic.Int64
	misses   atomic.Int64
}

// NewPool creates a pool with the given maximum buffer size. maxSize values
// below the largest size class are raised to DefaultMaxBufferSize.
func NewPool(maxSize int) *Pool {
	if maxSize < sizeClasses[len(sizeClasses)-1] {
		maxSize = DefaultMaxBufferSize
	}
	p := &Pool{max: maxSize}
	p.classes = make([]sync.Pool, len(sizeClasses))
	for i, size := range sizeClasses {
		size := size
		p.classes[i].New = func() any {
			p.misses.Add(1)
			return make([]byte, size)
		}
	}
	return p
}

// MaxBufferSize returns the largest buffer the pool will rent.
func (p *Pool) MaxBufferSize() int { return p.max }

// Rent borrows a buffer with capacity of at least minSize. The returned
// lease starts with refcount 1 and length 0.
func (p *Pool) Rent(minSize int) (*Lease, error) {
	if minSize > p.max {
		return nil, ErrBufferTooLarge
	}
	p.rented.Add(1)
	for i, size := range sizeClasses {
		if minSize <= size {
			buf := p.classes[i].Get().([]byte)
			return newLease(p, buf[:size], i), nil
		}
	}
	// Above the largest class but within max: one-off allocation, never pooled.
	p.misses.Add(1)
	return newLease(p, make([]byte, minSize), -1), nil
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	rented := p.rented.Load()
	returned := p.returned.Load()
	return Stats{
		Rented:      rented,
		Returned:    returned,
		Misses:      p.misses.Load(),
		Outstanding: rented - returned,
	}
}

// put returns a buffer to its size class. Called by Lease on final release.
func (p *Pool) put(buf []byte, class int) {
	p.returned.Add(1)
	if class < 0 {
		return // one-off allocation
	}
	p.classes[class].Put(buf[:cap(buf)])
}
