package buffer

import (
	"errors"
	"sync/atomic"
)

var (
	ErrLengthExceedsCapacity = errors.New("length exceeds lease capacity")
	ErrLeaseDetached         = errors.New("lease has been detached")
	ErrLeaseReleased         = errors.New("lease has no active references")
)

// Lease is a reference-counted borrow of a pooled buffer. The writable span
// is Writable(); SetLength bounds the logical span that Bytes() returns. A
// lease never returns to the pool while
// references remain, and a detached lease never returns at all.
type Lease struct {
	pool  *Pool
	buf   []byte
	class int

	refs      atomic.Int32
	length    int
	detached  atomic.Bool
	sensitive atomic.Bool
}

func newLease(p *Pool, buf []byte, class int) *Lease {
	l := &Lease{pool: p, buf: buf, class: class}
	l.refs.Store(1)
	return l
}

// Capacity returns the full capacity of the leased buffer.
func (l *Lease) Capacity() int { return len(l.buf) }

// Length returns the current logical length.
func (l *Lease) Length() int { return l.length }

// Bytes returns the logical span of the buffer. The caller must not use the
// slice after releasing its reference.
func (l *Lease) Bytes() []byte { return l.buf[:l.length] }

// Writable returns the full-capacity span for filling before SetLength.
// Only valid while the caller holds the sole reference.
func (l *Lease) Writable() []byte { return l.buf }

// SetLength bounds the logical span to n bytes.
func (l *Lease) SetLength(n int) error {
	if n < 0 || n > len(l.buf) {
		return ErrLengthExceedsCapacity
	}
	l.length = n
	return nil
}

// Retain adds a reference. Call before handing the lease to another goroutine.
func (l *Lease) Retain() {
	if l.refs.Add(1) <= 1 {
		panic("buffer: retain on released lease")
	}
}

// Release drops a reference. On the final release the buffer returns to the
// pool, unless the lease was detached. Releasing more times than retained
// panics: it indicates a double free.
func (l *Lease) Release() {
	n := l.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic("buffer: release of released lease")
	}
	if l.detached.Load() {
		// Ownership left the pool; zeroing is the new owner's concern.
		return
	}
	if l.sensitive.Load() {
		clear(l.buf)
	}
	l.pool.put(l.buf, l.class)
	l.buf = nil
}

// MarkSensitive requests zeroing of the buffer contents on final release.
// Used for buffers that held key material or plaintext of encrypted packets.
func (l *Lease) MarkSensitive() { l.sensitive.Store(true) }

// TryDetach transfers ownership of the backing buffer out of the pool.
// It succeeds only while the caller holds the sole reference. After a
// successful detach the lease keeps working, but the buffer is never
// returned to the pool.
func (l *Lease) TryDetach() ([]byte, int, error) {
	if l.refs.Load() != 1 {
		return nil, 0, ErrLeaseReleased
	}
	if !l.detached.CompareAndSwap(false, true) {
		return nil, 0, ErrLeaseDetached
	}
	return l.buf, l.length, nil
}

// Refs reports the current reference count. Intended for tests and stats.
func (l *Lease) Refs() int { return int(l.refs.Load()) }

// Detached reports whether ownership has been transferred out of the pool.
func (l *Lease) Detached() bool { return l.detached.Load() }
