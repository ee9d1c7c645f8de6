// Package ratelimit implements the per-connection, per-group request
// limiter behind the dispatcher's rate policy gate.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy bounds one rate group: at most MaxRequests per Window, with a
// Lockout period once exceeded during which every request in the group
// is rejected.
type Policy struct {
	MaxRequests int
	Window      time.Duration
	Lockout     time.Duration
}

type key struct {
	conn  uint64
	group string
}

type window struct {
	start       time.Time
	count       int
	lockedUntil time.Time
}

// Limiter tracks sliding request windows keyed by (connection id, group).
// All methods are safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[key]*window
	now     func() time.Time

	rejected atomic.Int64
}

func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[key]*window),
		now:     time.Now,
	}
}

// NewLimiterWithClock injects a clock for tests.
func NewLimiterWithClock(now func() time.Time) *Limiter {
	l := NewLimiter()
	l.now = now
	return l
}

// Allow records a request against the group's window and reports whether it
// is within policy. Exceeding the policy starts the lockout.
func (l *Limiter) Allow(connID uint64, group string, p Policy) bool {
	if p.MaxRequests <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{conn: connID, group: group}
	w := l.windows[k]
	if w == nil {
		w = &window{start: now}
		l.windows[k] = w
	}

	if now.Before(w.lockedUntil) {
		l.rejected.Add(1)
		return false
	}

	if now.Sub(w.start) >= p.Window {
		w.start = now
		w.count = 0
	}

	w.count++
	if w.count > p.MaxRequests {
		w.lockedUntil = now.Add(p.Lockout)
		l.rejected.Add(1)
		log.Debug().
			Uint64("conn", connID).
			Str("group", group).
			Int("max_requests", p.MaxRequests).
			Dur("lockout", p.Lockout).
			Msg("[RateLimit] group locked out")
		return false
	}
	return true
}

// Forget drops all windows belonging to a connection. Called on disconnect
// to keep the table bounded.
func (l *Limiter) Forget(connID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.windows {
		if k.conn == connID {
			delete(l.windows, k)
		}
	}
}

// Rejected returns the total number of rejected requests.
func (l *Limiter) Rejected() int64 { return l.rejected.Load() }
