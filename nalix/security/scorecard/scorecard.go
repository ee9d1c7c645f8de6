// Package scorecard keeps a per-remote ledger of protocol violations so the
// server can shed peers that keep failing authentication. Counts are keyed
// by the remote address string and live in memory; with a store attached
// they survive restarts. Record only reports that a remote crossed the
// threshold; the board does not refuse connections from it.
package scorecard

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// Violation classifies one suspicious event.
type Violation uint8

const (
	ViolationAuthTagMismatch Violation = iota
	ViolationReplay
	ViolationMalformedEnvelope
	ViolationChecksum
)

func (v Violation) String() string {
	switch v {
	case ViolationAuthTagMismatch:
		return "auth_tag_mismatch"
	case ViolationReplay:
		return "replay"
	case ViolationMalformedEnvelope:
		return "malformed_envelope"
	case ViolationChecksum:
		return "checksum"
	default:
		return "unknown"
	}
}

// DefaultDisconnectThreshold is the violation count at which Record starts
// recommending disconnection.
const DefaultDisconnectThreshold = 10

// Board tracks violation counts keyed by remote address.
type Board struct {
	mu        sync.Mutex
	counts    map[string]uint64
	threshold uint64
	store     *Store
}

// NewBoard creates a board with the given disconnect threshold; zero means
// DefaultDisconnectThreshold. store may be nil for memory-only operation.
func NewBoard(threshold uint64, store *Store) *Board {
	if threshold == 0 {
		threshold = DefaultDisconnectThreshold
	}
	return &Board{
		counts:    make(map[string]uint64),
		threshold: threshold,
		store:     store,
	}
}

// Record registers a violation for remote and reports whether the remote
// crossed the disconnect threshold.
func (b *Board) Record(remote string, v Violation) bool {
	b.mu.Lock()
	count, loaded := b.counts[remote]
	if !loaded && b.store != nil {
		count = b.store.load(remote)
	}
	count++
	b.counts[remote] = count
	b.mu.Unlock()

	if b.store != nil {
		b.store.save(remote, count)
	}

	exceeded := count >= b.threshold
	log.Debug().
		Str("remote", remote).
		Str("violation", v.String()).
		Uint64("count", count).
		Bool("exceeded", exceeded).
		Msg("[Scorecard] violation recorded")
	return exceeded
}

// Count returns the current violation count for remote.
func (b *Board) Count(remote string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.counts[remote]; ok {
		return c
	}
	if b.store != nil {
		return b.store.load(remote)
	}
	return 0
}

// Forgive clears the ledger for remote.
func (b *Board) Forgive(remote string) {
	b.mu.Lock()
	delete(b.counts, remote)
	b.mu.Unlock()
	if b.store != nil {
		b.store.delete(remote)
	}
}

// Store persists violation counts in a pebble database.
type Store struct {
	db *pebble.DB
}

// OpenStore opens (or creates) the ledger database at path.
func OpenStore(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

func storeKey(remote string) []byte {
	return append([]byte("scorecard/"), remote...)
}

func (s *Store) load(remote string) uint64 {
	val, closer, err := s.db.Get(storeKey(remote))
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			log.Warn().Err(err).Str("remote", remote).Msg("[Scorecard] store read failed")
		}
		return 0
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(val)
}

func (s *Store) save(remote string, count uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], count)
	if err := s.db.Set(storeKey(remote), buf[:], pebble.NoSync); err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("[Scorecard] store write failed")
	}
}

func (s *Store) delete(remote string) {
	if err := s.db.Delete(storeKey(remote), pebble.NoSync); err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("[Scorecard] store delete failed")
	}
}
