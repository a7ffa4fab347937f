package gossip

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Store is the node's set of broadcast values plus the neighbours they are
// forwarded to. Values are never removed.
type Store struct {
	mu         sync.Mutex
	values     map[uint64]struct{}
	seen       *bloom.BloomFilter // a miss here means the value is new; hits are confirmed in values
	neighbours []string
}

// NewStore sizes the bloom pre-filter for about expected values.
func NewStore(expected uint) *Store {
	if expected == 0 {
		expected = 1 << 16
	}
	return &Store{
		values: make(map[uint64]struct{}),
		seen:   bloom.NewWithEstimates(expected, 0.01),
	}
}

// Add inserts v and reports whether it was new.
func (s *Store) Add(v uint64) bool {
	key := valueKey(v)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen.Test(key[:]) {
		if _, ok := s.values[v]; ok {
			return false
		}
	}
	s.values[v] = struct{}{}
	s.seen.Add(key[:])
	return true
}

// contains reports membership; a filter miss answers without the map.
func (s *Store) contains(v uint64) bool {
	key := valueKey(v)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seen.Test(key[:]) {
		return false
	}
	_, ok := s.values[v]
	return ok
}

// Values returns the current membership in ascending order.
func (s *Store) Values() []uint64 {
	s.mu.Lock()
	out := make([]uint64, 0, len(s.values))
	for v := range s.values {
		out = append(out, v)
	}
	s.mu.Unlock()

	slices.Sort(out)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

func (s *Store) Neighbours() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.neighbours)
}

func (s *Store) SetNeighbours(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neighbours = slices.Clone(ids)
}

func valueKey(v uint64) [8]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf
}
