// Package store provides the bounded in-memory history of exchanges.
//
// DESIGN: A fixed-size ring of slots plus an id -> slot index.
//   - Add:   O(1); writes the newest slot, evicting the oldest when full
//   - Get:   O(1) index lookup
//   - List:  newest-first copy of the references, safe to iterate after return
//   - Clear: drops everything in one critical section
//
// The store is volatile. Records live for the lifetime of the process or
// until they are evicted or cleared.
package store

import (
	"errors"
	"sync"

	"github.com/redteams-fr/LLMiddler/internal/exchange"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1000

// ErrDuplicateID is returned by Add when the id is already stored.
var ErrDuplicateID = errors.New("exchange id already stored")

// Store defines the interface for exchange history storage.
type Store interface {
	// Add inserts the exchange at the most-recent position.
	Add(ex *exchange.Exchange) error

	// Get retrieves an exchange by id.
	Get(id string) (*exchange.Exchange, bool)

	// List returns all exchanges, most recent first.
	List() []*exchange.Exchange

	// Clear removes every exchange.
	Clear()

	// Len returns the number of stored exchanges.
	Len() int

	// Capacity returns the maximum number of stored exchanges.
	Capacity() int
}

// MemoryStore is a ring-buffer implementation of Store.
type MemoryStore struct {
	mu    sync.RWMutex
	slots []*exchange.Exchange
	index map[string]int // id -> slot
	head  int            // slot of the oldest entry
	count int
}

// NewMemoryStore creates a store holding at most capacity exchanges.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		slots: make([]*exchange.Exchange, capacity),
		index: make(map[string]int, capacity),
	}
}

// Add inserts ex as the newest entry, evicting the oldest one if full.
func (s *MemoryStore) Add(ex *exchange.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[ex.ID()]; exists {
		return ErrDuplicateID
	}

	capacity := len(s.slots)
	if s.count == capacity {
		oldest := s.slots[s.head]
		delete(s.index, oldest.ID())
		s.slots[s.head] = nil
		s.head = (s.head + 1) % capacity
		s.count--
	}

	slot := (s.head + s.count) % capacity
	s.slots[slot] = ex
	s.index[ex.ID()] = slot
	s.count++
	return nil
}

// Get retrieves an exchange by id.
func (s *MemoryStore) Get(id string) (*exchange.Exchange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.slots[slot], true
}

// List returns a newest-first copy of the stored references.
func (s *MemoryStore) List() []*exchange.Exchange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	capacity := len(s.slots)
	out := make([]*exchange.Exchange, 0, s.count)
	for i := s.count - 1; i >= 0; i-- {
		out = append(out, s.slots[(s.head+i)%capacity])
	}
	return out
}

// Clear removes every exchange.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.slots)
	s.index = make(map[string]int, len(s.slots))
	s.head = 0
	s.count = 0
}

// Len returns the number of stored exchanges.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Capacity returns the maximum number of stored exchanges.
func (s *MemoryStore) Capacity() int {
	return len(s.slots)
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
