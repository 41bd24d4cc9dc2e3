package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStateStore is a process-local StateStore with explicit expiry.
//
// Entries never expire in the background; staleness is checked on read so
// behavior is reproducible under test.
type MemoryStateStore struct {
	mu sync.Mutex

	cursors  map[string]uint64
	lastUsed map[uint64]time.Time
	states   map[string]memoryStateEntry

	now func() time.Time
}

type memoryStateEntry struct {
	state     FailoverState
	expiresAt time.Time
}

// NewMemoryStateStore constructs an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		cursors:  make(map[string]uint64),
		lastUsed: make(map[uint64]time.Time),
		states:   make(map[string]memoryStateEntry),
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock; used by tests to exercise expiry.
func (s *MemoryStateStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func stateKey(groupID uint64, serviceType string) string {
	return fmt.Sprintf("%d:%s", groupID, serviceType)
}

// NextCursor atomically advances the round-robin pointer.
func (s *MemoryStateStore) NextCursor(_ context.Context, groupID uint64, serviceType string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(groupID, serviceType)
	s.cursors[key]++
	return s.cursors[key], nil
}

// TouchAccount stamps the account as used.
func (s *MemoryStateStore) TouchAccount(_ context.Context, accountID uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed[accountID] = at
	return nil
}

// LastUsed returns the account's last-used stamp.
func (s *MemoryStateStore) LastUsed(_ context.Context, accountID uint64) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed[accountID], nil
}

// LoadFailoverState returns the failover state, honoring expiry on read.
func (s *MemoryStateStore) LoadFailoverState(_ context.Context, groupID uint64, serviceType string) (FailoverState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[stateKey(groupID, serviceType)]
	if !ok {
		return FailoverState{}, nil
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.states, stateKey(groupID, serviceType))
		return FailoverState{}, nil
	}
	return entry.state, nil
}

// SaveFailoverState stores the failover state with an expiry.
func (s *MemoryStateStore) SaveFailoverState(_ context.Context, groupID uint64, serviceType string, state FailoverState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := memoryStateEntry{state: state}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.states[stateKey(groupID, serviceType)] = entry
	return nil
}

// Ensure MemoryStateStore implements StateStore.
var _ StateStore = (*MemoryStateStore)(nil)
