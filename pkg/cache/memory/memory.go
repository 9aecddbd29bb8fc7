package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nicktill/tinyflow/pkg/cache"
	"github.com/nicktill/tinyflow/pkg/cache/keylock"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store keeps cache entries in memory. Data is lost on restart.
// Expiry is checked on every read; Sweep reclaims expired entries.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	locks   *keylock.Locker
	now     func() time.Time
}

var _ cache.Store = (*Store)(nil)

// New creates an in-memory store
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates an in-memory store that reads time from now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		entries: make(map[string]entry),
		locks:   keylock.New(0),
		now:     now,
	}
}

// Get returns the live value under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return copyBytes(e.value), true, nil
}

// Set stores value under key until ttl elapses.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(key)
	defer unlock()
	s.put(key, value, ttl)
	return nil
}

// Update applies fn to the current value of key under the key's lock.
func (s *Store) Update(ctx context.Context, key string, ttl time.Duration, fn cache.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	current, found, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	s.put(key, next, ttl)
	return nil
}

// Sweep deletes expired entries and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries held, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close is a no-op for memory storage
func (s *Store) Close() error {
	return nil
}

func (s *Store) put(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = entry{value: copyBytes(value), expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
