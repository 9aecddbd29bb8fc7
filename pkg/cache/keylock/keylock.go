// Package keylock serialises work per key using a fixed set of mutexes
// selected by key hash.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultStripes = 256

// Locker is a striped mutex keyed by string.
type Locker struct {
	stripes []sync.Mutex
}

// New creates a Locker with n stripes (256 when n <= 0).
func New(n int) *Locker {
	if n <= 0 {
		n = defaultStripes
	}
	return &Locker{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe owning key and returns its unlock function.
func (l *Locker) Lock(key string) func() {
	mu := &l.stripes[xxhash.Sum64String(key)%uint64(len(l.stripes))]
	mu.Lock()
	return mu.Unlock
}
