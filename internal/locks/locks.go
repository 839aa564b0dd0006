// Package locks serializes read-modify-write cycles per (user, item) pair.
// Mutations for different pairs proceed concurrently; mutations for the
// same pair queue behind one mutex.
package locks

import "sync"

// PairMutex hands out one mutex per key, created on first use. Keys are
// never removed; the key space is bounded by the number of live pairs.
type PairMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPairMutex creates an empty keyed mutex.
func NewPairMutex() *PairMutex {
	return &PairMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (p *PairMutex) Lock(key string) func() {
	p.mu.Lock()
	m, ok := p.locks[key]
	if !ok {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	p.mu.Unlock()

	m.Lock()
	return m.Unlock
}
