// Package locks provides keyed mutexes for per-entity serialization.
//
// Rather than one global lock, callers serialize on a string key: the
// dispatcher locks per job id, the pool manager per repository, the
// lifecycle manager per container id. Entries are reference-counted
// and removed when the last holder releases, so the table stays
// proportional to in-flight work.
package locks

import "sync"

// KeyedMutex serializes operations on the same key. Different keys
// never contend with each other beyond the bookkeeping map.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty lock table.
func New() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// Lock blocks until the key is held by the caller.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// TryLock acquires the key without blocking and reports success.
func (k *KeyedMutex) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	if !e.mu.TryLock() {
		return false
	}
	e.refs++
	return true
}

// Unlock releases the key. Calling Unlock for a key the caller does
// not hold is a programming error, same as sync.Mutex.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("locks: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// Len reports how many keys currently have holders or waiters.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
