package router

import "sync"

// keyLocks provides one mutex per session key so concurrent inbound messages
// for the same contact are serialized while distinct contacts proceed in
// parallel. Entries are reference-counted and removed when released, so the
// map stays proportional to in-flight work, not to contact cardinality.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// acquire blocks until the caller holds the lock for key.
func (k *keyLocks) acquire(key string) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

// release unlocks the key and drops the entry once nobody is waiting.
func (k *keyLocks) release(key string) {
	k.mu.Lock()
	entry := k.locks[key]
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}
