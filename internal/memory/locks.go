package memory

import (
	"sort"
	"sync"
)

// keyLocks serializes writers per record key. Each key gets its own mutex,
// so writes to different keys proceed concurrently while writes to the same
// key queue up.
type keyLocks struct {
	mu    sync.Mutex // guards the locks map itself
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the per-key mutex, creating it on first use.
func (k *keyLocks) lock(key string) {
	k.mu.Lock()
	l, exists := k.locks[key]
	if !exists {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	// Acquire outside the map lock so unrelated keys don't contend.
	l.Lock()
}

func (k *keyLocks) unlock(key string) {
	k.mu.Lock()
	l, exists := k.locks[key]
	k.mu.Unlock()

	if exists {
		l.Unlock()
	}
}

// lockAll acquires every key's mutex in sorted order. Sorting before
// acquisition prevents deadlock between writers locking overlapping sets.
func (k *keyLocks) lockAll(keys []string) {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	for _, key := range sorted {
		k.lock(key)
	}
}

// unlockAll releases in reverse sorted order, symmetric with lockAll.
func (k *keyLocks) unlockAll(keys []string) {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	for i := len(sorted) - 1; i >= 0; i-- {
		k.unlock(sorted[i])
	}
}
