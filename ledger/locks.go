package ledger

import (
	"sort"
	"sync"
)

// =============================================================================
// KEYED MUTEX - One lock per wallet id or external sale id
// =============================================================================

// KeyedMutex serializes work per key. Locks are created on first use and
// kept; the key space (wallets, sales) is small.
type KeyedMutex struct {
	mapMu sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *KeyedMutex) get(key string) *sync.Mutex {
	k.mapMu.Lock()
	defer k.mapMu.Unlock()

	if _, exists := k.locks[key]; !exists {
		k.locks[key] = &sync.Mutex{}
	}
	return k.locks[key]
}

// Lock acquires the lock for key and returns its release function.
func (k *KeyedMutex) Lock(key string) func() {
	mu := k.get(key)
	mu.Lock()
	return mu.Unlock
}

// LockAll acquires the locks of several keys in sorted order to avoid
// deadlocks between callers locking overlapping sets.
func (k *KeyedMutex) LockAll(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var held []*sync.Mutex
	prev := ""
	for i, key := range sorted {
		if i > 0 && key == prev {
			continue
		}
		prev = key
		mu := k.get(key)
		mu.Lock()
		held = append(held, mu)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
