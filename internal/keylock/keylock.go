// This package provides a keyed mutex arena: one exclusive guard per key,
// created on first use. It bounds contention to a single session or recipient
// instead of a global lock.
package keylock

import "sync"

type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*sync.Mutex)}
}

func (kl *KeyLock) get(key string) *sync.Mutex {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	l, ok := kl.locks[key]
	if !ok {
		l = &sync.Mutex{}
		kl.locks[key] = l
	}
	return l
}

func (kl *KeyLock) Lock(key string) {
	kl.get(key).Lock()
}

func (kl *KeyLock) Unlock(key string) {
	kl.get(key).Unlock()
}
