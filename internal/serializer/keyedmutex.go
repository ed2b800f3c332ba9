// Package serializer implements the per-symbol single-flight coordinator
// described in spec §4.2: every lifecycle-engine entry point acquires the
// lock for its symbol before observing or mutating the stop-limit
// repository entry, guaranteeing linearizable decisions per symbol with no
// cross-symbol lock-ordering hazard.
package serializer

import "sync"

// KeyedMutex is a registry of per-key mutexes. It generalizes the single
// sync.RWMutex embedded in every teacher manager type into one held per
// symbol, so unrelated symbols never contend.
type KeyedMutex struct {
	registryMu sync.Mutex
	locks      map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	refcount int
}

func New() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is held and returns a release
// func. Callers MUST call release on every exit path (defer it
// immediately). Acquire never holds the registry lock while blocking on
// the per-key lock's Lock(), so acquiring one key never waits behind
// another key's holder doing the same.
func (k *KeyedMutex) Acquire(key string) (release func()) {
	k.registryMu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refcount++
	k.registryMu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.registryMu.Lock()
			e.refcount--
			if e.refcount == 0 {
				delete(k.locks, key)
			}
			k.registryMu.Unlock()
		})
	}
}

// TryAcquire attempts a non-blocking acquire. It returns ok=false if the
// key is currently held.
func (k *KeyedMutex) TryAcquire(key string) (release func(), ok bool) {
	k.registryMu.Lock()
	e, exists := k.locks[key]
	if !exists {
		e = &entry{}
		k.locks[key] = e
	}
	e.refcount++
	k.registryMu.Unlock()

	if !e.mu.TryLock() {
		k.registryMu.Lock()
		e.refcount--
		if e.refcount == 0 {
			delete(k.locks, key)
		}
		k.registryMu.Unlock()
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.registryMu.Lock()
			e.refcount--
			if e.refcount == 0 {
				delete(k.locks, key)
			}
			k.registryMu.Unlock()
		})
	}, true
}
