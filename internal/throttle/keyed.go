package throttle

import "sync"

// keyed maps throttle keys to individually locked state. The map lock is
// only held to find, insert or sweep entries, so hits on distinct keys never
// wait on each other.
type keyed[T any] struct {
	mu sync.RWMutex
	m  map[string]*keyedEntry[T]
}

type keyedEntry[T any] struct {
	mu      sync.Mutex
	state   T
	removed bool
}

func newKeyed[T any]() *keyed[T] {
	return &keyed[T]{m: make(map[string]*keyedEntry[T])}
}

// with runs fn on the state for key while holding that key's lock. The entry
// is created with init on first use.
func (k *keyed[T]) with(key string, init func() T, fn func(*T)) {
	for {
		k.mu.RLock()
		e, ok := k.m[key]
		k.mu.RUnlock()
		if !ok {
			k.mu.Lock()
			if e, ok = k.m[key]; !ok {
				e = &keyedEntry[T]{state: init()}
				k.m[key] = e
			}
			k.mu.Unlock()
		}

		e.mu.Lock()
		if e.removed {
			// Swept between lookup and lock; start over with a fresh entry.
			e.mu.Unlock()
			continue
		}
		fn(&e.state)
		e.mu.Unlock()
		return
	}
}

// sweep deletes every entry for which stale returns true.
func (k *keyed[T]) sweep(stale func(*T) bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, e := range k.m {
		e.mu.Lock()
		if stale(&e.state) {
			e.removed = true
			delete(k.m, key)
		}
		e.mu.Unlock()
	}
}

func (k *keyed[T]) len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.m)
}
