package engine

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// keyedLocks serializes work per key. Entries are dropped once no goroutine
// holds or waits on them, so the map stays proportional to in-flight keys.
type keyedLocks struct {
	m *xsync.MapOf[string, *refMutex]
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{
		m: xsync.NewMapOf[string, *refMutex](),
	}
}

// Lock acquires every key in the order given and returns a func releasing
// them in reverse. Callers must always pass keys in the same relative order.
func (k *keyedLocks) Lock(keys ...string) func() {
	held := make([]*refMutex, len(keys))
	for i, key := range keys {
		held[i] = k.acquire(key)
	}
	return func() {
		for i := len(keys) - 1; i >= 0; i-- {
			k.release(keys[i], held[i])
		}
	}
}

func (k *keyedLocks) acquire(key string) *refMutex {
	m, _ := k.m.Compute(key, func(old *refMutex, loaded bool) (*refMutex, bool) {
		if !loaded {
			old = &refMutex{}
		}
		old.refs++
		return old, false
	})
	m.mu.Lock()
	return m
}

func (k *keyedLocks) release(key string, m *refMutex) {
	m.mu.Unlock()
	k.m.Compute(key, func(old *refMutex, loaded bool) (*refMutex, bool) {
		if !loaded {
			return old, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

func (k *keyedLocks) Size() int {
	return k.m.Size()
}
