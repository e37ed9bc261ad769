package sessions

import (
	"strings"
	"sync"
)

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// KeyLocker hands out per-session-key mutual exclusion. Locks are created
// on demand and removed once the last holder releases, so the map stays
// bounded by the number of in-flight turns.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewKeyLocker creates an empty locker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key and returns the release function.
func (l *KeyLocker) Lock(key string) func() {
	if strings.TrimSpace(key) == "" {
		return func() {}
	}

	l.mu.Lock()
	lock := l.locks[key]
	if lock == nil {
		lock = &keyLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
