package cache

import "sync"

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// Locks hands out one mutex per key. Mutexes are dropped once no holder
// or waiter references them.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*refMutex)}
}

// Lock blocks until the lock for key is held and returns its release.
// Calling the release more than once is safe.
func (l *Locks) Lock(key string) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &refMutex{}
		l.locks[key] = m
	}
	m.refs++
	l.mu.Unlock()

	m.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Unlock()
			l.mu.Lock()
			m.refs--
			if m.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently locked or awaited.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
