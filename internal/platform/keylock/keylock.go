// Package keylock serialises work per key without holding a lock per key
// forever.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locks hands out one mutex per key. The zero value is ready to use.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Lock blocks until key is free and returns the matching unlock function.
func (l *Locks) Lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[string]*entry)
	}
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.entries, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently locked or awaited.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
