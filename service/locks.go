package service

import (
	"cmp"
	"slices"
	"sync"
)

// keyedLocks hands out one mutex per key. Callers lock columns before tasks,
// and several tasks in ascending id order.
type keyedLocks[K cmp.Ordered] struct {
	mu    sync.Mutex
	locks map[K]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (l *keyedLocks[K]) lock(key K) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[K]*keyedLock)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &keyedLock{}
		l.locks[key] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *keyedLocks[K]) lockAll(keys []K) func() {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	unlocks := make([]func(), 0, len(sorted))
	for _, k := range sorted {
		unlocks = append(unlocks, l.lock(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (l *keyedLocks[K]) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
