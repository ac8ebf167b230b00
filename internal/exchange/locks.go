package exchange

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ScopeLocks serializes exchanges per scope key. Entries are dropped once no
// caller holds or waits on them.
type ScopeLocks struct {
	mu    sync.Mutex
	locks map[string]*scopeLock
}

type scopeLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewScopeLocks creates an empty lock table.
func NewScopeLocks() *ScopeLocks {
	return &ScopeLocks{locks: make(map[string]*scopeLock)}
}

// Acquire blocks until scopeKey is free or ctx is done. The returned release
// func must be called exactly once.
func (l *ScopeLocks) Acquire(ctx context.Context, scopeKey string) (release func(), err error) {
	l.mu.Lock()
	entry, ok := l.locks[scopeKey]
	if !ok {
		entry = &scopeLock{sem: semaphore.NewWeighted(1)}
		l.locks[scopeKey] = entry
	}
	entry.refs++
	l.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		l.unref(scopeKey, entry)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			l.unref(scopeKey, entry)
		})
	}, nil
}

// TryAcquire is Acquire without waiting; ok is false when the scope is busy.
func (l *ScopeLocks) TryAcquire(scopeKey string) (release func(), ok bool) {
	l.mu.Lock()
	entry, exists := l.locks[scopeKey]
	if !exists {
		entry = &scopeLock{sem: semaphore.NewWeighted(1)}
		l.locks[scopeKey] = entry
	}
	if !entry.sem.TryAcquire(1) {
		if !exists {
			delete(l.locks, scopeKey)
		}
		l.mu.Unlock()
		return nil, false
	}
	entry.refs++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			l.unref(scopeKey, entry)
		})
	}, true
}

// Len returns the number of scopes currently tracked.
func (l *ScopeLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *ScopeLocks) unref(scopeKey string, entry *scopeLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 && l.locks[scopeKey] == entry {
		delete(l.locks, scopeKey)
	}
}
