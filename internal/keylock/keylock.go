// Package keylock provides mutual exclusion keyed by string, with
// cancellation support while waiting.
package keylock

import (
	"context"
	"sync"
)

// Locker hands out one lock per key. Locks are created lazily and never
// removed; the set of keys is bounded by the number of identities or jobs
// the process has seen.
type Locker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func New() *Locker {
	return &Locker{locks: make(map[string]chan struct{})}
}

func (l *Locker) get(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

// Lock blocks until the lock for key is held or ctx is done. The returned
// func releases the lock and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	ch := l.get(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
