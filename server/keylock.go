package server

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

// keyLocks hands out one mutual exclusion section per video id. Entries are
// dropped when nobody holds or waits for them, so the map stays as small as
// the set of ids currently being mutated.
type keyLocks struct {
	mu    sync.Mutex
	locks map[VideoID]*keyLock
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[VideoID]*keyLock)}
}

// Lock blocks until id is free or ctx is done. On success the returned func
// releases the section; on error nothing is held.
func (k *keyLocks) Lock(ctx context.Context, id VideoID) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyLock{sem: semaphore.NewWeighted(1)}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		k.release(id, l)
		return nil, err
	}
	return func() {
		l.sem.Release(1)
		k.release(id, l)
	}, nil
}

func (k *keyLocks) release(id VideoID, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}
