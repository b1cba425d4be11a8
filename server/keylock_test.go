package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func TestKeyLocks_MutualExclusion(t *testing.T) {
	locks := newKeyLocks()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(ctx, 1)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, locks.size())
}

func TestKeyLocks_IndependentIDs(t *testing.T) {
	locks := newKeyLocks()
	ctx := context.Background()

	unlock1, err := locks.Lock(ctx, 1)
	require.NoError(t, err)
	defer unlock1()

	timeout, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlock2, err := locks.Lock(timeout, 2)
	require.NoError(t, err)
	unlock2()
}

func TestKeyLocks_TimeoutHoldsNothing(t *testing.T) {
	locks := newKeyLocks()
	ctx := context.Background()

	unlock, err := locks.Lock(ctx, 7)
	require.NoError(t, err)

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(timeout, 7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Zero(t, locks.size())

	// the failed waiter must not have left the id locked
	unlock, err = locks.Lock(ctx, 7)
	require.NoError(t, err)
	unlock()
}
