package sempool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreExclusive(t *testing.T) {
	t.Parallel()

	pool := NewSemaphorePool(1)
	var (
		inCritical int
		maxSeen    int
		mu         sync.Mutex
		wg         sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem := pool.Get(StringKey("auction-1"))
			sem.Acquire()
			defer sem.Release()

			mu.Lock()
			inCritical++
			if inCritical > maxSeen {
				maxSeen = inCritical
			}
			mu.Unlock()

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestTryAcquire(t *testing.T) {
	t.Parallel()

	s := NewSemaphore(1)
	require.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	s.Release()
	assert.True(t, s.TryAcquire())
}

func TestPoolKeysIndependent(t *testing.T) {
	t.Parallel()

	pool := NewSemaphorePool(1)
	a := pool.Get(StringKey("a"))
	b := pool.Get(StringKey("b"))
	a.Acquire()
	assert.True(t, b.TryAcquire())
	a.Release()
	b.Release()
}
