package replay_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	badger "github.com/textileio/go-ds-badger3"
	"github.com/textileio/market-core/apierr"
	"github.com/textileio/market-core/replay"
)

func TestConsumeOnce(t *testing.T) {
	t.Parallel()
	g := newGuard(t)

	require.NoError(t, g.Consume("HASH1", "auction-bid"))

	err := g.Consume("HASH1", "deaddrop-store")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindConflict))

	used, err := g.Used("HASH1")
	require.NoError(t, err)
	assert.True(t, used)
}

func TestConsumeConcurrent(t *testing.T) {
	t.Parallel()
	g := newGuard(t)

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = g.Consume("RACE", fmt.Sprintf("action-%d", i))
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apierr.Is(err, apierr.KindConflict):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflict)
}

func TestRelease(t *testing.T) {
	t.Parallel()
	g := newGuard(t)

	require.NoError(t, g.Consume("HASH2", "auction-claim"))
	require.NoError(t, g.Release("HASH2"))

	// Retrying with the same proof after a failed action must work.
	require.NoError(t, g.Consume("HASH2", "auction-claim"))

	// Releasing an unknown hash is a no-op.
	require.NoError(t, g.Release("NEVER_SEEN"))
}

func TestConsumeValidation(t *testing.T) {
	t.Parallel()
	g := newGuard(t)

	err := g.Consume("", "auction-bid")
	assert.True(t, apierr.Is(err, apierr.KindValidation))
}

func newGuard(t *testing.T) *replay.Guard {
	ds, err := badger.NewDatastore(t.TempDir(), &badger.DefaultOptions)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, ds.Close())
	})
	return replay.New(ds)
}
