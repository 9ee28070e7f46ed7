package countedbarrier_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pktcoord/etcdrecipes/internal/pkg/testutil"
	"github.com/pktcoord/etcdrecipes/recipes/countedbarrier"
)

// TestCountedBarrier_AllArrive mirrors spec §8's counted-barrier liveness
// property: N live waiters calling WaitOnBarrier with memberCount=N all
// return true in bounded time.
func TestCountedBarrier_AllArrive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/countedbarrier")

	const n = 5
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cb, err := countedbarrier.New(conn, path, n)
			require.NoError(t, err)
			ok, err := cb.WaitOnBarrier(ctx, 10*time.Second)
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		require.True(t, ok, "waiter %d should have been released", i)
	}
}

// TestCountedBarrier_FewerThanNTimesOut mirrors spec §8 scenario 4.
func TestCountedBarrier_FewerThanNTimesOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/countedbarrier")

	const memberCount = 5
	const arrivers = 4
	var wg sync.WaitGroup
	results := make([]bool, arrivers)
	for i := 0; i < arrivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cb, err := countedbarrier.New(conn, path, memberCount, countedbarrier.WithTTL(500*time.Millisecond))
			require.NoError(t, err)
			ok, err := cb.WaitOnBarrier(ctx, 2*time.Second)
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		require.False(t, ok, "waiter %d should have timed out", i)
	}
}

func TestCountedBarrier_InvalidMemberCount(t *testing.T) {
	t.Parallel()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/countedbarrier")

	_, err := countedbarrier.New(conn, path, 0)
	require.Error(t, err)
}

// TestDoubleBarrier_EnterThenLeaveSimultaneously mirrors spec §8 scenario 5.
func TestDoubleBarrier_EnterThenLeaveSimultaneously(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/doublebarrier")

	const n = 5
	var enterWG, leaveWG sync.WaitGroup
	enterResults := make([]bool, n)
	leaveResults := make([]bool, n)

	for i := 0; i < n; i++ {
		enterWG.Add(1)
		leaveWG.Add(1)
		go func(i int) {
			db, err := countedbarrier.NewDoubleBarrier(conn, path, n)
			require.NoError(t, err)

			ok, err := db.Enter(ctx, 10*time.Second)
			require.NoError(t, err)
			enterResults[i] = ok
			enterWG.Done()

			ok, err = db.Leave(ctx, 10*time.Second)
			require.NoError(t, err)
			leaveResults[i] = ok
			leaveWG.Done()
		}(i)
	}

	enterWG.Wait()
	for i, ok := range enterResults {
		require.True(t, ok, "enter %d should have been released", i)
	}

	leaveWG.Wait()
	for i, ok := range leaveResults {
		require.True(t, ok, "leave %d should have been released", i)
	}
}
