package leader_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pktcoord/etcdrecipes/internal/pkg/testutil"
	"github.com/pktcoord/etcdrecipes/recipes/leader"
)

// TestLeaderSelector_MutualExclusionAndEventualProgress mirrors spec §8
// scenario 1: ten contenders on one path, each leading and relinquishing
// exactly once, with pairwise-distinct tokens observed while leading.
func TestLeaderSelector_MutualExclusionAndEventualProgress(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/election")

	const contenders = 10
	var takeCount, relinquishCount int64
	var mu sync.Mutex
	var concurrentLeaders int64
	var maxConcurrentLeaders int64
	tokensSeen := make(map[string]int)

	var wg sync.WaitGroup
	selectors := make([]*leader.LeaderSelector, contenders)
	for i := 0; i < contenders; i++ {
		i := i
		cb := leader.Callbacks{
			TakeLeadership: func(ctx context.Context) {
				atomic.AddInt64(&takeCount, 1)
				n := atomic.AddInt64(&concurrentLeaders, 1)
				mu.Lock()
				if n > maxConcurrentLeaders {
					maxConcurrentLeaders = n
				}
				tok, present, err := selectors[i].Leader(ctx)
				if err == nil && present {
					tokensSeen[tok]++
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&concurrentLeaders, -1)
			},
			RelinquishLeadership: func() {
				atomic.AddInt64(&relinquishCount, 1)
			},
		}
		sel, err := leader.New(conn, path, cb, leader.WithTTL(time.Second))
		require.NoError(t, err)
		selectors[i] = sel
	}

	for i := 0; i < contenders; i++ {
		sel := selectors[i]
		wg.Add(1)
		require.NoError(t, sel.Start(ctx))
		go func() {
			defer wg.Done()
			require.NoError(t, sel.WaitOnLeadershipComplete(ctx, 0))
		}()
	}
	wg.Wait()

	for _, sel := range selectors {
		require.NoError(t, sel.Close())
	}

	require.Equal(t, int64(contenders), takeCount)
	require.Equal(t, int64(contenders), relinquishCount)
	require.LessOrEqual(t, maxConcurrentLeaders, int64(1), "at most one leader at a time")
	for tok, count := range tokensSeen {
		require.Equal(t, 1, count, "token %q observed more than once", tok)
	}
}

func TestLeaderSelector_StartTwiceFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/election")

	block := make(chan struct{})
	cb := leader.Callbacks{
		TakeLeadership: func(context.Context) { <-block },
	}
	sel, err := leader.New(conn, path, cb)
	require.NoError(t, err)
	require.NoError(t, sel.Start(ctx))

	require.Eventually(t, func() bool { return sel.HasLeadership() }, time.Second, 10*time.Millisecond)

	require.Error(t, sel.Start(ctx))

	close(block)
	require.NoError(t, sel.Close())
}
