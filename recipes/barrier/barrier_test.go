package barrier_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pktcoord/etcdrecipes/connector"
	"github.com/pktcoord/etcdrecipes/internal/pkg/testutil"
	"github.com/pktcoord/etcdrecipes/recipes/barrier"
)

func TestBarrier_SetWaitRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/barrier")

	b, err := barrier.New(conn, path)
	require.NoError(t, err)

	set, err := b.IsBarrierSet(ctx)
	require.NoError(t, err)
	require.False(t, set)

	won, err := b.SetBarrier(ctx)
	require.NoError(t, err)
	require.True(t, won)

	set, err = b.IsBarrierSet(ctx)
	require.NoError(t, err)
	require.True(t, set)

	released := make(chan bool, 1)
	go func() {
		waiter, err := barrier.New(conn, path)
		require.NoError(t, err)
		ok, err := waiter.WaitOnBarrier(ctx, 10*time.Second)
		require.NoError(t, err)
		released <- ok
	}()

	time.Sleep(100 * time.Millisecond)
	removed, err := b.RemoveBarrier(ctx)
	require.NoError(t, err)
	require.True(t, removed)

	select {
	case ok := <-released:
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never released")
	}
}

// TestBarrier_TOCTOU mirrors spec §8's barrier TOCTOU property: two
// processes racing setBarrier on the same path, exactly one wins.
func TestBarrier_TOCTOU(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/barrier")

	results := make(chan bool, 2)
	race := func() {
		b, err := barrier.New(conn, path)
		require.NoError(t, err)
		won, err := b.SetBarrier(ctx)
		require.NoError(t, err)
		results <- won
	}
	go race()
	go race()

	first := <-results
	second := <-results
	require.True(t, first != second, "exactly one of the two setBarrier calls should win")
}

// TestBarrier_CrashRecoveryWithinTwoTTL mirrors spec §8 scenario 6: a
// barrier holder's keep-alive stops (simulated via Close, which does not
// itself delete the key through the lease path) and a waiter unblocks once
// the lease expires.
func TestBarrier_CrashRecoveryWithinTwoTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/barrier")

	// The holder gets its own Connector over the same client, so closing it
	// (simulating a crash) stops only its own keep-alive stream, and does
	// not explicitly delete the barrier key -- recovery here must go
	// through lease expiry alone.
	ttl := 2 * time.Second
	holderConn := connector.New(client)
	holder, err := barrier.New(holderConn, path, barrier.WithTTL(ttl))
	require.NoError(t, err)
	won, err := holder.SetBarrier(ctx)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, holderConn.Close())

	waiter, err := barrier.New(conn, path)
	require.NoError(t, err)

	start := time.Now()
	ok, err := waiter.WaitOnBarrier(ctx, 2*ttl)
	require.NoError(t, err)
	require.True(t, ok)
	require.Less(t, time.Since(start), 2*ttl+time.Second)
}

func TestBarrier_WaitOnMissingBarrierReturnsImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/barrier")

	b, err := barrier.New(conn, path, barrier.WithWaitOnMissingBarriers(false))
	require.NoError(t, err)

	ok, err := b.WaitOnBarrier(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}
