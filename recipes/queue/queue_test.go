package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pktcoord/etcdrecipes/internal/pkg/testutil"
	"github.com/pktcoord/etcdrecipes/recipes/queue"
)

// TestQueue_FIFOOrdering mirrors spec §8's queue FIFO property: for one
// producer, dequeue order equals enqueue order.
func TestQueue_FIFOOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/queue")

	q, err := queue.New(conn, path)
	require.NoError(t, err)

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, v))
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/queue")

	q, err := queue.New(conn, path)
	require.NoError(t, err)

	result := make(chan string, 1)
	go func() {
		v, ok, err := q.Dequeue(ctx, 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		result <- v
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "late"))

	select {
	case v := <-result:
		require.Equal(t, "late", v)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue never observed the enqueue")
	}
}

func TestQueue_DequeueTimesOutWhenEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/queue")

	q, err := queue.New(conn, path)
	require.NoError(t, err)

	_, ok, err := q.Dequeue(ctx, 300*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestQueue_AtMostOnceDelivery mirrors spec §8's queue at-most-once
// property: with K concurrent consumers, each enqueued value is dequeued
// exactly once.
func TestQueue_AtMostOnceDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/queue")

	q, err := queue.New(conn, path)
	require.NoError(t, err)

	const elements = 20
	for i := 0; i < elements; i++ {
		require.NoError(t, q.Enqueue(ctx, string(rune('a'+i%26))+string(rune('0'+i/26))))
	}

	var mu sync.Mutex
	var seen int
	var wg sync.WaitGroup
	const consumers = 5
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, ok, err := q.Dequeue(ctx, 500*time.Millisecond)
				require.NoError(t, err)
				if !ok {
					return
				}
				mu.Lock()
				seen++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, elements, seen)
}

// TestPriorityQueue_OrdersByPriorityThenFIFO mirrors spec §8 scenario 3.
func TestPriorityQueue_OrdersByPriorityThenFIFO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/priorityqueue")

	pq, err := queue.NewPriority(conn, path)
	require.NoError(t, err)

	require.NoError(t, pq.Enqueue(ctx, "A", 10))
	require.NoError(t, pq.Enqueue(ctx, "B", 1))
	require.NoError(t, pq.Enqueue(ctx, "C", 5))

	for _, want := range []string{"B", "C", "A"} {
		got, ok, err := pq.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

func TestPriorityQueue_InvalidPriority(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/priorityqueue")

	pq, err := queue.NewPriority(conn, path)
	require.NoError(t, err)

	require.Error(t, pq.Enqueue(ctx, "x", -1))
	require.Error(t, pq.Enqueue(ctx, "x", 100000))
}

func TestQueue_Peek(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/queue")

	q, err := queue.New(conn, path)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))
	require.NoError(t, q.Enqueue(ctx, "c"))

	vs, err := q.Peek(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, vs)

	// Peek must not remove anything.
	got, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", got)
}
