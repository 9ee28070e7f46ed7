package connector_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/pktcoord/etcdrecipes/connector"
	"github.com/pktcoord/etcdrecipes/etcdop"
	"github.com/pktcoord/etcdrecipes/internal/pkg/errors"
	"github.com/pktcoord/etcdrecipes/internal/pkg/testutil"
)

func TestConnector_PresenceGetDeleteKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	key := testutil.RandomPath(t, "/kv")

	present, err := conn.IsKeyPresent(ctx, key)
	require.NoError(t, err)
	require.False(t, present)

	v, err := conn.GetValue(ctx, key, "fallback")
	require.NoError(t, err)
	require.Equal(t, "fallback", v)

	require.NoError(t, conn.DeleteKey(ctx, key))
}

func TestConnector_KeepAliveExpiresLeaseOnCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, _ := testutil.NewClient(t)
	conn := connector.New(client)
	defer conn.Close()

	leaseID, err := conn.LeaseGrant(ctx, time.Second)
	require.NoError(t, err)

	key := testutil.RandomPath(t, "/lease")
	_, err = client.Put(ctx, key, "v", etcd.WithLease(leaseID))
	require.NoError(t, err)

	keeper, err := conn.KeepAlive(ctx, leaseID)
	require.NoError(t, err)

	testutil.AssertKeyValue(ctx, t, client, key, "v")

	keeper.Cancel()
	testutil.EventuallyKeyMissing(ctx, t, client, key)
}

func TestConnector_CloseIsIdempotentAndFailsFast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, _ := testutil.NewClient(t)
	conn := connector.New(client)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err := conn.IsKeyPresent(ctx, "/whatever")
	require.Error(t, err)
	var alreadyClosed errors.AlreadyClosedError
	require.ErrorAs(t, err, &alreadyClosed)
}

func TestConnector_WithWatcherDeliversEventsAndTearsDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, conn := testutil.NewClient(t)
	key := testutil.RandomPath(t, "/watched")

	seen := make(chan etcdop.EventType, 1)
	err := conn.WithWatcher(ctx, key, false, func(ev etcdop.Event) {
		seen <- ev.Type
	}, func(innerCtx context.Context) error {
		_, putErr := client.Put(ctx, key, "hello")
		require.NoError(t, putErr)
		select {
		case <-seen:
		case <-time.After(5 * time.Second):
			t.Fatal("watch never observed the PUT")
		}
		return nil
	})
	require.NoError(t, err)
}
