package discovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pktcoord/etcdrecipes/internal/pkg/testutil"
	"github.com/pktcoord/etcdrecipes/recipes/discovery"
)

func TestServiceDiscovery_RegisterQueryUnregister(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/names")

	sd, err := discovery.New(conn, path)
	require.NoError(t, err)

	inst, err := sd.RegisterService(ctx, discovery.Instance{
		Name:        "orders",
		Address:     "10.0.0.1",
		Port:        8080,
		ServiceType: discovery.Dynamic,
		Enabled:     true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, inst.ID)

	names, err := sd.QueryForNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"orders"}, names)

	instances, err := sd.QueryForInstances(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, inst.ID, instances[0].ID)

	got, present, err := sd.QueryForInstance(ctx, "orders", inst.ID)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "10.0.0.1", got.Address)

	require.NoError(t, sd.UnregisterService(ctx, "orders", inst.ID))

	instances, err = sd.QueryForInstances(ctx, "orders")
	require.NoError(t, err)
	require.Empty(t, instances)
}

func TestServiceDiscovery_UpdateService(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/names")

	sd, err := discovery.New(conn, path)
	require.NoError(t, err)

	inst, err := sd.RegisterService(ctx, discovery.Instance{Name: "orders", Port: 1})
	require.NoError(t, err)

	inst.Port = 2
	require.NoError(t, sd.UpdateService(ctx, inst))

	got, present, err := sd.QueryForInstance(ctx, "orders", inst.ID)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, 2, got.Port)
}

func TestServiceCache_SeedAndFollow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, conn := testutil.NewClient(t)
	path := testutil.RandomPath(t, "/names")

	sd, err := discovery.New(conn, path)
	require.NoError(t, err)

	seed, err := sd.RegisterService(ctx, discovery.Instance{Name: "orders", Port: 1})
	require.NoError(t, err)

	cache, err := sd.ServiceCache(ctx, "orders")
	require.NoError(t, err)
	defer cache.Close()

	require.Len(t, cache.Instances(), 1)

	type event struct {
		kind discovery.CacheEventType
		id   string
	}
	events := make(chan event, 8)
	cache.AddListener(func(kind discovery.CacheEventType, isNew bool, name string, inst discovery.Instance) {
		events <- event{kind: kind, id: inst.ID}
	})

	added, err := sd.RegisterService(ctx, discovery.Instance{Name: "orders", Port: 2})
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, discovery.Added, ev.kind)
		require.Equal(t, added.ID, ev.id)
	case <-time.After(5 * time.Second):
		t.Fatal("cache never observed the new registration")
	}

	require.NoError(t, sd.UnregisterService(ctx, "orders", seed.ID))

	select {
	case ev := <-events:
		require.Equal(t, discovery.Removed, ev.kind)
		require.Equal(t, seed.ID, ev.id)
	case <-time.After(5 * time.Second):
		t.Fatal("cache never observed the removal")
	}

	require.Eventually(t, func() bool { return len(cache.Instances()) == 1 }, time.Second, 10*time.Millisecond)
}
