// Package testutil provides an embedded single-member etcd cluster and
// small assertion helpers for the recipe tests, grounded on
// internal/pkg/service/common/etcdop/session_test.go's use of
// go.etcd.io/etcd/tests/v3/integration.
package testutil

import (
	"context"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/tests/v3/integration"

	"github.com/pktcoord/etcdrecipes/connector"
)

// NewClient starts a one-member embedded etcd cluster for the duration of
// t, so each test has a cluster of its own and parallel tests never collide,
// and returns a ready-to-use client and its Connector.
func NewClient(t *testing.T) (*etcd.Client, *connector.Connector) {
	t.Helper()

	integration.BeforeTestExternal(t)
	cluster := integration.NewClusterV3(t, &integration.ClusterConfig{Size: 1, UseBridge: true})
	t.Cleanup(func() { cluster.Terminate(t) })
	cluster.WaitLeader(t)

	client := cluster.Client(0)
	conn := connector.New(client)
	t.Cleanup(func() { _ = conn.Close() })
	return client, conn
}

// RandomPath returns a random absolute path under root, so independent test
// cases sharing one cluster never collide.
func RandomPath(t *testing.T, root string) string {
	t.Helper()
	suffix, err := gonanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 12)
	require.NoError(t, err)
	return root + "/" + suffix
}

// AssertKeyMissing fails t if key exists.
func AssertKeyMissing(ctx context.Context, t *testing.T, kv etcd.KV, key string) {
	t.Helper()
	resp, err := kv.Get(ctx, key)
	require.NoError(t, err)
	require.Zero(t, resp.Count, "expected %q to be absent", key)
}

// AssertKeyValue fails t unless key exists with the given value.
func AssertKeyValue(ctx context.Context, t *testing.T, kv etcd.KV, key, value string) {
	t.Helper()
	resp, err := kv.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(1), resp.Count, "expected exactly one value at %q", key)
	require.Equal(t, value, string(resp.Kvs[0].Value))
}

// EventuallyKeyMissing polls until key is absent or t's deadline is
// exceeded, for asserting lease-expiry driven cleanup.
func EventuallyKeyMissing(ctx context.Context, t *testing.T, kv etcd.KV, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := kv.Get(ctx, key)
		return err == nil && resp.Count == 0
	}, DefaultPollTimeout, DefaultPollInterval)
}

const (
	DefaultPollTimeout  = 5 * time.Second
	DefaultPollInterval = 10 * time.Millisecond
)
