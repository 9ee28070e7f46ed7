// Package connector implements the Connector recipe (spec §4.1): it owns a
// Store client, lazily instantiates KV/lease/watch sub-clients, and
// guarantees ordered, idempotent teardown. Grounded on
// internal/pkg/service/common/servicectx/servicectx.go (OnShutdown-ordered
// teardown, single-flip terminating flag) and etcdop/session.go (retrying,
// supervised lease keep-alive).
package connector

import (
	"context"
	"sync"
	"time"

	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"

	"github.com/pktcoord/etcdrecipes/etcdop"
	"github.com/pktcoord/etcdrecipes/internal/pkg/errors"
	"github.com/pktcoord/etcdrecipes/internal/pkg/log"
)

// Connector owns a *clientv3.Client and every keep-alive/watch a recipe
// derives from it, so Close() can tear all of them down in a fixed order:
// keep-alives, then watches, then leases, then KV, then the root client.
type Connector struct {
	client     *etcd.Client
	logger     log.Logger
	ownsClient bool

	kvOnce      sync.Once
	kv          etcd.KV
	leaseOnce   sync.Once
	lease       etcd.Lease
	watcherOnce sync.Once
	watcher     etcd.Watcher

	mu         sync.Mutex
	closed     atomic.Bool
	keepAlives []*LeaseKeeper
	watches    []context.CancelFunc
}

type Option func(*Connector)

// WithLogger overrides the no-op default logger.
func WithLogger(l log.Logger) Option { return func(c *Connector) { c.logger = l } }

// OwnsClient makes Close() also close the underlying *clientv3.Client. By
// default the Connector treats the client as borrowed and leaves it open,
// since several Connectors (and other application code) commonly share one
// client.
func OwnsClient() Option { return func(c *Connector) { c.ownsClient = true } }

// New wraps an already-connected *clientv3.Client (see package etcdclient
// for how to build one).
func New(client *etcd.Client, opts ...Option) *Connector {
	c := &Connector{client: client, logger: log.NewNop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Client returns the underlying etcd client, for recipes that need direct
// access to build multi-key transactions beyond the resource helpers below.
func (c *Connector) Client() *etcd.Client { return c.client }

func (c *Connector) KV() etcd.KV {
	c.kvOnce.Do(func() { c.kv = c.client.KV })
	return c.kv
}

func (c *Connector) Lease() etcd.Lease {
	c.leaseOnce.Do(func() { c.lease = c.client.Lease })
	return c.lease
}

func (c *Connector) Watcher() etcd.Watcher {
	c.watcherOnce.Do(func() { c.watcher = c.client.Watcher })
	return c.watcher
}

// Txn maps directly to the Store's transaction primitive (spec §4.1
// "transaction { If(predicates); Then(ops); Else(ops) }").
func (c *Connector) Txn(ctx context.Context) etcd.Txn {
	return c.KV().Txn(ctx)
}

// checkCloseNotCalled fails fast once Close has completed (spec §4.1).
func (c *Connector) checkCloseNotCalled() error {
	if c.closed.Load() {
		return errors.AlreadyClosedError{Resource: "connector"}
	}
	return nil
}

// CheckCloseNotCalled exposes checkCloseNotCalled to recipes built on this
// Connector, so every public recipe method can guard itself the same way.
func (c *Connector) CheckCloseNotCalled() error { return c.checkCloseNotCalled() }

// IsKeyPresent reports whether key exists.
func (c *Connector) IsKeyPresent(ctx context.Context, key string) (bool, error) {
	if err := c.checkCloseNotCalled(); err != nil {
		return false, err
	}
	return etcdop.Key(key).Exists(ctx, c.KV())
}

// GetValue returns the key's value, or def[0] (or "" if def is empty) if the
// key does not exist.
func (c *Connector) GetValue(ctx context.Context, key string, def ...string) (string, error) {
	if err := c.checkCloseNotCalled(); err != nil {
		return "", err
	}
	kv, err := etcdop.Key(key).Get(ctx, c.KV())
	if err != nil {
		return "", err
	}
	if kv == nil {
		if len(def) > 0 {
			return def[0], nil
		}
		return "", nil
	}
	return string(kv.Value), nil
}

// DeleteKey removes key unconditionally.
func (c *Connector) DeleteKey(ctx context.Context, key string) error {
	if err := c.checkCloseNotCalled(); err != nil {
		return err
	}
	_, err := etcdop.Key(key).Delete(ctx, c.KV())
	return err
}

// LeaseGrant grants a new lease with the given TTL.
func (c *Connector) LeaseGrant(ctx context.Context, ttl time.Duration) (etcd.LeaseID, error) {
	if err := c.checkCloseNotCalled(); err != nil {
		return 0, err
	}
	resp, err := c.Lease().Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return 0, errors.StoreUnavailableError{Cause: err}
	}
	return resp.ID, nil
}

// LeaseKeeper is the "Cancellable" handle from spec §4.1: dropping it (via
// Cancel) ends the keep-alive stream so the lease, and every key bound to
// it, expires within the lease's TTL.
type LeaseKeeper struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the keep-alive stream and waits for its goroutine to exit.
// Idempotent.
func (k *LeaseKeeper) Cancel() {
	k.cancel()
	<-k.done
}

// KeepAlive starts a background responder for the lease's keep-alive
// stream. The etcd client requires its keep-alive response channel to be
// drained continuously or it stops retrying; this goroutine is that drain
// loop. The returned LeaseKeeper is torn down automatically by Close, and
// can also be cancelled early by the caller (e.g. barrier.removeBarrier).
func (c *Connector) KeepAlive(ctx context.Context, leaseID etcd.LeaseID) (*LeaseKeeper, error) {
	if err := c.checkCloseNotCalled(); err != nil {
		return nil, err
	}
	kaCtx, cancel := context.WithCancel(ctx)
	ch, err := c.Lease().KeepAlive(kaCtx, leaseID)
	if err != nil {
		cancel()
		return nil, errors.StoreUnavailableError{Cause: err}
	}

	keeper := &LeaseKeeper{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.keepAlives = append(c.keepAlives, keeper)
	c.mu.Unlock()

	go func() {
		defer close(keeper.done)
		for range ch {
			// Drain keep-alive responses; nothing to act on per-response.
		}
	}()
	return keeper, nil
}

// WithWatcher installs a watch on key (or, if prefix is true, on every key
// under it), delivers events to onEvent on a dedicated goroutine, runs body,
// and guarantees the watcher is torn down before returning on every exit
// path from body -- including body panicking or returning an error (spec
// §4.1 "the watcher is torn down on all exit paths from body").
func (c *Connector) WithWatcher(
	ctx context.Context,
	key string,
	prefix bool,
	onEvent func(etcdop.Event),
	body func(ctx context.Context) error,
	opts ...etcd.OpOption,
) error {
	if err := c.checkCloseNotCalled(); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.watches = append(c.watches, cancel)
	c.mu.Unlock()
	defer cancel()

	var raw etcd.WatchChan
	if prefix {
		raw = etcdop.Prefix(key).Watch(watchCtx, c.Watcher(), opts...)
	} else {
		raw = c.Watcher().Watch(watchCtx, key, opts...)
	}
	events := etcdop.Watch(watchCtx, raw, func(err error) {
		c.logger.Warnf("watch %q failed: %s", key, err)
	})

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for ev := range events {
			onEvent(ev)
		}
	}()

	err := body(watchCtx)
	cancel()
	<-dispatchDone
	return err
}

// Close tears down every sub-client in order: keep-alives, then watches,
// then leases, then KV, then (if OwnsClient was set) the root client.
// Idempotent: the second and later calls are no-ops.
func (c *Connector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	errs := errors.NewMultiError()

	c.mu.Lock()
	keepAlives := c.keepAlives
	c.keepAlives = nil
	watches := c.watches
	c.watches = nil
	c.mu.Unlock()

	for _, k := range keepAlives {
		k.Cancel()
	}
	for _, cancel := range watches {
		cancel()
	}
	// Lease sub-client has no explicit close beyond its keep-alives above;
	// leased keys are reclaimed by the server once the last keep-alive stops.
	// KV sub-client is stateless and needs no close.

	if c.ownsClient {
		if err := c.client.Close(); err != nil {
			c.logger.Warnf("cannot close etcd client: %s", err)
			errs.Append(err)
		}
	}

	return errs.ErrorOrNil()
}
