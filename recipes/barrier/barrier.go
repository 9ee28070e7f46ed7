// Package barrier implements the distributed barrier recipe (spec §4.3): a
// single lease-backed key whose presence means "closed". One process sets
// it; others block on waitOnBarrier until it is removed or its holder dies.
package barrier

import (
	"context"
	"sync"
	"time"

	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"

	"github.com/pktcoord/etcdrecipes/connector"
	"github.com/pktcoord/etcdrecipes/etcdop"
	"github.com/pktcoord/etcdrecipes/internal/pkg/idgen"
	"github.com/pktcoord/etcdrecipes/internal/pkg/log"
)

// DefaultTTL is deliberately short: it bounds how long waiters keep blocking
// after a barrier holder crashes without calling removeBarrier.
const DefaultTTL = 2 * time.Second

type Barrier struct {
	conn     *connector.Connector
	path     string
	clientID string
	logger   log.Logger

	ttl                   time.Duration
	waitOnMissingBarriers bool

	mu      sync.Mutex
	set     bool
	removed bool
	keeper  *connector.LeaseKeeper

	closed atomic.Bool
}

type Option func(*Barrier)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option { return func(b *Barrier) { b.ttl = d } }

// WithWaitOnMissingBarriers controls waitOnBarrier's behaviour when the
// barrier key is already absent: true (the default) still installs a watch
// and re-checks (the TOCTOU guard from spec §4.3); false returns true right
// after a single presence read, without installing a watch.
func WithWaitOnMissingBarriers(v bool) Option {
	return func(b *Barrier) { b.waitOnMissingBarriers = v }
}

func WithLogger(l log.Logger) Option { return func(b *Barrier) { b.logger = l } }

func New(conn *connector.Connector, path string, opts ...Option) (*Barrier, error) {
	if err := etcdop.ValidatePath("barrier path", path); err != nil {
		return nil, err
	}
	b := &Barrier{
		conn:                  conn,
		path:                  path,
		clientID:              idgen.ClientID(),
		logger:                log.NewNop(),
		ttl:                   DefaultTTL,
		waitOnMissingBarriers: true,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// IsBarrierSet reports whether the key exists (spec §4.3: "Barrier presence
// <=> set", no separate registration).
func (b *Barrier) IsBarrierSet(ctx context.Context) (bool, error) {
	if err := b.conn.CheckCloseNotCalled(); err != nil {
		return false, err
	}
	return etcdop.Key(b.path).Exists(ctx, b.conn.KV())
}

// SetBarrier grants a lease, writes a unique token under If(doesNotExist),
// reads the value back to guard against the TOCTOU race discussed in
// spec §9 Open Questions, and starts the keep-alive. It returns false if
// the barrier was already set by anyone.
func (b *Barrier) SetBarrier(ctx context.Context) (bool, error) {
	if err := b.conn.CheckCloseNotCalled(); err != nil {
		return false, err
	}

	token, err := idgen.Token(b.clientID)
	if err != nil {
		return false, err
	}

	leaseID, err := b.conn.LeaseGrant(ctx, b.ttl)
	if err != nil {
		return false, err
	}

	won, _, err := etcdop.Key(b.path).PutIfNotExists(ctx, b.conn.KV(), token, etcd.WithLease(leaseID))
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	// Read back: see SPEC_FULL.md / spec §9 Open Questions. If the value we
	// read does not match what we just wrote, we do not attempt to clean up
	// the key ourselves -- it is bound to leaseID and will be reclaimed
	// within b.ttl regardless of what happened to it.
	kv, err := etcdop.Key(b.path).Get(ctx, b.conn.KV())
	if err != nil {
		return false, err
	}
	if kv == nil || string(kv.Value) != token {
		b.logger.Warnf("barrier %q: read-back mismatch after set, relying on lease expiry", b.path)
		return false, nil
	}

	keeper, err := b.conn.KeepAlive(ctx, leaseID)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	b.set = true
	b.removed = false
	b.keeper = keeper
	b.mu.Unlock()
	return true, nil
}

// RemoveBarrier stops the keep-alive (so the lease, and thus the key,
// expires within the TTL) and also deletes the key explicitly for
// promptness. It is idempotent per instance: the second call returns false.
func (b *Barrier) RemoveBarrier(ctx context.Context) (bool, error) {
	if err := b.conn.CheckCloseNotCalled(); err != nil {
		return false, err
	}

	b.mu.Lock()
	if b.removed {
		b.mu.Unlock()
		return false, nil
	}
	b.removed = true
	keeper := b.keeper
	b.keeper = nil
	b.set = false
	b.mu.Unlock()

	if keeper != nil {
		keeper.Cancel()
	}
	_, err := etcdop.Key(b.path).Delete(ctx, b.conn.KV())
	return true, err
}

// WaitOnBarrier blocks until the barrier key is removed (by RemoveBarrier
// or lease expiry) or timeout elapses. A zero timeout means "unbounded".
func (b *Barrier) WaitOnBarrier(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := b.conn.CheckCloseNotCalled(); err != nil {
		return false, err
	}

	if !b.waitOnMissingBarriers {
		set, err := b.IsBarrierSet(ctx)
		if err != nil {
			return false, err
		}
		if !set {
			return true, nil
		}
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	released := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(released) }) }

	err := b.conn.WithWatcher(waitCtx, b.path, false, func(ev etcdop.Event) {
		if ev.Type == etcdop.Deleted {
			release()
		}
	}, func(innerCtx context.Context) error {
		// TOCTOU guard: the key may have been deleted between the presence
		// check above (or barrier construction) and the watch's install.
		set, err := b.IsBarrierSet(innerCtx)
		if err != nil {
			return err
		}
		if !set {
			release()
			return nil
		}

		select {
		case <-released:
			return nil
		case <-innerCtx.Done():
			return nil
		}
	}, etcd.WithFilterPut())
	if err != nil {
		return false, err
	}

	select {
	case <-released:
		return true, nil
	default:
		return false, nil
	}
}

// Close releases this instance's hold on the barrier, if any, and marks it
// closed (spec §5: "close() on any recipe object is the universal
// cancellation signal"). Idempotent.
func (b *Barrier) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	isSet := b.set
	b.mu.Unlock()
	if isSet {
		_, err := b.RemoveBarrier(ctx)
		return err
	}
	return nil
}
