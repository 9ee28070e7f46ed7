// Package countedbarrier implements the counted barrier recipe (spec §4.4):
// an N-party rendezvous where all N parties must arrive (call WaitOnBarrier)
// before any proceed. It also exports DoubleBarrier, the enter/leave
// composition of two counted barriers.
package countedbarrier

import (
	"context"
	"strings"
	"sync"
	"time"

	etcd "go.etcd.io/etcd/client/v3"

	"github.com/pktcoord/etcdrecipes/connector"
	"github.com/pktcoord/etcdrecipes/etcdop"
	"github.com/pktcoord/etcdrecipes/internal/pkg/errors"
	"github.com/pktcoord/etcdrecipes/internal/pkg/idgen"
	"github.com/pktcoord/etcdrecipes/internal/pkg/log"
)

const DefaultTTL = 2 * time.Second

type CountedBarrier struct {
	conn        *connector.Connector
	path        string
	memberCount int
	ttl         time.Duration
	clientID    string
	logger      log.Logger
}

type Option func(*CountedBarrier)

func WithTTL(d time.Duration) Option { return func(c *CountedBarrier) { c.ttl = d } }

func WithLogger(l log.Logger) Option { return func(c *CountedBarrier) { c.logger = l } }

// New constructs a counted barrier at path requiring memberCount arrivals.
func New(conn *connector.Connector, path string, memberCount int, opts ...Option) (*CountedBarrier, error) {
	if err := etcdop.ValidatePath("barrier path", path); err != nil {
		return nil, err
	}
	if memberCount <= 0 {
		return nil, errors.InvalidArgumentError{Message: "memberCount must be positive"}
	}
	c := &CountedBarrier{
		conn:        conn,
		path:        strings.TrimRight(path, "/"),
		memberCount: memberCount,
		ttl:         DefaultTTL,
		clientID:    idgen.ClientID(),
		logger:      log.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *CountedBarrier) readyKey() etcdop.Key        { return etcdop.Key(c.path + "/ready") }
func (c *CountedBarrier) waitingPrefix() etcdop.Prefix { return etcdop.NewPrefix(c.path + "/waiting") }

// WaitOnBarrier runs the single-phase algorithm from spec §4.4: register as
// a waiter, check whether the cohort is already complete, and otherwise
// watch for the remaining arrivals (or for someone else completing the
// cohort) until timeout. A zero timeout means unbounded.
func (c *CountedBarrier) WaitOnBarrier(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := c.conn.CheckCloseNotCalled(); err != nil {
		return false, err
	}

	token, err := idgen.Token(c.clientID)
	if err != nil {
		return false, err
	}

	// Step 2: harmless if it loses the race, another waiter already
	// created "ready".
	if _, _, err := c.readyKey().PutIfNotExists(ctx, c.conn.KV(), token); err != nil {
		return false, err
	}

	leaseID, err := c.conn.LeaseGrant(ctx, c.ttl)
	if err != nil {
		return false, err
	}
	keeper, err := c.conn.KeepAlive(ctx, leaseID)
	if err != nil {
		return false, err
	}
	// The keep-alive runs for exactly as long as this call: the deferred
	// Cancel stops it on every return path, so the waiter's key expires
	// shortly after WaitOnBarrier returns, whatever the outcome (spec §4.4 step 4,
	// testable property "leased waiting/ keys disappear within TTL").
	defer keeper.Cancel()

	waitingKey := c.waitingPrefix().Key(token)
	won, _, err := waitingKey.PutIfNotExists(ctx, c.conn.KV(), token, etcd.WithLease(leaseID))
	if err != nil {
		return false, err
	}
	if !won {
		// Token collision should be statistically impossible; per spec §4.4
		// step 3 this is a fatal internal error, not a retry condition.
		return false, errors.IllegalStateError{Message: "counted barrier: waiter key already existed for a fresh token"}
	}

	released := make(chan struct{})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(released) }) }

	checkWaiterCount := func(checkCtx context.Context) {
		ready, err := c.readyKey().Exists(checkCtx, c.conn.KV())
		if err != nil {
			c.logger.Warnf("counted barrier %q: check failed: %s", c.path, err)
			return
		}
		if !ready {
			// Another party already finished the cohort and removed ready.
			release()
			return
		}

		count, err := c.waitingPrefix().Count(checkCtx, c.conn.KV())
		if err != nil {
			c.logger.Warnf("counted barrier %q: count failed: %s", c.path, err)
			return
		}
		if count >= int64(c.memberCount) {
			release()
			if _, err := c.readyKey().DeleteIfExists(checkCtx, c.conn.KV()); err != nil {
				c.logger.Warnf("counted barrier %q: broadcast release failed: %s", c.path, err)
			}
		}
	}

	// Step 6: fast path for the last arriver, before the watch even exists.
	checkWaiterCount(ctx)

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-released:
		return true, nil
	default:
	}

	waitingPrefixStr := c.waitingPrefix().String()
	readyKeyStr := c.readyKey().String()
	err = c.conn.WithWatcher(waitCtx, c.path, true, func(ev etcdop.Event) {
		key := string(ev.Kv.Key)
		switch {
		case key == readyKeyStr && ev.Type == etcdop.Deleted:
			release()
		case strings.HasPrefix(key, waitingPrefixStr) && ev.Type != etcdop.Deleted:
			// Run as a new request, not nested in the watch dispatch (spec
			// §5): a CAS issued here must not block the dispatch goroutine
			// the way a Store call made in response to its own result would.
			go checkWaiterCount(ctx)
		}
	}, func(innerCtx context.Context) error {
		// Step 7: re-run once more after the watch is armed, to close the
		// race against the watch's own installation.
		go checkWaiterCount(innerCtx)
		select {
		case <-released:
		case <-innerCtx.Done():
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	select {
	case <-released:
		return true, nil
	default:
		// Timed out (or parent ctx was cancelled): close the local latch and
		// delete our own waiter key immediately instead of waiting out the
		// lease TTL; the deferred keeper.Cancel above stops the keep-alive.
		release()
		if _, err := waitingKey.Delete(ctx, c.conn.KV()); err != nil {
			c.logger.Warnf("counted barrier %q: cleanup of waiter key failed: %s", c.path, err)
		}
		return false, nil
	}
}

// DoubleBarrier composes two counted barriers under <path>/enter and
// <path>/leave (spec §4.4, closing paragraph): Enter rendezvouses every
// party into the critical section together, Leave rendezvouses them all
// back out before any of them is considered done.
type DoubleBarrier struct {
	enter *CountedBarrier
	leave *CountedBarrier
}

// NewDoubleBarrier constructs a double barrier for memberCount parties. The
// same Option values (TTL, logger) are applied to both inner barriers.
func NewDoubleBarrier(conn *connector.Connector, path string, memberCount int, opts ...Option) (*DoubleBarrier, error) {
	enter, err := New(conn, path+"/enter", memberCount, opts...)
	if err != nil {
		return nil, err
	}
	leave, err := New(conn, path+"/leave", memberCount, opts...)
	if err != nil {
		return nil, err
	}
	return &DoubleBarrier{enter: enter, leave: leave}, nil
}

// Enter blocks until every party has called Enter.
func (d *DoubleBarrier) Enter(ctx context.Context, timeout time.Duration) (bool, error) {
	return d.enter.WaitOnBarrier(ctx, timeout)
}

// Leave blocks until every party has called Leave.
func (d *DoubleBarrier) Leave(ctx context.Context, timeout time.Duration) (bool, error) {
	return d.leave.WaitOnBarrier(ctx, timeout)
}
