// Package leader implements the leader selector recipe (spec §4.6):
// single-winner leader election with automatic re-election on leader loss
// and graceful relinquishment, driven by a CAS-to-own election key under a
// lease.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/pktcoord/etcdrecipes/connector"
	"github.com/pktcoord/etcdrecipes/etcdop"
	"github.com/pktcoord/etcdrecipes/internal/pkg/errors"
	"github.com/pktcoord/etcdrecipes/internal/pkg/idgen"
	"github.com/pktcoord/etcdrecipes/internal/pkg/log"
)

const DefaultTTL = 2 * time.Second

// newAttemptBackoff bounds the retry pace after a failed attempt (a
// transient Store error, not a lost-election vacancy wait, which is
// watch-driven and needs no backoff of its own).
func newAttemptBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// State is the per-instance lifecycle from spec §4.6:
// Idle -> Starting -> Contending -> Leading -> Relinquished -> Idle.
type State int

const (
	Idle State = iota
	Starting
	Contending
	Leading
	Relinquished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Contending:
		return "Contending"
	case Leading:
		return "Leading"
	case Relinquished:
		return "Relinquished"
	default:
		return "Unknown"
	}
}

// Callbacks are invoked synchronously on the election worker goroutine.
// TakeLeadership is called once this instance has won; when it returns, the
// keep-alive is dropped (so the leader key expires) and RelinquishLeadership
// is called.
type Callbacks struct {
	TakeLeadership       func(ctx context.Context)
	RelinquishLeadership func()
}

type LeaderSelector struct {
	conn         *connector.Connector
	path         string
	clientID     string
	ttl          time.Duration
	logger       log.Logger
	takeLeader   func(ctx context.Context)
	relinquish   func()

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	workerWG sync.WaitGroup

	cycleMu   sync.Mutex
	cycleDone chan struct{}
	elected   string // token held while leading, for HasLeadership/Leader
}

type Option func(*LeaderSelector)

func WithTTL(d time.Duration) Option { return func(l *LeaderSelector) { l.ttl = d } }

func WithLogger(l2 log.Logger) Option { return func(l *LeaderSelector) { l.logger = l2 } }

// New constructs a LeaderSelector contending at path. Callbacks' fields may
// both be nil (a no-op leader that simply holds and releases the key).
func New(conn *connector.Connector, path string, cb Callbacks, opts ...Option) (*LeaderSelector, error) {
	if err := etcdop.ValidatePath("election path", path); err != nil {
		return nil, err
	}
	l := &LeaderSelector{
		conn:       conn,
		path:       path,
		clientID:   idgen.ClientID(),
		ttl:        DefaultTTL,
		logger:     log.NewNop(),
		takeLeader: cb.TakeLeadership,
		relinquish: cb.RelinquishLeadership,
		state:      Idle,
	}
	for _, o := range opts {
		o(l)
	}
	if l.takeLeader == nil {
		l.takeLeader = func(context.Context) {}
	}
	if l.relinquish == nil {
		l.relinquish = func() {}
	}
	return l, nil
}

func (l *LeaderSelector) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// HasLeadership reports whether this instance currently holds the leader
// key (added per SPEC_FULL.md §12; Curator's LeaderSelector#hasLeadership).
func (l *LeaderSelector) HasLeadership() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == Leading
}

// Leader reads the election key once and reports the current holder's token
// (present is false when nobody holds it), or returns an error if the Store
// is unreachable. It does not contend itself (added
// per SPEC_FULL.md §12; Curator's LeaderSelector#getLeader).
func (l *LeaderSelector) Leader(ctx context.Context) (token string, present bool, err error) {
	if err := l.conn.CheckCloseNotCalled(); err != nil {
		return "", false, err
	}
	kv, err := etcdop.Key(l.path).Get(ctx, l.conn.KV())
	if err != nil {
		return "", false, err
	}
	if kv == nil {
		return "", false, nil
	}
	return string(kv.Value), true, nil
}

// Start is legal only from Idle. It launches the background election
// worker and returns immediately; use WaitOnLeadershipComplete to block for
// a full elected-then-relinquished cycle.
func (l *LeaderSelector) Start(ctx context.Context) error {
	if err := l.conn.CheckCloseNotCalled(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.state != Idle {
		l.mu.Unlock()
		return errors.IllegalStateError{Message: "leader selector: start called while a previous cycle is active"}
	}
	l.state = Starting
	workerCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	l.cycleMu.Lock()
	l.cycleDone = make(chan struct{})
	l.cycleMu.Unlock()

	l.workerWG.Add(1)
	go l.run(workerCtx)
	return nil
}

// run is the election worker: it contends (again after every observed
// DELETE of the election key) until it has led and relinquished once, then
// returns the instance to Idle; it also returns when ctx is cancelled by
// Close.
func (l *LeaderSelector) run(ctx context.Context) {
	defer l.workerWG.Done()
	defer func() {
		l.cycleMu.Lock()
		close(l.cycleDone)
		l.cycleMu.Unlock()
	}()

	l.setState(Contending)

	attemptBackoff := newAttemptBackoff()

	for {
		won, err := l.attempt(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				l.setState(Idle)
				return
			}
			delay := attemptBackoff.NextBackOff()
			l.logger.Warnf("leader selector %q: attempt failed, retrying in %s: %s", l.path, delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				l.setState(Idle)
				return
			}
			continue
		}
		attemptBackoff.Reset()
		if won {
			l.setState(Relinquished)
			l.setState(Idle)
			return
		}
		if ctx.Err() != nil {
			l.setState(Idle)
			return
		}
	}
}

// attempt runs the single CAS-to-become-leader protocol from spec §4.6
// steps 1-5. It returns true once this instance has completed a full
// elected -> relinquished cycle, false if another process holds the key
// (the caller re-contends after that holder's DELETE).
func (l *LeaderSelector) attempt(ctx context.Context) (bool, error) {
	token, err := idgen.Token(l.clientID)
	if err != nil {
		return false, err
	}

	leaseID, err := l.conn.LeaseGrant(ctx, l.ttl)
	if err != nil {
		return false, err
	}

	won, _, err := etcdop.Key(l.path).PutIfNotExists(ctx, l.conn.KV(), token, etcd.WithLease(leaseID))
	if err != nil {
		return false, err
	}
	if !won {
		// Someone else holds it. Wait for its DELETE (lease expiry or
		// relinquish) before re-attempting.
		return false, l.waitForVacancy(ctx)
	}

	kv, err := etcdop.Key(l.path).Get(ctx, l.conn.KV())
	if err != nil {
		return false, err
	}
	if kv == nil || string(kv.Value) != token {
		l.logger.Warnf("leader selector %q: read-back mismatch after election win", l.path)
		return false, nil
	}

	keeper, err := l.conn.KeepAlive(ctx, leaseID)
	if err != nil {
		return false, err
	}

	l.setState(Leading)
	l.mu.Lock()
	l.elected = token
	l.mu.Unlock()

	l.takeLeader(ctx)

	keeper.Cancel()
	l.mu.Lock()
	l.elected = ""
	l.mu.Unlock()
	l.relinquish()
	return true, nil
}

// waitForVacancy blocks until the election key is deleted.
func (l *LeaderSelector) waitForVacancy(ctx context.Context) error {
	gone := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gone) }) }

	err := l.conn.WithWatcher(ctx, l.path, false, func(ev etcdop.Event) {
		if ev.Type == etcdop.Deleted {
			release()
		}
	}, func(innerCtx context.Context) error {
		present, err := etcdop.Key(l.path).Exists(innerCtx, l.conn.KV())
		if err != nil {
			return err
		}
		if !present {
			release()
			return nil
		}
		select {
		case <-gone:
		case <-innerCtx.Done():
		}
		return nil
	}, etcd.WithFilterPut())
	return err
}

func (l *LeaderSelector) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// WaitOnLeadershipComplete blocks until a full elected -> relinquished
// cycle finishes on this instance. Only callable after Start. A zero
// timeout blocks unboundedly.
func (l *LeaderSelector) WaitOnLeadershipComplete(ctx context.Context, timeout time.Duration) error {
	l.cycleMu.Lock()
	done := l.cycleDone
	l.cycleMu.Unlock()
	if done == nil {
		return errors.IllegalStateError{Message: "leader selector: waitOnLeadershipComplete called before start"}
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-done:
		return nil
	case <-waitCtx.Done():
		return errors.InterruptedError{Message: "waitOnLeadershipComplete timed out"}
	}
}

// Close cancels the election worker, relinquishing leadership if held, and
// is safe to call from any state, including Idle. Idempotent.
func (l *LeaderSelector) Close() error {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.workerWG.Wait()
	return nil
}
