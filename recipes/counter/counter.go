// Package counter implements the atomic counter recipe (spec §4.2): a
// compare-and-swap loop over modRevision with randomized backoff, storing
// the value as an 8-byte big-endian int64 (DATA MODEL, "Counter" entity).
package counter

import (
	"context"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/pktcoord/etcdrecipes/connector"
	"github.com/pktcoord/etcdrecipes/etcdop"
	"github.com/pktcoord/etcdrecipes/internal/pkg/errors"
	"github.com/pktcoord/etcdrecipes/internal/pkg/log"
)

// backoffUnit is the "100 ms" in "[0, attempt x 100ms)" from spec §4.2.
const backoffUnit = 100 * time.Millisecond

type Counter struct {
	key          string
	kv           etcd.KV
	clock        clockwork.Clock
	logger       log.Logger
	defaultValue int64
}

type Option func(*Counter)

func WithDefault(v int64) Option { return func(c *Counter) { c.defaultValue = v } }

func WithClock(clock clockwork.Clock) Option { return func(c *Counter) { c.clock = clock } }

func WithLogger(l log.Logger) Option { return func(c *Counter) { c.logger = l } }

// New constructs a Counter at path. If the key does not yet exist, it is
// created with the default value (0 unless WithDefault is set); losing the
// creation race to another process is not an error.
func New(ctx context.Context, conn *connector.Connector, path string, opts ...Option) (*Counter, error) {
	if err := etcdop.ValidatePath("counter path", path); err != nil {
		return nil, err
	}
	c := &Counter{
		key:    path,
		kv:     conn.KV(),
		clock:  clockwork.NewRealClock(),
		logger: log.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.ensureExists(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func encode(v int64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return string(buf)
}

func decode(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func (c *Counter) ensureExists(ctx context.Context) error {
	_, _, err := etcdop.Key(c.key).PutIfNotExists(ctx, c.kv, encode(c.defaultValue))
	// Losing the creation race means another process already created the
	// key; that is success from our point of view, not an error.
	return err
}

// Get returns the current value, or the configured default if the key is
// absent (e.g. deleted out of band).
func (c *Counter) Get(ctx context.Context) (int64, error) {
	kv, err := etcdop.Key(c.key).Get(ctx, c.kv)
	if err != nil {
		return 0, err
	}
	if kv == nil {
		return c.defaultValue, nil
	}
	return decode(kv.Value), nil
}

// modify runs the CAS retry loop described in spec §4.2: read, compute,
// compare-and-swap on modRevision, and on loss sleep a uniformly random
// duration in [0, attempt x 100ms) before retrying. Retries are unbounded;
// only ctx cancellation or a non-CAS Store error end the loop early.
func (c *Counter) modify(ctx context.Context, delta func(int64) int64) (int64, error) {
	for attempt := 1; ; attempt++ {
		kv, err := etcdop.Key(c.key).Get(ctx, c.kv)
		if err != nil {
			return 0, err
		}

		current := c.defaultValue
		var modRevision int64
		if kv != nil {
			current = decode(kv.Value)
			modRevision = kv.ModRevision
		} else if err := c.ensureExists(ctx); err != nil {
			return 0, err
		} else {
			continue
		}

		newValue := delta(current)
		ok, err := etcdop.Key(c.key).CompareAndSwap(ctx, c.kv, modRevision, encode(newValue))
		if err != nil {
			return 0, err
		}
		if ok {
			return newValue, nil
		}

		c.logger.Debugf("counter %q: CAS lost on attempt %d, retrying", c.key, attempt)
		delay := time.Duration(rand.Int63n(int64(attempt) * int64(backoffUnit)))
		select {
		case <-ctx.Done():
			return 0, errors.InterruptedError{Message: "counter modify aborted: " + ctx.Err().Error()}
		case <-c.clock.After(delay):
		}
	}
}

func (c *Counter) Increment(ctx context.Context) (int64, error) {
	return c.modify(ctx, func(v int64) int64 { return v + 1 })
}

func (c *Counter) Decrement(ctx context.Context) (int64, error) {
	return c.modify(ctx, func(v int64) int64 { return v - 1 })
}

func (c *Counter) Add(ctx context.Context, n int64) (int64, error) {
	return c.modify(ctx, func(v int64) int64 { return v + n })
}

func (c *Counter) Subtract(ctx context.Context, n int64) (int64, error) {
	return c.modify(ctx, func(v int64) int64 { return v - n })
}

// CompareAndSet is the single-shot CAS entry point supplementing the
// increment/decrement/add retry loops (Curator's DistributedAtomicLong
// trySet; see SPEC_FULL.md §12). Unlike modify, it does not retry: it
// reports whether the current value equalled expected and, if so, whether
// the swap to newValue won the race.
func (c *Counter) CompareAndSet(ctx context.Context, expected, newValue int64) (bool, error) {
	kv, err := etcdop.Key(c.key).Get(ctx, c.kv)
	if err != nil {
		return false, err
	}

	current := c.defaultValue
	var modRevision int64
	if kv != nil {
		current = decode(kv.Value)
		modRevision = kv.ModRevision
	}
	if current != expected {
		return false, nil
	}
	return etcdop.Key(c.key).CompareAndSwap(ctx, c.kv, modRevision, encode(newValue))
}
