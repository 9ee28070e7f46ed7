// Package etcdop is a small framework over go.etcd.io/etcd/client/v3,
// distinguishing operations over a single key (Key) from operations over a
// keys prefix (Prefix), the way internal/pkg/service/common/etcdop/key.go
// and prefix.go do in the teacher codebase. It implements the "Store"
// external interface from the specification: Get/Put/Delete/Txn/Watch over
// a linearizable KV store with leases.
package etcdop

import (
	"context"

	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/pktcoord/etcdrecipes/internal/pkg/errors"
)

// KeyValue re-exports the etcd KV pair type so callers never have to import
// the mvccpb package directly.
type KeyValue = mvccpb.KeyValue

// Key represents a single etcd key, not a prefix.
type Key string

func NewKey(v string) Key { return Key(v) }

func (k Key) String() string { return string(k) }

// Get returns the key's KeyValue, or nil if it does not exist.
func (k Key) Get(ctx context.Context, kv etcd.KV, opts ...etcd.OpOption) (*KeyValue, error) {
	r, err := kv.Get(ctx, string(k), opts...)
	if err != nil {
		return nil, errors.StoreUnavailableError{Cause: err}
	}
	switch r.Count {
	case 0:
		return nil, nil
	case 1:
		return r.Kvs[0], nil
	default:
		return nil, errors.Errorf("etcd get %q: expected at most one result, got %d", k, r.Count)
	}
}

// Exists reports whether the key is present.
func (k Key) Exists(ctx context.Context, kv etcd.KV) (bool, error) {
	r, err := kv.Get(ctx, string(k), etcd.WithCountOnly())
	if err != nil {
		return false, errors.StoreUnavailableError{Cause: err}
	}
	return r.Count > 0, nil
}

// Put writes value unconditionally.
func (k Key) Put(ctx context.Context, kv etcd.KV, value string, opts ...etcd.OpOption) error {
	if _, err := kv.Put(ctx, string(k), value, opts...); err != nil {
		return errors.StoreUnavailableError{Cause: err}
	}
	return nil
}

// Delete removes the key, reporting whether it existed.
func (k Key) Delete(ctx context.Context, kv etcd.KV, opts ...etcd.OpOption) (bool, error) {
	r, err := kv.Delete(ctx, string(k), opts...)
	if err != nil {
		return false, errors.StoreUnavailableError{Cause: err}
	}
	return r.Deleted > 0, nil
}

// PutIfNotExists implements the "If(doesNotExist) Then(set(key, value))"
// transaction pattern used throughout the recipes (leader CAS, barrier set,
// counted-barrier waiter registration). It returns whether the write won.
func (k Key) PutIfNotExists(ctx context.Context, kv etcd.KV, value string, opts ...etcd.OpOption) (bool, *etcd.TxnResponse, error) {
	resp, err := kv.Txn(ctx).
		If(etcd.Compare(etcd.Version(string(k)), "=", 0)).
		Then(etcd.OpPut(string(k), value, opts...)).
		Commit()
	if err != nil {
		return false, nil, errors.StoreUnavailableError{Cause: err}
	}
	return resp.Succeeded, resp, nil
}

// DeleteIfExists implements "If(exists) Then(delete)", used to broadcast a
// counted-barrier release exactly once: whichever waiter observes the
// count reaching memberCount deletes "ready"; every later racer's delete
// is a harmless no-op because the predicate fails.
func (k Key) DeleteIfExists(ctx context.Context, kv etcd.KV, opts ...etcd.OpOption) (bool, error) {
	resp, err := kv.Txn(ctx).
		If(etcd.Compare(etcd.Version(string(k)), "!=", 0)).
		Then(etcd.OpDelete(string(k), opts...)).
		Commit()
	if err != nil {
		return false, errors.StoreUnavailableError{Cause: err}
	}
	return resp.Succeeded, nil
}

// DeleteIfModRevision implements the at-most-once queue dequeue predicate:
// "If(exists(k) && modRevision == observed) Then(delete(k))".
func (k Key) DeleteIfModRevision(ctx context.Context, kv etcd.KV, modRevision int64) (bool, error) {
	resp, err := kv.Txn(ctx).
		If(
			etcd.Compare(etcd.Version(string(k)), "!=", 0),
			etcd.Compare(etcd.ModRevision(string(k)), "=", modRevision),
		).
		Then(etcd.OpDelete(string(k))).
		Commit()
	if err != nil {
		return false, errors.StoreUnavailableError{Cause: err}
	}
	return resp.Succeeded, nil
}

// CompareAndSwap implements the counter's "If(modRevision == observed)
// Then(set(key, newValue))" CAS loop body.
func (k Key) CompareAndSwap(ctx context.Context, kv etcd.KV, observedModRevision int64, newValue string) (bool, error) {
	resp, err := kv.Txn(ctx).
		If(etcd.Compare(etcd.ModRevision(string(k)), "=", observedModRevision)).
		Then(etcd.OpPut(string(k), newValue)).
		Commit()
	if err != nil {
		return false, errors.StoreUnavailableError{Cause: err}
	}
	return resp.Succeeded, nil
}
