package etcdop

import (
	"context"
	"strings"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/pktcoord/etcdrecipes/internal/pkg/errors"
)

// Prefix represents an etcd keys prefix - multiple keys, not a single key.
// The library normalizes trailing slashes: String() always ends in "/".
type Prefix string

func NewPrefix(v string) Prefix {
	return Prefix(strings.TrimRight(v, "/"))
}

func (p Prefix) String() string { return string(p) + "/" }

// Key returns the Key for a child of this prefix.
func (p Prefix) Key(name string) Key {
	return Key(p.String() + name)
}

// Add returns a new, longer Prefix nested under this one.
func (p Prefix) Add(name string) Prefix {
	return Prefix(p.String() + name)
}

// GetAll returns every key under the prefix, in lexicographic order, and the
// response header (its Revision anchors a subsequent Watch).
func (p Prefix) GetAll(ctx context.Context, kv etcd.KV, opts ...etcd.OpOption) ([]*KeyValue, *etcdserverpb.ResponseHeader, error) {
	opts = append([]etcd.OpOption{etcd.WithPrefix()}, opts...)
	r, err := kv.Get(ctx, p.String(), opts...)
	if err != nil {
		return nil, nil, errors.StoreUnavailableError{Cause: err}
	}
	return r.Kvs, r.Header, nil
}

// Count returns the number of keys under the prefix.
func (p Prefix) Count(ctx context.Context, kv etcd.KV) (int64, error) {
	r, err := kv.Get(ctx, p.String(), etcd.WithPrefix(), etcd.WithCountOnly())
	if err != nil {
		return 0, errors.StoreUnavailableError{Cause: err}
	}
	return r.Count, nil
}

// First returns the lexicographically smallest child of the prefix, or nil
// if the prefix is empty. Queue dequeue reads the candidate element this way.
func (p Prefix) First(ctx context.Context, kv etcd.KV) (*KeyValue, error) {
	opts := append([]etcd.OpOption{etcd.WithPrefix()}, etcd.WithFirstKey()...)
	r, err := kv.Get(ctx, p.String(), opts...)
	if err != nil {
		return nil, errors.StoreUnavailableError{Cause: err}
	}
	if len(r.Kvs) == 0 {
		return nil, nil
	}
	return r.Kvs[0], nil
}

// Last returns the lexicographically largest child of the prefix, or nil if
// the prefix is empty. Queue sequence allocation reads the current tail this
// way, to compute the next sequence number.
func (p Prefix) Last(ctx context.Context, kv etcd.KV) (*KeyValue, error) {
	opts := append([]etcd.OpOption{etcd.WithPrefix()}, etcd.WithLastKey()...)
	r, err := kv.Get(ctx, p.String(), opts...)
	if err != nil {
		return nil, errors.StoreUnavailableError{Cause: err}
	}
	if len(r.Kvs) == 0 {
		return nil, nil
	}
	return r.Kvs[0], nil
}

// DeleteAll removes every key under the prefix, returning the count removed.
func (p Prefix) DeleteAll(ctx context.Context, kv etcd.KV) (int64, error) {
	r, err := kv.Delete(ctx, p.String(), etcd.WithPrefix())
	if err != nil {
		return 0, errors.StoreUnavailableError{Cause: err}
	}
	return r.Deleted, nil
}

// Watch installs a raw prefix watch. Higher-level recipes wrap the returned
// channel to react to PUT/DELETE events; see connector.WithWatcher.
func (p Prefix) Watch(ctx context.Context, w etcd.Watcher, opts ...etcd.OpOption) etcd.WatchChan {
	opts = append([]etcd.OpOption{etcd.WithPrefix()}, opts...)
	return w.Watch(ctx, p.String(), opts...)
}
