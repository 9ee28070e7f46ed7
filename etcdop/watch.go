package etcdop

import (
	"context"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
)

// EventType classifies a watch event the way the specification's GLOSSARY
// describes: PUT events are further split into Created/Updated by comparing
// CreateRevision to ModRevision, without a second round trip.
type EventType int

const (
	Created EventType = iota
	Updated
	Deleted
)

// Event is a revision-ordered PUT or DELETE notification.
type Event struct {
	Type   EventType
	Kv     *mvccpb.KeyValue
	PrevKv *mvccpb.KeyValue
	Header etcdserverpb.ResponseHeader
}

// Watch adapts a raw etcd.WatchChan into a channel of Event, translating
// mvccpb event types and closing the output channel when the input channel
// closes or the context is done. errFn receives any per-response watch
// error (e.g. compacted revision); the watch continues afterwards, matching
// "watch events are delivered in revision order; the library assumes this".
func Watch(ctx context.Context, raw etcd.WatchChan, errFn func(error)) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-raw:
				if !ok {
					return
				}
				if err := resp.Err(); err != nil {
					if errFn != nil {
						errFn(err)
					}
					continue
				}
				for _, ev := range resp.Events {
					e := Event{Kv: ev.Kv, PrevKv: ev.PrevKv, Header: resp.Header}
					switch ev.Type {
					case mvccpb.PUT:
						if ev.Kv.CreateRevision == ev.Kv.ModRevision {
							e.Type = Created
						} else {
							e.Type = Updated
						}
					case mvccpb.DELETE:
						e.Type = Deleted
					}
					select {
					case out <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}
