package discovery

import (
	"context"
	"sync"

	etcd "go.etcd.io/etcd/client/v3"

	"github.com/pktcoord/etcdrecipes/connector"
	"github.com/pktcoord/etcdrecipes/etcdop"
	"github.com/pktcoord/etcdrecipes/internal/pkg/log"
)

// CacheEventType is the ADDED|UPDATED|REMOVED classification from spec
// §4.7: on PUT the cache reports ADDED (first time this id is seen) or
// UPDATED, on DELETE it reports REMOVED with the last-known instance.
type CacheEventType int

const (
	Added CacheEventType = iota
	UpdatedInstance
	Removed
)

// Listener is the cache's callback shape from spec §9 Design Notes:
// "(event, isNew, serviceName, instance?) -> void". isNew duplicates
// event == Added for callers that only care about the flag.
type Listener func(event CacheEventType, isNew bool, serviceName string, instance Instance)

// ServiceCache maintains {id -> Instance} for one service name via a
// prefix watch, after an initial range read to seed the map.
type ServiceCache struct {
	namesPath string
	name      string
	logger    log.Logger

	mu        sync.RWMutex
	instances map[string]Instance
	listeners []Listener

	closeOnce sync.Once
	closeFn   context.CancelFunc
	done      chan struct{}
}

func newServiceCache(ctx context.Context, conn *connector.Connector, namesPath, name string, logger log.Logger) (*ServiceCache, error) {
	if err := conn.CheckCloseNotCalled(); err != nil {
		return nil, err
	}

	prefix := etcdop.NewPrefix(namesPath).Add(name)
	kvs, header, err := prefix.GetAll(ctx, conn.KV())
	if err != nil {
		return nil, err
	}

	c := &ServiceCache{
		namesPath: namesPath,
		name:      name,
		logger:    logger,
		instances: make(map[string]Instance, len(kvs)),
		done:      make(chan struct{}),
	}
	for _, kv := range kvs {
		var inst Instance
		if err := etcdop.DecodeJSON(kv.Value, &inst); err != nil {
			logger.Warnf("service cache %q: malformed seed record at %q: %s", name, kv.Key, err)
			continue
		}
		c.instances[inst.ID] = inst
	}

	watchCtx, cancel := context.WithCancel(ctx)
	c.closeFn = cancel

	go func() {
		defer close(c.done)
		raw := prefix.Watch(watchCtx, conn.Watcher(), etcd.WithRev(header.Revision+1))
		events := etcdop.Watch(watchCtx, raw, func(err error) {
			logger.Warnf("service cache %q: watch error: %s", name, err)
		})
		for ev := range events {
			c.apply(ev)
		}
	}()

	return c, nil
}

func (c *ServiceCache) apply(ev etcdop.Event) {
	_, id, ok := splitInstanceKey(c.namesPath, string(ev.Kv.Key))
	if !ok {
		return
	}

	switch ev.Type {
	case etcdop.Deleted:
		c.mu.Lock()
		last, existed := c.instances[id]
		delete(c.instances, id)
		c.mu.Unlock()
		if existed {
			c.notify(Removed, false, last)
		}
		return
	default:
		var inst Instance
		if err := etcdop.DecodeJSON(ev.Kv.Value, &inst); err != nil {
			c.logger.Warnf("service cache %q: malformed update record at %q: %s", c.name, ev.Kv.Key, err)
			return
		}
		c.mu.Lock()
		_, existed := c.instances[id]
		c.instances[id] = inst
		c.mu.Unlock()

		if existed {
			c.notify(UpdatedInstance, false, inst)
		} else {
			c.notify(Added, true, inst)
		}
	}
}

// notify calls every listener serially, in registration order, swallowing
// panics and nothing else -- the cache is a supervisor, not a transport
// (spec §7: "Listener exceptions inside the service cache are swallowed
// with a log; the cache is a supervisor, not a transport").
func (c *ServiceCache) notify(event CacheEventType, isNew bool, inst Instance) {
	c.mu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		func(l Listener) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warnf("service cache %q: listener panicked: %v", c.name, r)
				}
			}()
			l(event, isNew, c.name, inst)
		}(l)
	}
}

// AddListener registers l to be called on every future cache event.
func (c *ServiceCache) AddListener(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Instances returns a snapshot of the current cache contents.
func (c *ServiceCache) Instances() []Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		out = append(out, inst)
	}
	return out
}

// Close tears the watch down. Idempotent.
func (c *ServiceCache) Close() {
	c.closeOnce.Do(func() {
		c.closeFn()
		<-c.done
	})
}
