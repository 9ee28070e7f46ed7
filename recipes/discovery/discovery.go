// Package discovery implements the service discovery + cache recipe (spec
// §4.7): a lease-keyed registry of service instances and a prefix watch
// that materializes a local cache with ADDED/UPDATED/REMOVED notifications.
package discovery

import (
	"context"
	"sync"
	"time"

	etcd "go.etcd.io/etcd/client/v3"

	"github.com/pktcoord/etcdrecipes/connector"
	"github.com/pktcoord/etcdrecipes/etcdop"
	"github.com/pktcoord/etcdrecipes/internal/pkg/errors"
	"github.com/pktcoord/etcdrecipes/internal/pkg/idgen"
	"github.com/pktcoord/etcdrecipes/internal/pkg/log"
)

const DefaultTTL = 30 * time.Second

// ServiceType distinguishes instances that come and go (DYNAMIC) from ones
// that are expected to be long-lived (STATIC), per spec §6's JSON schema.
type ServiceType string

const (
	Dynamic ServiceType = "DYNAMIC"
	Static  ServiceType = "STATIC"
)

// Instance is the service-instance JSON record from spec §6.
type Instance struct {
	Name                 string      `json:"name"`
	JSONPayload          string      `json:"jsonPayload"`
	Address              string      `json:"address"`
	Port                 int         `json:"port"`
	SSLPort              int         `json:"sslPort"`
	RegistrationTimeUTC  int64       `json:"registrationTimeUTC"`
	ServiceType          ServiceType `json:"serviceType"`
	URI                  string      `json:"uri"`
	Enabled              bool        `json:"enabled"`
	ID                   string      `json:"id"`
}

type ServiceDiscovery struct {
	conn      *connector.Connector
	namesPath string
	ttl       time.Duration
	logger    log.Logger

	mu          sync.Mutex
	registrations map[string]*registration
}

type registration struct {
	leaseID etcd.LeaseID
	keeper  *connector.LeaseKeeper
}

type Option func(*ServiceDiscovery)

func WithTTL(d time.Duration) Option { return func(s *ServiceDiscovery) { s.ttl = d } }

func WithLogger(l log.Logger) Option { return func(s *ServiceDiscovery) { s.logger = l } }

func New(conn *connector.Connector, namesPath string, opts ...Option) (*ServiceDiscovery, error) {
	if err := etcdop.ValidatePath("names path", namesPath); err != nil {
		return nil, err
	}
	s := &ServiceDiscovery{
		conn:          conn,
		namesPath:     namesPath,
		ttl:           DefaultTTL,
		logger:        log.NewNop(),
		registrations: make(map[string]*registration),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *ServiceDiscovery) instanceKey(name, id string) etcdop.Key {
	return etcdop.NewPrefix(s.namesPath).Add(name).Key(id)
}

// RegisterService writes inst under <namesPath>/<name>/<id> bound to a
// fresh lease kept alive by this instance; the keep-alive dies with the
// registrant (spec §4.7: "the keep-alive is owned by the registrant and
// dies with it"). If inst.ID is empty, a random one is generated.
func (s *ServiceDiscovery) RegisterService(ctx context.Context, inst Instance) (Instance, error) {
	if err := s.conn.CheckCloseNotCalled(); err != nil {
		return Instance{}, err
	}
	if inst.Name == "" {
		return Instance{}, errors.InvalidArgumentError{Message: "service name must not be empty"}
	}
	if inst.ID == "" {
		id, err := idgen.InstanceID()
		if err != nil {
			return Instance{}, err
		}
		inst.ID = id
	}

	leaseID, err := s.conn.LeaseGrant(ctx, s.ttl)
	if err != nil {
		return Instance{}, err
	}
	encoded, err := etcdop.EncodeJSON(inst)
	if err != nil {
		return Instance{}, err
	}
	if err := s.instanceKey(inst.Name, inst.ID).Put(ctx, s.conn.KV(), encoded, etcd.WithLease(leaseID)); err != nil {
		return Instance{}, err
	}
	keeper, err := s.conn.KeepAlive(ctx, leaseID)
	if err != nil {
		return Instance{}, err
	}

	s.mu.Lock()
	s.registrations[registrationKey(inst.Name, inst.ID)] = &registration{leaseID: leaseID, keeper: keeper}
	s.mu.Unlock()

	return inst, nil
}

// UpdateService overwrites the record for an already-registered instance,
// preserving its lease (and thus its TTL and registration) rather than
// granting a new one.
func (s *ServiceDiscovery) UpdateService(ctx context.Context, inst Instance) error {
	if err := s.conn.CheckCloseNotCalled(); err != nil {
		return err
	}
	s.mu.Lock()
	reg, ok := s.registrations[registrationKey(inst.Name, inst.ID)]
	s.mu.Unlock()
	if !ok {
		return errors.IllegalStateError{Message: "discovery: updateService called for an instance this process did not register"}
	}
	encoded, err := etcdop.EncodeJSON(inst)
	if err != nil {
		return err
	}
	return s.instanceKey(inst.Name, inst.ID).Put(ctx, s.conn.KV(), encoded, etcd.WithLease(reg.leaseID))
}

// UnregisterService stops the keep-alive and deletes the instance key.
func (s *ServiceDiscovery) UnregisterService(ctx context.Context, name, id string) error {
	if err := s.conn.CheckCloseNotCalled(); err != nil {
		return err
	}
	s.mu.Lock()
	reg, ok := s.registrations[registrationKey(name, id)]
	if ok {
		delete(s.registrations, registrationKey(name, id))
	}
	s.mu.Unlock()
	if ok {
		reg.keeper.Cancel()
	}
	_, err := s.instanceKey(name, id).Delete(ctx, s.conn.KV())
	return err
}

// QueryForNames lists every distinct service name with at least one
// registered instance.
func (s *ServiceDiscovery) QueryForNames(ctx context.Context) ([]string, error) {
	if err := s.conn.CheckCloseNotCalled(); err != nil {
		return nil, err
	}
	kvs, _, err := etcdop.NewPrefix(s.namesPath).GetAll(ctx, s.conn.KV())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var names []string
	for _, kv := range kvs {
		name, _, ok := splitInstanceKey(s.namesPath, string(kv.Key))
		if !ok {
			continue
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names, nil
}

// QueryForInstances lists every currently-registered instance of name.
func (s *ServiceDiscovery) QueryForInstances(ctx context.Context, name string) ([]Instance, error) {
	if err := s.conn.CheckCloseNotCalled(); err != nil {
		return nil, err
	}
	kvs, _, err := etcdop.NewPrefix(s.namesPath).Add(name).GetAll(ctx, s.conn.KV())
	if err != nil {
		return nil, err
	}
	instances := make([]Instance, 0, len(kvs))
	for _, kv := range kvs {
		var inst Instance
		if err := etcdop.DecodeJSON(kv.Value, &inst); err != nil {
			s.logger.Warnf("discovery: malformed instance record at %q: %s", kv.Key, err)
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// QueryForInstance reads a single named instance (added per SPEC_FULL.md
// §12; Curator's ServiceDiscovery#queryForInstance).
func (s *ServiceDiscovery) QueryForInstance(ctx context.Context, name, id string) (Instance, bool, error) {
	if err := s.conn.CheckCloseNotCalled(); err != nil {
		return Instance{}, false, err
	}
	kv, err := s.instanceKey(name, id).Get(ctx, s.conn.KV())
	if err != nil {
		return Instance{}, false, err
	}
	if kv == nil {
		return Instance{}, false, nil
	}
	var inst Instance
	if err := etcdop.DecodeJSON(kv.Value, &inst); err != nil {
		return Instance{}, false, err
	}
	return inst, true, nil
}

// ServiceCache returns a cache that keeps {id -> Instance} for name
// up-to-date via a prefix watch.
func (s *ServiceDiscovery) ServiceCache(ctx context.Context, name string) (*ServiceCache, error) {
	return newServiceCache(ctx, s.conn, s.namesPath, name, s.logger)
}

func registrationKey(name, id string) string { return name + "/" + id }

func splitInstanceKey(namesPath, key string) (name, id string, ok bool) {
	prefix := etcdop.NewPrefix(namesPath).String()
	if len(key) <= len(prefix) {
		return "", "", false
	}
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
