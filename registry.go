package dbclient

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Registry maps normalized descriptors to shared pools and hands out client
// handles. Clients created from equal configurations share one pool; the
// pool is drained when the last of them is closed.
//
// A Registry is safe for concurrent use. Tests should create their own.
type Registry struct {
	mu        sync.Mutex
	pools     map[Descriptor]*poolRef
	factories map[string]ConnectionFactory
	closed    bool

	group  singleflight.Group
	drains sync.WaitGroup

	drainTimeout time.Duration
	newID        func() string
	log          *logrus.Entry
}

type poolRef struct {
	desc Descriptor
	pool *ChannelPool
	refs int64 // guarded by Registry.mu
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFactory registers f for the given driver name.
func WithFactory(driver string, f ConnectionFactory) RegistryOption {
	return func(r *Registry) {
		r.factories[registryDriverKey(driver)] = f
	}
}

// WithDrainTimeout bounds how long a released pool waits for leased
// connections before force-closing them.
func WithDrainTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.drainTimeout = d
		}
	}
}

// WithIDGenerator replaces the client id generator.
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// WithLogger routes registry and pool logs through l.
func WithLogger(l *logrus.Entry) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		pools:        make(map[Descriptor]*poolRef),
		factories:    make(map[string]ConnectionFactory),
		drainTimeout: DefaultDrainTimeout,
		newID:        uuid.NewString,
		log:          packageLog(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterFactory registers f for driver, replacing any previous one.
func (r *Registry) RegisterFactory(driver string, f ConnectionFactory) {
	if f == nil {
		panic("dbclient: RegisterFactory with nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[registryDriverKey(driver)] = f
}

func registryDriverKey(driver string) string {
	if d := canonicalDriver(driver); d != "" {
		return d
	}
	return strings.ToLower(strings.TrimSpace(driver))
}

// CreateClient is the entry point for hosts that pass dynamic records.
// config is the client endpoint record; globalPoolOptions is used for every
// pool option the client record leaves unset and may be nil.
func (r *Registry) CreateClient(config map[string]interface{}, globalPoolOptions map[string]interface{}) (*Client, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	global, err := ParsePoolOptions(globalPoolOptions)
	if err != nil {
		return nil, err
	}
	return r.NewClient(cfg, global)
}

// NewClient normalizes cfg, finds or creates the matching pool and returns
// a new handle bound to it.
func (r *Registry) NewClient(cfg ClientConfig, global *PoolOptions) (*Client, error) {
	d, err := Normalize(cfg, global)
	if err != nil {
		return nil, err
	}
	ref, err := r.getOrCreate(d)
	if err != nil {
		return nil, err
	}
	c := newClient(r, ref)
	r.log.WithFields(logrus.Fields{
		"client": c.id,
		"pool":   d.Fingerprint(),
	}).Debug("client created")
	return c, nil
}

// getOrCreate returns the pool for d with its reference count incremented.
// Concurrent calls for equal descriptors build at most one pool.
func (r *Registry) getOrCreate(d Descriptor) (*poolRef, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, newError("create client", ErrPoolClosed, nil)
		}
		if ref, ok := r.pools[d]; ok {
			ref.refs++
			r.mu.Unlock()
			return ref, nil
		}
		factory, ok := r.factories[d.Driver]
		r.mu.Unlock()
		if !ok {
			return nil, configError("no connection factory registered for driver %q", d.Driver)
		}

		v, err, _ := r.group.Do(d.Key(), func() (interface{}, error) {
			r.mu.Lock()
			if ref, ok := r.pools[d]; ok {
				r.mu.Unlock()
				return ref, nil
			}
			r.mu.Unlock()

			pool, err := NewChannelPool(&PoolConfig{
				Descriptor:   d,
				Factory:      factory,
				DrainTimeout: r.drainTimeout,
				Logger:       r.log,
			})
			if err != nil {
				return nil, err
			}
			ref := &poolRef{desc: d, pool: pool}

			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				_ = pool.Drain(context.Background())
				return nil, newError("create client", ErrPoolClosed, nil)
			}
			r.pools[d] = ref
			r.mu.Unlock()
			r.log.WithField("pool", d.Fingerprint()).WithField("target", d.String()).Info("connection pool created")
			return ref, nil
		})
		if err != nil {
			return nil, err
		}

		ref := v.(*poolRef)
		r.mu.Lock()
		if cur, ok := r.pools[d]; ok && cur == ref {
			ref.refs++
			r.mu.Unlock()
			return ref, nil
		}
		// 拿到引用前该连接池已被回收，重新查找
		r.mu.Unlock()
	}
}

// Len returns the number of live pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Pools returns stats for every live pool, ordered by descriptor.
func (r *Registry) Pools() []Stats {
	r.mu.Lock()
	refs := make([]*poolRef, 0, len(r.pools))
	counts := make([]int64, 0, len(r.pools))
	for _, ref := range r.pools {
		refs = append(refs, ref)
		counts = append(counts, ref.refs)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(refs))
	for i, ref := range refs {
		s := ref.pool.Stats()
		s.ReferencedClients = counts[i]
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor < out[j].Descriptor })
	return out
}
