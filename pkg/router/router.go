package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/cutover/pkg/events"
	"github.com/cuemby/cutover/pkg/health"
	"github.com/cuemby/cutover/pkg/log"
	"github.com/cuemby/cutover/pkg/metrics"
	"github.com/cuemby/cutover/pkg/types"
)

var (
	// ErrBindingConflict is returned by Swap when the listener is not bound
	// to the expected pool
	ErrBindingConflict = errors.New("listener binding changed concurrently")

	// ErrUnknownListener is returned for operations on an undeclared listener
	ErrUnknownListener = errors.New("unknown listener")

	// ErrUnknownPool is returned for operations on an undeclared pool
	ErrUnknownPool = errors.New("unknown pool")

	// ErrNoHealthyTarget is returned when the active pool has nothing to route to
	ErrNoHealthyTarget = errors.New("no healthy target")
)

// BindingStore persists listener bindings
type BindingStore interface {
	PutBinding(binding *types.Binding) error
	ListBindings() ([]*types.Binding, error)
}

// ListenerConfig declares a listener
type ListenerConfig struct {
	Name string
	Addr string
	Pool string // Initial binding
	Test bool
}

// PoolConfig declares a pool
type PoolConfig struct {
	Name            string
	HealthCheckPath string
}

// Config configures a Router
type Config struct {
	Listeners []ListenerConfig
	Pools     []PoolConfig

	// ProbeTargets enables active health checks. Without it a target is as
	// healthy as its registrar says.
	ProbeTargets bool
	HealthCheck  health.Config

	DrainTimeout time.Duration
	Store        BindingStore
	Events       *events.Broker
}

type listener struct {
	mu     sync.Mutex // Serializes binding changes
	name   string
	addr   string
	test   bool
	active atomic.Value // string
}

func (l *listener) pool() string {
	v, _ := l.active.Load().(string)
	return v
}

type pool struct {
	name       string
	healthPath string

	mu       sync.RWMutex
	targets  map[string]*target
	next     uint64
	inflight atomic.Int64
}

type target struct {
	types.Target
	status *health.Status
}

// Router holds listeners and pools and decides where requests go
type Router struct {
	cfg    Config
	logger zerolog.Logger

	listeners map[string]*listener
	pools     map[string]*pool
}

// New creates a router from its declared listeners and pools and restores
// persisted bindings
func New(cfg Config) (*Router, error) {
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.HealthCheck.HealthyThreshold == 0 {
		cfg.HealthCheck = health.DefaultConfig()
	}

	r := &Router{
		cfg:       cfg,
		logger:    log.WithComponent("router"),
		listeners: make(map[string]*listener),
		pools:     make(map[string]*pool),
	}

	for _, pc := range cfg.Pools {
		if _, dup := r.pools[pc.Name]; dup {
			return nil, fmt.Errorf("duplicate pool %q", pc.Name)
		}
		r.pools[pc.Name] = &pool{
			name:       pc.Name,
			healthPath: pc.HealthCheckPath,
			targets:    make(map[string]*target),
		}
	}

	for _, lc := range cfg.Listeners {
		if _, dup := r.listeners[lc.Name]; dup {
			return nil, fmt.Errorf("duplicate listener %q", lc.Name)
		}
		if _, ok := r.pools[lc.Pool]; !ok {
			return nil, fmt.Errorf("listener %s: %w: %q", lc.Name, ErrUnknownPool, lc.Pool)
		}
		l := &listener{name: lc.Name, addr: lc.Addr, test: lc.Test}
		l.active.Store(lc.Pool)
		r.listeners[lc.Name] = l
	}

	if cfg.Store != nil {
		if err := r.restore(); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Router) restore() error {
	bindings, err := r.cfg.Store.ListBindings()
	if err != nil {
		return fmt.Errorf("failed to load bindings: %w", err)
	}
	for _, b := range bindings {
		l, ok := r.listeners[b.Listener]
		if !ok {
			continue
		}
		if _, ok := r.pools[b.Pool]; !ok {
			continue
		}
		l.active.Store(b.Pool)
		r.logger.Info().Str("listener", b.Listener).Str("pool", b.Pool).Msg("Restored binding")
	}
	return nil
}

// Bind points listener at pool. New requests see the change immediately.
func (r *Router) Bind(listenerName, poolName string) error {
	l, err := r.listener(listenerName)
	if err != nil {
		return err
	}
	if _, err := r.pool(poolName); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return r.bindLocked(l, poolName)
}

// Swap binds listener to "to" only if it is currently bound to "from"
func (r *Router) Swap(listenerName, from, to string) error {
	l, err := r.listener(listenerName)
	if err != nil {
		return err
	}
	if _, err := r.pool(to); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if current := l.pool(); current != from {
		return fmt.Errorf("%w: %s is bound to %s, expected %s", ErrBindingConflict, listenerName, current, from)
	}
	return r.bindLocked(l, to)
}

func (r *Router) bindLocked(l *listener, poolName string) error {
	previous := l.pool()
	if previous == poolName {
		return nil
	}

	if r.cfg.Store != nil {
		binding := &types.Binding{Listener: l.name, Pool: poolName, UpdatedAt: time.Now()}
		if err := r.cfg.Store.PutBinding(binding); err != nil {
			return fmt.Errorf("failed to persist binding %s -> %s: %w", l.name, poolName, err)
		}
	}
	l.active.Store(poolName)

	metrics.ListenerBinds.WithLabelValues(l.name, poolName).Inc()
	r.cfg.Events.Publish(events.New(events.EventListenerBound,
		fmt.Sprintf("listener %s bound to %s", l.name, poolName),
		map[string]string{"listener": l.name, "pool": poolName, "previous": previous}))

	r.logger.Info().
		Str("listener", l.name).
		Str("from", previous).
		Str("pool", poolName).
		Msg("Listener bound")
	return nil
}

// Active returns the pool a listener is bound to
func (r *Router) Active(listenerName string) (string, error) {
	l, err := r.listener(listenerName)
	if err != nil {
		return "", err
	}
	return l.pool(), nil
}

// Listeners returns all listeners sorted by name
func (r *Router) Listeners() []types.Listener {
	out := make([]types.Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, types.Listener{
			Name:       l.name,
			Addr:       l.addr,
			ActivePool: l.pool(),
			Test:       l.test,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterTarget adds or refreshes a target in a pool
func (r *Router) RegisterTarget(poolName string, t types.Target) error {
	p, err := r.pool(poolName)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.targets[t.ID]; ok {
		existing.Address = t.Address
		existing.ReplicaSet = t.ReplicaSet
		if !r.cfg.ProbeTargets {
			existing.Healthy = t.Healthy
		}
		return nil
	}

	entry := &target{Target: t, status: health.NewStatus()}
	if r.cfg.ProbeTargets {
		entry.Healthy = false
	}
	p.targets[t.ID] = entry

	r.logger.Debug().Str("pool", poolName).Str("target", t.ID).Str("address", t.Address).Msg("Target registered")
	return nil
}

// DeregisterTarget removes a target from a pool
func (r *Router) DeregisterTarget(poolName, targetID string) error {
	p, err := r.pool(poolName)
	if err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.targets, targetID)
	p.mu.Unlock()

	r.logger.Debug().Str("pool", poolName).Str("target", targetID).Msg("Target deregistered")
	return nil
}

// Targets lists the targets of a pool sorted by ID
func (r *Router) Targets(poolName string) ([]types.Target, error) {
	p, err := r.pool(poolName)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.Target, 0, len(p.targets))
	for _, t := range p.targets {
		out = append(out, t.Target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// HealthOf returns the fraction of a pool's targets that are healthy.
// An empty pool is 0.
func (r *Router) HealthOf(poolName string) (float64, error) {
	p, err := r.pool(poolName)
	if err != nil {
		return 0, err
	}

	p.mu.RLock()
	total := len(p.targets)
	healthy := 0
	for _, t := range p.targets {
		if t.Healthy {
			healthy++
		}
	}
	p.mu.RUnlock()

	fraction := 0.0
	if total > 0 {
		fraction = float64(healthy) / float64(total)
	}
	metrics.PoolHealthyFraction.WithLabelValues(poolName).Set(fraction)
	return fraction, nil
}

// Drain waits until no request is in flight to pool, bounded by the
// router's drain timeout
func (r *Router) Drain(ctx context.Context, poolName string) error {
	p, err := r.pool(poolName)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for p.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			r.logger.Warn().
				Str("pool", poolName).
				Int64("inflight", p.inflight.Load()).
				Msg("Drain ended with requests in flight")
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// pick selects the next healthy target of the listener's active pool
// round-robin. The returned release func must be called when the request ends.
func (r *Router) pick(listenerName string) (types.Target, string, func(), error) {
	l, err := r.listener(listenerName)
	if err != nil {
		return types.Target{}, "", nil, err
	}
	poolName := l.pool()
	p, err := r.pool(poolName)
	if err != nil {
		return types.Target{}, "", nil, err
	}

	p.mu.RLock()
	healthy := make([]types.Target, 0, len(p.targets))
	for _, t := range p.targets {
		if t.Healthy {
			healthy = append(healthy, t.Target)
		}
	}
	p.mu.RUnlock()

	if len(healthy) == 0 {
		return types.Target{}, poolName, nil, fmt.Errorf("%w in pool %s", ErrNoHealthyTarget, poolName)
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].ID < healthy[j].ID })

	idx := atomic.AddUint64(&p.next, 1) - 1
	selected := healthy[idx%uint64(len(healthy))]

	p.inflight.Add(1)
	return selected, poolName, func() { p.inflight.Add(-1) }, nil
}

func (r *Router) listener(name string) (*listener, error) {
	l, ok := r.listeners[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownListener, name)
	}
	return l, nil
}

func (r *Router) pool(name string) (*pool, error) {
	p, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, name)
	}
	return p, nil
}
