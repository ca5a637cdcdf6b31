package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/cutover/pkg/health"
	"github.com/cuemby/cutover/pkg/log"
	"github.com/cuemby/cutover/pkg/metrics"
	"github.com/cuemby/cutover/pkg/types"
)

// FleetConfig configures a Fleet
type FleetConfig struct {
	Runner    Runner
	Registrar TargetRegistrar // may be nil

	ReconcileInterval time.Duration

	// ProbeHealth enables health checks against replica addresses.
	// Without it a running replica counts as healthy.
	ProbeHealth bool
	HealthCheck health.Config

	MinHealthyPercent int
	MaxPercent        int

	// CrashLoopRestarts is the number of failed replicas of one spec after
	// which the fleet stops launching it
	CrashLoopRestarts int
}

type replicaSet struct {
	name         string
	spec         *types.TaskSpec
	digest       string
	desired      int
	pools        map[string]bool
	replicas     map[string]*replicaEntry
	failures     int
	crashLooping bool

	// Per set pacing, zero for the fleet's
	minHealthyPercent int
	maxPercent        int
}

type replicaEntry struct {
	Replica
	health     *health.Status
	registered bool
}

// Fleet keeps the desired number of replicas running per replica set and
// implements Adapter
type Fleet struct {
	cfg    FleetConfig
	logger zerolog.Logger

	mu   sync.RWMutex
	sets map[string]*replicaSet

	reconcileMu sync.Mutex
	kick        chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
}

var (
	_ Adapter = (*Fleet)(nil)
	_ Pacer   = (*Fleet)(nil)
)

// NewFleet creates a fleet. Call Start to run the reconcile loop.
func NewFleet(cfg FleetConfig) (*Fleet, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("fleet requires a runner")
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = 2 * time.Second
	}
	if cfg.MinHealthyPercent == 0 {
		cfg.MinHealthyPercent = 100
	}
	if cfg.MaxPercent == 0 {
		cfg.MaxPercent = 200
	}
	if err := checkPacing(cfg.MinHealthyPercent, cfg.MaxPercent); err != nil {
		return nil, err
	}
	if cfg.CrashLoopRestarts == 0 {
		cfg.CrashLoopRestarts = 3
	}
	if cfg.ProbeHealth && cfg.HealthCheck.HealthyThreshold == 0 {
		cfg.HealthCheck = health.DefaultConfig()
	}

	return &Fleet{
		cfg:    cfg,
		logger: log.WithComponent("fleet"),
		sets:   make(map[string]*replicaSet),
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins the reconcile loop
func (f *Fleet) Start(ctx context.Context) {
	go f.run(ctx)
}

// Stop stops the reconcile loop. Replicas keep running.
func (f *Fleet) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

func (f *Fleet) run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-f.kick:
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		}
		f.Reconcile(ctx)
	}
}

func (f *Fleet) trigger() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Upsert implements Adapter
func (f *Fleet) Upsert(ctx context.Context, name string, spec *types.TaskSpec, desiredCount int) error {
	if spec == nil {
		return fmt.Errorf("replica set %s: task spec is required", name)
	}
	if desiredCount < 0 {
		return fmt.Errorf("replica set %s: desired count must not be negative", name)
	}

	f.mu.Lock()
	rs, ok := f.sets[name]
	if !ok {
		rs = &replicaSet{
			name:     name,
			pools:    make(map[string]bool),
			replicas: make(map[string]*replicaEntry),
		}
		f.sets[name] = rs
	}
	digest := spec.Digest()
	if digest != rs.digest {
		rs.failures = 0
		rs.crashLooping = false
	}
	rs.spec = spec.Clone()
	rs.digest = digest
	rs.desired = desiredCount
	f.mu.Unlock()

	f.logger.Info().
		Str("replica_set", name).
		Str("image", spec.Image).
		Int("desired", desiredCount).
		Msg("Replica set updated")

	f.trigger()
	return nil
}

// SetPacing implements Pacer. It creates the replica set if needed, so it
// may be called before the first Upsert.
func (f *Fleet) SetPacing(name string, minHealthyPercent, maxPercent int) error {
	minEff, maxEff := minHealthyPercent, maxPercent
	if minEff == 0 {
		minEff = f.cfg.MinHealthyPercent
	}
	if maxEff == 0 {
		maxEff = f.cfg.MaxPercent
	}
	if err := checkPacing(minEff, maxEff); err != nil {
		return fmt.Errorf("replica set %s: %w", name, err)
	}

	f.mu.Lock()
	rs, ok := f.sets[name]
	if !ok {
		rs = &replicaSet{
			name:     name,
			pools:    make(map[string]bool),
			replicas: make(map[string]*replicaEntry),
		}
		f.sets[name] = rs
	}
	rs.minHealthyPercent = minHealthyPercent
	rs.maxPercent = maxPercent
	f.mu.Unlock()

	f.logger.Debug().
		Str("replica_set", name).
		Int("min_healthy_percent", minEff).
		Int("max_percent", maxEff).
		Msg("Replica set pacing updated")
	return nil
}

func checkPacing(minHealthyPercent, maxPercent int) error {
	if minHealthyPercent < 0 || minHealthyPercent > 100 {
		return fmt.Errorf("min healthy percent must be in [0, 100], got %d", minHealthyPercent)
	}
	if maxPercent < 100 {
		return fmt.Errorf("max percent must be at least 100, got %d", maxPercent)
	}
	if minHealthyPercent >= 100 && maxPercent == 100 {
		return fmt.Errorf("min healthy percent %d with max percent %d leaves no room to replace replicas",
			minHealthyPercent, maxPercent)
	}
	return nil
}

// HealthyReplicaFraction implements Adapter
func (f *Fleet) HealthyReplicaFraction(ctx context.Context, name string) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rs, ok := f.sets[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrReplicaSetNotFound, name)
	}
	if rs.desired == 0 {
		return 0, nil
	}

	healthy := 0
	for _, r := range rs.replicas {
		if r.Digest == rs.digest && r.Healthy {
			healthy++
		}
	}
	return min(float64(healthy)/float64(rs.desired), 1), nil
}

// RegisterWithPool implements Adapter
func (f *Fleet) RegisterWithPool(ctx context.Context, name, pool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rs, ok := f.sets[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReplicaSetNotFound, name)
	}
	if rs.pools[pool] {
		return nil
	}
	rs.pools[pool] = true

	for _, r := range rs.replicas {
		if r.registered {
			if err := f.register(pool, r); err != nil {
				return err
			}
		}
	}

	f.logger.Info().Str("replica_set", name).Str("pool", pool).Msg("Registered with pool")
	f.trigger()
	return nil
}

// DeregisterFromPool implements Adapter
func (f *Fleet) DeregisterFromPool(ctx context.Context, name, pool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rs, ok := f.sets[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReplicaSetNotFound, name)
	}
	if !rs.pools[pool] {
		return nil
	}
	delete(rs.pools, pool)

	for _, r := range rs.replicas {
		if r.registered {
			f.deregister(pool, r)
		}
	}

	f.logger.Info().Str("replica_set", name).Str("pool", pool).Msg("Deregistered from pool")
	return nil
}

// Rollout implements Adapter
func (f *Fleet) Rollout(ctx context.Context, name string) (*types.RolloutStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rs, ok := f.sets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReplicaSetNotFound, name)
	}

	status := &types.RolloutStatus{
		Desired:      rs.desired,
		CrashLooping: rs.crashLooping,
	}
	for _, r := range rs.replicas {
		status.Total++
		if r.Healthy {
			status.Healthy++
		}
		if r.Digest == rs.digest {
			status.Updated++
			if r.Healthy {
				status.UpdatedHealthy++
			}
		}
	}
	if rs.crashLooping {
		status.Message = fmt.Sprintf("%d replicas of %s failed", rs.failures, rs.spec.Image)
	} else {
		status.Message = fmt.Sprintf("%d/%d updated replicas healthy", status.UpdatedHealthy, rs.desired)
	}
	return status, nil
}

// Remove implements Adapter
func (f *Fleet) Remove(ctx context.Context, name string) error {
	f.reconcileMu.Lock()
	defer f.reconcileMu.Unlock()

	f.mu.Lock()
	rs, ok := f.sets[name]
	if !ok {
		f.mu.Unlock()
		return nil
	}
	var ids []string
	for id, r := range rs.replicas {
		f.deregisterAll(rs, r)
		ids = append(ids, id)
	}
	delete(f.sets, name)
	f.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := f.cfg.Runner.Stop(ctx, id); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop replica %s: %w", id, err)
		}
	}
	metrics.ReplicasRunning.DeleteLabelValues(name, "healthy")
	metrics.ReplicasRunning.DeleteLabelValues(name, "unhealthy")

	f.logger.Info().Str("replica_set", name).Int("replicas", len(ids)).Msg("Replica set removed")
	return firstErr
}

// Endpoints implements Adapter
func (f *Fleet) Endpoints(ctx context.Context, name string) ([]types.Target, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rs, ok := f.sets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReplicaSetNotFound, name)
	}

	targets := make([]types.Target, 0, len(rs.replicas))
	for _, r := range rs.replicas {
		if r.State != ReplicaRunning || r.Address == "" {
			continue
		}
		targets = append(targets, types.Target{
			ID:         r.ID,
			Address:    r.Address,
			ReplicaSet: name,
			Healthy:    r.Healthy,
		})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets, nil
}

// Reconcile runs one reconciliation cycle over all replica sets
func (f *Fleet) Reconcile(ctx context.Context) {
	f.reconcileMu.Lock()
	defer f.reconcileMu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	f.mu.RLock()
	names := make([]string, 0, len(f.sets))
	for name := range f.sets {
		names = append(names, name)
	}
	f.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		if err := f.reconcileSet(ctx, name); err != nil {
			f.logger.Warn().Err(err).Str("replica_set", name).Msg("Reconcile failed")
		}
	}
}

type observation struct {
	state  ReplicaState
	result *health.Result
	err    error
}

func (f *Fleet) reconcileSet(ctx context.Context, name string) error {
	// Observe replicas without holding the lock
	f.mu.RLock()
	rs, ok := f.sets[name]
	if !ok {
		f.mu.RUnlock()
		return nil
	}
	probes := make(map[string]string, len(rs.replicas))
	for id, r := range rs.replicas {
		probes[id] = r.Address
	}
	f.mu.RUnlock()

	observed := make(map[string]observation, len(probes))
	for id, addr := range probes {
		state, err := f.cfg.Runner.State(ctx, id)
		obs := observation{state: state, err: err}
		if err == nil && state == ReplicaRunning && f.cfg.ProbeHealth && addr != "" {
			result := health.ForTarget(addr, f.cfg.HealthCheck).Check(ctx)
			obs.result = &result
		}
		observed[id] = obs
	}

	// Apply observations and plan
	f.mu.Lock()
	rs, ok = f.sets[name]
	if !ok {
		f.mu.Unlock()
		return nil
	}

	var toStop []string
	for id, obs := range observed {
		r, ok := rs.replicas[id]
		if !ok {
			continue
		}
		if obs.err != nil {
			f.logger.Warn().Err(obs.err).Str("replica", id).Msg("Failed to read replica state")
			continue
		}
		r.State = obs.state
		switch obs.state {
		case ReplicaRunning:
			if obs.result != nil {
				r.health.Update(*obs.result, f.cfg.HealthCheck)
				r.Healthy = r.health.Healthy()
			} else {
				r.Healthy = true
			}
		case ReplicaExited:
			r.Healthy = false
			f.replicaFailed(rs, r, "replica exited")
			toStop = append(toStop, id)
			continue
		default:
			r.Healthy = false
		}
		f.syncRegistration(rs, r)
	}

	toStart, retire := f.plan(rs)
	for _, r := range retire {
		f.deregisterAll(rs, r)
		delete(rs.replicas, r.ID)
		toStop = append(toStop, r.ID)
	}
	spec := rs.spec.Clone()
	digest := rs.digest
	f.recordGauges(rs)
	f.mu.Unlock()

	// Act without holding the lock
	for _, id := range toStop {
		if err := f.cfg.Runner.Stop(ctx, id); err != nil {
			f.logger.Warn().Err(err).Str("replica", id).Msg("Failed to stop replica")
		}
	}

	for i := 0; i < toStart; i++ {
		replica := &Replica{
			ID:         fmt.Sprintf("%s-%s", name, uuid.New().String()[:8]),
			ReplicaSet: name,
			Spec:       spec,
			Digest:     digest,
			State:      ReplicaPending,
			StartedAt:  time.Now(),
		}
		addr, err := f.cfg.Runner.Start(ctx, replica)

		f.mu.Lock()
		rs, ok := f.sets[name]
		if !ok || rs.digest != digest {
			f.mu.Unlock()
			if err == nil {
				_ = f.cfg.Runner.Stop(ctx, replica.ID)
			}
			return nil
		}
		if err != nil {
			f.replicaFailed(rs, &replicaEntry{Replica: *replica}, err.Error())
			f.mu.Unlock()
			return fmt.Errorf("failed to start replica: %w", err)
		}
		replica.Address = addr
		rs.replicas[replica.ID] = &replicaEntry{Replica: *replica, health: health.NewStatus()}
		f.mu.Unlock()

		f.logger.Info().
			Str("replica_set", name).
			Str("replica", replica.ID).
			Str("address", addr).
			Str("image", spec.Image).
			Msg("Replica started")
	}

	return nil
}

// plan decides how many replicas to start and which to retire.
// New replicas are bounded by MaxPercent of desired; replicas of an older
// spec are retired only while MinHealthyPercent of desired stays healthy.
func (f *Fleet) plan(rs *replicaSet) (int, []*replicaEntry) {
	var current, old []*replicaEntry
	for _, r := range rs.replicas {
		if r.Digest == rs.digest {
			current = append(current, r)
		} else {
			old = append(old, r)
		}
	}
	unhealthyFirst := func(list []*replicaEntry) {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Healthy != list[j].Healthy {
				return !list[i].Healthy
			}
			return list[i].StartedAt.After(list[j].StartedAt)
		})
	}
	unhealthyFirst(current)
	unhealthyFirst(old)

	var retire []*replicaEntry
	if extra := len(current) - rs.desired; extra > 0 {
		retire = append(retire, current[:extra]...)
		current = current[extra:]
	}

	minPercent, maxPercent := f.cfg.MinHealthyPercent, f.cfg.MaxPercent
	if rs.minHealthyPercent != 0 {
		minPercent = rs.minHealthyPercent
	}
	if rs.maxPercent != 0 {
		maxPercent = rs.maxPercent
	}

	maxTotal := rs.desired * maxPercent / 100
	if maxTotal < rs.desired {
		maxTotal = rs.desired
	}
	minHealthy := (rs.desired*minPercent + 99) / 100

	toStart := 0
	if !rs.crashLooping {
		for len(current)+toStart < rs.desired && len(current)+len(old)+toStart < maxTotal {
			toStart++
		}
	}

	healthy := 0
	for _, r := range current {
		if r.Healthy {
			healthy++
		}
	}
	for _, r := range old {
		if r.Healthy {
			healthy++
		}
	}
	for _, r := range old {
		if !r.Healthy {
			retire = append(retire, r)
			continue
		}
		if healthy-1 >= minHealthy {
			retire = append(retire, r)
			healthy--
		}
	}

	return toStart, retire
}

func (f *Fleet) replicaFailed(rs *replicaSet, r *replicaEntry, reason string) {
	f.deregisterAll(rs, r)
	delete(rs.replicas, r.ID)
	metrics.ReplicaFailures.WithLabelValues(rs.name).Inc()

	if r.Digest != rs.digest {
		return
	}
	rs.failures++
	if rs.failures >= f.cfg.CrashLoopRestarts && !rs.crashLooping {
		rs.crashLooping = true
		f.logger.Error().
			Str("replica_set", rs.name).
			Str("image", rs.spec.Image).
			Int("failures", rs.failures).
			Msg("Replica set is crash looping")
		return
	}
	f.logger.Warn().
		Str("replica_set", rs.name).
		Str("replica", r.ID).
		Str("reason", reason).
		Msg("Replica failed")
}

func (f *Fleet) syncRegistration(rs *replicaSet, r *replicaEntry) {
	switch {
	case r.Healthy && !r.registered:
		for pool := range rs.pools {
			if err := f.register(pool, r); err != nil {
				f.logger.Warn().Err(err).Str("pool", pool).Str("replica", r.ID).Msg("Failed to register target")
			}
		}
		r.registered = true
	case !r.Healthy && r.registered:
		f.deregisterAll(rs, r)
	}
}

func (f *Fleet) register(pool string, r *replicaEntry) error {
	if f.cfg.Registrar == nil {
		return nil
	}
	return f.cfg.Registrar.RegisterTarget(pool, types.Target{
		ID:         r.ID,
		Address:    r.Address,
		ReplicaSet: r.ReplicaSet,
		Healthy:    r.Healthy,
	})
}

func (f *Fleet) deregister(pool string, r *replicaEntry) {
	if f.cfg.Registrar == nil {
		return
	}
	if err := f.cfg.Registrar.DeregisterTarget(pool, r.ID); err != nil {
		f.logger.Warn().Err(err).Str("pool", pool).Str("replica", r.ID).Msg("Failed to deregister target")
	}
}

func (f *Fleet) deregisterAll(rs *replicaSet, r *replicaEntry) {
	if !r.registered {
		return
	}
	for pool := range rs.pools {
		f.deregister(pool, r)
	}
	r.registered = false
}

func (f *Fleet) recordGauges(rs *replicaSet) {
	healthy, unhealthy := 0, 0
	for _, r := range rs.replicas {
		if r.Healthy {
			healthy++
		} else {
			unhealthy++
		}
	}
	metrics.ReplicasRunning.WithLabelValues(rs.name, "healthy").Set(float64(healthy))
	metrics.ReplicasRunning.WithLabelValues(rs.name, "unhealthy").Set(float64(unhealthy))
}
