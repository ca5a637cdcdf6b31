package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/cutover/pkg/runtime"
	"github.com/cuemby/cutover/pkg/storage"
	"github.com/cuemby/cutover/pkg/types"
)

type fakeSet struct {
	spec    *types.TaskSpec
	desired int
	pools   map[string]bool
}

type fakeRuntime struct {
	mu      sync.Mutex
	sets    map[string]*fakeSet
	health  map[string]float64
	rollout func(set string, s *fakeSet) *types.RolloutStatus
	upserts []string
	removed []string
	pacing  map[string][2]int
	// onRemove runs before a replica set is removed
	onRemove func(set string)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		sets:   make(map[string]*fakeSet),
		health: make(map[string]float64),
		pacing: make(map[string][2]int),
	}
}

func (f *fakeRuntime) SetPacing(set string, minHealthyPercent, maxPercent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pacing[set] = [2]int{minHealthyPercent, maxPercent}
	return nil
}

func (f *fakeRuntime) Upsert(_ context.Context, set string, spec *types.TaskSpec, desired int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[set]
	if !ok {
		s = &fakeSet{pools: make(map[string]bool)}
		f.sets[set] = s
	}
	s.spec = spec.Clone()
	s.desired = desired
	f.upserts = append(f.upserts, fmt.Sprintf("%s:%s:%d", set, spec.Image, desired))
	return nil
}

func (f *fakeRuntime) HealthyReplicaFraction(_ context.Context, set string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sets[set]; !ok {
		return 0, fmt.Errorf("%w: %s", runtime.ErrReplicaSetNotFound, set)
	}
	if h, ok := f.health[set]; ok {
		return h, nil
	}
	return 1, nil
}

func (f *fakeRuntime) RegisterWithPool(_ context.Context, set, pool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[set]
	if !ok {
		return fmt.Errorf("%w: %s", runtime.ErrReplicaSetNotFound, set)
	}
	s.pools[pool] = true
	return nil
}

func (f *fakeRuntime) DeregisterFromPool(_ context.Context, set, pool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sets[set]; ok {
		delete(s.pools, pool)
	}
	return nil
}

func (f *fakeRuntime) Rollout(_ context.Context, set string) (*types.RolloutStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[set]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrReplicaSetNotFound, set)
	}
	if f.rollout != nil {
		return f.rollout(set, s), nil
	}
	return &types.RolloutStatus{
		Desired:        s.desired,
		Updated:        s.desired,
		UpdatedHealthy: s.desired,
		Total:          s.desired,
		Healthy:        s.desired,
	}, nil
}

func (f *fakeRuntime) Remove(_ context.Context, set string) error {
	f.mu.Lock()
	hook := f.onRemove
	f.mu.Unlock()
	if hook != nil {
		hook(set)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets, set)
	f.removed = append(f.removed, set)
	return nil
}

func (f *fakeRuntime) Endpoints(_ context.Context, set string) ([]types.Target, error) {
	return nil, nil
}

func (f *fakeRuntime) setHealth(set string, fraction float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[set] = fraction
}

func (f *fakeRuntime) has(set string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sets[set]
	return ok
}

func (f *fakeRuntime) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

var errSwapRefused = errors.New("swap refused")

type fakeRouter struct {
	mu       sync.Mutex
	bindings map[string]string
	health   map[string]float64
	calls    map[string]int
	// failAfter makes HealthOf report 0 once a pool was polled that many times
	failAfter map[string]int
	swapErrs  int
	swaps     []string
	onSwap    func(listener, to string)
}

func newFakeRouter(bindings map[string]string) *fakeRouter {
	return &fakeRouter{
		bindings:  bindings,
		health:    make(map[string]float64),
		calls:     make(map[string]int),
		failAfter: make(map[string]int),
	}
}

func (r *fakeRouter) Bind(listener, pool string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[listener] = pool
	return nil
}

func (r *fakeRouter) Swap(listener, from, to string) error {
	r.mu.Lock()
	if r.swapErrs > 0 {
		r.swapErrs--
		r.mu.Unlock()
		return errSwapRefused
	}
	if r.bindings[listener] != from {
		r.mu.Unlock()
		return fmt.Errorf("listener %s is on %s", listener, r.bindings[listener])
	}
	r.bindings[listener] = to
	r.swaps = append(r.swaps, listener+"->"+to)
	hook := r.onSwap
	r.mu.Unlock()

	if hook != nil {
		hook(listener, to)
	}
	return nil
}

func (r *fakeRouter) Active(listener string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[listener], nil
}

func (r *fakeRouter) HealthOf(pool string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[pool]++
	if n, ok := r.failAfter[pool]; ok && r.calls[pool] > n {
		return 0, nil
	}
	if h, ok := r.health[pool]; ok {
		return h, nil
	}
	return 1, nil
}

func (r *fakeRouter) Drain(context.Context, string) error { return nil }

func (r *fakeRouter) setHealth(pool string, fraction float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[pool] = fraction
}

func (r *fakeRouter) bound(listener string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[listener]
}

func (r *fakeRouter) swapLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.swaps...)
}

type harness struct {
	engine  *Engine
	runtime *fakeRuntime
	router  *fakeRouter
	store   *storage.BoltStore
}

func newHarness(t *testing.T, services ...*types.Service) *harness {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, svc := range services {
		require.NoError(t, store.PutService(svc))
	}

	h := &harness{
		runtime: newFakeRuntime(),
		router:  newFakeRouter(map[string]string{"production": "blue", "test": "green"}),
		store:   store,
	}
	h.engine, err = NewEngine(Config{Runtime: h.runtime, Router: h.router, Store: store})
	require.NoError(t, err)
	return h
}

func spec(image string) *types.TaskSpec {
	return &types.TaskSpec{
		Family:        "app",
		ContainerName: "app",
		Image:         image,
		CPU:           256,
		MemoryMiB:     512,
		Port:          3000,
	}
}

func fastConfig() *types.ReleaseConfig {
	cfg := types.ReleaseConfig{
		ApprovalWait:                20 * time.Millisecond,
		TerminationWait:             30 * time.Millisecond,
		CandidateCount:              1,
		ScaleCandidateBeforeCutover: true,
		ProvisionTimeout:            200 * time.Millisecond,
		BakeFailureChecks:           1,
		CutoverRetries:              3,
		CutoverBackoff:              time.Millisecond,
		ReplacementTimeout:          200 * time.Millisecond,
		HealthPollInterval:          2 * time.Millisecond,
	}.WithDefaults()
	return &cfg
}

func frontendService() *types.Service {
	return &types.Service{
		Name:               "frontend",
		DesiredCount:       3,
		Strategy:           types.StrategyBlueGreen,
		TaskSpec:           spec("frontend:v1"),
		Pools:              []string{"blue", "green"},
		ActivePool:         "blue",
		ProductionListener: "production",
		TestListener:       "test",
		Constraints:        &types.ResourceConstraints{MaxCPU: 1024, MaxMemoryMiB: 2048},
	}
}

func backendService() *types.Service {
	return &types.Service{
		Name:         "backend-nodejs",
		DesiredCount: 3,
		Strategy:     types.StrategyRolling,
		TaskSpec:     spec("backend-nodejs:v1"),
		Pools:        []string{"backend-nodejs"},
	}
}

// waitForPhase blocks until the service's in-flight deployment reaches phase
func waitForPhase(t *testing.T, e *Engine, phase types.Phase) *types.Deployment {
	t.Helper()
	var found *types.Deployment
	require.Eventually(t, func() bool {
		for _, d := range e.Active() {
			if d.Phase == phase {
				found = d
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return found
}
