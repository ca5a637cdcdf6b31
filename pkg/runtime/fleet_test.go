package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cutover/pkg/health"
	"github.com/cuemby/cutover/pkg/types"
)

type recordingRegistrar struct {
	mu      sync.Mutex
	targets map[string]map[string]types.Target
}

func newRecordingRegistrar() *recordingRegistrar {
	return &recordingRegistrar{targets: make(map[string]map[string]types.Target)}
}

func (r *recordingRegistrar) RegisterTarget(pool string, target types.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.targets[pool] == nil {
		r.targets[pool] = make(map[string]types.Target)
	}
	r.targets[pool][target.ID] = target
	return nil
}

func (r *recordingRegistrar) DeregisterTarget(pool, targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets[pool], targetID)
	return nil
}

func (r *recordingRegistrar) count(pool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets[pool])
}

func newTestFleet(t *testing.T, cfg FleetConfig) (*Fleet, *LocalRunner) {
	t.Helper()
	runner := NewLocalRunner()
	t.Cleanup(func() { runner.Close() })
	cfg.Runner = runner
	fleet, err := NewFleet(cfg)
	require.NoError(t, err)
	return fleet, runner
}

func reconcileN(f *Fleet, n int) {
	for i := 0; i < n; i++ {
		f.Reconcile(context.Background())
	}
}

func specFor(image string) *types.TaskSpec {
	return &types.TaskSpec{
		ContainerName: "app",
		Image:         image,
		CPU:           256,
		MemoryMiB:     512,
		Port:          3000,
	}
}

func TestNewFleetValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     FleetConfig
		wantErr bool
	}{
		{"missing runner", FleetConfig{}, true},
		{"defaults", FleetConfig{Runner: NewLocalRunner()}, false},
		{"max below 100", FleetConfig{Runner: NewLocalRunner(), MaxPercent: 50}, true},
		{"no room to replace", FleetConfig{Runner: NewLocalRunner(), MinHealthyPercent: 100, MaxPercent: 100}, true},
		{"in place with lower floor", FleetConfig{Runner: NewLocalRunner(), MinHealthyPercent: 50, MaxPercent: 100}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFleet(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFleetScalesUpAndReportsHealth(t *testing.T) {
	fleet, runner := newTestFleet(t, FleetConfig{})
	ctx := context.Background()

	require.NoError(t, fleet.Upsert(ctx, "backend-nodejs", specFor("nodejs:v1"), 3))

	fraction, err := fleet.HealthyReplicaFraction(ctx, "backend-nodejs")
	require.NoError(t, err)
	assert.Equal(t, 0.0, fraction)

	reconcileN(fleet, 2)

	fraction, err = fleet.HealthyReplicaFraction(ctx, "backend-nodejs")
	require.NoError(t, err)
	assert.Equal(t, 1.0, fraction)
	assert.Equal(t, 3, runner.Running())

	status, err := fleet.Rollout(ctx, "backend-nodejs")
	require.NoError(t, err)
	assert.True(t, status.Complete())

	endpoints, err := fleet.Endpoints(ctx, "backend-nodejs")
	require.NoError(t, err)
	assert.Len(t, endpoints, 3)
	for _, ep := range endpoints {
		assert.True(t, ep.Healthy)
		assert.NotEmpty(t, ep.Address)
	}
}

func TestFleetRollingReplacementKeepsMinimumHealthy(t *testing.T) {
	fleet, runner := newTestFleet(t, FleetConfig{MinHealthyPercent: 100, MaxPercent: 200})
	ctx := context.Background()

	require.NoError(t, fleet.Upsert(ctx, "backend-crystal", specFor("crystal:v1"), 3))
	reconcileN(fleet, 2)

	require.NoError(t, fleet.Upsert(ctx, "backend-crystal", specFor("crystal:v2"), 3))

	// New replicas start alongside the old ones
	fleet.Reconcile(ctx)
	assert.Equal(t, 6, runner.Running())
	status, err := fleet.Rollout(ctx, "backend-crystal")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Healthy, "old replicas stay healthy while new ones start")
	assert.False(t, status.Complete())

	// Once new replicas pass, old ones are retired
	fleet.Reconcile(ctx)
	status, err = fleet.Rollout(ctx, "backend-crystal")
	require.NoError(t, err)
	assert.True(t, status.Complete(), status.Message)
	assert.Equal(t, 3, runner.Running())
}

func TestFleetPacingPerReplicaSet(t *testing.T) {
	fleet, runner := newTestFleet(t, FleetConfig{MinHealthyPercent: 100, MaxPercent: 200})
	ctx := context.Background()

	// In place: retire before starting, keeping two of three serving
	require.NoError(t, fleet.SetPacing("backend-crystal", 60, 100))
	require.NoError(t, fleet.Upsert(ctx, "backend-crystal", specFor("crystal:v1"), 3))
	reconcileN(fleet, 2)
	require.Equal(t, 3, runner.Running())

	require.NoError(t, fleet.Upsert(ctx, "backend-crystal", specFor("crystal:v2"), 3))
	fleet.Reconcile(ctx)
	assert.LessOrEqual(t, runner.Running(), 3, "max percent 100 never runs extra replicas")

	reconcileN(fleet, 10)
	status, err := fleet.Rollout(ctx, "backend-crystal")
	require.NoError(t, err)
	assert.True(t, status.Complete(), status.Message)
	assert.Equal(t, 3, runner.Running())

	assert.Error(t, fleet.SetPacing("backend-crystal", 100, 100))
	assert.Error(t, fleet.SetPacing("backend-crystal", 120, 200))
}

func TestFleetCrashLoop(t *testing.T) {
	fleet, runner := newTestFleet(t, FleetConfig{CrashLoopRestarts: 3})
	ctx := context.Background()

	require.NoError(t, fleet.Upsert(ctx, "backend-crystal", specFor("crystal:v1"), 3))
	reconcileN(fleet, 2)

	runner.SetBehavior("crystal:bad", Behavior{Crash: true})
	require.NoError(t, fleet.Upsert(ctx, "backend-crystal", specFor("crystal:bad"), 3))
	reconcileN(fleet, 4)

	status, err := fleet.Rollout(ctx, "backend-crystal")
	require.NoError(t, err)
	assert.True(t, status.CrashLooping)
	assert.Equal(t, 0, status.UpdatedHealthy)
	assert.Equal(t, 3, status.Healthy, "previous replicas are left running")
	assert.Equal(t, 3, runner.Running())
}

func TestFleetStartErrorCountsAsFailure(t *testing.T) {
	fleet, runner := newTestFleet(t, FleetConfig{CrashLoopRestarts: 2})
	ctx := context.Background()

	runner.SetBehavior("frontend:missing", Behavior{StartError: errors.New("image not found")})
	require.NoError(t, fleet.Upsert(ctx, "frontend-green", specFor("frontend:missing"), 1))
	reconcileN(fleet, 3)

	status, err := fleet.Rollout(ctx, "frontend-green")
	require.NoError(t, err)
	assert.True(t, status.CrashLooping)
	assert.Equal(t, 0, status.Total)
}

func TestFleetPoolRegistration(t *testing.T) {
	registrar := newRecordingRegistrar()
	fleet, _ := newTestFleet(t, FleetConfig{Registrar: registrar})
	ctx := context.Background()

	require.NoError(t, fleet.Upsert(ctx, "frontend-green", specFor("frontend:v2"), 2))
	require.NoError(t, fleet.RegisterWithPool(ctx, "frontend-green", "green"))

	fleet.Reconcile(ctx)
	assert.Equal(t, 0, registrar.count("green"), "replicas register only once healthy")

	fleet.Reconcile(ctx)
	assert.Equal(t, 2, registrar.count("green"))

	require.NoError(t, fleet.RegisterWithPool(ctx, "frontend-green", "test"))
	assert.Equal(t, 2, registrar.count("test"))

	require.NoError(t, fleet.DeregisterFromPool(ctx, "frontend-green", "green"))
	assert.Equal(t, 0, registrar.count("green"))
	assert.Equal(t, 2, registrar.count("test"))

	require.NoError(t, fleet.Remove(ctx, "frontend-green"))
	assert.Equal(t, 0, registrar.count("test"))

	_, err := fleet.Rollout(ctx, "frontend-green")
	assert.ErrorIs(t, err, ErrReplicaSetNotFound)
}

func TestFleetProbesReplicaHealth(t *testing.T) {
	fleet, runner := newTestFleet(t, FleetConfig{
		ProbeHealth: true,
		HealthCheck: health.Config{
			Path:               "/health",
			Timeout:            time.Second,
			HealthyThreshold:   1,
			UnhealthyThreshold: 1,
		},
	})
	ctx := context.Background()

	require.NoError(t, fleet.Upsert(ctx, "frontend-green", specFor("frontend:v2"), 2))
	reconcileN(fleet, 2)

	fraction, err := fleet.HealthyReplicaFraction(ctx, "frontend-green")
	require.NoError(t, err)
	assert.Equal(t, 1.0, fraction)

	runner.SetBehavior("frontend:v2", Behavior{Unhealthy: true})
	fleet.Reconcile(ctx)

	fraction, err = fleet.HealthyReplicaFraction(ctx, "frontend-green")
	require.NoError(t, err)
	assert.Equal(t, 0.0, fraction)
}

func TestFleetScaleDown(t *testing.T) {
	fleet, runner := newTestFleet(t, FleetConfig{})
	ctx := context.Background()

	require.NoError(t, fleet.Upsert(ctx, "frontend-green", specFor("frontend:v2"), 3))
	reconcileN(fleet, 2)
	require.NoError(t, fleet.Upsert(ctx, "frontend-green", specFor("frontend:v2"), 1))
	fleet.Reconcile(ctx)

	assert.Equal(t, 1, runner.Running())
	fraction, err := fleet.HealthyReplicaFraction(ctx, "frontend-green")
	require.NoError(t, err)
	assert.Equal(t, 1.0, fraction)
}

func TestFleetUnknownReplicaSet(t *testing.T) {
	fleet, _ := newTestFleet(t, FleetConfig{})
	ctx := context.Background()

	_, err := fleet.HealthyReplicaFraction(ctx, "nope")
	assert.ErrorIs(t, err, ErrReplicaSetNotFound)
	assert.ErrorIs(t, fleet.RegisterWithPool(ctx, "nope", "blue"), ErrReplicaSetNotFound)
	_, err = fleet.Endpoints(ctx, "nope")
	assert.ErrorIs(t, err, ErrReplicaSetNotFound)
	assert.NoError(t, fleet.Remove(ctx, "nope"))
	assert.Error(t, fleet.Upsert(ctx, "x", nil, 1))
}

func TestFleetLoopReactsToUpsert(t *testing.T) {
	fleet, _ := newTestFleet(t, FleetConfig{ReconcileInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fleet.Start(ctx)
	defer fleet.Stop()

	require.NoError(t, fleet.Upsert(ctx, "backend-nodejs", specFor("nodejs:v1"), 2))

	assert.Eventually(t, func() bool {
		f, err := fleet.HealthyReplicaFraction(ctx, "backend-nodejs")
		return err == nil && f == 1.0
	}, 2*time.Second, 10*time.Millisecond)
}
