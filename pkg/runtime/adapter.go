package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/cutover/pkg/types"
)

// ErrReplicaSetNotFound is returned for operations on an unknown replica set
var ErrReplicaSetNotFound = errors.New("replica set not found")

// Adapter is the release engine's view of the container fleet.
// It is authoritative but eventually consistent: health must be polled.
type Adapter interface {
	// Upsert sets the task spec and desired count of a replica set,
	// creating it if needed. Replacement pacing is up to the adapter.
	Upsert(ctx context.Context, replicaSet string, spec *types.TaskSpec, desiredCount int) error

	// HealthyReplicaFraction is the share of desired replicas that run the
	// current spec and pass health checks, in [0, 1].
	HealthyReplicaFraction(ctx context.Context, replicaSet string) (float64, error)

	// RegisterWithPool makes healthy replicas routable targets of pool
	RegisterWithPool(ctx context.Context, replicaSet, pool string) error

	// DeregisterFromPool removes every replica of the set from pool
	DeregisterFromPool(ctx context.Context, replicaSet, pool string) error

	// Rollout reports progress of the in-place replacement
	Rollout(ctx context.Context, replicaSet string) (*types.RolloutStatus, error)

	// Remove stops every replica and forgets the replica set
	Remove(ctx context.Context, replicaSet string) error

	// Endpoints lists the running replicas of a set
	Endpoints(ctx context.Context, replicaSet string) ([]types.Target, error)
}

// Pacer is implemented by adapters that pace in-place replacement per
// replica set. Zero values keep the adapter's defaults.
type Pacer interface {
	SetPacing(replicaSet string, minHealthyPercent, maxPercent int) error
}

// TargetRegistrar receives pool membership changes, typically the router
type TargetRegistrar interface {
	RegisterTarget(pool string, target types.Target) error
	DeregisterTarget(pool, targetID string) error
}

// ReplicaState is the runner-reported state of a replica
type ReplicaState string

const (
	ReplicaPending ReplicaState = "pending"
	ReplicaRunning ReplicaState = "running"
	ReplicaExited  ReplicaState = "exited"
)

// Replica is one running copy of a task spec
type Replica struct {
	ID         string
	ReplicaSet string
	Spec       *types.TaskSpec
	Digest     string
	Address    string // host:port once started
	State      ReplicaState
	Healthy    bool
	StartedAt  time.Time
}

// Runner starts and stops replicas
type Runner interface {
	// Start launches the replica and returns the address it serves on
	Start(ctx context.Context, replica *Replica) (string, error)

	// Stop terminates the replica and releases its resources
	Stop(ctx context.Context, replicaID string) error

	// State reports whether the replica is still running
	State(ctx context.Context, replicaID string) (ReplicaState, error)
}
