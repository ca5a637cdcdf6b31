package deploy

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidSpec is returned when a release is rejected before any
	// resource is touched
	ErrInvalidSpec = errors.New("invalid spec")

	// ErrHealthTimeout is returned when a replica set fails to reach its
	// healthy threshold in time
	ErrHealthTimeout = errors.New("health timeout")

	// ErrCutoverFailure is returned when the production listener could not
	// be repointed
	ErrCutoverFailure = errors.New("cutover failure")

	// ErrCrashLoop is returned when the new spec keeps failing to start
	ErrCrashLoop = errors.New("replicas crash looping")

	// ErrRollbackRequested is recorded when an operator rolls a deployment back
	ErrRollbackRequested = errors.New("rollback requested")

	// ErrDeploymentInProgress is returned when a service already has a
	// release in flight
	ErrDeploymentInProgress = errors.New("deployment already in progress")

	// ErrDeploymentNotFound is returned for unknown deployment IDs
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrServiceNotFound is returned when releasing an unknown service
	ErrServiceNotFound = errors.New("service not found")

	// ErrInvalidState is returned when a signal does not apply to the
	// deployment's current phase or strategy
	ErrInvalidState = errors.New("invalid deployment state")
)

// SpecError describes why a task spec or release config was rejected
type SpecError struct {
	Field  string
	Reason string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid spec: %s: %s", e.Field, e.Reason)
}

func (e *SpecError) Is(target error) bool {
	return target == ErrInvalidSpec
}

// HealthTimeoutError reports a replica set that stayed below its threshold
type HealthTimeoutError struct {
	ReplicaSet string
	Fraction   float64
	Threshold  float64
	Waited     time.Duration
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("health timeout: %s at %.2f healthy, need %.2f (waited %s)",
		e.ReplicaSet, e.Fraction, e.Threshold, e.Waited)
}

func (e *HealthTimeoutError) Is(target error) bool {
	return target == ErrHealthTimeout
}

// CutoverError reports a listener that could not be repointed
type CutoverError struct {
	Listener string
	From     string
	To       string
	Attempts int
	Err      error
}

func (e *CutoverError) Error() string {
	return fmt.Sprintf("cutover failure: %s %s -> %s after %d attempts: %v",
		e.Listener, e.From, e.To, e.Attempts, e.Err)
}

func (e *CutoverError) Is(target error) bool {
	return target == ErrCutoverFailure
}

func (e *CutoverError) Unwrap() error {
	return e.Err
}
