package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/cutover/pkg/runtime"
	"github.com/cuemby/cutover/pkg/types"
)

// runRolling replaces the service's replicas in place. A failed rolling
// release is not rolled back: replicas stay at whatever fraction was reached.
func (e *Engine) runRolling(ctx context.Context, rel *release) (types.DeploymentStatus, error) {
	svc := rel.service
	cfg := rel.config
	set := svc.ReplicaSetName("")

	e.transition(rel, types.PhaseReplacing,
		fmt.Sprintf("replacing %d replicas of %s with %s", svc.DesiredCount, set, rel.spec.Image))

	if pacer, ok := e.cfg.Runtime.(runtime.Pacer); ok {
		if err := pacer.SetPacing(set, cfg.MinHealthyPercent, cfg.MaxPercent); err != nil {
			return e.fail(rel, fmt.Errorf("failed to pace replica set %s: %w", set, err))
		}
	}
	if err := e.cfg.Runtime.Upsert(ctx, set, rel.spec, svc.DesiredCount); err != nil {
		return e.fail(rel, fmt.Errorf("failed to update replica set %s: %w", set, err))
	}
	for _, pool := range svc.Pools {
		if err := e.cfg.Runtime.RegisterWithPool(ctx, set, pool); err != nil {
			return e.fail(rel, fmt.Errorf("failed to register %s with pool %s: %w", set, pool, err))
		}
	}

	w := waiter{
		clock:    e.cfg.Clock,
		timeout:  cfg.ReplacementTimeout,
		interval: cfg.HealthPollInterval,
	}

	started := e.cfg.Clock.Now()
	var last types.RolloutStatus
	err := w.until(ctx, func() (bool, error) {
		status, err := e.cfg.Runtime.Rollout(ctx, set)
		if err != nil {
			return false, fmt.Errorf("failed to read rollout of %s: %w", set, err)
		}
		last = *status
		if status.CrashLooping {
			return false, fmt.Errorf("%w: %s", ErrCrashLoop, status.Message)
		}

		rel.logger.Debug().
			Int("updated_healthy", status.UpdatedHealthy).
			Int("desired", status.Desired).
			Int("total", status.Total).
			Msg("Replacement progress")
		return status.Complete(), nil
	})

	if errors.Is(err, errWaitTimeout) {
		fraction := 0.0
		if last.Desired > 0 {
			fraction = float64(last.UpdatedHealthy) / float64(last.Desired)
		}
		err = &HealthTimeoutError{
			ReplicaSet: set,
			Fraction:   fraction,
			Threshold:  1,
			Waited:     e.cfg.Clock.Now().Sub(started),
		}
	}
	if err != nil {
		return e.fail(rel, err)
	}

	svc.TaskSpec = rel.spec.Clone()
	e.saveService(rel)

	e.transition(rel, types.PhaseStable,
		fmt.Sprintf("%d/%d replicas run %s", last.UpdatedHealthy, last.Desired, rel.spec.Image))
	return types.DeploymentSucceeded, nil
}

func (e *Engine) fail(rel *release, err error) (types.DeploymentStatus, error) {
	e.transition(rel, types.PhaseFailed, err.Error())
	return types.DeploymentFailed, err
}
