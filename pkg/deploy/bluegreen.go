package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/cutover/pkg/events"
	"github.com/cuemby/cutover/pkg/metrics"
	"github.com/cuemby/cutover/pkg/types"
)

// ErrApprovalTimeout is the rollback cause when the approval wait expires
// and the configured action is to roll back
var ErrApprovalTimeout = errors.New("approval wait expired")

// runBlueGreen provisions the standby pool with the new spec, waits for
// approval, repoints production at it and bakes before tearing down the
// previous pool
func (e *Engine) runBlueGreen(ctx context.Context, rel *release) (types.DeploymentStatus, error) {
	svc := rel.service
	cfg := rel.config

	blue := svc.ActivePool
	green := svc.StandbyPool()
	greenSet := svc.ReplicaSetName(green)

	e.update(rel, func(d *types.Deployment) {
		d.FromPool = blue
		d.ToPool = green
	})

	active, err := e.cfg.Router.Active(svc.ProductionListener)
	if err != nil {
		return e.fail(rel, fmt.Errorf("failed to read production listener: %w", err))
	}
	if active != blue {
		return e.fail(rel, fmt.Errorf("%w: listener %s is bound to %s, expected %s",
			ErrInvalidState, svc.ProductionListener, active, blue))
	}

	e.transition(rel, types.PhaseProvisioning,
		fmt.Sprintf("provisioning %d candidate replicas of %s in %s", cfg.CandidateCount, rel.spec.Image, green))
	if err := e.provision(ctx, rel, greenSet, green); err != nil {
		return e.rollBack(ctx, rel, err)
	}

	if err := e.awaitApproval(ctx, rel, greenSet, green); err != nil {
		return e.rollBack(ctx, rel, err)
	}

	if cfg.ScaleCandidateBeforeCutover && svc.DesiredCount > cfg.CandidateCount {
		if err := e.cfg.Runtime.Upsert(ctx, greenSet, rel.spec, svc.DesiredCount); err != nil {
			return e.rollBack(ctx, rel, fmt.Errorf("failed to scale %s: %w", greenSet, err))
		}
		if err := e.waitHealthy(ctx, rel, greenSet, green); err != nil {
			return e.rollBack(ctx, rel, err)
		}
	}

	e.transition(rel, types.PhaseCutover,
		fmt.Sprintf("repointing %s from %s to %s", svc.ProductionListener, blue, green))
	if err := e.cutover(ctx, rel, blue, green); err != nil {
		var cutoverErr *CutoverError
		if errors.As(err, &cutoverErr) {
			// Production never left blue
			e.teardown(context.WithoutCancel(ctx), rel, greenSet, green)
			return e.fail(rel, err)
		}
		return e.rollBack(ctx, rel, err)
	}

	svc.ActivePool = green
	e.saveService(rel)

	if !cfg.ScaleCandidateBeforeCutover && svc.DesiredCount > cfg.CandidateCount {
		if err := e.cfg.Runtime.Upsert(ctx, greenSet, rel.spec, svc.DesiredCount); err != nil {
			return e.rollBack(ctx, rel, fmt.Errorf("failed to scale %s: %w", greenSet, err))
		}
	}

	e.transition(rel, types.PhaseBaking, fmt.Sprintf("baking %s for %s", green, cfg.TerminationWait))
	e.update(rel, func(d *types.Deployment) { d.BakeStartedAt = e.cfg.Clock.Now() })

	bakeErr := e.bake(ctx, rel, greenSet, green)
	e.update(rel, func(d *types.Deployment) { d.BakeEndedAt = e.cfg.Clock.Now() })
	if bakeErr == nil {
		bakeErr = e.checkHealthy(ctx, rel, greenSet, green, cfg.TerminationWait)
	}
	if bakeErr != nil {
		return e.rollBack(ctx, rel, bakeErr)
	}

	// Rollback requests are refused from here on
	if !rel.commit() {
		return e.rollBack(ctx, rel, ErrRollbackRequested)
	}

	// The bake window passed: the previous pool becomes the standby
	teardownCtx := context.WithoutCancel(ctx)
	e.teardown(teardownCtx, rel, svc.ReplicaSetName(blue), blue)
	if svc.TestListener != "" {
		if err := e.cfg.Router.Bind(svc.TestListener, blue); err != nil {
			rel.logger.Warn().Err(err).Str("listener", svc.TestListener).Msg("Failed to point test listener at standby pool")
		}
	}

	svc.TaskSpec = rel.spec.Clone()
	e.saveService(rel)

	e.transition(rel, types.PhaseSucceeded,
		fmt.Sprintf("%s serves %s, %s is standby", green, rel.spec.Image, blue))
	return types.DeploymentSucceeded, nil
}

// provision installs the candidate replica set and exposes it on the test
// listener only
func (e *Engine) provision(ctx context.Context, rel *release, set, pool string) error {
	svc := rel.service

	if err := e.cfg.Runtime.Upsert(ctx, set, rel.spec, rel.config.CandidateCount); err != nil {
		return fmt.Errorf("failed to create %s: %w", set, err)
	}
	if err := e.cfg.Runtime.RegisterWithPool(ctx, set, pool); err != nil {
		return fmt.Errorf("failed to register %s with %s: %w", set, pool, err)
	}
	if svc.TestListener != "" {
		if err := e.cfg.Router.Bind(svc.TestListener, pool); err != nil {
			return fmt.Errorf("failed to bind test listener %s: %w", svc.TestListener, err)
		}
	}

	return e.waitHealthy(ctx, rel, set, pool)
}

// candidateHealth is the lower of the runtime's and the router's view
func (e *Engine) candidateHealth(ctx context.Context, set, pool string) (float64, error) {
	replicas, err := e.cfg.Runtime.HealthyReplicaFraction(ctx, set)
	if err != nil {
		return 0, fmt.Errorf("failed to read health of %s: %w", set, err)
	}
	targets, err := e.cfg.Router.HealthOf(pool)
	if err != nil {
		return 0, fmt.Errorf("failed to read health of pool %s: %w", pool, err)
	}
	return min(replicas, targets), nil
}

// waitHealthy waits up to ProvisionTimeout for the candidate to reach the
// healthy threshold
func (e *Engine) waitHealthy(ctx context.Context, rel *release, set, pool string) error {
	w := waiter{
		clock:     e.cfg.Clock,
		timeout:   rel.config.ProvisionTimeout,
		interval:  rel.config.HealthPollInterval,
		interrupt: rel.rollback,
	}

	started := e.cfg.Clock.Now()
	var fraction float64
	err := w.until(ctx, func() (bool, error) {
		f, err := e.candidateHealth(ctx, set, pool)
		if err != nil {
			return false, err
		}
		fraction = f
		return f >= rel.config.HealthyThreshold, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return &HealthTimeoutError{
			ReplicaSet: set,
			Fraction:   fraction,
			Threshold:  rel.config.HealthyThreshold,
			Waited:     e.cfg.Clock.Now().Sub(started),
		}
	}
	return err
}

// awaitApproval blocks until approval, rollback or the approval wait expires.
// The candidate must still be healthy when the wait ends.
func (e *Engine) awaitApproval(ctx context.Context, rel *release, set, pool string) error {
	cfg := rel.config

	e.transition(rel, types.PhaseAwaitingApproval, fmt.Sprintf("waiting up to %s for approval", cfg.ApprovalWait))
	e.update(rel, func(d *types.Deployment) { d.ApprovalStartedAt = e.cfg.Clock.Now() })
	e.cfg.Events.Publish(events.New(events.EventApprovalRequested,
		fmt.Sprintf("deployment %s awaits approval", rel.deployment.ID),
		map[string]string{"deployment_id": rel.deployment.ID, "service": rel.service.Name}))

	approved := false
	var err error
	select {
	case <-rel.approved:
		approved = true
	case <-rel.rollback:
		err = ErrRollbackRequested
	case <-ctx.Done():
		err = ctx.Err()
	case <-e.cfg.Clock.After(cfg.ApprovalWait):
		if cfg.ApprovalTimeoutAction == types.ApprovalTimeoutRollback {
			err = fmt.Errorf("%w after %s", ErrApprovalTimeout, cfg.ApprovalWait)
		} else {
			rel.logger.Info().Dur("wait", cfg.ApprovalWait).Msg("Approval wait expired, proceeding")
		}
	}

	e.update(rel, func(d *types.Deployment) {
		d.ApprovalEndedAt = e.cfg.Clock.Now()
		d.Approved = approved
	})
	if err != nil {
		return err
	}

	return e.checkHealthy(ctx, rel, set, pool, cfg.ApprovalWait)
}

// checkHealthy fails when the candidate is below the healthy threshold at
// the end of a wait
func (e *Engine) checkHealthy(ctx context.Context, rel *release, set, pool string, waited time.Duration) error {
	fraction, err := e.candidateHealth(ctx, set, pool)
	if err != nil {
		return err
	}
	if fraction < rel.config.HealthyThreshold {
		return &HealthTimeoutError{
			ReplicaSet: set,
			Fraction:   fraction,
			Threshold:  rel.config.HealthyThreshold,
			Waited:     waited,
		}
	}
	return nil
}

// cutover repoints production with bounded retries and exponential backoff
func (e *Engine) cutover(ctx context.Context, rel *release, from, to string) error {
	w := waiter{clock: e.cfg.Clock, interrupt: rel.rollback}
	return e.swap(ctx, w, rel, from, to)
}

func (e *Engine) swap(ctx context.Context, w waiter, rel *release, from, to string) error {
	listener := rel.service.ProductionListener
	retries := rel.config.CutoverRetries
	backoff := rel.config.CutoverBackoff

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		select {
		case <-w.interrupt:
			return ErrRollbackRequested
		default:
		}

		lastErr = e.cfg.Router.Swap(listener, from, to)
		if lastErr == nil {
			metrics.CutoverAttempts.WithLabelValues("success").Inc()
			rel.logger.Info().
				Str("listener", listener).
				Str("from", from).
				Str("to", to).
				Int("attempt", attempt).
				Msg("Listener repointed")
			return nil
		}

		metrics.CutoverAttempts.WithLabelValues("failure").Inc()
		rel.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("Listener swap failed")

		if attempt < retries {
			if err := w.sleep(ctx, backoff*time.Duration(1<<(attempt-1))); err != nil {
				return err
			}
		}
	}

	return &CutoverError{Listener: listener, From: from, To: to, Attempts: retries, Err: lastErr}
}

// bake watches the new pool for TerminationWait. BakeFailureChecks
// consecutive polls at or below BakeFailureThreshold fail the bake.
// Health is measured against the desired replica count, so replicas the
// router dropped as unhealthy still count against the pool.
func (e *Engine) bake(ctx context.Context, rel *release, set, pool string) error {
	cfg := rel.config
	w := waiter{
		clock:     e.cfg.Clock,
		timeout:   cfg.TerminationWait,
		interval:  cfg.HealthPollInterval,
		interrupt: rel.rollback,
	}

	started := e.cfg.Clock.Now()
	failures := 0
	return w.hold(ctx, func() error {
		fraction, err := e.candidateHealth(ctx, set, pool)
		if err != nil {
			return err
		}
		if fraction > cfg.BakeFailureThreshold {
			failures = 0
			return nil
		}

		failures++
		rel.logger.Warn().
			Str("pool", pool).
			Float64("healthy", fraction).
			Int("failures", failures).
			Msg("Pool health at or below bake threshold")
		if failures < cfg.BakeFailureChecks {
			return nil
		}
		return &HealthTimeoutError{
			ReplicaSet: set,
			Fraction:   fraction,
			Threshold:  cfg.BakeFailureThreshold,
			Waited:     e.cfg.Clock.Now().Sub(started),
		}
	})
}

// rollBack restores the previous pool on production and removes the
// candidate. It runs to completion even if ctx is cancelled.
func (e *Engine) rollBack(ctx context.Context, rel *release, cause error) (types.DeploymentStatus, error) {
	svc := rel.service
	blue := rel.deployment.FromPool
	green := rel.deployment.ToPool
	ctx = context.WithoutCancel(ctx)

	reason := cause.Error()
	if errors.Is(cause, ErrRollbackRequested) {
		reason = rel.reason()
		cause = fmt.Errorf("%w: %s", ErrRollbackRequested, reason)
	}
	e.update(rel, func(d *types.Deployment) { d.Reason = reason })
	e.transition(rel, types.PhaseRollingBack, reason)

	active, err := e.cfg.Router.Active(svc.ProductionListener)
	if err != nil {
		return e.fail(rel, fmt.Errorf("rollback: failed to read production listener: %w", err))
	}
	if active == green {
		w := waiter{clock: e.cfg.Clock}
		if err := e.swap(ctx, w, rel, green, blue); err != nil {
			return e.fail(rel, fmt.Errorf("rollback: %w", err))
		}
		svc.ActivePool = blue
		e.saveService(rel)
	}

	e.teardown(ctx, rel, svc.ReplicaSetName(green), green)

	metrics.RollbacksTotal.WithLabelValues(rollbackReason(cause)).Inc()
	e.transition(rel, types.PhaseRolledBack, fmt.Sprintf("%s serves again: %s", blue, reason))
	return types.DeploymentRolledBack, cause
}

// teardown drains a pool and removes the replica set behind it
func (e *Engine) teardown(ctx context.Context, rel *release, set, pool string) {
	if err := e.cfg.Router.Drain(ctx, pool); err != nil {
		rel.logger.Warn().Err(err).Str("pool", pool).Msg("Failed to drain pool")
	}
	if err := e.cfg.Runtime.DeregisterFromPool(ctx, set, pool); err != nil {
		rel.logger.Warn().Err(err).Str("replica_set", set).Msg("Failed to deregister replica set")
	}
	if err := e.cfg.Runtime.Remove(ctx, set); err != nil {
		rel.logger.Warn().Err(err).Str("replica_set", set).Msg("Failed to remove replica set")
	}
	rel.logger.Info().Str("replica_set", set).Str("pool", pool).Msg("Replica set torn down")
}

func rollbackReason(cause error) string {
	switch {
	case errors.Is(cause, ErrRollbackRequested):
		return "operator"
	case errors.Is(cause, ErrApprovalTimeout):
		return "approval-timeout"
	case errors.Is(cause, ErrHealthTimeout):
		return "health"
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
