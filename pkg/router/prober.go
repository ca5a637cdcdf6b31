package router

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/cutover/pkg/health"
)

type probe struct {
	pool     *pool
	targetID string
	checker  health.Checker
}

// Probe runs one round of health checks against every registered target
// and updates their health. It is a no-op when probing is disabled.
func (r *Router) Probe(ctx context.Context) {
	if !r.cfg.ProbeTargets {
		return
	}

	var probes []probe
	for _, p := range r.pools {
		cfg := r.cfg.HealthCheck
		if p.healthPath != "" {
			cfg.Path = p.healthPath
		}

		p.mu.RLock()
		for id, t := range p.targets {
			probes = append(probes, probe{
				pool:     p,
				targetID: id,
				checker:  health.ForTarget(t.Address, cfg),
			})
		}
		p.mu.RUnlock()
	}

	var wg sync.WaitGroup
	for _, pr := range probes {
		wg.Add(1)
		go func(pr probe) {
			defer wg.Done()
			result := pr.checker.Check(ctx)
			r.applyResult(pr.pool, pr.targetID, result)
		}(pr)
	}
	wg.Wait()

	for name := range r.pools {
		_, _ = r.HealthOf(name)
	}
}

func (r *Router) applyResult(p *pool, targetID string, result health.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.targets[targetID]
	if !ok {
		// Deregistered while the check ran
		return
	}

	was := t.Healthy
	t.status.Update(result, r.cfg.HealthCheck)
	t.Healthy = t.status.Healthy()

	if was != t.Healthy {
		r.logger.Info().
			Str("pool", p.name).
			Str("target", targetID).
			Bool("healthy", t.Healthy).
			Str("message", result.Message).
			Msg("Target health changed")
	}
}

// StartProber probes targets every health check interval until ctx is done
func (r *Router) StartProber(ctx context.Context) {
	if !r.cfg.ProbeTargets {
		return
	}

	interval := r.cfg.HealthCheck.Interval
	if interval <= 0 {
		interval = health.DefaultConfig().Interval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.Probe(ctx)
		for {
			select {
			case <-ticker.C:
				r.Probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	r.logger.Info().Dur("interval", interval).Msg("Target prober started")
}
