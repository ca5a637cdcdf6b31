package config

import (
	"fmt"
	"regexp"

	"github.com/cuemby/cutover/pkg/deploy"
	"github.com/cuemby/cutover/pkg/types"
)

// Service names double as DNS labels in the discovery namespace
var nameLabel = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Validate checks references between listeners, pools, services and
// pipelines, and validates every service's spec and release config
func (t *Topology) Validate() error {
	switch t.Runtime.Runner {
	case "local", "containerd":
	default:
		return fmt.Errorf("runtime.runner: unknown runner %q", t.Runtime.Runner)
	}

	pools := make(map[string]bool)
	for i, p := range t.Pools {
		if p.Name == "" {
			return fmt.Errorf("pools[%d]: name is required", i)
		}
		if pools[p.Name] {
			return fmt.Errorf("pools[%d]: duplicate pool %s", i, p.Name)
		}
		pools[p.Name] = true
	}

	listeners := make(map[string]ListenerFile)
	for i, l := range t.Listeners {
		if l.Name == "" {
			return fmt.Errorf("listeners[%d]: name is required", i)
		}
		if _, dup := listeners[l.Name]; dup {
			return fmt.Errorf("listeners[%d]: duplicate listener %s", i, l.Name)
		}
		if !pools[l.Pool] {
			return fmt.Errorf("listener %s: unknown pool %q", l.Name, l.Pool)
		}
		listeners[l.Name] = l
	}

	services := make(map[string]*ServiceFile)
	poolOwner := make(map[string]string)
	for i := range t.Services {
		s := &t.Services[i]
		if !nameLabel.MatchString(s.Name) {
			return fmt.Errorf("services[%d]: name %q must be a lowercase DNS label", i, s.Name)
		}
		if _, dup := services[s.Name]; dup {
			return fmt.Errorf("services[%d]: duplicate service %s", i, s.Name)
		}
		services[s.Name] = s

		for _, p := range s.Pools {
			if !pools[p] {
				return fmt.Errorf("service %s: unknown pool %q", s.Name, p)
			}
			if owner, taken := poolOwner[p]; taken {
				return fmt.Errorf("service %s: pool %s already belongs to %s", s.Name, p, owner)
			}
			poolOwner[p] = s.Name
		}

		if s.Strategy == string(types.StrategyBlueGreen) {
			if err := t.validateBlueGreenListeners(s, listeners); err != nil {
				return err
			}
		}
	}

	objects, err := t.ServiceObjects()
	if err != nil {
		return err
	}
	for _, svc := range objects {
		if err := deploy.ValidateSpec(svc, svc.TaskSpec); err != nil {
			return fmt.Errorf("service %s: %w", svc.Name, err)
		}
		if err := deploy.ValidateRelease(svc, svc.Strategy, svc.Release); err != nil {
			return fmt.Errorf("service %s: %w", svc.Name, err)
		}
	}

	seen := make(map[string]bool)
	for i := range t.Pipelines {
		p := &t.Pipelines[i]
		if p.Name == "" {
			return fmt.Errorf("pipelines[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("pipelines[%d]: duplicate pipeline %s", i, p.Name)
		}
		seen[p.Name] = true

		if p.Repository == "" {
			return fmt.Errorf("pipeline %s: repository is required", p.Name)
		}
		svc, ok := services[p.Service]
		if !ok {
			return fmt.Errorf("pipeline %s: unknown service %q", p.Name, p.Service)
		}
		switch p.Build.Type {
		case "command":
			if p.Build.Command == "" {
				return fmt.Errorf("pipeline %s: build.command is required for command builds", p.Name)
			}
		case "tag":
			if p.Build.RepositoryURI == "" {
				return fmt.Errorf("pipeline %s: build.repositoryURI is required for tag builds", p.Name)
			}
		default:
			return fmt.Errorf("pipeline %s: unknown build type %q", p.Name, p.Build.Type)
		}
		if (p.TaskDefinition != "" || p.AppSpec != "") && svc.Strategy != string(types.StrategyBlueGreen) {
			return fmt.Errorf("pipeline %s: task definition templates only apply to blue/green services", p.Name)
		}
		if cfg := t.PipelineRelease(p); cfg != nil {
			if err := deploy.ValidateRelease(&types.Service{
				Name:               svc.Name,
				DesiredCount:       svc.DesiredCount,
				Pools:              svc.Pools,
				ActivePool:         svc.ActivePool,
				ProductionListener: svc.ProductionListener,
				TestListener:       svc.TestListener,
			}, types.Strategy(svc.Strategy), *cfg); err != nil {
				return fmt.Errorf("pipeline %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

func (t *Topology) validateBlueGreenListeners(s *ServiceFile, listeners map[string]ListenerFile) error {
	prod, ok := listeners[s.ProductionListener]
	if !ok {
		return fmt.Errorf("service %s: unknown production listener %q", s.Name, s.ProductionListener)
	}
	if prod.Test {
		return fmt.Errorf("service %s: production listener %s is a test listener", s.Name, prod.Name)
	}
	if prod.Pool != s.ActivePool {
		return fmt.Errorf("service %s: production listener %s starts on %s but the active pool is %s",
			s.Name, prod.Name, prod.Pool, s.ActivePool)
	}
	if s.TestListener != "" {
		test, ok := listeners[s.TestListener]
		if !ok {
			return fmt.Errorf("service %s: unknown test listener %q", s.Name, s.TestListener)
		}
		if !test.Test {
			return fmt.Errorf("service %s: listener %s is not marked as a test listener", s.Name, test.Name)
		}
	}
	return nil
}
