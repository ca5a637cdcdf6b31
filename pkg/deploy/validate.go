package deploy

import (
	"fmt"
	"regexp"

	"github.com/cuemby/cutover/pkg/types"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateSpec checks a task spec against the service's resource constraints
func ValidateSpec(service *types.Service, spec *types.TaskSpec) error {
	if spec == nil {
		return &SpecError{Field: "taskSpec", Reason: "is required"}
	}
	if spec.Image == "" {
		return &SpecError{Field: "image", Reason: "is required"}
	}
	if spec.ContainerName == "" {
		return &SpecError{Field: "containerName", Reason: "is required"}
	}
	if spec.CPU <= 0 {
		return &SpecError{Field: "cpu", Reason: fmt.Sprintf("must be positive, got %d", spec.CPU)}
	}
	if spec.MemoryMiB <= 0 {
		return &SpecError{Field: "memoryMiB", Reason: fmt.Sprintf("must be positive, got %d", spec.MemoryMiB)}
	}
	if spec.Port <= 0 || spec.Port > 65535 {
		return &SpecError{Field: "port", Reason: fmt.Sprintf("must be between 1 and 65535, got %d", spec.Port)}
	}
	if spec.Protocol != "" && spec.Protocol != "tcp" && spec.Protocol != "http" {
		return &SpecError{Field: "protocol", Reason: fmt.Sprintf("unsupported protocol %q", spec.Protocol)}
	}
	for k := range spec.Env {
		if !envKeyPattern.MatchString(k) {
			return &SpecError{Field: "env", Reason: fmt.Sprintf("invalid variable name %q", k)}
		}
	}

	if c := service.Constraints; c != nil {
		if c.MaxCPU > 0 && spec.CPU > c.MaxCPU {
			return &SpecError{Field: "cpu", Reason: fmt.Sprintf("%d exceeds limit %d", spec.CPU, c.MaxCPU)}
		}
		if c.MaxMemoryMiB > 0 && spec.MemoryMiB > c.MaxMemoryMiB {
			return &SpecError{Field: "memoryMiB", Reason: fmt.Sprintf("%d exceeds limit %d", spec.MemoryMiB, c.MaxMemoryMiB)}
		}
	}
	return nil
}

// ValidateRelease checks that the service topology and release config can
// carry a release with the given strategy
func ValidateRelease(service *types.Service, strategy types.Strategy, cfg types.ReleaseConfig) error {
	if !strategy.Valid() {
		return &SpecError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}
	if service.DesiredCount < 1 {
		return &SpecError{Field: "desiredCount", Reason: "must be at least 1"}
	}
	if cfg.HealthyThreshold <= 0 || cfg.HealthyThreshold > 1 {
		return &SpecError{Field: "healthyThreshold", Reason: fmt.Sprintf("must be in (0, 1], got %.2f", cfg.HealthyThreshold)}
	}
	if cfg.HealthPollInterval <= 0 {
		return &SpecError{Field: "healthPollInterval", Reason: "must be positive"}
	}

	switch strategy {
	case types.StrategyRolling:
		if len(service.Pools) > 1 {
			return &SpecError{Field: "pools", Reason: "rolling services use at most one pool"}
		}
		if cfg.MinHealthyPercent < 0 || cfg.MinHealthyPercent > 100 {
			return &SpecError{Field: "minHealthyPercent", Reason: fmt.Sprintf("must be in [0, 100], got %d", cfg.MinHealthyPercent)}
		}
		if cfg.MaxPercent < 100 {
			return &SpecError{Field: "maxPercent", Reason: fmt.Sprintf("must be at least 100, got %d", cfg.MaxPercent)}
		}
		if cfg.MinHealthyPercent == 100 && cfg.MaxPercent == 100 {
			return &SpecError{Field: "maxPercent", Reason: "leaves no room to replace replicas with minHealthyPercent 100"}
		}

	case types.StrategyBlueGreen:
		if len(service.Pools) != 2 || service.Pools[0] == service.Pools[1] {
			return &SpecError{Field: "pools", Reason: "blue/green services need two distinct pools"}
		}
		if service.ActivePool != service.Pools[0] && service.ActivePool != service.Pools[1] {
			return &SpecError{Field: "activePool", Reason: fmt.Sprintf("%q is not one of the service's pools", service.ActivePool)}
		}
		if service.ProductionListener == "" {
			return &SpecError{Field: "productionListener", Reason: "is required for blue/green"}
		}
		if service.TestListener != "" && service.TestListener == service.ProductionListener {
			return &SpecError{Field: "testListener", Reason: "must differ from the production listener"}
		}
		if cfg.TrafficShift != types.TrafficShiftAllAtOnce {
			return &SpecError{Field: "trafficShift", Reason: fmt.Sprintf("%q traffic shifting is not supported", cfg.TrafficShift)}
		}
		if cfg.CandidateCount < 1 {
			return &SpecError{Field: "candidateCount", Reason: "must be at least 1"}
		}
		if cfg.BakeFailureThreshold < 0 || cfg.BakeFailureThreshold >= 1 {
			return &SpecError{Field: "bakeFailureThreshold", Reason: fmt.Sprintf("must be in [0, 1), got %.2f", cfg.BakeFailureThreshold)}
		}
		if cfg.CutoverRetries < 1 {
			return &SpecError{Field: "cutoverRetries", Reason: "must be at least 1"}
		}
		switch cfg.ApprovalTimeoutAction {
		case types.ApprovalTimeoutProceed, types.ApprovalTimeoutRollback:
		default:
			return &SpecError{Field: "approvalTimeoutAction", Reason: fmt.Sprintf("unknown action %q", cfg.ApprovalTimeoutAction)}
		}
	}
	return nil
}
