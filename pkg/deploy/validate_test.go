package deploy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cutover/pkg/types"
)

func TestValidateSpec(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.TaskSpec)
		field  string
	}{
		{name: "valid", mutate: func(*types.TaskSpec) {}},
		{name: "no container name", mutate: func(s *types.TaskSpec) { s.ContainerName = "" }, field: "containerName"},
		{name: "zero cpu", mutate: func(s *types.TaskSpec) { s.CPU = 0 }, field: "cpu"},
		{name: "negative memory", mutate: func(s *types.TaskSpec) { s.MemoryMiB = -1 }, field: "memoryMiB"},
		{name: "port out of range", mutate: func(s *types.TaskSpec) { s.Port = 70000 }, field: "port"},
		{name: "udp", mutate: func(s *types.TaskSpec) { s.Protocol = "udp" }, field: "protocol"},
		{name: "bad env key", mutate: func(s *types.TaskSpec) { s.Env = map[string]string{"1BAD": "x"} }, field: "env"},
		{name: "memory above constraint", mutate: func(s *types.TaskSpec) { s.MemoryMiB = 4096 }, field: "memoryMiB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := spec("frontend:v2")
			tt.mutate(s)
			err := ValidateSpec(frontendService(), s)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var specErr *SpecError
			require.True(t, errors.As(err, &specErr), "got %v", err)
			assert.Equal(t, tt.field, specErr.Field)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestValidateRelease(t *testing.T) {
	tests := []struct {
		name     string
		service  func() *types.Service
		strategy types.Strategy
		mutate   func(*types.ReleaseConfig)
		field    string
	}{
		{name: "blue/green", service: frontendService, strategy: types.StrategyBlueGreen},
		{name: "rolling", service: backendService, strategy: types.StrategyRolling},
		{
			name:     "unknown strategy",
			service:  frontendService,
			strategy: "canary",
			field:    "strategy",
		},
		{
			name: "one pool for blue/green",
			service: func() *types.Service {
				s := frontendService()
				s.Pools = []string{"blue"}
				return s
			},
			strategy: types.StrategyBlueGreen,
			field:    "pools",
		},
		{
			name: "active pool outside pools",
			service: func() *types.Service {
				s := frontendService()
				s.ActivePool = "red"
				return s
			},
			strategy: types.StrategyBlueGreen,
			field:    "activePool",
		},
		{
			name: "test listener is production",
			service: func() *types.Service {
				s := frontendService()
				s.TestListener = s.ProductionListener
				return s
			},
			strategy: types.StrategyBlueGreen,
			field:    "testListener",
		},
		{
			name:     "bake threshold of 1",
			service:  frontendService,
			strategy: types.StrategyBlueGreen,
			mutate:   func(c *types.ReleaseConfig) { c.BakeFailureThreshold = 1 },
			field:    "bakeFailureThreshold",
		},
		{
			name:     "unknown approval action",
			service:  frontendService,
			strategy: types.StrategyBlueGreen,
			mutate:   func(c *types.ReleaseConfig) { c.ApprovalTimeoutAction = "ignore" },
			field:    "approvalTimeoutAction",
		},
		{
			name:     "healthy threshold above 1",
			service:  backendService,
			strategy: types.StrategyRolling,
			mutate:   func(c *types.ReleaseConfig) { c.HealthyThreshold = 1.5 },
			field:    "healthyThreshold",
		},
		{
			name:     "max percent below 100",
			service:  backendService,
			strategy: types.StrategyRolling,
			mutate:   func(c *types.ReleaseConfig) { c.MaxPercent = 50 },
			field:    "maxPercent",
		},
		{
			name:     "no room to replace",
			service:  backendService,
			strategy: types.StrategyRolling,
			mutate:   func(c *types.ReleaseConfig) { c.MinHealthyPercent, c.MaxPercent = 100, 100 },
			field:    "maxPercent",
		},
		{
			name: "no replicas",
			service: func() *types.Service {
				s := backendService()
				s.DesiredCount = 0
				return s
			},
			strategy: types.StrategyRolling,
			field:    "desiredCount",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *fastConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := ValidateRelease(tt.service(), tt.strategy, cfg)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var specErr *SpecError
			require.True(t, errors.As(err, &specErr), "got %v", err)
			assert.Equal(t, tt.field, specErr.Field)
		})
	}
}
