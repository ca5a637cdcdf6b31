package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/cutover/pkg/discovery"
	"github.com/cuemby/cutover/pkg/types"
)

// Topology is the declarative description of everything cutover manages
type Topology struct {
	Namespace string         `yaml:"namespace"`
	Release   ReleaseFile    `yaml:"release"`
	Runtime   RuntimeFile    `yaml:"runtime"`
	Router    RouterFile     `yaml:"router"`
	Listeners []ListenerFile `yaml:"listeners"`
	Pools     []PoolFile     `yaml:"pools"`
	Services  []ServiceFile  `yaml:"services"`
	Pipelines []PipelineFile `yaml:"pipelines"`

	// dir is where relative file references resolve from
	dir string
}

// ReleaseFile holds release settings. Unset fields inherit.
type ReleaseFile struct {
	ApprovalWait                Duration `yaml:"approvalWait"`
	ApprovalTimeoutAction       string   `yaml:"approvalTimeoutAction"`
	TerminationWait             Duration `yaml:"terminationWait"`
	CandidateCount              int      `yaml:"candidateCount"`
	ScaleCandidateBeforeCutover *bool    `yaml:"scaleCandidateBeforeCutover"`
	ProvisionTimeout            Duration `yaml:"provisionTimeout"`
	BakeFailureThreshold        *float64 `yaml:"bakeFailureThreshold"`
	BakeFailureChecks           int      `yaml:"bakeFailureChecks"`
	CutoverRetries              int      `yaml:"cutoverRetries"`
	CutoverBackoff              Duration `yaml:"cutoverBackoff"`
	TrafficShift                string   `yaml:"trafficShift"`
	ReplacementTimeout          Duration `yaml:"replacementTimeout"`
	MinHealthyPercent           int      `yaml:"minHealthyPercent"`
	MaxPercent                  int      `yaml:"maxPercent"`
	HealthyThreshold            float64  `yaml:"healthyThreshold"`
	HealthPollInterval          Duration `yaml:"healthPollInterval"`
}

// RuntimeFile configures the replica fleet
type RuntimeFile struct {
	// Runner is "local" (in-process replicas) or "containerd"
	Runner            string   `yaml:"runner"`
	ContainerdSocket  string   `yaml:"containerdSocket"`
	ReconcileInterval Duration `yaml:"reconcileInterval"`
	ProbeHealth       bool     `yaml:"probeHealth"`
	MinHealthyPercent int      `yaml:"minHealthyPercent"`
	MaxPercent        int      `yaml:"maxPercent"`
	CrashLoopRestarts int      `yaml:"crashLoopRestarts"`
}

// RouterFile configures the traffic router
type RouterFile struct {
	ProbeTargets        bool     `yaml:"probeTargets"`
	HealthCheckInterval Duration `yaml:"healthCheckInterval"`
	HealthCheckTimeout  Duration `yaml:"healthCheckTimeout"`
	HealthyThreshold    int      `yaml:"healthyThreshold"`
	UnhealthyThreshold  int      `yaml:"unhealthyThreshold"`
	DrainTimeout        Duration `yaml:"drainTimeout"`
}

// ListenerFile declares a listener and its initial pool
type ListenerFile struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
	Pool string `yaml:"pool"`
	Test bool   `yaml:"test"`
}

// PoolFile declares a pool
type PoolFile struct {
	Name            string `yaml:"name"`
	HealthCheckPath string `yaml:"healthCheckPath"`
}

// ServiceFile declares a service
type ServiceFile struct {
	Name               string                     `yaml:"name"`
	Strategy           string                     `yaml:"strategy"`
	DesiredCount       int                        `yaml:"desiredCount"`
	Pools              []string                   `yaml:"pools"`
	ActivePool         string                     `yaml:"activePool"`
	ProductionListener string                     `yaml:"productionListener"`
	TestListener       string                     `yaml:"testListener"`
	Constraints        *types.ResourceConstraints `yaml:"constraints"`
	HealthCheck        *HealthCheckFile           `yaml:"healthCheck"`
	TaskSpec           types.TaskSpec             `yaml:"taskSpec"`
	Release            ReleaseFile                `yaml:"release"`
}

// HealthCheckFile declares how replicas are probed
type HealthCheckFile struct {
	Path     string   `yaml:"path"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

// PipelineFile declares a pipeline
type PipelineFile struct {
	Name       string    `yaml:"name"`
	Repository string    `yaml:"repository"`
	Branch     string    `yaml:"branch"`
	Service    string    `yaml:"service"`
	Secret     string    `yaml:"secret"`
	Build      BuildFile `yaml:"build"`

	// Paths, relative to the topology file
	TaskDefinition string `yaml:"taskDefinition"`
	AppSpec        string `yaml:"appSpec"`

	Release ReleaseFile `yaml:"release"`
}

// BuildFile selects and configures a builder
type BuildFile struct {
	// Type is "command" or "tag"
	Type          string   `yaml:"type"`
	Command       string   `yaml:"command"`
	WorkDir       string   `yaml:"workDir"`
	RepositoryURI string   `yaml:"repositoryURI"`
	ContainerName string   `yaml:"containerName"`
	Env           []string `yaml:"env"`
	Timeout       Duration `yaml:"timeout"`
}

// Load reads and validates a topology file
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.dir = filepath.Dir(path)
	return t, nil
}

// Parse decodes and validates a topology document. Unknown fields are
// rejected.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}

	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Topology) applyDefaults() {
	if t.Namespace == "" {
		t.Namespace = discovery.DefaultNamespace
	}
	if t.Runtime.Runner == "" {
		t.Runtime.Runner = "local"
	}
	if t.Runtime.ReconcileInterval == 0 {
		t.Runtime.ReconcileInterval = Duration(2 * time.Second)
	}
	if t.Router.DrainTimeout == 0 {
		t.Router.DrainTimeout = Duration(30 * time.Second)
	}
	for i := range t.Services {
		s := &t.Services[i]
		if s.Strategy == "" {
			s.Strategy = string(types.StrategyRolling)
		}
		if s.Strategy == string(types.StrategyRolling) && len(s.Pools) == 0 {
			s.Pools = []string{s.Name}
		}
		if s.Strategy == string(types.StrategyBlueGreen) && s.ActivePool == "" && len(s.Pools) > 0 {
			s.ActivePool = s.Pools[0]
		}
		if s.TaskSpec.Family == "" {
			s.TaskSpec.Family = s.Name
		}
		if s.TaskSpec.ContainerName == "" {
			s.TaskSpec.ContainerName = s.Name
		}
	}
	for i := range t.Pipelines {
		p := &t.Pipelines[i]
		if p.Branch == "" {
			p.Branch = "main"
		}
		if p.Service == "" {
			p.Service = p.Name
		}
		if p.Build.Type == "" {
			p.Build.Type = "tag"
		}
	}
}

// ReleaseConfig returns the release config of a service: built-in defaults,
// overlaid by the topology's release section, overlaid by the service's
func (t *Topology) ReleaseConfig(s *ServiceFile) types.ReleaseConfig {
	cfg := types.DefaultReleaseConfig()
	t.Release.overlay(&cfg)
	s.Release.overlay(&cfg)
	return cfg
}

// PipelineRelease returns the release override of a pipeline, or nil when
// it sets nothing
func (t *Topology) PipelineRelease(p *PipelineFile) *types.ReleaseConfig {
	if p.Release == (ReleaseFile{}) {
		return nil
	}
	for i := range t.Services {
		if t.Services[i].Name == p.Service {
			cfg := t.ReleaseConfig(&t.Services[i])
			p.Release.overlay(&cfg)
			return &cfg
		}
	}
	return nil
}

func (r ReleaseFile) overlay(cfg *types.ReleaseConfig) {
	if r.ApprovalWait != 0 {
		cfg.ApprovalWait = r.ApprovalWait.Std()
	}
	if r.ApprovalTimeoutAction != "" {
		cfg.ApprovalTimeoutAction = types.ApprovalTimeoutAction(r.ApprovalTimeoutAction)
	}
	if r.TerminationWait != 0 {
		cfg.TerminationWait = r.TerminationWait.Std()
	}
	if r.CandidateCount != 0 {
		cfg.CandidateCount = r.CandidateCount
	}
	if r.ScaleCandidateBeforeCutover != nil {
		cfg.ScaleCandidateBeforeCutover = *r.ScaleCandidateBeforeCutover
	}
	if r.ProvisionTimeout != 0 {
		cfg.ProvisionTimeout = r.ProvisionTimeout.Std()
	}
	if r.BakeFailureThreshold != nil {
		cfg.BakeFailureThreshold = *r.BakeFailureThreshold
	}
	if r.BakeFailureChecks != 0 {
		cfg.BakeFailureChecks = r.BakeFailureChecks
	}
	if r.CutoverRetries != 0 {
		cfg.CutoverRetries = r.CutoverRetries
	}
	if r.CutoverBackoff != 0 {
		cfg.CutoverBackoff = r.CutoverBackoff.Std()
	}
	if r.TrafficShift != "" {
		cfg.TrafficShift = types.TrafficShift(r.TrafficShift)
	}
	if r.ReplacementTimeout != 0 {
		cfg.ReplacementTimeout = r.ReplacementTimeout.Std()
	}
	if r.MinHealthyPercent != 0 {
		cfg.MinHealthyPercent = r.MinHealthyPercent
	}
	if r.MaxPercent != 0 {
		cfg.MaxPercent = r.MaxPercent
	}
	if r.HealthyThreshold != 0 {
		cfg.HealthyThreshold = r.HealthyThreshold
	}
	if r.HealthPollInterval != 0 {
		cfg.HealthPollInterval = r.HealthPollInterval.Std()
	}
}

// ServiceObjects converts the declared services into domain services, expanding
// discovery:// references in their environment
func (t *Topology) ServiceObjects() ([]*types.Service, error) {
	ns := discovery.Namespace{Name: t.Namespace}
	out := make([]*types.Service, 0, len(t.Services))
	for i := range t.Services {
		s := &t.Services[i]
		spec := s.TaskSpec.Clone()
		env, err := discovery.ExpandEnv(spec.Env, ns)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", s.Name, err)
		}
		spec.Env = env

		svc := &types.Service{
			Name:               s.Name,
			DesiredCount:       s.DesiredCount,
			TaskSpec:           spec,
			Strategy:           types.Strategy(s.Strategy),
			Constraints:        s.Constraints,
			Pools:              append([]string(nil), s.Pools...),
			ActivePool:         s.ActivePool,
			ProductionListener: s.ProductionListener,
			TestListener:       s.TestListener,
			Release:            t.ReleaseConfig(s),
		}
		if hc := s.HealthCheck; hc != nil {
			svc.HealthCheck = &types.HealthCheck{
				Path:     hc.Path,
				Interval: hc.Interval.Std(),
				Timeout:  hc.Timeout.Std(),
				Retries:  hc.Retries,
			}
		}
		out = append(out, svc)
	}
	return out, nil
}

// ReadFile reads a file referenced by the topology. Relative paths resolve
// against the topology file's directory.
func (t *Topology) ReadFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) && t.dir != "" {
		path = filepath.Join(t.dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
