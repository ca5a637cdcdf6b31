package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Strategy defines how a new task specification is released
type Strategy string

const (
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue-green"
)

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	return s == StrategyRolling || s == StrategyBlueGreen
}

// Service represents a named deployable unit in the topology
type Service struct {
	Name         string
	DesiredCount int
	TaskSpec     *TaskSpec
	Strategy     Strategy
	Constraints  *ResourceConstraints
	HealthCheck  *HealthCheck

	// Pools lists the target groups the service may register with.
	// Blue/green services have exactly two, rolling services at most one.
	Pools      []string
	ActivePool string

	ProductionListener string
	TestListener       string

	Release   ReleaseConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StandbyPool returns the pool that is not currently active.
// Only meaningful for blue/green services.
func (s *Service) StandbyPool() string {
	for _, p := range s.Pools {
		if p != s.ActivePool {
			return p
		}
	}
	return ""
}

// ReplicaSetName returns the runtime replica set name for a pool.
// Rolling services own a single replica set named after the service.
func (s *Service) ReplicaSetName(pool string) string {
	if s.Strategy == StrategyRolling || pool == "" {
		return s.Name
	}
	return fmt.Sprintf("%s-%s", s.Name, pool)
}

// TaskSpec is an immutable artifact reference plus resource shape
type TaskSpec struct {
	Family        string            `json:"family" yaml:"family"`
	ContainerName string            `json:"containerName" yaml:"containerName"`
	Image         string            `json:"image" yaml:"image"`
	CPU           int               `json:"cpu" yaml:"cpu"`             // CPU units (1024 = one vCPU)
	MemoryMiB     int               `json:"memoryMiB" yaml:"memoryMiB"` // Hard memory limit
	Port          int               `json:"port" yaml:"port"`
	Protocol      string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Clone returns a deep copy of the task spec
func (t *TaskSpec) Clone() *TaskSpec {
	if t == nil {
		return nil
	}
	c := *t
	if t.Env != nil {
		c.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			c.Env[k] = v
		}
	}
	return &c
}

// Digest returns a stable content hash of the spec.
// Two specs with the same digest are the same release artifact.
func (t *TaskSpec) Digest() string {
	if t == nil {
		return ""
	}
	keys := make([]string, 0, len(t.Env))
	for k := range t.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([][2]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, [2]string{k, t.Env[k]})
	}

	data, _ := json.Marshal(struct {
		Family, ContainerName, Image, Protocol string
		CPU, MemoryMiB, Port                  int
		Env                                   [][2]string
	}{t.Family, t.ContainerName, t.Image, t.Protocol, t.CPU, t.MemoryMiB, t.Port, env})

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ResourceConstraints bounds what a task spec may request
type ResourceConstraints struct {
	MaxCPU       int `json:"maxCPU" yaml:"maxCPU"`
	MaxMemoryMiB int `json:"maxMemoryMiB" yaml:"maxMemoryMiB"`
}

// HealthCheck defines how replicas of a service are probed
type HealthCheck struct {
	Path     string
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// Pool is a named routable backend set (target group)
type Pool struct {
	Name            string
	HealthCheckPath string
	Targets         []*Target
}

// Target is a single routable replica endpoint
type Target struct {
	ID         string
	Address    string // host:port
	ReplicaSet string
	Healthy    bool
}

// Listener is a traffic entry point bound to one pool at a time
type Listener struct {
	Name       string
	Addr       string
	ActivePool string
	Test       bool
}

// Binding records which pool a listener points at
type Binding struct {
	Listener  string
	Pool      string
	UpdatedAt time.Time
}

// TrafficShift controls how traffic moves to the candidate pool
type TrafficShift string

const (
	TrafficShiftAllAtOnce TrafficShift = "all-at-once"
	TrafficShiftLinear    TrafficShift = "linear"
)

// ApprovalTimeoutAction decides what happens when the approval wait elapses
type ApprovalTimeoutAction string

const (
	ApprovalTimeoutProceed  ApprovalTimeoutAction = "proceed"
	ApprovalTimeoutRollback ApprovalTimeoutAction = "rollback"
)

// ReleaseConfig controls the pacing and failure policy of a release
type ReleaseConfig struct {
	// Blue/green
	ApprovalWait                time.Duration
	ApprovalTimeoutAction       ApprovalTimeoutAction
	TerminationWait             time.Duration
	CandidateCount              int
	ScaleCandidateBeforeCutover bool
	ProvisionTimeout            time.Duration
	BakeFailureThreshold        float64
	BakeFailureChecks           int
	CutoverRetries              int
	CutoverBackoff              time.Duration
	TrafficShift                TrafficShift

	// Rolling
	ReplacementTimeout time.Duration
	MinHealthyPercent  int
	MaxPercent         int

	// Shared
	HealthyThreshold   float64
	HealthPollInterval time.Duration
}

// DefaultReleaseConfig returns the defaults of the reference topology
func DefaultReleaseConfig() ReleaseConfig {
	return ReleaseConfig{
		ApprovalWait:                10 * time.Minute,
		ApprovalTimeoutAction:       ApprovalTimeoutProceed,
		TerminationWait:             10 * time.Minute,
		CandidateCount:              1,
		ScaleCandidateBeforeCutover: true,
		ProvisionTimeout:            10 * time.Minute,
		BakeFailureThreshold:        0,
		BakeFailureChecks:           1,
		CutoverRetries:              3,
		CutoverBackoff:              time.Second,
		TrafficShift:                TrafficShiftAllAtOnce,
		ReplacementTimeout:          10 * time.Minute,
		MinHealthyPercent:           100,
		MaxPercent:                  200,
		HealthyThreshold:            1.0,
		HealthPollInterval:          5 * time.Second,
	}
}

// WithDefaults fills zero-valued fields from DefaultReleaseConfig.
// BakeFailureThreshold is kept as-is since zero is meaningful.
func (c ReleaseConfig) WithDefaults() ReleaseConfig {
	d := DefaultReleaseConfig()
	if c.ApprovalWait == 0 {
		c.ApprovalWait = d.ApprovalWait
	}
	if c.ApprovalTimeoutAction == "" {
		c.ApprovalTimeoutAction = d.ApprovalTimeoutAction
	}
	if c.TerminationWait == 0 {
		c.TerminationWait = d.TerminationWait
	}
	if c.CandidateCount == 0 {
		c.CandidateCount = d.CandidateCount
	}
	if c.ProvisionTimeout == 0 {
		c.ProvisionTimeout = d.ProvisionTimeout
	}
	if c.BakeFailureChecks == 0 {
		c.BakeFailureChecks = d.BakeFailureChecks
	}
	if c.CutoverRetries == 0 {
		c.CutoverRetries = d.CutoverRetries
	}
	if c.CutoverBackoff == 0 {
		c.CutoverBackoff = d.CutoverBackoff
	}
	if c.TrafficShift == "" {
		c.TrafficShift = d.TrafficShift
	}
	if c.ReplacementTimeout == 0 {
		c.ReplacementTimeout = d.ReplacementTimeout
	}
	if c.MinHealthyPercent == 0 {
		c.MinHealthyPercent = d.MinHealthyPercent
	}
	if c.MaxPercent == 0 {
		c.MaxPercent = d.MaxPercent
	}
	if c.HealthyThreshold == 0 {
		c.HealthyThreshold = d.HealthyThreshold
	}
	if c.HealthPollInterval == 0 {
		c.HealthPollInterval = d.HealthPollInterval
	}
	return c
}

// Phase is a state of a deployment's state machine
type Phase string

const (
	PhasePending Phase = "pending"

	// Rolling
	PhaseReplacing Phase = "replacing"
	PhaseStable    Phase = "stable"

	// Blue/green
	PhaseProvisioning     Phase = "provisioning"
	PhaseAwaitingApproval Phase = "awaiting-approval"
	PhaseCutover          Phase = "cutover"
	PhaseBaking           Phase = "baking"
	PhaseSucceeded        Phase = "succeeded"
	PhaseRollingBack      Phase = "rolling-back"
	PhaseRolledBack       Phase = "rolled-back"

	PhaseFailed Phase = "failed"
)

// DeploymentStatus is the coarse status of a deployment
type DeploymentStatus string

const (
	DeploymentInProgress DeploymentStatus = "in-progress"
	DeploymentSucceeded  DeploymentStatus = "succeeded"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled-back"
)

// Terminal reports whether no further transitions can happen
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentSucceeded || s == DeploymentFailed || s == DeploymentRolledBack
}

// PhaseTransition is one entry in a deployment's history
type PhaseTransition struct {
	Phase   Phase
	At      time.Time
	Message string
}

// Deployment is one release attempt
type Deployment struct {
	ID           string
	Service      string
	Strategy     Strategy
	TaskSpec     *TaskSpec
	PreviousSpec *TaskSpec
	Status       DeploymentStatus
	Phase        Phase
	History      []PhaseTransition

	// Blue/green pool movement; FromPool is the pool live before the release
	FromPool string
	ToPool   string

	ApprovalStartedAt time.Time
	ApprovalEndedAt   time.Time
	Approved          bool
	BakeStartedAt     time.Time
	BakeEndedAt       time.Time

	CreatedAt   time.Time
	CompletedAt time.Time
	Error       string
	Reason      string // Why a rollback happened
	Archived    bool
}

// Outcome is the terminal result of a release reported to the caller
type Outcome struct {
	DeploymentID string
	Service      string
	Status       DeploymentStatus
	Phase        Phase
	Err          error `json:"-"`
}

// RolloutStatus reports progress of an in-place replacement
type RolloutStatus struct {
	Desired        int
	Updated        int // Replicas running the target spec
	UpdatedHealthy int
	Total          int
	Healthy        int
	CrashLooping   bool
	Message        string
}

// Complete reports whether every desired replica runs the new spec and is healthy
func (r *RolloutStatus) Complete() bool {
	return r.Desired > 0 && r.UpdatedHealthy >= r.Desired && r.Total == r.Desired
}

// SourceEvent is an inbound source-change notification
type SourceEvent struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
	Pusher     string `json:"pusher,omitempty"`
}

// ImageDefinition is one entry of the build manifest (imagedefinitions.json)
type ImageDefinition struct {
	Name     string `json:"name"`
	ImageURI string `json:"imageUri"`
}

// Stage names of a pipeline run
type Stage string

const (
	StageSource Stage = "Source"
	StageBuild  Stage = "Build"
	StageDeploy Stage = "Deploy"
)

// RunStatus is the status of a pipeline run
type RunStatus string

const (
	RunInProgress RunStatus = "in-progress"
	RunSucceeded  RunStatus = "succeeded"
	RunFailed     RunStatus = "failed"
	RunRolledBack RunStatus = "rolled-back"
)

// StageRecord captures the execution of one stage
type StageRecord struct {
	Stage      Stage
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Output     string // Artifact handle produced by the stage
	Error      string
}

// ArtifactRef is a handle to an artifact produced by a stage
type ArtifactRef struct {
	Name  string
	Stage Stage
	// Files holds small artifact payloads (imagedefinitions.json, commit info)
	Files map[string][]byte
}

// PipelineRun is one Source -> Build -> Deploy execution
type PipelineRun struct {
	ID           string
	Pipeline     string
	Event        SourceEvent
	Status       RunStatus
	Stages       []StageRecord
	Artifacts    map[string]*ArtifactRef
	DeploymentID string
	Error        string
	FailedStage  Stage
	CreatedAt    time.Time
	FinishedAt   time.Time
}
