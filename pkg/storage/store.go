package storage

import (
	"errors"

	"github.com/cuemby/cutover/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for release state storage
type Store interface {
	// Services
	PutService(service *types.Service) error
	GetService(name string) (*types.Service, error)
	ListServices() ([]*types.Service, error)
	DeleteService(name string) error

	// Deployments
	PutDeployment(deployment *types.Deployment) error
	GetDeployment(id string) (*types.Deployment, error)
	ListDeployments() ([]*types.Deployment, error)
	ListDeploymentsByService(service string) ([]*types.Deployment, error)

	// Pipeline runs
	PutRun(run *types.PipelineRun) error
	GetRun(id string) (*types.PipelineRun, error)
	ListRuns() ([]*types.PipelineRun, error)
	ListRunsByPipeline(pipeline string) ([]*types.PipelineRun, error)

	// Listener bindings
	PutBinding(binding *types.Binding) error
	GetBinding(listener string) (*types.Binding, error)
	ListBindings() ([]*types.Binding, error)

	// Snapshots
	Export() (*Snapshot, error)
	Import(snapshot *Snapshot) error

	// Utility
	Close() error
}

// Snapshot is a full copy of the store contents
type Snapshot struct {
	Services    []*types.Service     `json:"services"`
	Deployments []*types.Deployment  `json:"deployments"`
	Runs        []*types.PipelineRun `json:"runs"`
	Bindings    []*types.Binding     `json:"bindings"`
}
