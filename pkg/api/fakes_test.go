package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/cutover/pkg/deploy"
	"github.com/cuemby/cutover/pkg/pipeline"
	"github.com/cuemby/cutover/pkg/storage"
	"github.com/cuemby/cutover/pkg/types"
)

type fakeEngine struct {
	mu          sync.Mutex
	deployments map[string]*types.Deployment
	requests    []deploy.Request
	startErr    error
	outcome     *types.Outcome
	approveErr  error
	rollbacks   map[string]string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		deployments: make(map[string]*types.Deployment),
		rollbacks:   make(map[string]string),
	}
}

func (f *fakeEngine) Start(_ context.Context, req deploy.Request) (string, <-chan *types.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", nil, f.startErr
	}
	f.requests = append(f.requests, req)

	id := fmt.Sprintf("dep-%d", len(f.requests))
	f.deployments[id] = &types.Deployment{
		ID:       id,
		Service:  req.Service,
		TaskSpec: req.TaskSpec,
		Status:   types.DeploymentInProgress,
		Phase:    types.PhaseProvisioning,
	}

	done := make(chan *types.Outcome, 1)
	outcome := &types.Outcome{DeploymentID: id, Service: req.Service, Status: types.DeploymentSucceeded, Phase: types.PhaseSucceeded}
	if f.outcome != nil {
		outcome = f.outcome
	}
	done <- outcome
	close(done)
	return id, done, nil
}

func (f *fakeEngine) Get(id string) (*types.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", deploy.ErrDeploymentNotFound, id)
	}
	return d, nil
}

func (f *fakeEngine) Active() []*types.Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Deployment, 0, len(f.deployments))
	for _, d := range f.deployments {
		out = append(out, d)
	}
	return out
}

func (f *fakeEngine) Approve(id string) error {
	if _, err := f.Get(id); err != nil {
		return err
	}
	return f.approveErr
}

func (f *fakeEngine) Rollback(id, reason string) error {
	if _, err := f.Get(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks[id] = reason
	return nil
}

func (f *fakeEngine) lastRequest() deploy.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeServices struct {
	services map[string]*types.Service
	err      error
}

func (f *fakeServices) GetService(name string) (*types.Service, error) {
	if s, ok := f.services[name]; ok {
		return s, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeServices) ListServices() ([]*types.Service, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*types.Service, 0, len(f.services))
	for _, s := range f.services {
		out = append(out, s)
	}
	return out, nil
}

type fakePipelines struct {
	mu        sync.Mutex
	triggered []types.SourceEvent
	triggerCh chan string
	runs      map[string]*types.PipelineRun
}

func newFakePipelines() *fakePipelines {
	return &fakePipelines{
		triggerCh: make(chan string, 8),
		runs:      make(map[string]*types.PipelineRun),
	}
}

func (f *fakePipelines) Pipelines() []string { return []string{"frontend"} }

func (f *fakePipelines) VerifyWebhook(_ context.Context, name string, body []byte, signature string) (types.SourceEvent, error) {
	if name != "frontend" {
		return types.SourceEvent{}, fmt.Errorf("%w: %s", pipeline.ErrPipelineNotFound, name)
	}
	if err := pipeline.VerifySignature([]byte("s3cret"), body, signature); err != nil {
		return types.SourceEvent{}, err
	}
	return pipeline.ParseSourceEvent(body)
}

func (f *fakePipelines) TriggerPipeline(_ context.Context, name string, ev types.SourceEvent) (*types.PipelineRun, error) {
	f.mu.Lock()
	f.triggered = append(f.triggered, ev)
	f.mu.Unlock()
	f.triggerCh <- name
	return &types.PipelineRun{Pipeline: name, Event: ev, Status: types.RunSucceeded}, nil
}

func (f *fakePipelines) Get(id string) (*types.PipelineRun, error) {
	if run, ok := f.runs[id]; ok {
		return run, nil
	}
	return nil, fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
}

func (f *fakePipelines) Runs(name string) ([]*types.PipelineRun, error) {
	if name != "frontend" {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrPipelineNotFound, name)
	}
	var out []*types.PipelineRun
	for _, run := range f.runs {
		out = append(out, run)
	}
	return out, nil
}

type fakeListeners []types.Listener

func (f fakeListeners) Listeners() []types.Listener { return f }

type fakeLeadership struct {
	leader bool
	addr   string
}

func (f *fakeLeadership) IsLeader() bool     { return f.leader }
func (f *fakeLeadership) LeaderAddr() string { return f.addr }
