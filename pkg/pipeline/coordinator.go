package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/cutover/pkg/deploy"
	"github.com/cuemby/cutover/pkg/events"
	"github.com/cuemby/cutover/pkg/log"
	"github.com/cuemby/cutover/pkg/metrics"
	"github.com/cuemby/cutover/pkg/storage"
	"github.com/cuemby/cutover/pkg/types"
)

// Artifact names recorded on a run
const (
	SourceArtifactName = "SourceArtifact"
	BuildArtifactName  = "BuildArtifact"
)

// Releaser starts a release. *deploy.Engine implements it.
type Releaser interface {
	Release(ctx context.Context, req deploy.Request) (*types.Outcome, error)
}

// Store persists pipeline runs and reads services
type Store interface {
	GetService(name string) (*types.Service, error)
	PutRun(run *types.PipelineRun) error
	GetRun(id string) (*types.PipelineRun, error)
	ListRunsByPipeline(pipeline string) ([]*types.PipelineRun, error)
}

// Definition declares one pipeline
type Definition struct {
	Name       string
	Repository string
	Branch     string
	Service    string
	Builder    Builder

	// Secret is a reference to the webhook secret (see SecretResolver).
	// Empty disables signature verification.
	Secret string

	// TaskDefinition and AppSpec are used by blue/green deploys. Without a
	// task definition the service's current spec gets the new image.
	TaskDefinition []byte
	AppSpec        []byte

	// Release overrides the service's release config
	Release *types.ReleaseConfig
}

// Config configures a Coordinator
type Config struct {
	Pipelines []Definition
	Releaser  Releaser
	Store     Store
	Secrets   *SecretResolver
	Events    *events.Broker
}

type pipelineState struct {
	def Definition
	// Serializes runs of one pipeline
	mu sync.Mutex
}

// Coordinator runs Source -> Build -> Deploy for each source event
type Coordinator struct {
	cfg       Config
	logger    zerolog.Logger
	pipelines map[string]*pipelineState
}

// NewCoordinator validates the pipeline definitions and creates a coordinator
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Releaser == nil || cfg.Store == nil {
		return nil, fmt.Errorf("coordinator requires a releaser and a store")
	}
	if cfg.Secrets == nil {
		cfg.Secrets = NewSecretResolver("", nil)
	}

	c := &Coordinator{
		cfg:       cfg,
		logger:    log.WithComponent("pipeline"),
		pipelines: make(map[string]*pipelineState),
	}
	for _, def := range cfg.Pipelines {
		switch {
		case def.Name == "":
			return nil, fmt.Errorf("pipeline has no name")
		case def.Repository == "" || def.Branch == "":
			return nil, fmt.Errorf("pipeline %s needs a repository and branch", def.Name)
		case def.Service == "":
			return nil, fmt.Errorf("pipeline %s has no target service", def.Name)
		case def.Builder == nil:
			return nil, fmt.Errorf("pipeline %s has no builder", def.Name)
		}
		if _, exists := c.pipelines[def.Name]; exists {
			return nil, fmt.Errorf("duplicate pipeline %s", def.Name)
		}
		c.pipelines[def.Name] = &pipelineState{def: def}
	}
	return c, nil
}

// Pipelines returns the pipeline names, sorted
func (c *Coordinator) Pipelines() []string {
	names := make([]string, 0, len(c.pipelines))
	for name := range c.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trigger runs the pipeline watching the event's repository and branch.
// When a stage fails the returned run is complete and the error is a
// *StageFailedError.
func (c *Coordinator) Trigger(ctx context.Context, ev types.SourceEvent) (*types.PipelineRun, error) {
	for _, name := range c.Pipelines() {
		def := c.pipelines[name].def
		if sameRepository(def.Repository, ev.Repository) && def.Branch == ev.Branch {
			return c.TriggerPipeline(ctx, name, ev)
		}
	}
	return nil, fmt.Errorf("%w: nothing watches %s@%s", ErrPipelineNotFound, ev.Repository, ev.Branch)
}

// HandleWebhook verifies a webhook body for the named pipeline and runs it
func (c *Coordinator) HandleWebhook(ctx context.Context, name string, body []byte, signature string) (*types.PipelineRun, error) {
	ev, err := c.VerifyWebhook(ctx, name, body, signature)
	if err != nil {
		return nil, err
	}
	return c.TriggerPipeline(ctx, name, ev)
}

// VerifyWebhook checks the signature of a webhook body for the named
// pipeline and decodes the source event it carries
func (c *Coordinator) VerifyWebhook(ctx context.Context, name string, body []byte, signature string) (types.SourceEvent, error) {
	ps, ok := c.pipelines[name]
	if !ok {
		return types.SourceEvent{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}

	if ps.def.Secret != "" {
		secret, err := c.cfg.Secrets.Resolve(ctx, ps.def.Secret)
		if err != nil {
			return types.SourceEvent{}, fmt.Errorf("failed to resolve webhook secret of %s: %w", name, err)
		}
		if err := VerifySignature([]byte(secret), body, signature); err != nil {
			return types.SourceEvent{}, err
		}
	}

	return ParseSourceEvent(body)
}

// TriggerPipeline runs the named pipeline for ev. Runs of one pipeline are
// serialized. An event without repository or branch takes the pipeline's.
func (c *Coordinator) TriggerPipeline(ctx context.Context, name string, ev types.SourceEvent) (*types.PipelineRun, error) {
	ps, ok := c.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	if ev.Repository == "" {
		ev.Repository = ps.def.Repository
	}
	if ev.Branch == "" {
		ev.Branch = ps.def.Branch
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	run := &types.PipelineRun{
		ID:        uuid.New().String(),
		Pipeline:  name,
		Event:     ev,
		Status:    types.RunInProgress,
		Artifacts: make(map[string]*types.ArtifactRef),
		CreatedAt: time.Now(),
	}
	logger := log.WithRunID(run.ID, name)
	c.save(run, logger)

	logger.Info().
		Str("repository", ev.Repository).
		Str("branch", ev.Branch).
		Str("commit", ev.Commit).
		Msg("Pipeline run started")
	c.cfg.Events.Publish(events.New(events.EventPipelineStarted,
		fmt.Sprintf("pipeline %s started for %s", name, ev.Commit),
		map[string]string{"run_id": run.ID, "pipeline": name, "commit": ev.Commit}))

	r := &runner{c: c, def: ps.def, run: run, logger: logger}
	err := r.execute(ctx)

	run.FinishedAt = time.Now()
	if err != nil {
		run.Error = err.Error()
		if run.Status == types.RunInProgress {
			run.Status = types.RunFailed
		}
	} else {
		run.Status = types.RunSucceeded
	}
	c.save(run, logger)

	metrics.PipelineRunsTotal.WithLabelValues(name, string(run.Status)).Inc()
	c.cfg.Events.Publish(events.New(events.EventPipelineFinished,
		fmt.Sprintf("pipeline %s finished: %s", name, run.Status),
		map[string]string{"run_id": run.ID, "pipeline": name, "status": string(run.Status)}))

	if err != nil {
		logger.Error().Err(err).Str("status", string(run.Status)).Msg("Pipeline run failed")
		return run, err
	}
	logger.Info().Str("deployment_id", run.DeploymentID).Msg("Pipeline run succeeded")
	return run, nil
}

// Get returns a pipeline run
func (c *Coordinator) Get(id string) (*types.PipelineRun, error) {
	run, err := c.cfg.Store.GetRun(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// Runs returns the runs of a pipeline, oldest first
func (c *Coordinator) Runs(name string) ([]*types.PipelineRun, error) {
	if _, ok := c.pipelines[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	return c.cfg.Store.ListRunsByPipeline(name)
}

func (c *Coordinator) save(run *types.PipelineRun, logger zerolog.Logger) {
	if err := c.cfg.Store.PutRun(run); err != nil {
		logger.Error().Err(err).Msg("Failed to persist pipeline run")
	}
}

// sameRepository compares repository references ignoring scheme, host
// prefix, case and a .git suffix
func sameRepository(a, b string) bool {
	na, nb := normalizeRepository(a), normalizeRepository(b)
	if na == nb {
		return true
	}
	return strings.HasSuffix(na, "/"+nb) || strings.HasSuffix(nb, "/"+na)
}

func normalizeRepository(r string) string {
	r = strings.ToLower(strings.TrimSpace(r))
	for _, prefix := range []string{"https://", "http://", "ssh://", "git@"} {
		r = strings.TrimPrefix(r, prefix)
	}
	r = strings.Replace(r, ":", "/", 1)
	r = strings.TrimSuffix(r, "/")
	return strings.TrimSuffix(r, ".git")
}
