package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/cutover/pkg/events"
	"github.com/cuemby/cutover/pkg/log"
	"github.com/cuemby/cutover/pkg/metrics"
	"github.com/cuemby/cutover/pkg/runtime"
	"github.com/cuemby/cutover/pkg/storage"
	"github.com/cuemby/cutover/pkg/types"
)

// TrafficRouter is the part of the router the engine drives
type TrafficRouter interface {
	Bind(listener, pool string) error
	Swap(listener, from, to string) error
	Active(listener string) (string, error)
	HealthOf(pool string) (float64, error)
	Drain(ctx context.Context, pool string) error
}

// Store persists services and deployments
type Store interface {
	GetService(name string) (*types.Service, error)
	PutService(service *types.Service) error
	PutDeployment(deployment *types.Deployment) error
	GetDeployment(id string) (*types.Deployment, error)
	ListDeployments() ([]*types.Deployment, error)
	ListDeploymentsByService(service string) ([]*types.Deployment, error)
}

// Config wires the engine to its collaborators
type Config struct {
	Runtime runtime.Adapter
	Router  TrafficRouter
	Store   Store
	Events  *events.Broker
	Clock   Clock
}

// Request asks for a service to be released with a new task spec
type Request struct {
	Service  string
	TaskSpec *types.TaskSpec

	// Strategy defaults to the service's strategy
	Strategy types.Strategy

	// Config overrides the service's release config
	Config *types.ReleaseConfig
}

// Engine runs releases. Each service has at most one release in flight;
// releases of different services run concurrently.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	byService map[string]*release
	byID      map[string]*release
}

// release is the state of one in-flight deployment
type release struct {
	mu         sync.Mutex
	deployment *types.Deployment

	service *types.Service
	spec    *types.TaskSpec
	config  types.ReleaseConfig
	logger  zerolog.Logger

	approved    chan struct{}
	approveOnce sync.Once

	rollback       chan struct{}
	rollbackReason string
	committed      bool
}

// NewEngine creates a release engine
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("engine requires a runtime adapter")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("engine requires a traffic router")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}

	return &Engine{
		cfg:       cfg,
		logger:    log.WithComponent("deploy"),
		byService: make(map[string]*release),
		byID:      make(map[string]*release),
	}, nil
}

// Release runs a release to completion and returns its outcome.
// An error is returned only when the release was refused before it started;
// failed and rolled back releases report their cause in Outcome.Err.
func (e *Engine) Release(ctx context.Context, req Request) (*types.Outcome, error) {
	rel, outcome, err := e.prepare(req)
	if err != nil || outcome != nil {
		return outcome, err
	}
	return e.run(ctx, rel), nil
}

// Start accepts a release like Release does, then runs it in the background.
// It returns the deployment ID and a channel that yields the outcome once.
// ctx must outlive the release.
func (e *Engine) Start(ctx context.Context, req Request) (string, <-chan *types.Outcome, error) {
	rel, outcome, err := e.prepare(req)
	if err != nil {
		return "", nil, err
	}

	done := make(chan *types.Outcome, 1)
	if outcome != nil {
		done <- outcome
		close(done)
		return outcome.DeploymentID, done, nil
	}
	go func() {
		done <- e.run(ctx, rel)
		close(done)
	}()
	return rel.deployment.ID, done, nil
}

// prepare validates a request and claims the service. A non-nil outcome
// means the spec is already live.
func (e *Engine) prepare(req Request) (*release, *types.Outcome, error) {
	service, err := e.cfg.Store.GetService(req.Service)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrServiceNotFound, req.Service)
		}
		return nil, nil, fmt.Errorf("failed to load service %s: %w", req.Service, err)
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = service.Strategy
	}
	if strategy != service.Strategy {
		return nil, nil, &SpecError{
			Field:  "strategy",
			Reason: fmt.Sprintf("service %s is released with %s, not %s", service.Name, service.Strategy, strategy),
		}
	}

	cfg := service.Release
	if req.Config != nil {
		cfg = *req.Config
	}
	cfg = cfg.WithDefaults()

	spec := req.TaskSpec.Clone()
	if err := ValidateSpec(service, spec); err != nil {
		return nil, nil, err
	}
	if err := ValidateRelease(service, strategy, cfg); err != nil {
		return nil, nil, err
	}

	return e.begin(service, spec, strategy, cfg)
}

func (e *Engine) run(ctx context.Context, rel *release) *types.Outcome {
	defer e.end(rel)

	metrics.DeploymentsActive.Inc()
	defer metrics.DeploymentsActive.Dec()
	timer := metrics.NewTimer()

	strategy := rel.deployment.Strategy
	rel.logger.Info().
		Str("strategy", string(strategy)).
		Str("image", rel.spec.Image).
		Msg("Release started")
	e.cfg.Events.Publish(events.New(events.EventDeploymentStarted,
		fmt.Sprintf("release of %s started", rel.service.Name),
		map[string]string{"deployment_id": rel.deployment.ID, "service": rel.service.Name, "strategy": string(strategy)}))

	var status types.DeploymentStatus
	var err error
	switch strategy {
	case types.StrategyRolling:
		status, err = e.runRolling(ctx, rel)
	case types.StrategyBlueGreen:
		status, err = e.runBlueGreen(ctx, rel)
	}

	outcome := e.finish(rel, status, err)
	timer.ObserveDurationVec(metrics.DeploymentDuration, string(strategy))
	return outcome
}

// begin claims the service and records the new deployment. It returns a
// non-nil outcome instead when the spec is already live.
func (e *Engine) begin(service *types.Service, spec *types.TaskSpec, strategy types.Strategy, cfg types.ReleaseConfig) (*release, *types.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.byService[service.Name]; ok {
		return nil, nil, fmt.Errorf("%w: %s (deployment %s)", ErrDeploymentInProgress, service.Name, existing.deployment.ID)
	}

	if outcome := e.alreadyReleased(service, spec); outcome != nil {
		e.logger.Info().
			Str("service", service.Name).
			Str("deployment_id", outcome.DeploymentID).
			Msg("Task spec already released, nothing to do")
		return nil, outcome, nil
	}

	now := e.cfg.Clock.Now()
	d := &types.Deployment{
		ID:           uuid.New().String(),
		Service:      service.Name,
		Strategy:     strategy,
		TaskSpec:     spec,
		PreviousSpec: service.TaskSpec.Clone(),
		Status:       types.DeploymentInProgress,
		Phase:        types.PhasePending,
		History:      []types.PhaseTransition{{Phase: types.PhasePending, At: now, Message: "release requested"}},
		CreatedAt:    now,
	}
	if err := e.cfg.Store.PutDeployment(cloneDeployment(d)); err != nil {
		return nil, nil, fmt.Errorf("failed to record deployment: %w", err)
	}
	metrics.PhaseTransitions.WithLabelValues(string(strategy), string(types.PhasePending)).Inc()

	rel := &release{
		deployment: d,
		service:    service,
		spec:       spec,
		config:     cfg,
		logger:     log.WithDeploymentID("deploy", d.ID, service.Name),
		approved:   make(chan struct{}),
		rollback:   make(chan struct{}),
	}
	e.byService[service.Name] = rel
	e.byID[d.ID] = rel
	return rel, nil, nil
}

func (e *Engine) end(rel *release) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byService, rel.service.Name)
	delete(e.byID, rel.deployment.ID)
}

// alreadyReleased returns the outcome of the newest succeeded deployment
// when it released the spec that is live now. Later attempts that left the
// live replicas untouched are skipped.
func (e *Engine) alreadyReleased(service *types.Service, spec *types.TaskSpec) *types.Outcome {
	digest := spec.Digest()
	if service.TaskSpec.Digest() != digest {
		return nil
	}

	deployments, err := e.cfg.Store.ListDeploymentsByService(service.Name)
	if err != nil {
		return nil
	}
	for i := len(deployments) - 1; i >= 0; i-- {
		d := deployments[i]
		if d.Status == types.DeploymentSucceeded {
			if d.TaskSpec.Digest() != digest {
				return nil
			}
			return &types.Outcome{
				DeploymentID: d.ID,
				Service:      service.Name,
				Status:       d.Status,
				Phase:        d.Phase,
			}
		}
		if !leftLiveSpec(d) {
			return nil
		}
	}
	return nil
}

// leftLiveSpec reports whether a finished deployment left the service's
// live replicas as they were. A rolled back release restored them and a
// blue/green release that failed before baking never moved production.
// A failed rolling release may have replaced some of them.
func leftLiveSpec(d *types.Deployment) bool {
	switch {
	case d.Status == types.DeploymentRolledBack:
		return true
	case d.Status == types.DeploymentFailed && d.Strategy == types.StrategyBlueGreen:
		for _, tr := range d.History {
			if tr.Phase == types.PhaseBaking {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (e *Engine) finish(rel *release, status types.DeploymentStatus, cause error) *types.Outcome {
	now := e.cfg.Clock.Now()

	rel.mu.Lock()
	d := rel.deployment
	d.Status = status
	d.CompletedAt = now
	d.Archived = true
	if cause != nil {
		d.Error = cause.Error()
	}
	snapshot := cloneDeployment(d)
	rel.mu.Unlock()

	if err := e.cfg.Store.PutDeployment(snapshot); err != nil {
		rel.logger.Error().Err(err).Msg("Failed to record deployment outcome")
	}
	metrics.DeploymentsTotal.WithLabelValues(string(snapshot.Strategy), string(status)).Inc()

	eventType := events.EventDeploymentSucceeded
	switch status {
	case types.DeploymentFailed:
		eventType = events.EventDeploymentFailed
	case types.DeploymentRolledBack:
		eventType = events.EventDeploymentRolledBack
	}
	e.cfg.Events.Publish(events.New(eventType,
		fmt.Sprintf("release of %s %s", snapshot.Service, status),
		map[string]string{"deployment_id": snapshot.ID, "service": snapshot.Service, "phase": string(snapshot.Phase)}))

	logEvent := rel.logger.Info()
	if cause != nil {
		logEvent = rel.logger.Warn().Err(cause)
	}
	logEvent.
		Str("status", string(status)).
		Str("phase", string(snapshot.Phase)).
		Dur("duration", now.Sub(snapshot.CreatedAt)).
		Msg("Release finished")

	return &types.Outcome{
		DeploymentID: snapshot.ID,
		Service:      snapshot.Service,
		Status:       status,
		Phase:        snapshot.Phase,
		Err:          cause,
	}
}

// transition moves a deployment to a new phase and records it
func (e *Engine) transition(rel *release, phase types.Phase, message string) {
	rel.mu.Lock()
	d := rel.deployment
	d.Phase = phase
	d.History = append(d.History, types.PhaseTransition{Phase: phase, At: e.cfg.Clock.Now(), Message: message})
	snapshot := cloneDeployment(d)
	rel.mu.Unlock()

	if err := e.cfg.Store.PutDeployment(snapshot); err != nil {
		rel.logger.Error().Err(err).Str("phase", string(phase)).Msg("Failed to record phase")
	}
	metrics.PhaseTransitions.WithLabelValues(string(snapshot.Strategy), string(phase)).Inc()
	e.cfg.Events.Publish(events.New(events.EventDeploymentPhase, message,
		map[string]string{"deployment_id": snapshot.ID, "service": snapshot.Service, "phase": string(phase)}))

	rel.logger.Info().Str("phase", string(phase)).Msg(message)
}

// update mutates the deployment record outside of a phase change
func (e *Engine) update(rel *release, fn func(d *types.Deployment)) {
	rel.mu.Lock()
	fn(rel.deployment)
	snapshot := cloneDeployment(rel.deployment)
	rel.mu.Unlock()

	if err := e.cfg.Store.PutDeployment(snapshot); err != nil {
		rel.logger.Error().Err(err).Msg("Failed to record deployment")
	}
}

func (e *Engine) saveService(rel *release) {
	rel.service.UpdatedAt = e.cfg.Clock.Now()
	if err := e.cfg.Store.PutService(rel.service); err != nil {
		rel.logger.Error().Err(err).Msg("Failed to record service")
	}
}

func (r *release) phase() types.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deployment.Phase
}

// requestRollback signals the release to roll back. It reports false once
// the release has committed to its outcome.
func (r *release) requestRollback(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		return false
	}
	select {
	case <-r.rollback:
	default:
		r.rollbackReason = reason
		close(r.rollback)
	}
	return true
}

// commit closes the rollback window. It reports false when a rollback was
// requested first.
func (r *release) commit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.rollback:
		return false
	default:
	}
	r.committed = true
	return true
}

func (r *release) reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rollbackReason
}

// Approve ends the approval wait of a blue/green deployment early
func (e *Engine) Approve(id string) error {
	rel, err := e.activeRelease(id)
	if err != nil {
		return err
	}
	if rel.deployment.Strategy != types.StrategyBlueGreen {
		return fmt.Errorf("%w: %s deployments have no approval", ErrInvalidState, rel.deployment.Strategy)
	}

	switch phase := rel.phase(); phase {
	case types.PhasePending, types.PhaseProvisioning, types.PhaseAwaitingApproval:
	default:
		return fmt.Errorf("%w: deployment %s is %s", ErrInvalidState, id, phase)
	}

	rel.approveOnce.Do(func() { close(rel.approved) })
	e.cfg.Events.Publish(events.New(events.EventApprovalGranted,
		fmt.Sprintf("deployment %s approved", id),
		map[string]string{"deployment_id": id, "service": rel.service.Name}))
	rel.logger.Info().Msg("Approval granted")
	return nil
}

// Rollback asks a blue/green deployment to roll back. It preempts the
// approval wait, the cutover and the bake window, and is refused once the
// bake window has passed cleanly.
func (e *Engine) Rollback(id, reason string) error {
	rel, err := e.activeRelease(id)
	if err != nil {
		return err
	}
	if rel.deployment.Strategy != types.StrategyBlueGreen {
		return fmt.Errorf("%w: %s deployments are not rolled back", ErrInvalidState, rel.deployment.Strategy)
	}

	switch phase := rel.phase(); phase {
	case types.PhasePending, types.PhaseProvisioning, types.PhaseAwaitingApproval,
		types.PhaseCutover, types.PhaseBaking:
	default:
		return fmt.Errorf("%w: deployment %s is %s", ErrInvalidState, id, phase)
	}

	if reason == "" {
		reason = "operator requested rollback"
	}
	if !rel.requestRollback(reason) {
		return fmt.Errorf("%w: deployment %s passed its bake window", ErrInvalidState, id)
	}
	rel.logger.Warn().Str("reason", reason).Msg("Rollback requested")
	return nil
}

func (e *Engine) activeRelease(id string) (*release, error) {
	e.mu.Lock()
	rel, ok := e.byID[id]
	e.mu.Unlock()
	if ok {
		return rel, nil
	}

	if _, err := e.Get(id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: deployment %s is not in progress", ErrInvalidState, id)
}

// Get returns a deployment by ID
func (e *Engine) Get(id string) (*types.Deployment, error) {
	e.mu.Lock()
	rel, ok := e.byID[id]
	e.mu.Unlock()
	if ok {
		rel.mu.Lock()
		defer rel.mu.Unlock()
		return cloneDeployment(rel.deployment), nil
	}

	d, err := e.cfg.Store.GetDeployment(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
		}
		return nil, err
	}
	return d, nil
}

// Active returns the in-flight deployments, oldest first
func (e *Engine) Active() []*types.Deployment {
	e.mu.Lock()
	rels := make([]*release, 0, len(e.byID))
	for _, rel := range e.byID {
		rels = append(rels, rel)
	}
	e.mu.Unlock()

	out := make([]*types.Deployment, 0, len(rels))
	for _, rel := range rels {
		rel.mu.Lock()
		out = append(out, cloneDeployment(rel.deployment))
		rel.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Recover marks deployments left in progress by a previous process as
// failed. Call it once before accepting releases.
func (e *Engine) Recover() error {
	deployments, err := e.cfg.Store.ListDeployments()
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, d := range deployments {
		if d.Status.Terminal() {
			continue
		}
		if _, ok := e.byID[d.ID]; ok {
			continue
		}

		now := e.cfg.Clock.Now()
		d.Status = types.DeploymentFailed
		d.History = append(d.History, types.PhaseTransition{Phase: types.PhaseFailed, At: now, Message: "interrupted by restart"})
		d.Phase = types.PhaseFailed
		d.Error = "interrupted by restart"
		d.CompletedAt = now
		d.Archived = true
		if err := e.cfg.Store.PutDeployment(d); err != nil {
			return fmt.Errorf("failed to record interrupted deployment %s: %w", d.ID, err)
		}

		e.logger.Warn().
			Str("deployment_id", d.ID).
			Str("service", d.Service).
			Msg("Marked interrupted deployment as failed")
	}
	return nil
}

func cloneDeployment(d *types.Deployment) *types.Deployment {
	c := *d
	c.TaskSpec = d.TaskSpec.Clone()
	c.PreviousSpec = d.PreviousSpec.Clone()
	c.History = append([]types.PhaseTransition(nil), d.History...)
	return &c
}
