package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/cutover/pkg/api"
	"github.com/cuemby/cutover/pkg/config"
	"github.com/cuemby/cutover/pkg/deploy"
	"github.com/cuemby/cutover/pkg/discovery"
	"github.com/cuemby/cutover/pkg/events"
	"github.com/cuemby/cutover/pkg/health"
	"github.com/cuemby/cutover/pkg/log"
	"github.com/cuemby/cutover/pkg/manager"
	"github.com/cuemby/cutover/pkg/metrics"
	"github.com/cuemby/cutover/pkg/pipeline"
	"github.com/cuemby/cutover/pkg/router"
	"github.com/cuemby/cutover/pkg/runtime"
	"github.com/cuemby/cutover/pkg/storage"
	"github.com/cuemby/cutover/pkg/types"
)

// Options holds the process-level settings that are not part of the topology
type Options struct {
	DataDir string

	// RaftAddr replicates state through a single-node raft group when set.
	// Otherwise state lives in a local bolt database.
	RaftAddr string
	NodeID   string

	APIAddr  string
	GRPCAddr string // Empty disables the gRPC health service
	DNSAddr  string // Empty disables the discovery responder

	Webhook   api.GuardConfig
	AWSRegion string
	Version   string

	// ServeListeners binds the router's listener addresses. Tests drive the
	// router handlers directly instead.
	ServeListeners bool
}

// Daemon is a running cutover control plane
type Daemon struct {
	topo   *config.Topology
	opts   Options
	logger zerolog.Logger

	store     storage.Store
	manager   *manager.Manager
	events    *events.Broker
	router    *router.Router
	runner    runtime.Runner
	fleet     *runtime.Fleet
	engine    *deploy.Engine
	pipelines *pipeline.Coordinator
	dns       *discovery.Server
	api       *api.Server
	grpc      *api.GRPCServer
	guard     *api.WebhookGuard
	collector *metrics.Collector

	closeOnce sync.Once
}

// closer is implemented by runners that hold resources
type closer interface {
	Close() error
}

// New builds every component from the topology. Nothing listens or runs
// until Run is called.
func New(topo *config.Topology, opts Options) (*Daemon, error) {
	if opts.DataDir == "" {
		opts.DataDir = "./cutover-data"
	}
	if opts.NodeID == "" {
		opts.NodeID = "cutover-1"
	}
	metrics.SetVersion(opts.Version)

	d := &Daemon{
		topo:   topo,
		opts:   opts,
		logger: log.WithComponent("daemon"),
		events: events.NewBroker(),
	}

	if err := d.openStore(); err != nil {
		return nil, err
	}
	if err := d.build(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) openStore() error {
	if err := os.MkdirAll(d.opts.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if d.opts.RaftAddr == "" {
		store, err := storage.NewBoltStore(d.opts.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		d.store = store
		metrics.RegisterComponent("store", true, "bolt")
		return nil
	}

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:    d.opts.NodeID,
		BindAddr:  d.opts.RaftAddr,
		DataDir:   d.opts.DataDir,
		LogOutput: io.Discard,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	if err := mgr.Bootstrap(); err != nil {
		_ = mgr.Close()
		return fmt.Errorf("failed to bootstrap raft: %w", err)
	}
	if err := mgr.WaitForLeader(10 * time.Second); err != nil {
		_ = mgr.Close()
		return err
	}
	d.manager = mgr
	d.store = mgr
	metrics.RegisterComponent("store", true, "raft")
	return nil
}

func (d *Daemon) build() error {
	var err error
	topo := d.topo

	d.router, err = router.New(d.routerConfig())
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	switch topo.Runtime.Runner {
	case "containerd":
		cr, err := runtime.NewContainerdRunner(runtime.ContainerdConfig{SocketPath: topo.Runtime.ContainerdSocket})
		if err != nil {
			return fmt.Errorf("failed to connect to containerd: %w", err)
		}
		d.runner = cr
	default:
		d.runner = runtime.NewLocalRunner()
	}

	fleetCfg := runtime.FleetConfig{
		Runner:            d.runner,
		Registrar:         d.router,
		ReconcileInterval: topo.Runtime.ReconcileInterval.Std(),
		ProbeHealth:       topo.Runtime.ProbeHealth,
		MinHealthyPercent: topo.Runtime.MinHealthyPercent,
		MaxPercent:        topo.Runtime.MaxPercent,
		CrashLoopRestarts: topo.Runtime.CrashLoopRestarts,
	}
	if fleetCfg.ProbeHealth {
		fleetCfg.HealthCheck = d.healthConfig()
	}
	d.fleet, err = runtime.NewFleet(fleetCfg)
	if err != nil {
		return fmt.Errorf("failed to create fleet: %w", err)
	}

	d.engine, err = deploy.NewEngine(deploy.Config{
		Runtime: d.fleet,
		Router:  d.router,
		Store:   d.store,
		Events:  d.events,
	})
	if err != nil {
		return err
	}

	defs, err := d.pipelineDefinitions()
	if err != nil {
		return err
	}
	d.pipelines, err = pipeline.NewCoordinator(pipeline.Config{
		Pipelines: defs,
		Releaser:  d.engine,
		Store:     d.store,
		Secrets:   pipeline.NewSecretResolver(d.opts.AWSRegion, nil),
		Events:    d.events,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline coordinator: %w", err)
	}

	d.guard, err = api.NewWebhookGuard(d.opts.Webhook)
	if err != nil {
		return fmt.Errorf("invalid webhook guard: %w", err)
	}

	apiCfg := api.Config{
		Addr:      d.opts.APIAddr,
		Engine:    d.engine,
		Pipelines: d.pipelines,
		Listeners: d.router,
		Services:  d.store,
		Events:    d.events,
		Guard:     d.guard,
	}
	if d.manager != nil {
		apiCfg.Leadership = d.manager
	}
	d.api, err = api.NewServer(apiCfg)
	if err != nil {
		return err
	}

	if d.opts.GRPCAddr != "" {
		d.grpc = api.NewGRPCServer(d.opts.GRPCAddr)
	}
	if d.opts.DNSAddr != "" {
		d.dns = discovery.NewServer(d.fleet, discovery.Config{
			ListenAddr: d.opts.DNSAddr,
			Namespace:  discovery.Namespace{Name: topo.Namespace},
		})
	}

	if d.manager != nil {
		d.collector = metrics.NewCollector(d.store, d.manager)
	} else {
		d.collector = metrics.NewCollector(d.store, nil)
	}
	return nil
}

func (d *Daemon) routerConfig() router.Config {
	topo := d.topo
	cfg := router.Config{
		ProbeTargets: topo.Router.ProbeTargets,
		HealthCheck:  d.healthConfig(),
		DrainTimeout: topo.Router.DrainTimeout.Std(),
		Store:        d.store,
		Events:       d.events,
	}
	for _, l := range topo.Listeners {
		cfg.Listeners = append(cfg.Listeners, router.ListenerConfig{Name: l.Name, Addr: l.Addr, Pool: l.Pool, Test: l.Test})
	}
	for _, p := range topo.Pools {
		cfg.Pools = append(cfg.Pools, router.PoolConfig{Name: p.Name, HealthCheckPath: p.HealthCheckPath})
	}
	return cfg
}

func (d *Daemon) healthConfig() health.Config {
	cfg := health.DefaultConfig()
	r := d.topo.Router
	if r.HealthCheckInterval != 0 {
		cfg.Interval = r.HealthCheckInterval.Std()
	}
	if r.HealthCheckTimeout != 0 {
		cfg.Timeout = r.HealthCheckTimeout.Std()
	}
	if r.HealthyThreshold != 0 {
		cfg.HealthyThreshold = r.HealthyThreshold
	}
	if r.UnhealthyThreshold != 0 {
		cfg.UnhealthyThreshold = r.UnhealthyThreshold
	}
	return cfg
}

func (d *Daemon) pipelineDefinitions() ([]pipeline.Definition, error) {
	defs := make([]pipeline.Definition, 0, len(d.topo.Pipelines))
	for i := range d.topo.Pipelines {
		p := &d.topo.Pipelines[i]

		def := pipeline.Definition{
			Name:       p.Name,
			Repository: p.Repository,
			Branch:     p.Branch,
			Service:    p.Service,
			Secret:     p.Secret,
			Release:    d.topo.PipelineRelease(p),
		}

		switch p.Build.Type {
		case "command":
			def.Builder = &pipeline.CommandBuilder{
				Command:       p.Build.Command,
				WorkDir:       p.Build.WorkDir,
				RepositoryURI: p.Build.RepositoryURI,
				Env:           p.Build.Env,
				Timeout:       p.Build.Timeout.Std(),
			}
		default:
			def.Builder = &pipeline.TagBuilder{
				RepositoryURI: p.Build.RepositoryURI,
				ContainerName: p.Build.ContainerName,
			}
		}

		var err error
		if def.TaskDefinition, err = d.topo.ReadFile(p.TaskDefinition); err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", p.Name, err)
		}
		if def.AppSpec, err = d.topo.ReadFile(p.AppSpec); err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", p.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Seed records the declared services and starts their live replica sets.
// A service already in the store keeps its live task spec and active pool;
// everything else is refreshed from the topology.
func (d *Daemon) Seed(ctx context.Context) error {
	declared, err := d.topo.ServiceObjects()
	if err != nil {
		return err
	}

	for _, svc := range declared {
		stored, err := d.store.GetService(svc.Name)
		switch {
		case err == nil:
			svc.TaskSpec = stored.TaskSpec
			svc.ActivePool = stored.ActivePool
			svc.CreatedAt = stored.CreatedAt
		case errors.Is(err, storage.ErrNotFound):
			svc.CreatedAt = time.Now()
		default:
			return fmt.Errorf("failed to load service %s: %w", svc.Name, err)
		}
		svc.UpdatedAt = time.Now()
		if err := d.store.PutService(svc); err != nil {
			return fmt.Errorf("failed to record service %s: %w", svc.Name, err)
		}

		pool := svc.ActivePool
		if svc.Strategy == types.StrategyRolling {
			pool = svc.Pools[0]
		}
		set := svc.ReplicaSetName(pool)
		if svc.Strategy == types.StrategyRolling {
			if err := d.fleet.SetPacing(set, svc.Release.MinHealthyPercent, svc.Release.MaxPercent); err != nil {
				return fmt.Errorf("failed to pace %s: %w", set, err)
			}
		}
		if err := d.fleet.Upsert(ctx, set, svc.TaskSpec, svc.DesiredCount); err != nil {
			return fmt.Errorf("failed to start %s: %w", set, err)
		}
		if err := d.fleet.RegisterWithPool(ctx, set, pool); err != nil {
			return fmt.Errorf("failed to register %s with %s: %w", set, pool, err)
		}

		d.logger.Info().
			Str("service", svc.Name).
			Str("image", svc.TaskSpec.Image).
			Str("pool", pool).
			Int("desired", svc.DesiredCount).
			Msg("Service seeded")
	}
	return nil
}

// Run starts every component, seeds the services and serves until ctx is
// done
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.events.Start()
	go d.logEvents(ctx)

	if err := d.engine.Recover(); err != nil {
		return err
	}

	d.fleet.Start(ctx)
	d.router.StartProber(ctx)
	if err := d.Seed(ctx); err != nil {
		return err
	}
	metrics.RegisterComponent("router", true, fmt.Sprintf("%d listeners", len(d.topo.Listeners)))

	stopCh := make(chan struct{})
	defer close(stopCh)
	d.guard.StartPruning(10*time.Minute, stopCh)
	d.collector.Start()
	defer d.collector.Stop()

	if d.dns != nil {
		if err := d.dns.Start(ctx); err != nil {
			return err
		}
	}

	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	serve := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	serve("api", d.api.Serve)
	if d.grpc != nil {
		if d.manager != nil {
			d.grpc.WatchLeadership(ctx, d.manager, time.Second)
		}
		serve("grpc", d.grpc.Serve)
	}
	if d.opts.ServeListeners {
		serve("router", d.router.Serve)
	}
	metrics.RegisterComponent("api", true, d.opts.APIAddr)

	d.logger.Info().
		Str("api", d.opts.APIAddr).
		Int("services", len(d.topo.Services)).
		Int("pipelines", len(d.topo.Pipelines)).
		Msg("Control plane running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		d.logger.Error().Err(runErr).Msg("Component failed, shutting down")
	}
	cancel()
	metrics.UpdateComponent("api", false, "shutting down")
	wg.Wait()

	if d.dns != nil {
		if err := d.dns.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to stop discovery responder")
		}
	}
	d.fleet.Stop()
	d.events.Stop()
	return runErr
}

// logEvents writes every published event to the log
func (d *Daemon) logEvents(ctx context.Context) {
	sub := d.events.Subscribe()
	defer d.events.Unsubscribe(sub)
	logger := log.WithComponent("events")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			logger.Debug().
				Str("type", string(ev.Type)).
				Interface("metadata", ev.Metadata).
				Msg(ev.Message)
		}
	}
}

// Handler returns the API handler
func (d *Daemon) Handler() http.Handler {
	return d.api.Handler()
}

// Router returns the traffic router
func (d *Daemon) Router() *router.Router {
	return d.router
}

// Close releases the store and the runner. Replicas started by a local
// runner stop with it.
func (d *Daemon) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		if c, ok := d.runner.(closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
