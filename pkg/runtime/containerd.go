package runtime

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/cutover/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace for cutover replicas
	DefaultNamespace = "cutover"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// cpuPeriod is the CFS period used to turn CPU units into a quota
	cpuPeriod = 100000
)

// ContainerdConfig configures a ContainerdRunner
type ContainerdConfig struct {
	SocketPath  string
	Namespace   string
	Host        string // Address replicas are reachable on, default 127.0.0.1
	StopTimeout time.Duration
}

// ContainerdRunner runs replicas as containerd tasks in the host network
// namespace. Each replica gets a free host port passed as PORT.
type ContainerdRunner struct {
	client      *containerd.Client
	namespace   string
	host        string
	stopTimeout time.Duration
}

// NewContainerdRunner connects to containerd
func NewContainerdRunner(cfg ContainerdConfig) (*ContainerdRunner, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}

	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRunner{
		client:      client,
		namespace:   cfg.Namespace,
		host:        cfg.Host,
		stopTimeout: cfg.StopTimeout,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRunner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Start implements Runner: pull, create and start the replica
func (r *ContainerdRunner) Start(ctx context.Context, replica *Replica) (string, error) {
	if replica.Spec == nil {
		return "", fmt.Errorf("replica %s has no task spec", replica.ID)
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	spec := replica.Spec

	image, err := r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
	}

	port, err := freePort(r.host)
	if err != nil {
		return "", fmt.Errorf("failed to allocate port: %w", err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(replicaEnv(spec.Env, port)),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
		withResourceLimits(spec.CPU, spec.MemoryMiB),
	}

	container, err := r.client.NewContainer(
		ctx,
		replica.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(replica.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	return net.JoinHostPort(r.host, strconv.Itoa(port)), nil
}

// Stop implements Runner: SIGTERM, then SIGKILL after the stop timeout,
// then delete the container and its snapshot
func (r *ContainerdRunner) Stop(ctx context.Context, replicaID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, replicaID)
	if err != nil {
		// Already gone
		return nil
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if err := r.stopTask(ctx, task); err != nil {
			log.Logger.Warn().Err(err).Str("component", "containerd").Str("replica", replicaID).Msg("Failed to stop task cleanly")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

func (r *ContainerdRunner) stopTask(ctx context.Context, task containerd.Task) error {
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-time.After(r.stopTimeout):
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// State implements Runner
func (r *ContainerdRunner) State(ctx context.Context, replicaID string) (ReplicaState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, replicaID)
	if err != nil {
		return ReplicaExited, nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return ReplicaExited, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return ReplicaPending, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return ReplicaRunning, nil
	case containerd.Stopped:
		return ReplicaExited, nil
	default:
		return ReplicaPending, nil
	}
}

// withResourceLimits maps task CPU units (1024 per vCPU) and a hard memory
// limit onto the OCI linux resources
func withResourceLimits(cpuUnits, memoryMiB int) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *oci.Spec) error {
		if cpuUnits <= 0 && memoryMiB <= 0 {
			return nil
		}
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		if cpuUnits > 0 {
			shares := uint64(cpuUnits)
			period := uint64(cpuPeriod)
			quota := int64(cpuUnits) * cpuPeriod / 1024
			s.Linux.Resources.CPU = &specs.LinuxCPU{
				Shares: &shares,
				Quota:  &quota,
				Period: &period,
			}
		}
		if memoryMiB > 0 {
			limit := int64(memoryMiB) * 1024 * 1024
			s.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &limit}
		}
		return nil
	}
}

func replicaEnv(env map[string]string, port int) []string {
	out := make([]string, 0, len(env)+1)
	for k, v := range env {
		if k == "PORT" {
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return append(out, "PORT="+strconv.Itoa(port))
}

func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
