package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/cutover/pkg/log"
	"github.com/cuemby/cutover/pkg/storage"
	"github.com/cuemby/cutover/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Manager replicates release state through raft.
// Writes go through the raft log; reads are served from the local store.
type Manager struct {
	nodeID        string
	bindAddr      string
	advertiseAddr string
	dataDir       string
	logOutput     io.Writer
	applyTimeout  time.Duration

	raft  *raft.Raft
	fsm   *ReleaseFSM
	store *storage.BoltStore
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID        string
	BindAddr      string
	AdvertiseAddr string // Defaults to the bound listener address
	DataDir       string
	LogOutput     io.Writer
	ApplyTimeout  time.Duration
}

var _ storage.Store = (*Manager)(nil)

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	applyTimeout := cfg.ApplyTimeout
	if applyTimeout == 0 {
		applyTimeout = 5 * time.Second
	}
	logOutput := cfg.LogOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}

	return &Manager{
		nodeID:        cfg.NodeID,
		bindAddr:      cfg.BindAddr,
		advertiseAddr: cfg.AdvertiseAddr,
		dataDir:       cfg.DataDir,
		logOutput:     logOutput,
		applyTimeout:  applyTimeout,
		fsm:           NewReleaseFSM(store),
		store:         store,
	}, nil
}

// Bootstrap starts raft and forms a single-node cluster.
// Restarting on an existing data directory reuses the stored configuration.
func (m *Manager) Bootstrap() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.LogOutput = m.logOutput

	// Tuned for LAN failover in a few seconds; the defaults target WAN.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	var advertise net.Addr
	if m.advertiseAddr != "" {
		addr, err := net.ResolveTCPAddr("tcp", m.advertiseAddr)
		if err != nil {
			return fmt.Errorf("failed to resolve advertise address: %w", err)
		}
		advertise = addr
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, advertise, 3, 10*time.Second, m.logOutput)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, m.logOutput)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return fmt.Errorf("failed to inspect raft state: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	if hasState {
		log.Logger.Info().Str("component", "manager").Str("node_id", m.nodeID).Msg("Resuming existing raft state")
		return nil
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      config.LocalID,
				Address: transport.LocalAddr(),
			},
		},
	}

	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	log.Logger.Info().
		Str("component", "manager").
		Str("node_id", m.nodeID).
		Str("addr", string(transport.LocalAddr())).
		Msg("Bootstrapped single-node raft cluster")
	return nil
}

// WaitForLeader blocks until this node becomes leader or timeout elapses
func (m *Manager) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.IsLeader() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no leader elected within %s", timeout)
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// AppliedIndex returns the last applied raft log index
func (m *Manager) AppliedIndex() uint64 {
	if m.raft == nil {
		return 0
	}
	return m.raft.AppliedIndex()
}

// Apply submits a command to the Raft cluster
func (m *Manager) Apply(cmd Command) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, m.applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) apply(op string, v interface{}) error {
	cmd, err := NewCommand(op, v)
	if err != nil {
		return err
	}
	return m.Apply(cmd)
}

// PutService replicates a service record
func (m *Manager) PutService(service *types.Service) error {
	return m.apply(OpPutService, service)
}

// DeleteService replicates a service removal
func (m *Manager) DeleteService(name string) error {
	return m.apply(OpDeleteService, name)
}

// PutDeployment replicates a deployment record
func (m *Manager) PutDeployment(deployment *types.Deployment) error {
	return m.apply(OpPutDeployment, deployment)
}

// PutRun replicates a pipeline run record
func (m *Manager) PutRun(run *types.PipelineRun) error {
	return m.apply(OpPutRun, run)
}

// PutBinding replicates a listener binding
func (m *Manager) PutBinding(binding *types.Binding) error {
	return m.apply(OpPutBinding, binding)
}

// Read operations (local)

func (m *Manager) GetService(name string) (*types.Service, error) {
	return m.store.GetService(name)
}

func (m *Manager) ListServices() ([]*types.Service, error) {
	return m.store.ListServices()
}

func (m *Manager) GetDeployment(id string) (*types.Deployment, error) {
	return m.store.GetDeployment(id)
}

func (m *Manager) ListDeployments() ([]*types.Deployment, error) {
	return m.store.ListDeployments()
}

func (m *Manager) ListDeploymentsByService(service string) ([]*types.Deployment, error) {
	return m.store.ListDeploymentsByService(service)
}

func (m *Manager) GetRun(id string) (*types.PipelineRun, error) {
	return m.store.GetRun(id)
}

func (m *Manager) ListRuns() ([]*types.PipelineRun, error) {
	return m.store.ListRuns()
}

func (m *Manager) ListRunsByPipeline(pipeline string) ([]*types.PipelineRun, error) {
	return m.store.ListRunsByPipeline(pipeline)
}

func (m *Manager) GetBinding(listener string) (*types.Binding, error) {
	return m.store.GetBinding(listener)
}

func (m *Manager) ListBindings() ([]*types.Binding, error) {
	return m.store.ListBindings()
}

// Export returns the local replica's state
func (m *Manager) Export() (*storage.Snapshot, error) {
	return m.store.Export()
}

// Import is not replicated; state changes must go through the log
func (m *Manager) Import(*storage.Snapshot) error {
	return fmt.Errorf("import is not supported on a replicated store")
}

// Close shuts down raft and closes the local store
func (m *Manager) Close() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	return nil
}
