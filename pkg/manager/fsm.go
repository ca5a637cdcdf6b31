package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/cutover/pkg/storage"
	"github.com/cuemby/cutover/pkg/types"
	"github.com/hashicorp/raft"
)

// Raft log operations
const (
	OpPutService    = "put_service"
	OpDeleteService = "delete_service"
	OpPutDeployment = "put_deployment"
	OpPutRun        = "put_run"
	OpPutBinding    = "put_binding"
)

// ReleaseFSM applies committed release-state commands to the local store
type ReleaseFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewReleaseFSM creates a new FSM instance
func NewReleaseFSM(store storage.Store) *ReleaseFSM {
	return &ReleaseFSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// NewCommand encodes v as the payload of op
func NewCommand(op string, v interface{}) (Command, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Command{}, fmt.Errorf("failed to marshal %s payload: %w", op, err)
	}
	return Command{Op: op, Data: data}, nil
}

// Apply applies a Raft log entry to the FSM
func (f *ReleaseFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpPutService:
		var service types.Service
		if err := json.Unmarshal(cmd.Data, &service); err != nil {
			return err
		}
		return f.store.PutService(&service)

	case OpDeleteService:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		return f.store.DeleteService(name)

	case OpPutDeployment:
		var deployment types.Deployment
		if err := json.Unmarshal(cmd.Data, &deployment); err != nil {
			return err
		}
		return f.store.PutDeployment(&deployment)

	case OpPutRun:
		var run types.PipelineRun
		if err := json.Unmarshal(cmd.Data, &run); err != nil {
			return err
		}
		return f.store.PutRun(&run)

	case OpPutBinding:
		var binding types.Binding
		if err := json.Unmarshal(cmd.Data, &binding); err != nil {
			return err
		}
		return f.store.PutBinding(&binding)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM
func (f *ReleaseFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap, err := f.store.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to export state: %w", err)
	}
	return &releaseSnapshot{state: snap}, nil
}

// Restore replaces the FSM state from a snapshot
func (f *ReleaseFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap storage.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Import(&snap); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	return nil
}

type releaseSnapshot struct {
	state *storage.Snapshot
}

// Persist writes the snapshot to the given SnapshotSink
func (s *releaseSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.state); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *releaseSnapshot) Release() {}
