package manager

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cutover/pkg/storage"
	"github.com/cuemby/cutover/pkg/types"
)

func newTestFSM(t *testing.T) (*ReleaseFSM, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewReleaseFSM(store), store
}

func applyCommand(t *testing.T, fsm *ReleaseFSM, op string, v interface{}) interface{} {
	t.Helper()
	cmd, err := NewCommand(op, v)
	require.NoError(t, err)
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: data})
}

func TestFSMApply(t *testing.T) {
	fsm, store := newTestFSM(t)

	tests := []struct {
		name  string
		op    string
		value interface{}
		check func(t *testing.T)
	}{
		{
			name:  "put service",
			op:    OpPutService,
			value: &types.Service{Name: "frontend", ActivePool: "blue"},
			check: func(t *testing.T) {
				svc, err := store.GetService("frontend")
				require.NoError(t, err)
				assert.Equal(t, "blue", svc.ActivePool)
			},
		},
		{
			name:  "put deployment",
			op:    OpPutDeployment,
			value: &types.Deployment{ID: "d1", Service: "frontend", Phase: types.PhaseBaking},
			check: func(t *testing.T) {
				d, err := store.GetDeployment("d1")
				require.NoError(t, err)
				assert.Equal(t, types.PhaseBaking, d.Phase)
			},
		},
		{
			name:  "put run",
			op:    OpPutRun,
			value: &types.PipelineRun{ID: "r1", Pipeline: "frontend", Status: types.RunSucceeded},
			check: func(t *testing.T) {
				r, err := store.GetRun("r1")
				require.NoError(t, err)
				assert.Equal(t, types.RunSucceeded, r.Status)
			},
		},
		{
			name:  "put binding",
			op:    OpPutBinding,
			value: &types.Binding{Listener: "production", Pool: "green"},
			check: func(t *testing.T) {
				b, err := store.GetBinding("production")
				require.NoError(t, err)
				assert.Equal(t, "green", b.Pool)
			},
		},
		{
			name:  "delete service",
			op:    OpDeleteService,
			value: "frontend",
			check: func(t *testing.T) {
				_, err := store.GetService("frontend")
				assert.ErrorIs(t, err, storage.ErrNotFound)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := applyCommand(t, fsm, tt.op, tt.value)
			assert.Nil(t, resp)
			tt.check(t)
		})
	}
}

func TestFSMApplyUnknownCommand(t *testing.T) {
	fsm, _ := newTestFSM(t)

	resp := applyCommand(t, fsm, "drop_everything", nil)
	err, ok := resp.(error)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "unknown command")

	resp = fsm.Apply(&raft.Log{Data: []byte("not json")})
	_, ok = resp.(error)
	assert.True(t, ok)
}

type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	src, _ := newTestFSM(t)
	applyCommand(t, src, OpPutService, &types.Service{Name: "backend-nodejs", DesiredCount: 3})
	applyCommand(t, src, OpPutBinding, &types.Binding{Listener: "production", Pool: "blue"})

	snap, err := src.Snapshot()
	require.NoError(t, err)

	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)
	snap.Release()

	dst, dstStore := newTestFSM(t)
	require.NoError(t, dst.Restore(io.NopCloser(&sink.Buffer)))

	svc, err := dstStore.GetService("backend-nodejs")
	require.NoError(t, err)
	assert.Equal(t, 3, svc.DesiredCount)

	b, err := dstStore.GetBinding("production")
	require.NoError(t, err)
	assert.Equal(t, "blue", b.Pool)
}
