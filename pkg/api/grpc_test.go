package api

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startGRPC(t *testing.T) (*GRPCServer, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := NewGRPCServer("")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.ServeListener(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return g, healthpb.NewHealthClient(conn)
}

func TestGRPCHealth(t *testing.T) {
	g, client := startGRPC(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	g.SetServing(WriterService, false)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: WriterService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Error(t, err)
}

func TestGRPCWatchLeadership(t *testing.T) {
	g, client := startGRPC(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	leadership := &toggleLeadership{}
	g.WatchLeadership(ctx, leadership, 5*time.Millisecond)

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: WriterService})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.Status
	}

	assert.Eventually(t, func() bool { return status() == healthpb.HealthCheckResponse_NOT_SERVING }, 2*time.Second, 5*time.Millisecond)
	leadership.set(true)
	assert.Eventually(t, func() bool { return status() == healthpb.HealthCheckResponse_SERVING }, 2*time.Second, 5*time.Millisecond)
}

type toggleLeadership struct {
	leader atomic.Bool
}

func (l *toggleLeadership) IsLeader() bool     { return l.leader.Load() }
func (l *toggleLeadership) LeaderAddr() string { return "" }
func (l *toggleLeadership) set(v bool)         { l.leader.Store(v) }
