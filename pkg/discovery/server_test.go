package discovery

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cutover/pkg/runtime"
	"github.com/cuemby/cutover/pkg/types"
)

type staticEndpoints map[string][]types.Target

func (s staticEndpoints) Endpoints(_ context.Context, set string) ([]types.Target, error) {
	targets, ok := s[set]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrReplicaSetNotFound, set)
	}
	return targets, nil
}

func startTestServer(t *testing.T) *Server {
	t.Helper()

	source := staticEndpoints{
		"backend-crystal": {
			{ID: "c1", Address: "127.0.0.1:3001", Healthy: true},
			{ID: "c2", Address: "127.0.0.2:3002", Healthy: true},
			{ID: "c3", Address: "127.0.0.3:3003", Healthy: false},
		},
		"backend-nodejs": {},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewServer(source, Config{ListenAddr: "127.0.0.1:0", Namespace: Namespace{Name: "service"}})
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func query(t *testing.T, srv *Server, name string, qtype uint16) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	client := &dns.Client{Net: "udp"}
	resp, _, err := client.Exchange(m, srv.Addr().String())
	require.NoError(t, err)
	return resp
}

func TestServerAnswers(t *testing.T) {
	srv := startTestServer(t)

	tests := []struct {
		name      string
		query     string
		qtype     uint16
		wantRcode int
		wantIPs   []string
	}{
		{
			name:      "healthy endpoints only",
			query:     "backend-crystal.service",
			qtype:     dns.TypeA,
			wantRcode: dns.RcodeSuccess,
			wantIPs:   []string{"127.0.0.1", "127.0.0.2"},
		},
		{
			name:      "case insensitive",
			query:     "Backend-Crystal.Service",
			qtype:     dns.TypeA,
			wantRcode: dns.RcodeSuccess,
			wantIPs:   []string{"127.0.0.1", "127.0.0.2"},
		},
		{
			name:      "no running replicas",
			query:     "backend-nodejs.service",
			qtype:     dns.TypeA,
			wantRcode: dns.RcodeSuccess,
		},
		{
			name:      "unknown replica set",
			query:     "missing.service",
			qtype:     dns.TypeA,
			wantRcode: dns.RcodeNameError,
		},
		{
			name:      "outside namespace",
			query:     "example.com",
			qtype:     dns.TypeA,
			wantRcode: dns.RcodeServerFailure,
		},
		{
			name:      "unsupported type",
			query:     "backend-crystal.service",
			qtype:     dns.TypeAAAA,
			wantRcode: dns.RcodeSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := query(t, srv, tt.query, tt.qtype)
			assert.Equal(t, tt.wantRcode, resp.Rcode)

			var ips []string
			for _, rr := range resp.Answer {
				a, ok := rr.(*dns.A)
				require.True(t, ok)
				ips = append(ips, a.A.String())
			}
			assert.ElementsMatch(t, tt.wantIPs, ips)
		})
	}
}

func TestServerStartTwice(t *testing.T) {
	srv := startTestServer(t)
	assert.Error(t, srv.Start(context.Background()))
	assert.IsType(t, &net.UDPAddr{}, srv.Addr())
}
