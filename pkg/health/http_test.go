package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		healthy bool
	}{
		{"200 ok", http.StatusOK, true},
		{"204 no content", http.StatusNoContent, true},
		{"302 redirect is not a pass", http.StatusFound, false},
		{"500 error", http.StatusInternalServerError, false},
		{"503 unavailable", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			result := NewHTTPChecker(server.URL).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.False(t, result.CheckedAt.IsZero())
		})
	}
}

func TestHTTPChecker_HeadersAndRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe") != "router" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusFound)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).
		WithHeader("X-Probe", "router").
		WithStatusRange(200, 399)
	checker.Client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	result := checker.Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.Equal(t, CheckTypeHTTP, checker.Type())
}

func TestHTTPChecker_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(20 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewTCPChecker(addr).WithTimeout(time.Second)
	assert.True(t, checker.Check(context.Background()).Healthy)
	assert.Equal(t, CheckTypeTCP, checker.Type())

	ln.Close()
	assert.False(t, checker.Check(context.Background()).Healthy)
}

func TestForTarget(t *testing.T) {
	cfg := DefaultConfig()
	checker := ForTarget("10.0.0.5:3000", cfg)
	require.IsType(t, &HTTPChecker{}, checker)
	assert.Equal(t, "http://10.0.0.5:3000/health", checker.(*HTTPChecker).URL)

	cfg.Path = ""
	assert.Equal(t, CheckTypeTCP, ForTarget("10.0.0.5:3000", cfg).Type())
}

func TestStatusUpdate(t *testing.T) {
	cfg := Config{HealthyThreshold: 2, UnhealthyThreshold: 3}
	pass := Result{Healthy: true, CheckedAt: time.Now()}
	fail := Result{Healthy: false, CheckedAt: time.Now()}

	tests := []struct {
		name    string
		results []Result
		want    State
	}{
		{"new target", nil, StateInitial},
		{"one pass is not enough", []Result{pass}, StateInitial},
		{"healthy after threshold", []Result{pass, pass}, StateHealthy},
		{"initial failure is unhealthy", []Result{fail}, StateUnhealthy},
		{"healthy tolerates blips", []Result{pass, pass, fail, fail}, StateHealthy},
		{"healthy to unhealthy", []Result{pass, pass, fail, fail, fail}, StateUnhealthy},
		{"recovery resets", []Result{pass, pass, fail, fail, pass, fail, fail}, StateHealthy},
		{"unhealthy recovers", []Result{fail, pass, pass}, StateHealthy},
	}

	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.name, " ", "_"), func(t *testing.T) {
			s := NewStatus()
			for _, r := range tt.results {
				s.Update(r, cfg)
			}
			assert.Equal(t, tt.want, s.State)
			assert.Equal(t, tt.want == StateHealthy, s.Healthy())
		})
	}
}
