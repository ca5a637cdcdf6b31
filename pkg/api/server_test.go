package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cutover/pkg/deploy"
	"github.com/cuemby/cutover/pkg/events"
	"github.com/cuemby/cutover/pkg/pipeline"
	"github.com/cuemby/cutover/pkg/storage"
	"github.com/cuemby/cutover/pkg/types"
)

type testServer struct {
	server    *Server
	engine    *fakeEngine
	pipelines *fakePipelines
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	ts := &testServer{engine: newFakeEngine(), pipelines: newFakePipelines()}
	cfg := Config{
		Engine:    ts.engine,
		Pipelines: ts.pipelines,
		Listeners: fakeListeners{{Name: "production", ActivePool: "frontend-blue"}, {Name: "test", ActivePool: "frontend-green", Test: true}},
		Services: &fakeServices{services: map[string]*types.Service{
			"frontend": {
				Name:     "frontend",
				Strategy: types.StrategyBlueGreen,
				TaskSpec: &types.TaskSpec{Family: "frontend", ContainerName: "frontend", Image: "frontend:v1", CPU: 256, MemoryMiB: 512, Port: 8080},
			},
		}},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	var err error
	ts.server, err = NewServer(cfg)
	require.NoError(t, err)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func TestNewServerRequiresEngineAndServices(t *testing.T) {
	_, err := NewServer(Config{Services: &fakeServices{}})
	assert.Error(t, err)
	_, err = NewServer(Config{Engine: newFakeEngine()})
	assert.Error(t, err)
}

func TestReleaseEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       interface{}
		startErr   error
		wantStatus int
		wantImage  string
	}{
		{
			name:       "image only reuses live spec",
			path:       "/services/frontend/release",
			body:       ReleaseRequest{Image: "frontend:v2"},
			wantStatus: http.StatusAccepted,
			wantImage:  "frontend:v2",
		},
		{
			name: "full task spec",
			path: "/services/frontend/release",
			body: ReleaseRequest{TaskSpec: &types.TaskSpec{
				Family: "frontend", ContainerName: "frontend", Image: "frontend:v3", CPU: 512, MemoryMiB: 1024, Port: 8080,
			}},
			wantStatus: http.StatusAccepted,
			wantImage:  "frontend:v3",
		},
		{
			name:       "wait for outcome",
			path:       "/services/frontend/release?wait=true",
			body:       ReleaseRequest{Image: "frontend:v2"},
			wantStatus: http.StatusOK,
			wantImage:  "frontend:v2",
		},
		{
			name:       "nothing to release",
			path:       "/services/frontend/release",
			body:       ReleaseRequest{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown service",
			path:       "/services/missing/release",
			body:       ReleaseRequest{Image: "x:v1"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "release in flight",
			path:       "/services/frontend/release",
			body:       ReleaseRequest{Image: "frontend:v2"},
			startErr:   fmt.Errorf("%w: frontend", deploy.ErrDeploymentInProgress),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "invalid spec",
			path:       "/services/frontend/release",
			body:       ReleaseRequest{Image: "frontend:v2"},
			startErr:   &deploy.SpecError{Field: "cpu", Reason: "must be positive"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown field",
			path:       "/services/frontend/release",
			body:       map[string]string{"imag": "typo"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.engine.startErr = tt.startErr

			rec := ts.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantImage == "" {
				var resp ErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.NotEmpty(t, resp.Error)
				return
			}

			var resp ReleaseResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, "dep-1", resp.DeploymentID)
			assert.Equal(t, "frontend", resp.Service)
			assert.Equal(t, tt.wantImage, ts.engine.lastRequest().TaskSpec.Image)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, types.DeploymentSucceeded, resp.Status)
			} else {
				assert.Equal(t, types.DeploymentInProgress, resp.Status)
			}
		})
	}
}

func TestReleaseWaitReportsFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.engine.outcome = &types.Outcome{
		DeploymentID: "dep-1",
		Service:      "frontend",
		Status:       types.DeploymentRolledBack,
		Phase:        types.PhaseRolledBack,
		Err:          deploy.ErrHealthTimeout,
	}

	rec := ts.do(t, http.MethodPost, "/services/frontend/release?wait=1", ReleaseRequest{Image: "frontend:v2"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReleaseResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, types.DeploymentRolledBack, resp.Status)
	assert.Equal(t, deploy.ErrHealthTimeout.Error(), resp.Error)
}

func TestDeploymentSignals(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/services/frontend/release", ReleaseRequest{Image: "frontend:v2"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodGet, "/deployments/dep-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d types.Deployment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	assert.Equal(t, "frontend", d.Service)

	rec = ts.do(t, http.MethodPost, "/deployments/dep-1/approve", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodPost, "/deployments/dep-1/rollback", RollbackRequest{Reason: "bad canary"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "bad canary", ts.engine.rollbacks["dep-1"])

	ts.engine.approveErr = fmt.Errorf("%w: deployment dep-1 is Baking", deploy.ErrInvalidState)
	rec = ts.do(t, http.MethodPost, "/deployments/dep-1/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/deployments/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodPost, "/deployments/nope/rollback", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/deployments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active []*types.Deployment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&active))
	assert.Len(t, active, 1)
}

func TestReadEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.pipelines.runs["run-1"] = &types.PipelineRun{ID: "run-1", Pipeline: "frontend", Status: types.RunSucceeded}

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/services", http.StatusOK},
		{"/services/frontend", http.StatusOK},
		{"/services/missing", http.StatusNotFound},
		{"/listeners", http.StatusOK},
		{"/pipelines", http.StatusOK},
		{"/pipelines/frontend/runs", http.StatusOK},
		{"/pipelines/missing/runs", http.StatusNotFound},
		{"/runs/run-1", http.StatusOK},
		{"/runs/run-2", http.StatusNotFound},
		{"/livez", http.StatusOK},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}

	rec := ts.do(t, http.MethodGet, "/listeners", nil)
	var listeners []types.Listener
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listeners))
	require.Len(t, listeners, 2)
	assert.Equal(t, "frontend-blue", listeners[0].ActivePool)

	rec = ts.do(t, http.MethodDelete, "/services/frontend", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookEndpoint(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main","after":"0123456789abcdef","repository":{"full_name":"acme/frontend"}}`)

	tests := []struct {
		name       string
		pipeline   string
		signature  string
		wantStatus int
	}{
		{name: "valid", pipeline: "frontend", signature: pipeline.Sign([]byte("s3cret"), body), wantStatus: http.StatusAccepted},
		{name: "bad signature", pipeline: "frontend", signature: pipeline.Sign([]byte("wrong"), body), wantStatus: http.StatusUnauthorized},
		{name: "missing signature", pipeline: "frontend", wantStatus: http.StatusUnauthorized},
		{name: "unknown pipeline", pipeline: "backend", signature: pipeline.Sign([]byte("s3cret"), body), wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			req := httptest.NewRequest(http.MethodPost, "/webhooks/"+tt.pipeline, bytes.NewReader(body))
			if tt.signature != "" {
				req.Header.Set(pipeline.SignatureHeader, tt.signature)
			}
			rec := httptest.NewRecorder()
			ts.server.Handler().ServeHTTP(rec, req)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantStatus != http.StatusAccepted {
				return
			}
			select {
			case name := <-ts.pipelines.triggerCh:
				assert.Equal(t, "frontend", name)
			case <-time.After(time.Second):
				t.Fatal("pipeline was not triggered")
			}
			var resp TriggerResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, "0123456789abcdef", resp.Event.Commit)
			assert.Equal(t, "main", resp.Event.Branch)
		})
	}
}

func TestManualTrigger(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/pipelines/frontend/trigger", types.SourceEvent{
		Repository: "acme/frontend", Branch: "main", Commit: "abc1234",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "frontend", <-ts.pipelines.triggerCh)
}

func TestFollowerRejectsWrites(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.Leadership = &fakeLeadership{addr: "10.0.0.1:7946"}
	})

	rec := ts.do(t, http.MethodPost, "/services/frontend/release", ReleaseRequest{Image: "frontend:v2"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "10.0.0.1:7946")
	assert.Empty(t, ts.engine.requests)

	// Reads still work on a follower
	rec = ts.do(t, http.MethodGet, "/services/frontend", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookGuardIsApplied(t *testing.T) {
	guard, err := NewWebhookGuard(GuardConfig{AllowedCIDRs: []string{"10.0.0.0/8"}})
	require.NoError(t, err)
	ts := newTestServer(t, func(cfg *Config) { cfg.Guard = guard })

	// httptest requests come from 192.0.2.1
	rec := ts.do(t, http.MethodPost, "/webhooks/frontend", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", deploy.ErrDeploymentNotFound), http.StatusNotFound},
		{deploy.ErrServiceNotFound, http.StatusNotFound},
		{storage.ErrNotFound, http.StatusNotFound},
		{pipeline.ErrRunNotFound, http.StatusNotFound},
		{deploy.ErrDeploymentInProgress, http.StatusConflict},
		{deploy.ErrInvalidState, http.StatusConflict},
		{&deploy.SpecError{Field: "port"}, http.StatusBadRequest},
		{pipeline.ErrInvalidArtifact, http.StatusBadRequest},
		{pipeline.ErrInvalidSignature, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestEventStream(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	ts := newTestServer(t, func(cfg *Config) { cfg.Events = broker })
	srv := httptest.NewServer(ts.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?type=deployment.", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	broker.Publish(events.New(events.EventPipelineStarted, "filtered out", nil))
	broker.Publish(events.New(events.EventDeploymentSucceeded, "release of frontend succeeded", map[string]string{"service": "frontend"}))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	assert.True(t, strings.HasPrefix(lines[0], "id: "))
	assert.Equal(t, "event: deployment.succeeded", lines[1])
	assert.Contains(t, lines[2], "release of frontend succeeded")
}

func TestEventStreamDisabled(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
