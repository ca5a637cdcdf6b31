package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cutover/pkg/api"
	"github.com/cuemby/cutover/pkg/config"
	"github.com/cuemby/cutover/pkg/types"
)

const topology = `
namespace: test.local
release:
  approvalWait: 10ms
  terminationWait: 10ms
  provisionTimeout: 5s
  replacementTimeout: 5s
  healthPollInterval: 5ms
  bakeFailureChecks: 1
runtime:
  reconcileInterval: 5ms
router:
  drainTimeout: 50ms
listeners:
  - name: production
    pool: web-blue
  - name: test
    pool: web-green
    test: true
pools:
  - name: web-blue
  - name: web-green
  - name: api
services:
  - name: web
    strategy: blue-green
    desiredCount: 2
    pools: [web-blue, web-green]
    productionListener: production
    testListener: test
    taskSpec:
      image: web:v1
      cpu: 256
      memoryMiB: 512
      port: 8080
      env:
        API_URL: discovery://api:3000/v1
  - name: api
    desiredCount: 2
    taskSpec:
      image: api:v1
      cpu: 256
      memoryMiB: 512
      port: 3000
pipelines:
  - name: api
    repository: github.com/example/api
    build:
      type: tag
      repositoryURI: registry.local/api
      containerName: api
`

func newDaemon(t *testing.T, dataDir string) *Daemon {
	t.Helper()
	topo, err := config.Parse([]byte(topology))
	require.NoError(t, err)

	d, err := New(topo, Options{DataDir: dataDir, APIAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	return d
}

func run(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, d.Close())
	})

	for _, pool := range []string{"web-blue", "api"} {
		require.Eventually(t, func() bool {
			h, err := d.Router().HealthOf(pool)
			return err == nil && h == 1
		}, 5*time.Second, 5*time.Millisecond, "pool %s never became healthy", pool)
	}
}

func post(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	return rec
}

func TestDaemonBlueGreenReleaseThroughAPI(t *testing.T) {
	d := newDaemon(t, t.TempDir())
	run(t, d)

	rec := post(t, d.Handler(), "/services/web/release?wait=true", api.ReleaseRequest{Image: "web:v2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.ReleaseResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, types.DeploymentSucceeded, resp.Status, resp.Error)

	active, err := d.Router().Active("production")
	require.NoError(t, err)
	assert.Equal(t, "web-green", active)

	// Discovery references were expanded when the service was seeded
	svc, err := d.store.GetService("web")
	require.NoError(t, err)
	assert.Equal(t, "web:v2", svc.TaskSpec.Image)
	assert.Equal(t, "http://api.test.local:3000/v1", svc.TaskSpec.Env["API_URL"])
	assert.Equal(t, "web-green", svc.ActivePool)
}

func TestDaemonPipelineTrigger(t *testing.T) {
	d := newDaemon(t, t.TempDir())
	run(t, d)

	rec := post(t, d.Handler(), "/pipelines/api/trigger", types.SourceEvent{
		Repository: "github.com/example/api",
		Branch:     "main",
		Commit:     "89abcdef0123",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		runs, err := d.pipelines.Runs("api")
		return err == nil && len(runs) == 1 && runs[0].Status == types.RunSucceeded
	}, 10*time.Second, 10*time.Millisecond)

	svc, err := d.store.GetService("api")
	require.NoError(t, err)
	assert.Equal(t, "registry.local/api:89abcde", svc.TaskSpec.Image)
}

func TestSeedKeepsLiveSpecAcrossRestarts(t *testing.T) {
	dataDir := t.TempDir()
	ctx := context.Background()

	first := newDaemon(t, dataDir)
	require.NoError(t, first.Seed(ctx))
	svc, err := first.store.GetService("web")
	require.NoError(t, err)
	svc.TaskSpec.Image = "web:v7"
	svc.ActivePool = "web-green"
	require.NoError(t, first.store.PutService(svc))
	first.fleet.Stop()
	require.NoError(t, first.Close())

	second := newDaemon(t, dataDir)
	t.Cleanup(func() { second.Close() })
	require.NoError(t, second.Seed(ctx))

	svc, err = second.store.GetService("web")
	require.NoError(t, err)
	assert.Equal(t, "web:v7", svc.TaskSpec.Image)
	assert.Equal(t, "web-green", svc.ActivePool)
	assert.Equal(t, 2, svc.DesiredCount)

	_, err = second.fleet.Rollout(ctx, "web-web-green")
	assert.NoError(t, err)
}

func TestNewRejectsMissingTemplate(t *testing.T) {
	topo, err := config.Parse([]byte(topology))
	require.NoError(t, err)
	topo.Pipelines[0].TaskDefinition = "does-not-exist.json"

	_, err = New(topo, Options{DataDir: t.TempDir()})
	assert.Error(t, err)
}
