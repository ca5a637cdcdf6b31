package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(version string) {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		critical:   []string{"store", "router", "api"},
		startTime:  time.Now(),
		version:    version,
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealth("")

	RegisterComponent("router", true, "2 listeners")
	UpdateComponent("router", false, "listener production not bound")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components["router"]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "listener production not bound", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{
			name:       "all healthy",
			components: map[string]bool{"store": true, "router": true},
			want:       "healthy",
		},
		{
			name:       "one unhealthy",
			components: map[string]bool{"store": true, "router": false},
			want:       "unhealthy",
		},
		{
			name: "nothing registered",
			want: "healthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("1.0.0")
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "down")
			}

			health := GetHealth()
			assert.Equal(t, tt.want, health.Status)
			assert.Equal(t, "1.0.0", health.Version)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name     string
		critical []string
		register map[string]bool
		want     string
	}{
		{
			name:     "all critical ready",
			register: map[string]bool{"store": true, "router": true, "api": true},
			want:     "ready",
		},
		{
			name:     "critical missing",
			register: map[string]bool{"api": true},
			want:     "not_ready",
		},
		{
			name:     "critical unhealthy",
			register: map[string]bool{"store": true, "router": false, "api": true},
			want:     "not_ready",
		},
		{
			name:     "custom critical set",
			critical: []string{"raft"},
			register: map[string]bool{"raft": true},
			want:     "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("")
			if tt.critical != nil {
				SetCriticalComponents(tt.critical...)
			}
			for name, healthy := range tt.register {
				RegisterComponent(name, healthy, "")
			}

			readiness := GetReadiness()
			assert.Equal(t, tt.want, readiness.Status)
			if tt.want != "ready" {
				assert.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func TestHealthHandlers(t *testing.T) {
	resetHealth("test")
	RegisterComponent("store", true, "")
	RegisterComponent("router", true, "")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)

	// api is critical and not registered yet
	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	RegisterComponent("api", true, "")
	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var live map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&live))
	assert.Equal(t, "alive", live["status"])
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetHealth("")
	RegisterComponent("router", false, "no listeners")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
