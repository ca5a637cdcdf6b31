package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewTimer tests timer creation
func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)
	assert.False(t, timer.start.IsZero())
	assert.Less(t, time.Since(timer.start), time.Second)
}

// TestTimerDuration tests duration measurement
func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first, "duration should keep growing")
}

// TestTimerObserveDuration tests that observations land in the histogram
func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_stage_seconds",
		Help:    "Test histogram",
		Buckets: prometheus.DefBuckets,
	})

	NewTimer().ObserveDuration(histogram)

	count, err := testutil.GatherAndCount(registryWith(t, histogram), "test_stage_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestTimerObserveDurationVec tests labelled observations
func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_stage_vec_seconds",
			Help:    "Test histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline", "stage"},
	)

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "frontend", "Build")
	timer.ObserveDurationVec(vec, "frontend", "Deploy")

	assert.Equal(t, 2, testutil.CollectAndCount(vec))
}

func registryWith(t *testing.T, c prometheus.Collector) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
	return reg
}
