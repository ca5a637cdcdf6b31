package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains target health-check settings
type Config struct {
	// Path is the HTTP path probed on each target. Empty means a TCP check.
	Path string

	// Interval is the time between health checks
	Interval time.Duration

	// Timeout is the maximum time to wait for a health check to complete
	Timeout time.Duration

	// HealthyThreshold is the number of consecutive successes before a
	// target is considered healthy
	HealthyThreshold int

	// UnhealthyThreshold is the number of consecutive failures before a
	// healthy target is considered unhealthy
	UnhealthyThreshold int
}

// DefaultConfig returns the target group defaults of the reference topology
func DefaultConfig() Config {
	return Config{
		Path:               "/health",
		Interval:           10 * time.Second,
		Timeout:            5 * time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	}
}

// ForTarget returns the checker for a host:port target
func ForTarget(address string, cfg Config) Checker {
	if cfg.Path == "" {
		return NewTCPChecker(address).WithTimeout(cfg.Timeout)
	}
	return NewHTTPChecker("http://" + address + cfg.Path).WithTimeout(cfg.Timeout)
}

// State is the health state of a target
type State string

const (
	StateInitial   State = "initial"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// Status tracks the health of one target across checks.
// A new target is not healthy until it passes HealthyThreshold checks.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	State                State
	StartedAt            time.Time
}

// NewStatus creates a Status in the initial state
func NewStatus() *Status {
	return &Status{
		State:     StateInitial,
		StartedAt: time.Now(),
	}
}

// Healthy reports whether the target may receive traffic
func (s *Status) Healthy() bool {
	return s.State == StateHealthy
}

// Update folds a new check result into the status
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	healthyAfter := max(config.HealthyThreshold, 1)
	unhealthyAfter := max(config.UnhealthyThreshold, 1)

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		if s.ConsecutiveSuccesses >= healthyAfter {
			s.State = StateHealthy
		}
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	switch s.State {
	case StateHealthy:
		if s.ConsecutiveFailures >= unhealthyAfter {
			s.State = StateUnhealthy
		}
	default:
		s.State = StateUnhealthy
	}
}
