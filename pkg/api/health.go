package api

import (
	"fmt"
	"net/http"

	"github.com/cuemby/cutover/pkg/metrics"
)

// Leadership reports raft leadership of this node
type Leadership interface {
	IsLeader() bool
	LeaderAddr() string
}

// HealthServer serves readiness. Component health comes from the metrics
// registry; raft and storage are probed on each request.
type HealthServer struct {
	leadership Leadership
	services   Services
}

// NewHealthServer creates a health server. Both arguments may be nil.
func NewHealthServer(leadership Leadership, services Services) *HealthServer {
	return &HealthServer{leadership: leadership, services: services}
}

// readyHandler implements /ready: critical components are up, a leader is
// known and the store answers reads
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	readiness := metrics.GetReadiness()
	if readiness.Components == nil {
		readiness.Components = make(map[string]string)
	}
	ready := readiness.Status == "ready"
	notReady := func(msg string) {
		if ready {
			readiness.Message = msg
		}
		ready = false
	}

	if hs.leadership != nil {
		switch {
		case hs.leadership.IsLeader():
			readiness.Components["raft"] = "leader"
		case hs.leadership.LeaderAddr() != "":
			readiness.Components["raft"] = fmt.Sprintf("follower (leader: %s)", hs.leadership.LeaderAddr())
		default:
			readiness.Components["raft"] = "no leader elected"
			notReady("waiting for leader election")
		}
	}

	if hs.services != nil {
		if _, err := hs.services.ListServices(); err != nil {
			readiness.Components["storage"] = fmt.Sprintf("error: %v", err)
			notReady("storage not accessible")
		} else {
			readiness.Components["storage"] = "ok"
		}
	}

	statusCode := http.StatusOK
	readiness.Status = "ready"
	if !ready {
		readiness.Status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, readiness)
}
