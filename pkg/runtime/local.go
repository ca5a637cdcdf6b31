package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Behavior alters how LocalRunner replicas of an image act
type Behavior struct {
	// StartError makes Start fail
	StartError error
	// Crash makes replicas report as exited
	Crash bool
	// Unhealthy makes the health endpoint answer 503
	Unhealthy bool
}

// LocalRunner runs each replica as an in-process HTTP server on the
// loopback interface. Replicas answer /health and echo their identity on
// every other path. It backs the embedded runtime and tests.
type LocalRunner struct {
	host       string
	healthPath string

	mu        sync.Mutex
	replicas  map[string]*localReplica
	behaviors map[string]Behavior
}

type localReplica struct {
	id       string
	image    string
	server   *http.Server
	listener net.Listener
}

// NewLocalRunner creates a runner binding replicas on 127.0.0.1
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{
		host:       "127.0.0.1",
		healthPath: "/health",
		replicas:   make(map[string]*localReplica),
		behaviors:  make(map[string]Behavior),
	}
}

// SetBehavior changes the behavior of all replicas of image, including
// ones already running
func (l *LocalRunner) SetBehavior(image string, b Behavior) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.behaviors[image] = b
}

func (l *LocalRunner) behavior(image string) Behavior {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.behaviors[image]
}

// Start implements Runner
func (l *LocalRunner) Start(ctx context.Context, replica *Replica) (string, error) {
	if replica.Spec == nil {
		return "", fmt.Errorf("replica %s has no task spec", replica.ID)
	}
	image := replica.Spec.Image
	if err := l.behavior(image).StartError; err != nil {
		return "", err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(l.host, "0"))
	if err != nil {
		return "", fmt.Errorf("failed to listen for replica %s: %w", replica.ID, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.healthPath, func(w http.ResponseWriter, r *http.Request) {
		if l.behavior(image).Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"replica":     replica.ID,
			"replica_set": replica.ReplicaSet,
			"image":       image,
			"path":        r.URL.Path,
		})
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()

	l.mu.Lock()
	l.replicas[replica.ID] = &localReplica{
		id:       replica.ID,
		image:    image,
		server:   srv,
		listener: ln,
	}
	l.mu.Unlock()

	return ln.Addr().String(), nil
}

// Stop implements Runner
func (l *LocalRunner) Stop(ctx context.Context, replicaID string) error {
	l.mu.Lock()
	r, ok := l.replicas[replicaID]
	delete(l.replicas, replicaID)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.server.Shutdown(shutdownCtx)
}

// State implements Runner
func (l *LocalRunner) State(ctx context.Context, replicaID string) (ReplicaState, error) {
	l.mu.Lock()
	r, ok := l.replicas[replicaID]
	l.mu.Unlock()
	if !ok {
		return ReplicaExited, nil
	}
	if l.behavior(r.image).Crash {
		return ReplicaExited, nil
	}
	return ReplicaRunning, nil
}

// Running returns the number of replicas currently serving
func (l *LocalRunner) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.replicas)
}

// Close stops every replica
func (l *LocalRunner) Close() error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.replicas))
	for id := range l.replicas {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		_ = l.Stop(context.Background(), id)
	}
	return nil
}
